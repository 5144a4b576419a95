package configmap

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// HelpError is returned by Bind if the "--help" flag is present.
// The Help field contains generated usage of all flags.
type HelpError struct {
	Help string
}

func (h HelpError) Error() string {
	return "help requested"
}

func newHelpError(spec BindSpec, fs *pflag.FlagSet) HelpError {
	var out strings.Builder
	line := func(format string, a ...any) {
		_, _ = fmt.Fprintf(&out, format+"\n", a...)
	}

	line(`Usage of "%s":`, spec.Name)
	out.WriteString(fs.FlagUsages())
	line("")
	line("Each value is taken from the first source that defines it: flag, ENV, config file, default.")
	if spec.EnvPrefix != "" {
		line(`ENV names are derived from flag names, the flag "--foo-bar" becomes the "%s" ENV.`, flagToEnv(spec.EnvPrefix, "foo-bar"))
	}
	line(`Config files in JSON or YAML format are passed by the "--%s" flag, a later file overrides an earlier one.`, ConfigFileFlag)

	return HelpError{Help: out.String()}
}
