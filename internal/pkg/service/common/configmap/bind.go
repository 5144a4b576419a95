package configmap

import (
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const ConfigFileFlag = "config-file"

type LookupEnvFn func(key string) (string, bool)

type BindSpec struct {
	// Name of the program, it is used in the help.
	Name string
	// Args without the program name.
	Args []string
	// EnvPrefix, for example "MY_APP_", the flag "--foo-bar" is then read from the "MY_APP_FOO_BAR" ENV.
	EnvPrefix string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv LookupEnvFn
}

// Bind flags, ENVs and config files to the target structure.
// Values already present in the target are used as defaults.
// Priority is: 1. flag, 2. ENV, 3. config file.
func Bind(spec BindSpec, target any) error {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return errors.Errorf(`cannot bind to type "%T": it is not a pointer to a struct`, target)
	}
	value = value.Elem()

	fs := pflag.NewFlagSet(spec.Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringSlice(ConfigFileFlag, nil, "Path to a JSON/YAML configuration file.")
	if err := GenerateFlags(fs, target); err != nil {
		return err
	}

	if err := fs.Parse(spec.Args); errors.Is(err, pflag.ErrHelp) {
		return newHelpError(spec, fs)
	} else if err != nil {
		return err
	}

	v := viper.New()

	// Config files, later files override earlier files
	configFiles, err := fs.GetStringSlice(ConfigFileFlag)
	if err != nil {
		return err
	}
	for _, path := range configFiles {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return errors.PrefixErrorf(err, `cannot read config file "%s"`, path)
		}
	}

	// An ENV is applied as a flag value, if the flag is not set
	lookupEnv := spec.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	errs := errors.NewMultiError()
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || flag.Name == ConfigFileFlag {
			return
		}
		envName := flagToEnv(spec.EnvPrefix, flag.Name)
		if envValue, found := lookupEnv(envName); found {
			if err := fs.Set(flag.Name, envValue); err != nil {
				errs.Append(errors.Errorf(`invalid value of ENV "%s": %w`, envName, err))
			}
		}
	})
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	return visitLeaves(value, nil, func(path []string, _ reflect.StructField, value reflect.Value) error {
		key := strings.Join(path, ".")
		if err := v.BindPFlag(key, fs.Lookup(fieldToFlagName(key))); err != nil {
			return err
		}

		switch value.Interface().(type) {
		case time.Duration:
			value.SetInt(int64(v.GetDuration(key)))
		case string:
			value.SetString(v.GetString(key))
		case bool:
			value.SetBool(v.GetBool(key))
		case int:
			value.SetInt(int64(v.GetInt(key)))
		case uint64:
			value.SetUint(v.GetUint64(key))
		case []string:
			if items := v.GetStringSlice(key); len(items) > 0 {
				value.Set(reflect.ValueOf(items))
			} else {
				value.Set(reflect.Zero(value.Type()))
			}
		}
		return nil
	})
}
