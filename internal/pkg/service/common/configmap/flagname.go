package configmap

import (
	"strings"

	"github.com/umisama/go-regexpcache"
)

// fieldToFlagName converts a config key path to a flag name, for example "registry.maxRetries" to "registry-max-retries".
func fieldToFlagName(fieldName string) string {
	str := regexpcache.MustCompile(`[A-Z]+`).ReplaceAllString(fieldName, "-$0")
	str = regexpcache.MustCompile(`[-.\s]+`).ReplaceAllString(str, "-")
	str = strings.Trim(str, "-")
	str = strings.ToLower(str)
	return str
}

// flagToEnv converts a flag name to an ENV name, for example "registry-max-retries" to "MY_APP_REGISTRY_MAX_RETRIES".
func flagToEnv(prefix, flagName string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
