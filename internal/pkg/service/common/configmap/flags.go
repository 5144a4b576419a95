// Package configmap maps a configuration structure to flags, ENVs and config files.
//
// Each field tagged by the "configKey" tag is mapped to a flag, nested structures are joined by a dot.
// A field can optionally have the "configUsage" and "configShorthand" tags.
package configmap

import (
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const (
	configKeyTag       = "configKey"
	configUsageTag     = "configUsage"
	configShorthandTag = "configShorthand"
)

type onLeafFn func(path []string, field reflect.StructField, value reflect.Value) error

func MustGenerateFlags(fs *pflag.FlagSet, v any) {
	if err := GenerateFlags(fs, v); err != nil {
		panic(err)
	}
}

// GenerateFlags generates flags from the provided configuration structure, current values are used as defaults.
func GenerateFlags(fs *pflag.FlagSet, v any) error {
	value, err := structValue(v)
	if err != nil {
		return errors.PrefixError(err, "cannot generate flags")
	}

	return visitLeaves(value, nil, func(path []string, field reflect.StructField, value reflect.Value) error {
		flagName := fieldToFlagName(strings.Join(path, "."))
		shorthand := field.Tag.Get(configShorthandTag)
		usage := field.Tag.Get(configUsageTag)

		// Duration must be checked before the underlying int64
		switch v := value.Interface().(type) {
		case time.Duration:
			fs.DurationP(flagName, shorthand, v, usage)
		case string:
			fs.StringP(flagName, shorthand, v, usage)
		case bool:
			fs.BoolP(flagName, shorthand, v, usage)
		case int:
			fs.IntP(flagName, shorthand, v, usage)
		case uint64:
			fs.Uint64P(flagName, shorthand, v, usage)
		case []string:
			fs.StringSliceP(flagName, shorthand, v, usage)
		default:
			return errors.Errorf(`field "%s": unexpected type "%T"`, strings.Join(path, "."), v)
		}
		return nil
	})
}

// visitLeaves calls the fn for each tagged field which is not a structure.
func visitLeaves(value reflect.Value, path []string, fn onLeafFn) error {
	typ := value.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		key, found := field.Tag.Lookup(configKeyTag)
		if !found || key == "" || key == "-" {
			continue
		}

		fieldPath := append(slices.Clone(path), key)
		fieldValue := value.Field(i)
		if field.Type.Kind() == reflect.Struct {
			if err := visitLeaves(fieldValue, fieldPath, fn); err != nil {
				return err
			}
			continue
		}

		if err := fn(fieldPath, field, fieldValue); err != nil {
			return err
		}
	}
	return nil
}

func structValue(v any) (reflect.Value, error) {
	value := reflect.ValueOf(v)
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return value, errors.Errorf(`type "%T" is not a struct or a pointer to a struct`, v)
	}
	return value, nil
}
