// Package validator validates configuration structures and values using "validate" struct tags.
//
// Field names in error messages are taken from the "configKey" tag, so they match flag and ENV names.
package validator

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"
	"github.com/umisama/go-regexpcache"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const (
	// TopicPattern matches a valid topic name.
	TopicPattern = `^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`
	nestedName   = "__nested__"
)

type Rule struct {
	Tag          string
	Func         validator.Func
	ErrorMsg     string
	ErrorMsgFunc func(fe validator.FieldError) string
}

type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
	messages   map[string]func(fe validator.FieldError) string
}

func New(rules ...Rule) *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		messages: make(map[string]func(fe validator.FieldError) string),
	}

	// Register default EN translator
	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic(errors.New("en translator was not found"))
	}
	if err := enTranslation.RegisterDefaultTranslations(v.validate, translator); err != nil {
		panic(errors.Errorf("translator was not registered: %w", err))
	}
	v.translator = translator

	// Register default and custom rules
	defaults := []Rule{
		{
			Tag: "topic",
			Func: func(fl validator.FieldLevel) bool {
				return regexpcache.MustCompile(TopicPattern).MatchString(fl.Field().String())
			},
			ErrorMsg: "is not a valid topic name, it must match " + TopicPattern,
		},
		{
			Tag: "required_not_empty",
			Func: func(fl validator.FieldLevel) bool {
				return fl.Field().IsValid() && !fl.Field().IsZero() && !(isCollection(fl.Field()) && fl.Field().Len() == 0)
			},
			ErrorMsg: "is a required field",
		},
	}
	for _, rule := range append(defaults, rules...) {
		if err := v.validate.RegisterValidation(rule.Tag, rule.Func); err != nil {
			panic(err)
		}
		switch {
		case rule.ErrorMsgFunc != nil:
			v.messages[rule.Tag] = rule.ErrorMsgFunc
		case rule.ErrorMsg != "":
			msg := rule.ErrorMsg
			v.messages[rule.Tag] = func(validator.FieldError) string { return msg }
		}
	}

	// Use "configKey" field name in error messages, anonymous fields are removed from the namespace.
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if fld.Anonymous {
			return nestedName
		}
		name := strings.SplitN(fld.Tag.Get("configKey"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return v
}

// Validate validates a struct or a pointer to a struct.
func (v *Validator) Validate(ctx context.Context, value any) error {
	err := v.validate.StructCtx(ctx, value)
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return errors.Errorf("cannot validate: %s", invalid.Error())
	}
	return v.processError(err, "")
}

// ValidateValue validates a single value against the tag.
func (v *Validator) ValidateValue(value any, tag string) error {
	return v.ValidateCtx(context.Background(), value, tag, "")
}

// ValidateCtx validates a value against the tag, error messages are prefixed by the namespace.
func (v *Validator) ValidateCtx(ctx context.Context, value any, tag, namespace string) error {
	return v.processError(v.validate.VarCtx(ctx, value, tag), namespace)
}

func (v *Validator) processError(err error, namespace string) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := errors.NewMultiError()
	for _, e := range validationErrs {
		var msg string
		if fn, ok := v.messages[e.Tag()]; ok {
			msg = fn(e)
		} else {
			msg = strings.TrimSpace(strings.TrimPrefix(e.Translate(v.translator), e.Field()))
		}

		field := processNamespace(e.Namespace())
		if namespace != "" {
			field = strings.Trim(namespace+"."+field, ".")
		}

		if field == "" {
			errs.Append(errors.New(msg))
		} else {
			errs.Append(errors.Errorf(`"%s" %s`, field, msg))
		}
	}
	return errs.ErrorOrNil()
}

// processNamespace removes the struct name (first part) and nested parts.
func processNamespace(namespace string) string {
	namespace = strings.ReplaceAll(namespace, nestedName+".", "")
	if _, after, found := strings.Cut(namespace, "."); found {
		return after
	}
	return ""
}

func isCollection(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return true
	default:
		return false
	}
}
