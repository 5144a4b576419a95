package errors

import (
	"strings"
)

// NestedError is an error with a main message, the sub errors are available via Unwrap.
type NestedError interface {
	error
	MainError() error
	WrappedErrors() []error
	Unwrap() []error
}

type nestedError struct {
	main      error
	subErrors []error
}

func (e *nestedError) Error() string {
	prefix := strings.TrimRight(e.main.Error(), ".,:")
	switch len(e.subErrors) {
	case 0:
		return e.main.Error()
	case 1:
		return prefix + ": " + e.subErrors[0].Error()
	default:
		var out strings.Builder
		out.WriteString(prefix)
		out.WriteString(":")
		for _, err := range e.subErrors {
			out.WriteString("\n- ")
			out.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n  "))
		}
		return out.String()
	}
}

func (e *nestedError) MainError() error {
	return e.main
}

func (e *nestedError) WrappedErrors() []error {
	return e.subErrors
}

func (e *nestedError) Unwrap() []error {
	return append([]error{e.main}, e.subErrors...)
}

// PrefixError prepends a prefix to the error message, the original error is still available via errors.Is/As.
func PrefixError(err error, prefix string) error {
	return NewNestedError(New(prefix), err)
}

func PrefixErrorf(err error, format string, a ...any) error {
	return NewNestedError(Errorf(format, a...), err)
}

func NewNestedError(main error, subErrs ...error) NestedError {
	if main == nil {
		panic("error cannot be nil")
	}

	var flat []error
	for _, err := range subErrs {
		var multi MultiError
		if As(err, &multi) {
			flat = append(flat, multi.WrappedErrors()...)
		} else if err != nil {
			flat = append(flat, err)
		}
	}

	return &nestedError{main: main, subErrors: flat}
}
