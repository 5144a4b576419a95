// Package errors extends the standard errors package with wrapping helpers,
// prefixed (nested) errors and multi errors.
//
// The package is intended as a drop-in replacement of the standard "errors" package.
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrUnsupported is re-exported from the standard library.
var ErrUnsupported = stdErrors.ErrUnsupported // nolint: gochecknoglobals

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

func New(msg string) error {
	return stdErrors.New(msg)
}

// Errorf works like fmt.Errorf, the %w verb is supported.
func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...) // nolint: forbidigo
}

// Wrapf returns a new error with the formatted message, the original error is available via Unwrap.
func Wrapf(err error, format string, a ...any) error {
	return &wrappedError{msg: fmt.Sprintf(format, a...), err: err}
}

func Is(err, target error) bool {
	return stdErrors.Is(err, target)
}

func As(err error, target any) bool {
	return stdErrors.As(err, target)
}
