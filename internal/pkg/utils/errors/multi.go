package errors

import (
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// MultiError collects errors, it is safe for concurrent use.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	AppendWithPrefix(err error, prefix string)
	AppendWithPrefixf(err error, format string, a ...any)
	WrappedErrors() []error
	Unwrap() []error
	ErrorOrNil() error
}

type multiError struct {
	lock   *sync.Mutex
	errors error
}

func NewMultiError() MultiError {
	return &multiError{lock: &sync.Mutex{}}
}

func (e *multiError) Len() int {
	return len(e.WrappedErrors())
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		// Flatten nested multi errors
		var sub *multiError
		if As(err, &sub) && sub != e {
			e.errors = multierr.Append(e.errors, multierr.Combine(sub.WrappedErrors()...))
			continue
		}
		e.errors = multierr.Append(e.errors, err)
	}
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	if err != nil {
		e.Append(PrefixError(err, prefix))
	}
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	if err != nil {
		e.Append(PrefixErrorf(err, format, a...))
	}
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return multierr.Errors(e.errors)
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

// ErrorOrNil returns nil if there is no error, so the MultiError can be used as a regular error.
func (e *multiError) ErrorOrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

// Error formats all errors as a bullet list, a single error is returned as is.
func (e *multiError) Error() string {
	errs := e.WrappedErrors()
	if len(errs) == 1 {
		return errs[0].Error()
	}

	var out strings.Builder
	for i, err := range errs {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString("- ")
		out.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n  "))
	}
	return out.String()
}
