package distributer

import (
	"fmt"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// ErrShutdown is returned by operations called after the Distributer.Shutdown.
var ErrShutdown = errors.New("distributer has been shut down")

// ConfigError is a synchronous rejection of an invalid request, nothing has been published.
type ConfigError struct {
	err error
}

func newConfigError(err error) ConfigError {
	return ConfigError{err: err}
}

func newConfigErrorf(format string, a ...any) ConfigError {
	return ConfigError{err: errors.Errorf(format, a...)}
}

func (e ConfigError) Error() string {
	return e.err.Error()
}

func (e ConfigError) Unwrap() error {
	return e.err
}

// RetryExhaustedError is returned when a version-checked write has not succeeded within the retry limit.
// The previous value stays authoritative.
type RetryExhaustedError struct {
	Path     string
	Attempts int
	err      error
}

func (e RetryExhaustedError) Error() string {
	return fmt.Sprintf(`cannot update "%s" after %d attempts: %s`, e.Path, e.Attempts, e.err)
}

func (e RetryExhaustedError) Unwrap() error {
	return e.err
}
