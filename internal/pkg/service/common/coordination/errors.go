package coordination

import (
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

var (
	// ErrVersionConflict is returned by a version-checked write, if the node has been modified in the meantime.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNodeExists is returned on creation of an existing node.
	ErrNodeExists = errors.New("node already exists")
	// ErrSessionClosed is returned by an operation on a closed or expired session.
	ErrSessionClosed = errors.New("session closed")
)

// ConnectionError wraps a transient error of the backend connection.
type ConnectionError struct {
	err error
}

func NewConnectionError(err error) ConnectionError {
	return ConnectionError{err: err}
}

func (e ConnectionError) Error() string {
	return "coordination connection error: " + e.err.Error()
}

func (e ConnectionError) Unwrap() error {
	return e.err
}

// IsTransient returns true, if the operation may succeed on retry.
func IsTransient(err error) bool {
	var connErr ConnectionError
	return errors.Is(err, ErrVersionConflict) || errors.As(err, &connErr)
}
