// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"io"

	"go.uber.org/zap/zapcore"
)

// NewServiceLogger creates a logger for a long-running service.
// Debug messages are logged only if the debug flag is set.
func NewServiceLogger(w io.Writer, format Format, debug bool) Logger {
	level := InfoLevel
	if debug {
		level = DebugLevel
	}
	return loggerFromZapCore(zapcore.NewCore(format.encoder(), zapcore.AddSync(w), level))
}

// NewNopLogger returns a logger that discards all messages.
func NewNopLogger() Logger {
	return loggerFromZapCore(zapcore.NewNopCore())
}
