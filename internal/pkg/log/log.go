// Package log provides a structured logger based on the zap library.
//
// Each message is logged with a context, attributes can be attached via Logger.With.
// A component name is attached via Logger.WithComponent, nested components are joined by a dot.
package log

import (
	"context"
	"io"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

const componentKey = "component"

type Logger interface {
	// Debug logs message in the debug level.
	Debug(ctx context.Context, message string)
	// Info logs message in the info level.
	Info(ctx context.Context, message string)
	// Warn logs message in the warning level.
	Warn(ctx context.Context, message string)
	// Error logs message in the error level.
	Error(ctx context.Context, message string)

	Debugf(ctx context.Context, template string, args ...any)
	Infof(ctx context.Context, template string, args ...any)
	Warnf(ctx context.Context, template string, args ...any)
	Errorf(ctx context.Context, template string, args ...any)

	// With returns a child logger, the attributes are attached to each message.
	With(attrs ...attribute.KeyValue) Logger
	// WithComponent returns a child logger, the component is appended to the parent component, if any.
	WithComponent(component string) Logger

	Sync() error
}

// DebugLogger returns logs as string in tests.
type DebugLogger interface {
	Logger
	ConnectTo(writer io.Writer)
	Truncate()
	AllMessages() string
	WarnAndErrorMessages() string
	ErrorMessages() string
	CompareJSONMessages(expected string) error
	AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool
}
