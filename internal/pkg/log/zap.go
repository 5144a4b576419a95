// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapBased interface {
	base() *zapLogger
}

func (l *zapLogger) base() *zapLogger {
	return l
}

// ZapLogger converts the logger to *zap.Logger, it is used to connect a third-party library, for example the etcd client.
// Debug messages of the library are skipped.
func ZapLogger(l Logger) *zap.Logger {
	zb, ok := l.(zapBased)
	if !ok {
		return zap.NewNop()
	}

	zl := zb.base()
	out := zl.logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	if zl.component != "" {
		out = out.With(zap.String(componentKey, zl.component))
	}
	return out
}
