// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

type debugLogger struct {
	*zapLogger
	out *memoryWriter
}

// memoryWriter keeps all written lines, writes are optionally duplicated to connected writers.
type memoryWriter struct {
	lock      *sync.Mutex
	buffer    bytes.Buffer
	connected []io.Writer
}

// NewDebugLogger creates a logger which stores all messages in the memory as JSON lines.
// It is intended for tests.
func NewDebugLogger() DebugLogger {
	out := &memoryWriter{lock: &sync.Mutex{}}
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		LevelKey:       "level",
		MessageKey:     "message",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), DebugLevel)
	return &debugLogger{zapLogger: loggerFromZapCore(core), out: out}
}

// ConnectTo duplicates all messages to the writer, for example to os.Stdout in a verbose test.
func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.out.lock.Lock()
	defer l.out.lock.Unlock()
	l.out.connected = append(l.out.connected, writer)
}

func (l *debugLogger) Truncate() {
	l.out.lock.Lock()
	defer l.out.lock.Unlock()
	l.out.buffer.Reset()
}

func (l *debugLogger) AllMessages() string {
	l.out.lock.Lock()
	defer l.out.lock.Unlock()
	return l.out.buffer.String()
}

func (l *debugLogger) WarnAndErrorMessages() string {
	return l.filter(WarnLevel, ErrorLevel)
}

func (l *debugLogger) ErrorMessages() string {
	return l.filter(ErrorLevel)
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}

func (l *debugLogger) filter(levels ...zapcore.Level) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(l.AllMessages()))
	for scanner.Scan() {
		line := scanner.Text()
		level := jsoniter.Get([]byte(line), "level").ToString()
		for _, lvl := range levels {
			if level == lvl.String() {
				out.WriteString(line)
				out.WriteString("\n")
				break
			}
		}
	}
	return out.String()
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buffer.Write(p)
	for _, writer := range w.connected {
		if _, err := writer.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
