package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestDebugLogger_JSONMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logger := NewDebugLogger()
	logger.Debug(ctx, "debug")
	logger.WithComponent("distribution").Infof(ctx, `found a new node "%s"`, "node1")
	logger.WithComponent("distribution").WithComponent("listeners").Warn(ctx, "warn")
	logger.With(attribute.String("topic", "foo")).Error(ctx, "error")

	logger.AssertJSONMessages(t, `
{"level":"debug","message":"debug"}
{"level":"info","message":"found a new node \"node%d\"","component":"distribution"}
{"level":"warn","message":"warn","component":"distribution.listeners"}
{"level":"error","message":"error","topic":"foo"}
`)
}

func TestDebugLogger_Filter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logger := NewDebugLogger()
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")
	logger.Error(ctx, "error")

	assert.Equal(t, "{\"level\":\"warn\",\"message\":\"warn\"}\n{\"level\":\"error\",\"message\":\"error\"}\n", logger.WarnAndErrorMessages())
	assert.Equal(t, "{\"level\":\"error\",\"message\":\"error\"}\n", logger.ErrorMessages())

	logger.Truncate()
	assert.Empty(t, logger.AllMessages())
}

func TestServiceLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var out bytes.Buffer
	logger := NewServiceLogger(&out, FormatJSON, false)
	logger.Debug(ctx, "hidden")
	logger.WithComponent("distributer").Info(ctx, "visible")
	assert.NoError(t, logger.Sync())

	assert.NotContains(t, out.String(), "hidden")
	AssertJSONMessages(t, `{"level":"info","message":"visible","component":"distributer","time":"%s"}`, out.String())
}

func TestServiceLogger_Console(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var out bytes.Buffer
	logger := NewServiceLogger(&out, FormatConsole, true)
	logger.Debug(ctx, "visible")
	assert.NoError(t, logger.Sync())
	assert.Contains(t, out.String(), "DEBUG\tvisible")
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("console")
	assert.NoError(t, err)
	assert.Equal(t, FormatConsole, f)

	f, err = ParseFormat("xml")
	assert.Equal(t, FormatJSON, f)
	if assert.Error(t, err) {
		assert.Equal(t, `unexpected log format "xml", expected "json" or "console"`, err.Error())
	}
}

func TestCompareJSONMessages(t *testing.T) {
	t.Parallel()

	actual := `
{"level":"info","message":"first","count":1}
{"level":"info","message":"second"}
{"level":"warn","message":"third"}
`

	// Subset of messages and fields, in order
	assert.NoError(t, CompareJSONMessages(`
{"message":"first","count":1}
{"level":"warn","message":"th%s"}
`, actual))

	// Wrong order
	err := CompareJSONMessages(`
{"message":"second"}
{"message":"first"}
`, actual)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "Expected:\n-----\n{\"message\":\"first\"}")
	}

	// Type mismatch
	assert.Error(t, CompareJSONMessages(`{"count":"1"}`, actual))

	// Invalid JSON
	err = CompareJSONMessages(`{"message":`, actual)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "invalid expected messages")
	}
}

func TestDebugLogger_ConnectTo(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger := NewDebugLogger()
	logger.ConnectTo(&out)
	logger.Info(context.Background(), "message")
	assert.Equal(t, logger.AllMessages(), out.String())
}

func TestZapLogger(t *testing.T) {
	t.Parallel()
	logger := NewDebugLogger()

	zl := ZapLogger(logger.WithComponent("etcd-client"))
	zl.Debug("skipped")
	zl.Info("message")

	logger.AssertJSONMessages(t, `{"level":"info","message":"message","component":"etcd-client"}`)
	assert.NotContains(t, logger.AllMessages(), "skipped")
}
