package service_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/servicectx"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/config"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/distributer"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/service"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

func TestService_MemoryBackend(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manifest := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
topics:
  orders:
    - tcp://source-1:9000
    - tcp://source-2:9000
  payments:
    - tcp://source-3:9000
`), 0o600))

	logger := log.NewDebugLogger()
	proc, err := servicectx.New(ctx, logger, servicectx.WithoutSignals(), servicectx.WithUniqueID("host1"))
	require.NoError(t, err)

	cfg := config.New()
	cfg.Manifest = manifest
	cfg.Metrics.Listen = "127.0.0.1:0"
	svc, err := service.Start(ctx, proc, logger, cfg)
	require.NoError(t, err)

	// Single host owns all channels
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"tcp://source-1:9000", "tcp://source-2:9000"}, svc.Owned("orders")) &&
			assert.ObjectsAreEqual([]string{"tcp://source-3:9000"}, svc.Owned("payments"))
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "host1", svc.Distributer().HostID())
	assert.True(t, svc.Distributer().IsLeader())
	assert.Nil(t, svc.Owned("unknown"))

	// Metrics are exposed for scraping
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(t, svc.MetricsURL()), "distributer_assignment_published_total")
	}, 10*time.Second, 10*time.Millisecond)

	// Mode change is logged for each topic
	require.NoError(t, svc.Distributer().SetOperationMode(ctx, distributer.ModePaused))
	assert.Eventually(t, func() bool {
		return logger.CompareJSONMessages(`
{"level":"info","message":"operation mode of the topic \"orders\" is \"paused\", version %d","component":"service"}
`) == nil
	}, 10*time.Second, 10*time.Millisecond)

	proc.Shutdown(ctx, errors.New("bye"))
	proc.WaitForShutdown()

	logger.AssertJSONMessages(t, `
{"level":"warn","message":"memory coordination backend is not shared between processes, the cluster has a single host"}
{"level":"info","message":"distributer started","component":"distributer","host":"host1"}
{"level":"info","message":"host \"host1\" started, 2 topics","component":"service"}
{"level":"info","message":"exiting (bye)"}
{"level":"info","message":"received shutdown request","component":"distributer","host":"host1"}
{"level":"info","message":"shutdown done","component":"distributer","host":"host1"}
{"level":"info","message":"exited"}
`)
	assert.ErrorIs(t, svc.Distributer().RegisterChannels(ctx, "orders", nil), distributer.ErrShutdown)
}

func TestService_InvalidManifest(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	proc, err := servicectx.New(ctx, log.NewNopLogger(), servicectx.WithoutSignals(), servicectx.WithUniqueID("host1"))
	require.NoError(t, err)

	cfg := config.New()
	cfg.Manifest = filepath.Join(t.TempDir(), "missing.yaml")
	svc, err := service.Start(ctx, proc, log.NewNopLogger(), cfg)
	require.Error(t, err)
	assert.Nil(t, svc)
	assert.Contains(t, err.Error(), "cannot read manifest")

	proc.Shutdown(ctx, err)
	proc.WaitForShutdown()
}

func TestService_ManifestReload(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manifest := filepath.Join(t.TempDir(), "manifest.yaml")
	writeManifest(t, manifest, "topics:\n  orders:\n    - tcp://source-1:9000\n    - tcp://source-2:9000\n")

	logger := log.NewDebugLogger()
	proc, err := servicectx.New(ctx, logger, servicectx.WithoutSignals(), servicectx.WithUniqueID("host1"))
	require.NoError(t, err)

	cfg := config.New()
	cfg.Manifest = manifest
	svc, err := service.Start(ctx, proc, logger, cfg)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"tcp://source-1:9000", "tcp://source-2:9000"}, svc.Owned("orders"))
	}, 10*time.Second, 10*time.Millisecond)

	// Changed channels and a new topic
	writeManifest(t, manifest, "topics:\n  orders:\n    - tcp://source-1:9000\n    - tcp://source-3:9000\n  payments:\n    - tcp://source-4:9000\n")
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"tcp://source-1:9000", "tcp://source-3:9000"}, svc.Owned("orders")) &&
			assert.ObjectsAreEqual([]string{"tcp://source-4:9000"}, svc.Owned("payments"))
	}, 10*time.Second, 10*time.Millisecond)

	// Invalid manifest is ignored
	writeManifest(t, manifest, "channels: []\n")
	assert.Eventually(t, func() bool {
		return logger.CompareJSONMessages(`{"level":"error","message":"cannot reload manifest: cannot decode manifest: %s","component":"service"}`) == nil
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tcp://source-1:9000", "tcp://source-3:9000"}, svc.Owned("orders"))

	// Channels of a removed topic are released
	writeManifest(t, manifest, "topics:\n  payments:\n    - tcp://source-4:9000\n")
	assert.Eventually(t, func() bool {
		return len(svc.Owned("orders")) == 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tcp://source-4:9000"}, svc.Owned("payments"))

	proc.Shutdown(ctx, errors.New("bye"))
	proc.WaitForShutdown()

	logger.AssertJSONMessages(t, `
{"level":"info","message":"host \"host1\" started, 1 topics","component":"service"}
{"level":"info","message":"manifest \"%s\" changed, 2 topics","component":"service"}
{"level":"info","message":"acquired channel \"tcp://source-4:9000\" of the topic \"payments\", epoch %d","component":"service"}
{"level":"info","message":"manifest \"%s\" changed, 1 topics","component":"service"}
{"level":"info","message":"released channel \"tcp://source-1:9000\" of the topic \"orders\", epoch %d","component":"service"}
`)
}

// writeManifest replaces the file atomically, as a config mount does.
func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url) // nolint:noctx
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
