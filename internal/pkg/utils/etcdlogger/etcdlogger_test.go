package etcdlogger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/tests/v3/integration"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/utils/etcdlogger"
)

func TestKVLogWrapper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	integration.BeforeTestExternal(t)
	cluster := integration.NewClusterV3(t, &integration.ClusterConfig{Size: 1})
	defer cluster.Terminate(t)

	logger := log.NewDebugLogger()
	kv := etcdlogger.KVLogWrapper(cluster.Client(0).KV, logger)

	_, err := kv.Put(ctx, "key1", "value1")
	require.NoError(t, err)
	_, err = kv.Get(ctx, "key", etcd.WithPrefix())
	require.NoError(t, err)
	_, err = kv.Delete(ctx, "key1")
	require.NoError(t, err)
	r, err := kv.Txn(ctx).If(etcd.Compare(etcd.CreateRevision("key1"), "=", 0)).Then(etcd.OpPut("key1", "value2")).Commit()
	require.NoError(t, err)
	assert.True(t, r.Succeeded)

	logger.AssertJSONMessages(t, `
{"level":"debug","message":"PUT \"key1\"","component":"etcd-kv","etcd.request":1}
{"level":"debug","message":"PUT \"key1\" | rev: %d | done | %s","component":"etcd-kv","etcd.request":1}
{"level":"debug","message":"GET [\"key\", \"kez\")","component":"etcd-kv","etcd.request":2}
{"level":"debug","message":"GET [\"key\", \"kez\") | rev: %d | count: 1 | done | %s","component":"etcd-kv","etcd.request":2}
{"level":"debug","message":"DEL \"key1\"","component":"etcd-kv","etcd.request":3}
{"level":"debug","message":"DEL \"key1\" | rev: %d | deleted: 1 | done | %s","component":"etcd-kv","etcd.request":3}
{"level":"debug","message":"TXN | if: [\"key1\" CREATE EQUAL] | then: [PUT \"key1\"] | else: []","component":"etcd-kv","etcd.request":4}
{"level":"debug","message":"TXN | rev: %d | succeeded: true | done | %s","component":"etcd-kv","etcd.request":4}
`)
}
