// Package etcdhelper provides etcd helpers for tests.
package etcdhelper

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"
	"github.com/umisama/go-regexpcache"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/tests/v3/integration"

	"github.com/keboola/channel-distributer/internal/pkg/idgenerator"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/etcdclient"
)

// ClientForTest starts an embedded single node etcd cluster and returns a client scoped to a random namespace.
// The cluster is terminated after the test.
func ClientForTest(t *testing.T) *etcd.Client {
	t.Helper()

	integration.BeforeTestExternal(t)
	cluster := integration.NewClusterV3(t, &integration.ClusterConfig{Size: 1})
	t.Cleanup(func() {
		cluster.Terminate(t)
	})
	cluster.WaitLeader(t)

	client := cluster.Client(0)
	etcdclient.UseNamespace(client, "unit-"+idgenerator.NamespaceForTest()+"/")
	return client
}

// DumpAllKeys returns all keys in the namespace of the client, in the lexicographic order.
func DumpAllKeys(ctx context.Context, client etcd.KV) ([]string, error) {
	resp, err := client.Get(ctx, "", etcd.WithFromKey(), etcd.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	sort.Strings(keys)
	return keys, nil
}

// AssertKeys compares all keys in the namespace of the client with the expected keys.
// Expected keys may contain wildcards, keys matching an ignored regexp pattern are skipped.
func AssertKeys(t assert.TestingT, client etcd.KV, expected []string, ignoredPatterns ...string) bool {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}

	keys, err := DumpAllKeys(context.Background(), client)
	if !assert.NoError(t, err) {
		return false
	}

	var actual []string
	for _, key := range keys {
		ignored := false
		for _, pattern := range ignoredPatterns {
			if regexpcache.MustCompile(pattern).MatchString(key) {
				ignored = true
				break
			}
		}
		if !ignored {
			actual = append(actual, key)
		}
	}

	expected = append([]string(nil), expected...)
	sort.Strings(expected)
	return wildcards.Assert(t, strings.Join(expected, "\n"), strings.Join(actual, "\n"))
}
