package etcdbackend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination/etcdbackend"
	"github.com/keboola/channel-distributer/internal/pkg/utils/etcdhelper"
)

func TestSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := etcdhelper.ClientForTest(t)
	logger := log.NewDebugLogger()

	s1, err := etcdbackend.Open(ctx, client, logger, "host1", 5)
	require.NoError(t, err)
	s2, err := etcdbackend.Open(ctx, client, logger, "host2", 5)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, s2.Close(ctx))
	}()

	// Version-checked writes
	v1, err := s1.SetIfVersion(ctx, "registry/foo", []byte("a"), coordination.NoVersion)
	require.NoError(t, err)
	_, err = s2.SetIfVersion(ctx, "registry/foo", []byte("b"), coordination.NoVersion)
	assert.ErrorIs(t, err, coordination.ErrVersionConflict)

	node, watch, err := s2.GetW(ctx, "registry/foo")
	require.NoError(t, err)
	assert.Equal(t, "a", string(node.Data))
	assert.Equal(t, v1, node.Version)

	v2, err := s1.SetIfVersion(ctx, "registry/foo", []byte("b"), v1)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
	assert.Equal(t, coordination.Event{Type: coordination.EventNodeDataChanged, Path: "registry/foo"}, <-watch)

	// Ephemeral nodes and children watch
	children, childrenWatch, err := s2.ChildrenW(ctx, "members")
	require.NoError(t, err)
	assert.Empty(t, children)
	require.NoError(t, s1.CreateEphemeral(ctx, "members/host1", []byte("host1")))
	assert.ErrorIs(t, s2.CreateEphemeral(ctx, "members/host1", nil), coordination.ErrNodeExists)
	assert.Equal(t, coordination.Event{Type: coordination.EventChildrenChanged, Path: "members"}, <-childrenWatch)

	// Sequential nodes are ordered by creation
	name1, err := s2.CreateEphemeralSequential(ctx, "election", "candidate-", []byte("host2"))
	require.NoError(t, err)
	name2, err := s1.CreateEphemeralSequential(ctx, "election", "candidate-", []byte("host1"))
	require.NoError(t, err)
	children, err = s1.Children(ctx, "election")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, name1, children[0].Name)
	assert.Equal(t, name2, children[1].Name)

	// Closed session removes its ephemeral nodes
	_, memberWatch, err := s2.GetW(ctx, "members/host1")
	require.NoError(t, err)
	require.NoError(t, s1.Close(ctx))
	select {
	case event := <-memberWatch:
		assert.Equal(t, coordination.EventNodeDeleted, event.Type)
	case <-time.After(10 * time.Second):
		require.Fail(t, "timeout")
	}
	children, err = s2.Children(ctx, "election")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	_, err = s1.Get(ctx, "registry/foo")
	assert.ErrorIs(t, err, coordination.ErrSessionClosed)

	// Delete
	assert.ErrorIs(t, s2.Delete(ctx, "registry/foo", v1), coordination.ErrVersionConflict)
	require.NoError(t, s2.Delete(ctx, "registry/foo", v2))
	require.NoError(t, s2.Delete(ctx, "registry/foo", coordination.AnyVersion))

	etcdhelper.AssertKeys(t, client, []string{
		"election/" + name1,
	})
}
