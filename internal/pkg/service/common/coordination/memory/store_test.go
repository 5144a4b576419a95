package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

func TestSession_SetIfVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore().NewSession("host1")

	// Create
	v1, err := s.SetIfVersion(ctx, "registry/foo", []byte("a"), coordination.NoVersion)
	require.NoError(t, err)
	assert.NotEqual(t, coordination.NoVersion, v1)

	// Create again, conflict
	_, err = s.SetIfVersion(ctx, "registry/foo", []byte("b"), coordination.NoVersion)
	assert.ErrorIs(t, err, coordination.ErrVersionConflict)

	// Update
	v2, err := s.SetIfVersion(ctx, "registry/foo", []byte("b"), v1)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	// Update with an old version, conflict
	_, err = s.SetIfVersion(ctx, "registry/foo", []byte("c"), v1)
	assert.ErrorIs(t, err, coordination.ErrVersionConflict)

	node, err := s.Get(ctx, "registry/foo")
	require.NoError(t, err)
	assert.Equal(t, "b", string(node.Data))
	assert.Equal(t, v2, node.Version)

	// Delete
	assert.ErrorIs(t, s.Delete(ctx, "registry/foo", v1), coordination.ErrVersionConflict)
	require.NoError(t, s.Delete(ctx, "registry/foo", v2))
	require.NoError(t, s.Delete(ctx, "registry/foo", coordination.AnyVersion))
	node, err = s.Get(ctx, "registry/foo")
	require.NoError(t, err)
	assert.False(t, node.Exists())
}

func TestSession_EphemeralAndWatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore()
	s1 := store.NewSession("host1")
	s2 := store.NewSession("host2")

	children, childrenWatch, err := s2.ChildrenW(ctx, "members")
	require.NoError(t, err)
	assert.Empty(t, children)

	node, dataWatch, err := s2.GetW(ctx, "members/host1")
	require.NoError(t, err)
	assert.False(t, node.Exists())

	require.NoError(t, s1.CreateEphemeral(ctx, "members/host1", []byte("host1")))
	assert.ErrorIs(t, s1.CreateEphemeral(ctx, "members/host1", nil), coordination.ErrNodeExists)

	assert.Equal(t, coordination.Event{Type: coordination.EventChildrenChanged, Path: "members"}, <-childrenWatch)
	assert.Equal(t, coordination.Event{Type: coordination.EventNodeCreated, Path: "members/host1"}, <-dataWatch)

	// Watch is one-shot
	_, ok := <-childrenWatch
	assert.False(t, ok)

	// Session expiration removes ephemeral nodes
	_, dataWatch, err = s2.GetW(ctx, "members/host1")
	require.NoError(t, err)
	s1.Expire()
	assert.Equal(t, coordination.Event{Type: coordination.EventNodeDeleted, Path: "members/host1"}, <-dataWatch)
	assert.Empty(t, store.Keys())

	// Closed session
	_, err = s1.Get(ctx, "members/host1")
	assert.ErrorIs(t, err, coordination.ErrSessionClosed)
	select {
	case <-s1.Done():
	default:
		assert.Fail(t, "session is not done")
	}
}

func TestSession_SessionLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore().NewSession("host1")

	_, watch, err := s.GetW(ctx, "assignment/foo")
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, coordination.EventSessionLost, (<-watch).Type)
}

func TestSession_Reconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore()
	s1 := store.NewSession("host1")
	s2 := store.NewSession("host2")

	require.NoError(t, s1.CreateEphemeral(ctx, "members/host1", []byte("host1")))
	_, ownWatch, err := s1.GetW(ctx, "assignment/foo")
	require.NoError(t, err)
	_, ownMembersWatch, err := s1.ChildrenW(ctx, "members")
	require.NoError(t, err)
	_, otherWatch, err := s2.ChildrenW(ctx, "members")
	require.NoError(t, err)

	// Own watches see the lost session, not the removal of own ephemeral nodes
	s1.Reconnect()
	assert.Equal(t, coordination.Event{Type: coordination.EventSessionLost, Path: "assignment/foo"}, <-ownWatch)
	assert.Equal(t, coordination.Event{Type: coordination.EventSessionLost, Path: "members"}, <-ownMembersWatch)
	assert.Equal(t, coordination.Event{Type: coordination.EventChildrenChanged, Path: "members"}, <-otherWatch)
	assert.Empty(t, store.Keys())

	// The session is still usable
	assert.False(t, coordination.IsClosed(s1))
	require.NoError(t, s1.CreateEphemeral(ctx, "members/host1", []byte("host1")))
	assert.Equal(t, []string{"members/host1"}, store.Keys())

	// No-op on a closed session
	require.NoError(t, s1.Close(ctx))
	s1.Reconnect()
	assert.Empty(t, store.Keys())
	assert.True(t, coordination.IsClosed(s1))
}

func TestSession_WatchCancelled(t *testing.T) {
	t.Parallel()
	s := NewStore().NewSession("host1")

	ctx, cancel := context.WithCancel(context.Background())
	_, watch, err := s.GetW(ctx, "assignment/foo")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-watch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		assert.Fail(t, "watch is not closed")
	}
}

func TestSession_CreateEphemeralSequential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore()
	s1 := store.NewSession("host1")
	s2 := store.NewSession("host2")

	name1, err := s2.CreateEphemeralSequential(ctx, "election", "candidate-", []byte("host2"))
	require.NoError(t, err)
	name2, err := s1.CreateEphemeralSequential(ctx, "election", "candidate-", []byte("host1"))
	require.NoError(t, err)
	assert.NotEqual(t, name1, name2)

	children, err := s1.Children(ctx, "election")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, name1, children[0].Name)
	assert.Equal(t, name2, children[1].Name)
	assert.Less(t, children[0].Seq, children[1].Seq)

	// Nested keys are not direct children
	_, err = s1.SetIfVersion(ctx, "election/x/y", nil, coordination.NoVersion)
	require.NoError(t, err)
	children, err = s1.Children(ctx, "election")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestStore_BeforeWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	failures := 1
	store := NewStore(WithBeforeWrite(func(path string) error {
		if failures > 0 {
			failures--
			return coordination.NewConnectionError(errors.New("connection lost"))
		}
		return nil
	}))
	s := store.NewSession("host1")

	_, err := s.SetIfVersion(ctx, "mode", []byte("running"), coordination.NoVersion)
	assert.True(t, coordination.IsTransient(err))
	_, err = s.SetIfVersion(ctx, "mode", []byte("running"), coordination.NoVersion)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"mode": "running"}, store.Dump())
}
