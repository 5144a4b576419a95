package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

func TestJoin(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "registry/topic", Join("/registry/", "", "topic/"))
	assert.Equal(t, "", Join())
}

func TestIsDirectChild(t *testing.T) {
	t.Parallel()

	name, ok := IsDirectChild("members", "members/host1")
	assert.True(t, ok)
	assert.Equal(t, "host1", name)

	_, ok = IsDirectChild("members", "members/host1/sub")
	assert.False(t, ok)
	_, ok = IsDirectChild("members", "membersX/host1")
	assert.False(t, ok)
	_, ok = IsDirectChild("members", "members/")
	assert.False(t, ok)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTransient(errors.PrefixError(ErrVersionConflict, "write")))
	assert.True(t, IsTransient(NewConnectionError(errors.New("timeout"))))
	assert.False(t, IsTransient(ErrSessionClosed))
}

func TestNode_Exists(t *testing.T) {
	t.Parallel()
	assert.False(t, Node{}.Exists())
	assert.True(t, Node{Version: 1}.Exists())
}
