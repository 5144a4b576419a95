package distributer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distribution"
)

func TestRegistryBlob_Channels(t *testing.T) {
	t.Parallel()
	blob := registryBlob{Hosts: map[string][]string{
		"host1": {"tcp://b:1", "tcp://a:1"},
		"host2": {"tcp://a:1", "tcp://c:1"},
	}}
	assert.Equal(t, []string{"tcp://a:1", "tcp://b:1", "tcp://c:1"}, blob.Channels())
	assert.Empty(t, registryBlob{}.Channels())
}

func TestAssignmentBlob_Owned(t *testing.T) {
	t.Parallel()
	blob := assignmentBlob{Epoch: 3, Leader: "host1", Channels: distribution.Assignment{
		"tcp://a:1": "host1",
		"tcp://b:1": "host2",
		"tcp://c:1": "host1",
	}}
	assert.ElementsMatch(t, []string{"tcp://a:1", "tcp://c:1"}, blob.Owned("host1").ToSlice())
	assert.Equal(t, 0, blob.Owned("host3").Cardinality())
}

func TestDecodeBlob(t *testing.T) {
	t.Parallel()

	// Missing node
	blob, err := decodeBlob[assignmentBlob](coordination.Node{Path: "assignment/orders"})
	require.NoError(t, err)
	assert.Equal(t, assignmentBlob{}, blob)

	// Round trip of the stored format
	data, err := encodeBlob(assignmentBlob{Epoch: 2, Leader: "host1", Channels: distribution.Assignment{"tcp://a:1": "host2"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"epoch":2,"leader":"host1","channels":{"tcp://a:1":"host2"}}`, string(data))
	blob, err = decodeBlob[assignmentBlob](coordination.Node{Path: "assignment/orders", Data: data, Version: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), blob.Epoch)

	// Invalid data
	_, err = decodeBlob[modeBlob](coordination.Node{Path: "mode", Data: []byte("{"), Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot decode "mode"`)
}

func TestOperationMode_Validate(t *testing.T) {
	t.Parallel()
	require.NoError(t, ModeRunning.Validate())
	require.NoError(t, ModePaused.Validate())
	err := OperationMode("stopped").Validate()
	require.Error(t, err)
	assert.Equal(t, `unexpected operation mode "stopped", expected one of "running", "paused"`, err.Error())
}

func TestTopicState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unregistered", TopicUnregistered.String())
	assert.Equal(t, "registering", TopicRegistering.String())
	assert.Equal(t, "stable", TopicStable.String())
	assert.Equal(t, "reconciling", TopicReconciling.String())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require.NoError(t, NewConfig().Validate(ctx))

	cfg := NewConfig()
	cfg.Registry.MaxRetries = 0
	err := cfg.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"registry.maxRetries"`)

	cfg = NewConfig()
	cfg.Election.RejoinMaxDelay = cfg.Election.RejoinInitialDelay / 2
	err = cfg.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"election.rejoinMaxDelay"`)
}
