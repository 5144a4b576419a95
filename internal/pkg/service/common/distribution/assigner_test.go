package distribution_test

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/lafikl/consistent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/distribution"
)

// TestConsistentHashLib tests the library behavior and shows how it should be used.
func TestConsistentHashLib(t *testing.T) {
	t.Parallel()
	c := consistent.New()

	// Test no node
	_, err := c.Get("foo")
	require.Error(t, err)
	assert.Equal(t, consistent.ErrNoHosts, err)

	// Add nodes
	c.Add("node1")
	c.Add("node2")
	c.Add("node3")
	c.Add("node4")
	c.Add("node5")

	// Check distribution of the keys in 5 nodes
	keysPerNode := make(map[string]int)
	for i := 1; i <= 100; i++ {
		node, err := c.Get(fmt.Sprintf("foo%02d", i))
		require.NoError(t, err)
		keysPerNode[node]++
	}
	assert.Equal(t, map[string]int{
		"node1": 27,
		"node2": 26,
		"node3": 13,
		"node4": 24,
		"node5": 10,
	}, keysPerNode)

	// Delete nodes
	c.Remove("node2")
	c.Remove("node4")

	// Check distribution of the keys in 3 nodes
	keysPerNode = make(map[string]int)
	for i := 1; i <= 100; i++ {
		node, err := c.Get(fmt.Sprintf("foo%02d", i))
		require.NoError(t, err)
		keysPerNode[node]++
	}
	assert.Equal(t, map[string]int{
		"node1": 47,
		"node3": 30,
		"node5": 23,
	}, keysPerNode)
}

func TestAssigner_Assign_Empty(t *testing.T) {
	t.Parallel()
	a := distribution.NewAssigner(0)
	assert.Empty(t, a.Assign(nil, []string{"ch1"}, nil))
	assert.Empty(t, a.Assign([]string{"host1"}, nil, distribution.Assignment{"ch1": "host1"}))
}

func TestAssigner_Assign_Balanced(t *testing.T) {
	t.Parallel()
	a := distribution.NewAssigner(0)
	hosts := []string{"host3", "host1", "host2"}
	channels := channelsForTest(9)

	result := a.Assign(hosts, channels, nil)
	require.NoError(t, a.Verify(hosts, channels, result))
	assert.Len(t, result, 9)
	for _, h := range hosts {
		assert.Len(t, result.OwnedBy(h), 3, h)
	}

	// The result does not depend on the order of inputs
	reversedHosts := []string{"host2", "host1", "host3"}
	reversedChannels := slices.Clone(channels)
	slices.Reverse(reversedChannels)
	assert.True(t, result.Equal(a.Assign(reversedHosts, reversedChannels, nil)))

	// Same inputs, no change
	assert.True(t, result.Equal(a.Assign(hosts, channels, result)))
}

func TestAssigner_Assign_NewChannel(t *testing.T) {
	t.Parallel()
	a := distribution.NewAssigner(0)
	hosts := []string{"host1", "host2", "host3"}
	previous := a.Assign(hosts, channelsForTest(9), nil)

	channels := channelsForTest(10)
	result := a.Assign(hosts, channels, previous)
	require.NoError(t, a.Verify(hosts, channels, result))
	assert.Equal(t, 0, result.Moved(previous))
	assert.Contains(t, hosts, result["ch10"])
	assert.Len(t, result, 10)
}

func TestAssigner_Assign_HostFailure(t *testing.T) {
	t.Parallel()
	a := distribution.NewAssigner(0)
	channels := channelsForTest(9)
	previous := a.Assign([]string{"host1", "host2", "host3"}, channels, nil)
	orphaned := previous.OwnedBy("host3")
	require.Len(t, orphaned, 3)

	hosts := []string{"host1", "host2"}
	result := a.Assign(hosts, channels, previous)
	require.NoError(t, a.Verify(hosts, channels, result))

	// Only channels of the dead host are moved
	for ch, owner := range previous {
		if owner != "host3" {
			assert.Equal(t, owner, result[ch], ch)
		}
	}
	for _, ch := range orphaned {
		assert.Contains(t, hosts, result[ch], ch)
	}
	assert.Len(t, result.OwnedBy("host1"), 5)
	assert.Len(t, result.OwnedBy("host2"), 4)
}

func TestAssigner_Assign_HostJoin(t *testing.T) {
	t.Parallel()
	channels := channelsForTest(8)
	previous := distribution.NewAssigner(0).Assign([]string{"host1", "host2"}, channels, nil)
	hosts := []string{"host1", "host2", "host3"}

	// Strict balance, the fewest channels are moved to the new host
	a := distribution.NewAssigner(0)
	result := a.Assign(hosts, channels, previous)
	require.NoError(t, a.Verify(hosts, channels, result))
	assert.Equal(t, 2, result.Moved(previous))
	assert.Len(t, result.OwnedBy("host1"), 3)
	assert.Len(t, result.OwnedBy("host2"), 3)
	assert.Len(t, result.OwnedBy("host3"), 2)

	// With the tolerance, hosts keep their channels
	tolerant := distribution.NewAssigner(1)
	result = tolerant.Assign(hosts, channels, previous)
	require.NoError(t, tolerant.Verify(hosts, channels, result))
	assert.Equal(t, 0, result.Moved(previous))
	assert.Empty(t, result.OwnedBy("host3"))
}

func TestAssigner_Verify(t *testing.T) {
	t.Parallel()
	a := distribution.NewAssigner(0)

	err := a.Verify([]string{"host1", "host2"}, []string{"ch1", "ch2", "ch3", "ch4"}, distribution.Assignment{
		"ch1": "host1",
		"ch2": "host1",
		"ch3": "host1",
		"ch5": "host2",
		"ch4": "host3",
	})
	require.Error(t, err)
	assert.Equal(t, strings.TrimSpace(`
- channel "ch4" is assigned to the dead host "host3"
- channel "ch5" is assigned, but it is not registered
- host "host1" owns 3 channels, the limit is 2
`), err.Error())

	err = a.Verify(nil, nil, distribution.Assignment{"ch1": "host1"})
	require.Error(t, err)
	assert.Equal(t, "channels are assigned, but there is no live host", err.Error())

	err = a.Verify([]string{"host1"}, []string{"ch1"}, distribution.Assignment{})
	require.Error(t, err)
	assert.Equal(t, `channel "ch1" is not assigned`, err.Error())
}

func channelsForTest(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("ch%02d", i))
	}
	return out
}
