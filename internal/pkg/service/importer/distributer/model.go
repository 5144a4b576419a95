package distributer

import (
	"context"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distribution"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const (
	RegistryPath   = "registry"
	AssignmentPath = "assignment"
	ModePath       = "mode"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary // nolint: gochecknoglobals

// ChannelChange is an incremental change of channels owned by the host.
type ChannelChange struct {
	Topic   string
	Epoch   int64
	Added   mapset.Set[string]
	Removed mapset.Set[string]
}

func (c ChannelChange) IsEmpty() bool {
	return c.Added.Cardinality() == 0 && c.Removed.Cardinality() == 0
}

type OperationMode string

const (
	ModeRunning OperationMode = "running"
	ModePaused  OperationMode = "paused"
)

func (m OperationMode) Validate() error {
	switch m {
	case ModeRunning, ModePaused:
		return nil
	default:
		return errors.Errorf(`unexpected operation mode "%s", expected one of "running", "paused"`, m)
	}
}

// VersionedOperationMode is the cluster-wide operation mode, Version increases on each change.
type VersionedOperationMode struct {
	Mode    OperationMode
	Version coordination.Version
}

// ChannelChangeCallback receives changes of one topic.
// Methods are called from the private executor goroutine, one call at a time, they should return quickly.
type ChannelChangeCallback interface {
	OnChange(ctx context.Context, change ChannelChange)
	OnClusterStateChange(ctx context.Context, mode VersionedOperationMode)
}

// TopicState of the host and topic pair.
type TopicState int

const (
	TopicUnregistered TopicState = iota
	TopicRegistering
	TopicStable
	TopicReconciling
)

func (s TopicState) String() string {
	switch s {
	case TopicUnregistered:
		return "unregistered"
	case TopicRegistering:
		return "registering"
	case TopicStable:
		return "stable"
	case TopicReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// registryBlob contains channels declared by each host for one topic.
type registryBlob struct {
	Hosts map[string][]string `json:"hosts"`
}

// Channels returns sorted union of channels of all hosts.
func (b registryBlob) Channels() []string {
	var out []string
	for _, uris := range b.Hosts {
		out = append(out, uris...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type assignmentBlob struct {
	Epoch    int64                   `json:"epoch"`
	Leader   string                  `json:"leader"`
	Channels distribution.Assignment `json:"channels"`
}

// Owned returns channels owned by the host.
func (b assignmentBlob) Owned(hostID string) mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for uri, owner := range b.Channels {
		if owner == hostID {
			out.Add(uri)
		}
	}
	return out
}

type modeBlob struct {
	Mode OperationMode `json:"mode"`
}

// decodeBlob decodes the node data, a missing node decodes to the zero value.
func decodeBlob[T any](node coordination.Node) (T, error) {
	var out T
	if !node.Exists() || len(node.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(node.Data, &out); err != nil {
		return out, errors.PrefixErrorf(err, `cannot decode "%s"`, node.Path)
	}
	return out, nil
}

func encodeBlob(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.PrefixError(err, "cannot encode blob")
	}
	return data, nil
}
