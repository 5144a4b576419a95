// Package coordination abstracts the coordination primitive the cluster is built on.
//
// The primitive offers:
//   - Ephemeral nodes, removed automatically when the owning Session ends (crash, network partition, shutdown).
//   - Watched reads, the returned watch is one-shot, it must be re-armed after it fires.
//   - Version-checked writes, see Session.SetIfVersion.
//
// Backends:
//   - memory: in-process store, multiple sessions can share one store, see memory.Store.
//   - etcdbackend: etcd v3, ephemeral nodes are bound to a session lease.
//   - zkbackend: ZooKeeper.
//
// Paths are relative to the backend namespace, parts are separated by "/", see Join.
package coordination

import (
	"context"
	"strings"
)

// Version of a node. It is changed by each write of the node.
type Version int64

const (
	// NoVersion is the version of a node which does not exist.
	// SetIfVersion with NoVersion creates the node, if it does not exist.
	NoVersion Version = 0
	// AnyVersion disables the version check in the Delete operation.
	AnyVersion Version = -1
)

// Node is a result of a read operation.
type Node struct {
	Path    string
	Data    []byte
	Version Version
}

// Exists returns false, if the node has not been found.
func (n Node) Exists() bool {
	return n.Version != NoVersion
}

// Child is a direct child of a node.
// Seq reflects the creation order of the children, it is used to order election candidates.
type Child struct {
	Name string
	Seq  int64
}

type EventType int

const (
	// EventNodeCreated - the watched node has been created.
	EventNodeCreated EventType = iota + 1
	// EventNodeDataChanged - the watched node has been modified.
	EventNodeDataChanged
	// EventNodeDeleted - the watched node has been deleted.
	EventNodeDeleted
	// EventChildrenChanged - a child of the watched node has been created or deleted.
	EventChildrenChanged
	// EventSessionLost - the watch is no longer valid, the whole state must be re-read.
	EventSessionLost
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDataChanged:
		return "changed"
	case EventNodeDeleted:
		return "deleted"
	case EventChildrenChanged:
		return "children changed"
	case EventSessionLost:
		return "session lost"
	default:
		return "unknown"
	}
}

// Event is delivered by a one-shot watch.
type Event struct {
	Type EventType
	Path string
}

// Watch channel receives at most one Event and then it is closed.
// The channel is closed without an event, if the context of the watched read is cancelled.
type Watch <-chan Event

// Session is a connection to the coordination primitive.
// All ephemeral nodes created by the session are removed when the session ends.
type Session interface {
	// ID of the session, it is unique within the backend.
	ID() string
	// CreateEphemeral creates the node bound to the session. ErrNodeExists is returned, if the node exists.
	CreateEphemeral(ctx context.Context, path string, data []byte) error
	// CreateEphemeralSequential creates a child of the dir, bound to the session.
	// The name of the child starts with the prefix and it is unique, the created name is returned.
	CreateEphemeralSequential(ctx context.Context, dir, prefix string, data []byte) (string, error)
	// Get reads the node. A missing node is not an error, see Node.Exists.
	Get(ctx context.Context, path string) (Node, error)
	// GetW reads the node and arms a one-shot watch for the node creation, modification or deletion.
	GetW(ctx context.Context, path string) (Node, Watch, error)
	// Children lists direct children of the node, ordered by Child.Seq.
	Children(ctx context.Context, path string) ([]Child, error)
	// ChildrenW lists direct children and arms a one-shot watch for a child creation or deletion.
	ChildrenW(ctx context.Context, path string) ([]Child, Watch, error)
	// SetIfVersion writes the node only if the actual version matches the expected version,
	// otherwise ErrVersionConflict is returned. The new version is returned.
	SetIfVersion(ctx context.Context, path string, data []byte, expected Version) (Version, error)
	// Delete removes the node if the version matches, use AnyVersion to skip the check.
	// Deletion of a missing node with AnyVersion is not an error.
	Delete(ctx context.Context, path string, expected Version) error
	// Done channel is closed when the session ends.
	Done() <-chan struct{}
	// Close ends the session, all ephemeral nodes are removed.
	Close(ctx context.Context) error
}

// IsClosed returns true if the session has ended for good.
// A lost session that has been re-created by the backend is not closed.
func IsClosed(s Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Join path parts.
func Join(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// IsDirectChild returns the child name, if the path is a direct child of the dir.
func IsDirectChild(dir, path string) (string, bool) {
	prefix := strings.Trim(dir, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
