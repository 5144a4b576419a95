// Package memory provides an in-process implementation of the coordination primitive.
//
// One Store can be shared by many sessions, each session simulates one process of the cluster.
// The failure of a process is simulated by Session.Expire, its ephemeral nodes are removed.
package memory

import (
	"context"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
)

// Store is a shared in-memory tree of nodes.
type Store struct {
	lock         *sync.Mutex
	revision     int64
	sessionSeq   int64
	nodes        *skipmap.FuncMap[string, *node]
	dataWatches  map[string][]*watcher
	childWatches map[string][]*watcher
	beforeWrite  func(path string) error
}

type node struct {
	data      []byte
	version   int64
	createRev int64
	owner     *Session
}

type watcher struct {
	ch      chan coordination.Event
	firedCh chan struct{}
	session *Session
	fired   bool
}

type Option func(s *Store)

// WithBeforeWrite registers a hook invoked before each write operation.
// If the hook returns an error, the write fails with the error. It is used to inject failures in tests.
func WithBeforeWrite(fn func(path string) error) Option {
	return func(s *Store) {
		s.beforeWrite = fn
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		lock: &sync.Mutex{},
		nodes: skipmap.NewFunc[string, *node](func(a, b string) bool {
			return a < b
		}),
		dataWatches:  make(map[string][]*watcher),
		childWatches: make(map[string][]*watcher),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewSession creates a new session, the id is used as a prefix of the generated session ID.
func (s *Store) NewSession(id string) *Session {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sessionSeq++
	return &Session{
		id:    id + "-" + strconv.FormatInt(s.sessionSeq, 10),
		store: s,
		done:  make(chan struct{}),
	}
}

// Dump returns all paths and values, it is used in tests.
func (s *Store) Dump() map[string]string {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make(map[string]string)
	s.nodes.Range(func(key string, n *node) bool {
		out[key] = string(n.data)
		return true
	})
	return out
}

// Keys returns all paths in the lexicographic order, it is used in tests.
func (s *Store) Keys() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []string
	s.nodes.Range(func(key string, _ *node) bool {
		out = append(out, key)
		return true
	})
	return out
}

func (s *Store) get(p string) coordination.Node {
	if n, ok := s.nodes.Load(p); ok {
		return coordination.Node{Path: p, Data: slices.Clone(n.data), Version: coordination.Version(n.version)}
	}
	return coordination.Node{Path: p, Version: coordination.NoVersion}
}

func (s *Store) children(dir string) []coordination.Child {
	var out []coordination.Child
	prefix := strings.Trim(dir, "/") + "/"
	s.nodes.Range(func(key string, n *node) bool {
		if name, ok := coordination.IsDirectChild(dir, key); ok {
			out = append(out, coordination.Child{Name: name, Seq: n.createRev})
		}
		// Keys are ordered, no other child can follow a key greater than the prefix range
		return key < prefix || strings.HasPrefix(key, prefix)
	})
	slices.SortFunc(out, func(a, b coordination.Child) int {
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (s *Store) create(p string, data []byte, owner *Session) {
	s.revision++
	s.nodes.Store(p, &node{data: slices.Clone(data), version: s.revision, createRev: s.revision, owner: owner})
	s.fire(s.dataWatches, p, coordination.EventNodeCreated)
	s.fire(s.childWatches, parent(p), coordination.EventChildrenChanged)
}

func (s *Store) update(p string, n *node, data []byte) {
	s.revision++
	s.nodes.Store(p, &node{data: slices.Clone(data), version: s.revision, createRev: n.createRev, owner: n.owner})
	s.fire(s.dataWatches, p, coordination.EventNodeDataChanged)
}

func (s *Store) delete(p string) {
	s.revision++
	s.nodes.Delete(p)
	s.fire(s.dataWatches, p, coordination.EventNodeDeleted)
	s.fire(s.childWatches, parent(p), coordination.EventChildrenChanged)
}

func (s *Store) addWatch(watches map[string][]*watcher, p string, session *Session) *watcher {
	w := &watcher{ch: make(chan coordination.Event, 1), firedCh: make(chan struct{}), session: session}
	watches[p] = append(watches[p], w)
	return w
}

// fire all watches of the path, each watch is one-shot.
func (s *Store) fire(watches map[string][]*watcher, p string, t coordination.EventType) {
	for _, w := range watches[p] {
		w.send(coordination.Event{Type: t, Path: p})
	}
	delete(watches, p)
}

// cancelWatch closes the watch without an event, if it has not been fired yet.
func (s *Store) cancelWatch(watches map[string][]*watcher, p string, w *watcher) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if w.fired {
		return
	}
	w.fired = true
	close(w.ch)
	close(w.firedCh)
	watches[p] = slices.DeleteFunc(watches[p], func(v *watcher) bool { return v == w })
	if len(watches[p]) == 0 {
		delete(watches, p)
	}
}

// expire removes all ephemeral nodes of the session and invalidates its watches.
func (s *Store) expire(session *Session) {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Watches of the session are notified first, the removal of its ephemeral nodes is visible only to others
	for _, watches := range []map[string][]*watcher{s.dataWatches, s.childWatches} {
		for p, list := range watches {
			list = slices.DeleteFunc(list, func(w *watcher) bool {
				if w.session == session {
					w.send(coordination.Event{Type: coordination.EventSessionLost, Path: p})
					return true
				}
				return false
			})
			if len(list) == 0 {
				delete(watches, p)
			} else {
				watches[p] = list
			}
		}
	}

	var ephemeral []string
	s.nodes.Range(func(key string, n *node) bool {
		if n.owner == session {
			ephemeral = append(ephemeral, key)
		}
		return true
	})
	for _, p := range ephemeral {
		s.delete(p)
	}
}

func (w *watcher) send(event coordination.Event) {
	if w.fired {
		return
	}
	w.fired = true
	w.ch <- event
	close(w.ch)
	close(w.firedCh)
}

// watch returns the channel, the watch is cancelled when the ctx is done.
func (w *watcher) watch(ctx context.Context, cancel func()) coordination.Watch {
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-w.firedCh:
		}
	}()
	return w.ch
}

func parent(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}
