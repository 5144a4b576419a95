// Package etcdbackend implements the coordination primitive on top of etcd v3.
//
// Mapping:
//   - Ephemeral node is a key attached to the lease of the current etcd session.
//   - Node version is the ModRevision of the key.
//   - Version-checked write is a transaction comparing the ModRevision (or the CreateRevision for a new key).
//   - One-shot watch is an etcd watch started from the revision of the read, cancelled after the first relevant event.
//   - Sequence of a child is the CreateRevision of the key.
//
// The etcd session is re-created if it expires, see etcdop.ResistantSession.
// All pending watches then receive coordination.EventSessionLost, because ephemeral nodes have been lost.
package etcdbackend

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/atomic"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/etcdop"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

type Session struct {
	id     string
	client *etcd.Client
	logger log.Logger

	cancel context.CancelFunc
	wg     *sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
	seq    atomic.Int64

	lock    *sync.RWMutex
	current *concurrency.Session
	lost    chan struct{} // closed when the current etcd session is lost
}

var _ coordination.Session = (*Session)(nil)

// Open creates the etcd session and waits for its initialization.
// The ttlSeconds defines how long the ephemeral nodes survive, if the process is not reachable.
func Open(ctx context.Context, client *etcd.Client, logger log.Logger, id string, ttlSeconds int) (*Session, error) {
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:     id,
		client: client,
		logger: logger.WithComponent("coordination.etcd"),
		cancel: cancel,
		wg:     &sync.WaitGroup{},
		done:   make(chan struct{}),
		lock:   &sync.RWMutex{},
	}

	initErr := etcdop.ResistantSession(sessionCtx, s.wg, s.logger, client, ttlSeconds, s.onSession)
	select {
	case err := <-initErr:
		if err != nil {
			cancel()
			s.wg.Wait()
			return nil, coordination.NewConnectionError(err)
		}
	case <-ctx.Done():
		cancel()
		s.wg.Wait()
		return nil, ctx.Err()
	}

	return s, nil
}

func (s *Session) onSession(session *concurrency.Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Invalidate watches of the previous session
	if s.lost != nil {
		close(s.lost)
	}
	s.current = session
	s.lost = make(chan struct{})
	return nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	lease, _, err := s.lease()
	if err != nil {
		return err
	}

	return s.createWithLease(ctx, path, data, lease)
}

func (s *Session) CreateEphemeralSequential(ctx context.Context, dir, prefix string, data []byte) (string, error) {
	lease, _, err := s.lease()
	if err != nil {
		return "", err
	}

	// The name is unique, the order is given by the CreateRevision
	name := fmt.Sprintf("%s%016x-%04d", prefix, int64(lease), s.seq.Inc())
	if err := s.createWithLease(ctx, coordination.Join(dir, name), data, lease); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Session) createWithLease(ctx context.Context, path string, data []byte, lease etcd.LeaseID) error {
	resp, err := s.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(path), "=", 0)).
		Then(etcd.OpPut(path, string(data), etcd.WithLease(lease))).
		Commit()
	if err != nil {
		return s.wrapErr(ctx, err)
	}
	if !resp.Succeeded {
		return coordination.ErrNodeExists
	}
	return nil
}

func (s *Session) Get(ctx context.Context, path string) (coordination.Node, error) {
	node, _, err := s.get(ctx, path)
	return node, err
}

func (s *Session) GetW(ctx context.Context, path string) (coordination.Node, coordination.Watch, error) {
	_, lost, err := s.lease()
	if err != nil {
		return coordination.Node{}, nil, err
	}

	node, rev, err := s.get(ctx, path)
	if err != nil {
		return coordination.Node{}, nil, err
	}

	watch := s.watch(ctx, lost, path, path, rev, false, func(ev *etcd.Event) (coordination.EventType, bool) {
		switch {
		case ev.Type == mvccpb.DELETE:
			return coordination.EventNodeDeleted, true
		case ev.IsCreate():
			return coordination.EventNodeCreated, true
		default:
			return coordination.EventNodeDataChanged, true
		}
	})
	return node, watch, nil
}

func (s *Session) Children(ctx context.Context, path string) ([]coordination.Child, error) {
	children, _, err := s.children(ctx, path)
	return children, err
}

func (s *Session) ChildrenW(ctx context.Context, path string) ([]coordination.Child, coordination.Watch, error) {
	_, lost, err := s.lease()
	if err != nil {
		return nil, nil, err
	}

	children, rev, err := s.children(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	watch := s.watch(ctx, lost, coordination.Join(path)+"/", path, rev, true, func(ev *etcd.Event) (coordination.EventType, bool) {
		if _, ok := coordination.IsDirectChild(path, string(ev.Kv.Key)); !ok {
			return 0, false
		}
		// Modification of a child is not a change of the children list
		if ev.Type == mvccpb.DELETE || ev.IsCreate() {
			return coordination.EventChildrenChanged, true
		}
		return 0, false
	})

	return children, watch, nil
}

func (s *Session) SetIfVersion(ctx context.Context, path string, data []byte, expected coordination.Version) (coordination.Version, error) {
	if _, _, err := s.lease(); err != nil {
		return coordination.NoVersion, err
	}

	var condition etcd.Cmp
	if expected == coordination.NoVersion {
		condition = etcd.Compare(etcd.CreateRevision(path), "=", 0)
	} else {
		condition = etcd.Compare(etcd.ModRevision(path), "=", int64(expected))
	}

	resp, err := s.client.Txn(ctx).If(condition).Then(etcd.OpPut(path, string(data))).Commit()
	if err != nil {
		return coordination.NoVersion, s.wrapErr(ctx, err)
	}
	if !resp.Succeeded {
		return coordination.NoVersion, coordination.ErrVersionConflict
	}
	return coordination.Version(resp.Header.Revision), nil
}

func (s *Session) Delete(ctx context.Context, path string, expected coordination.Version) error {
	if _, _, err := s.lease(); err != nil {
		return err
	}

	if expected == coordination.AnyVersion {
		if _, err := s.client.Delete(ctx, path); err != nil {
			return s.wrapErr(ctx, err)
		}
		return nil
	}

	resp, err := s.client.Txn(ctx).
		If(etcd.Compare(etcd.ModRevision(path), "=", int64(expected))).
		Then(etcd.OpDelete(path)).
		Commit()
	if err != nil {
		return s.wrapErr(ctx, err)
	}
	if !resp.Succeeded {
		return coordination.ErrVersionConflict
	}
	return nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close revokes the lease, so all ephemeral nodes are removed.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	defer close(s.done)
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return errors.PrefixError(ctx.Err(), "cannot close etcd session")
	}
}

func (s *Session) lease() (etcd.LeaseID, <-chan struct{}, error) {
	if s.closed.Load() {
		return 0, nil, coordination.ErrSessionClosed
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current.Lease(), s.lost, nil
}

func (s *Session) get(ctx context.Context, path string) (coordination.Node, int64, error) {
	if _, _, err := s.lease(); err != nil {
		return coordination.Node{}, 0, err
	}

	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return coordination.Node{}, 0, s.wrapErr(ctx, err)
	}

	node := coordination.Node{Path: path, Version: coordination.NoVersion}
	if len(resp.Kvs) > 0 {
		node.Data = resp.Kvs[0].Value
		node.Version = coordination.Version(resp.Kvs[0].ModRevision)
	}
	return node, resp.Header.Revision, nil
}

func (s *Session) children(ctx context.Context, path string) ([]coordination.Child, int64, error) {
	if _, _, err := s.lease(); err != nil {
		return nil, 0, err
	}

	resp, err := s.client.Get(ctx, coordination.Join(path)+"/", etcd.WithPrefix(), etcd.WithKeysOnly())
	if err != nil {
		return nil, 0, s.wrapErr(ctx, err)
	}

	var out []coordination.Child
	for _, kv := range resp.Kvs {
		if name, ok := coordination.IsDirectChild(path, string(kv.Key)); ok {
			out = append(out, coordination.Child{Name: name, Seq: kv.CreateRevision})
		}
	}
	slices.SortFunc(out, func(a, b coordination.Child) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, resp.Header.Revision, nil
}

// watch starts the etcd watch after the revision rev, the first event accepted by the mapper is delivered with the eventPath.
func (s *Session) watch(ctx context.Context, lost <-chan struct{}, key, eventPath string, rev int64, prefix bool, mapper func(ev *etcd.Event) (coordination.EventType, bool)) coordination.Watch {
	out := make(chan coordination.Event, 1)
	watchCtx, cancel := context.WithCancel(ctx)

	opts := []etcd.OpOption{etcd.WithRev(rev + 1)}
	if prefix {
		opts = append(opts, etcd.WithPrefix())
	}
	rawCh := s.client.Watch(etcd.WithRequireLeader(watchCtx), key, opts...)

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-lost:
				out <- coordination.Event{Type: coordination.EventSessionLost, Path: eventPath}
				return
			case <-s.done:
				out <- coordination.Event{Type: coordination.EventSessionLost, Path: eventPath}
				return
			case resp, ok := <-rawCh:
				if !ok || resp.Canceled {
					// The watch stream failed, for example the revision has been compacted, the state must be re-read
					if watchCtx.Err() == nil {
						s.logger.Warnf(ctx, `etcd watch "%s" has been cancelled: %v`, key, resp.Err())
						out <- coordination.Event{Type: coordination.EventSessionLost, Path: eventPath}
					}
					return
				}
				if err := resp.Err(); err != nil {
					s.logger.Warnf(ctx, `etcd watch "%s" error: %s`, key, err)
					continue
				}
				for _, ev := range resp.Events {
					if t, ok := mapper(ev); ok {
						out <- coordination.Event{Type: t, Path: eventPath}
						return
					}
				}
			}
		}
	}()

	return out
}

func (s *Session) wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if s.closed.Load() {
		return coordination.ErrSessionClosed
	}
	return coordination.NewConnectionError(err)
}
