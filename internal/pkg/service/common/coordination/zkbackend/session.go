// Package zkbackend implements the coordination primitive on top of ZooKeeper.
//
// Mapping:
//   - Ephemeral node is a znode created with zk.FlagEphemeral.
//   - Node version is the znode data version + 1, so the zero value still means a missing node.
//   - Sequence of a child is parsed from the suffix appended by zk.FlagSequence.
//
// The ZooKeeper client reconnects automatically.
// If the session expires, pending watches receive zk.EventNotWatching, it is reported as coordination.EventSessionLost.
package zkbackend

import (
	"cmp"
	"context"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
	"go.uber.org/atomic"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const sequenceLength = 10

type Session struct {
	id     string
	root   string
	conn   *zk.Conn
	logger log.Logger
	wg     *sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
}

var _ coordination.Session = (*Session)(nil)

// zkLogger forwards messages of the ZooKeeper client to the logger.
type zkLogger struct {
	logger log.Logger
}

func (l zkLogger) Printf(format string, args ...any) {
	l.logger.Infof(context.Background(), format, args...)
}

// Open connects to ZooKeeper and waits for the session.
func Open(ctx context.Context, cfg Config, logger log.Logger, id string) (*Session, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.WithComponent("coordination.zookeeper")
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{logger: logger}))
	if err != nil {
		return nil, errors.PrefixError(err, "cannot connect to zookeeper")
	}

	s := &Session{
		id:     id,
		root:   cfg.Root,
		conn:   conn,
		logger: logger,
		wg:     &sync.WaitGroup{},
		done:   make(chan struct{}),
	}

	connected := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleSessionEvents(ctx, events, connected)
	}()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	select {
	case <-connected:
	case <-connectCtx.Done():
		conn.Close()
		s.wg.Wait()
		return nil, coordination.NewConnectionError(errors.Errorf("zookeeper session has not been established: %s", connectCtx.Err()))
	}

	if err := s.ensurePath(s.root); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	return s, nil
}

func (s *Session) handleSessionEvents(ctx context.Context, events <-chan zk.Event, connected chan struct{}) {
	var once sync.Once
	for event := range events {
		if event.Type != zk.EventSession {
			continue
		}
		switch event.State {
		case zk.StateHasSession:
			once.Do(func() { close(connected) })
			s.logger.Infof(ctx, `zookeeper session "%d" established`, s.conn.SessionID())
		case zk.StateExpired:
			s.logger.Warn(ctx, "zookeeper session expired, ephemeral nodes have been lost")
		case zk.StateDisconnected:
			s.logger.Warn(ctx, "disconnected from zookeeper")
		}
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	full := s.fullPath(p)
	if err := s.ensurePath(path.Dir(full)); err != nil {
		return err
	}
	if _, err := s.conn.Create(full, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		if errors.Is(err, zk.ErrNodeExists) {
			return coordination.ErrNodeExists
		}
		return s.wrapErr(err)
	}
	return nil
}

func (s *Session) CreateEphemeralSequential(ctx context.Context, dir, prefix string, data []byte) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	fullDir := s.fullPath(dir)
	if err := s.ensurePath(fullDir); err != nil {
		return "", err
	}
	created, err := s.conn.Create(fullDir+"/"+prefix, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", s.wrapErr(err)
	}
	return path.Base(created), nil
}

func (s *Session) Get(ctx context.Context, p string) (coordination.Node, error) {
	if err := s.check(ctx); err != nil {
		return coordination.Node{}, err
	}
	data, stat, err := s.conn.Get(s.fullPath(p))
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return coordination.Node{Path: p, Version: coordination.NoVersion}, nil
	case err != nil:
		return coordination.Node{}, s.wrapErr(err)
	default:
		return coordination.Node{Path: p, Data: data, Version: toVersion(stat)}, nil
	}
}

func (s *Session) GetW(ctx context.Context, p string) (coordination.Node, coordination.Watch, error) {
	if err := s.check(ctx); err != nil {
		return coordination.Node{}, nil, err
	}

	full := s.fullPath(p)
	for {
		data, stat, ch, err := s.conn.GetW(full)
		if err == nil {
			return coordination.Node{Path: p, Data: data, Version: toVersion(stat)}, s.watch(ctx, p, ch), nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return coordination.Node{}, nil, s.wrapErr(err)
		}

		// The node does not exist, watch its creation
		exists, _, ch, err := s.conn.ExistsW(full)
		if err != nil {
			return coordination.Node{}, nil, s.wrapErr(err)
		}
		if !exists {
			return coordination.Node{Path: p, Version: coordination.NoVersion}, s.watch(ctx, p, ch), nil
		}
		// Created in the meantime, read again
	}
}

func (s *Session) Children(ctx context.Context, p string) ([]coordination.Child, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	full := s.fullPath(p)
	if err := s.ensurePath(full); err != nil {
		return nil, err
	}
	names, _, err := s.conn.Children(full)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return toChildren(names), nil
}

func (s *Session) ChildrenW(ctx context.Context, p string) ([]coordination.Child, coordination.Watch, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	full := s.fullPath(p)
	if err := s.ensurePath(full); err != nil {
		return nil, nil, err
	}
	names, _, ch, err := s.conn.ChildrenW(full)
	if err != nil {
		return nil, nil, s.wrapErr(err)
	}
	return toChildren(names), s.watch(ctx, p, ch), nil
}

func (s *Session) SetIfVersion(ctx context.Context, p string, data []byte, expected coordination.Version) (coordination.Version, error) {
	if err := s.check(ctx); err != nil {
		return coordination.NoVersion, err
	}

	full := s.fullPath(p)
	if expected == coordination.NoVersion {
		if err := s.ensurePath(path.Dir(full)); err != nil {
			return coordination.NoVersion, err
		}
		if _, err := s.conn.Create(full, data, 0, zk.WorldACL(zk.PermAll)); err != nil {
			if errors.Is(err, zk.ErrNodeExists) {
				return coordination.NoVersion, coordination.ErrVersionConflict
			}
			return coordination.NoVersion, s.wrapErr(err)
		}
		return toVersion(&zk.Stat{Version: 0}), nil
	}

	stat, err := s.conn.Set(full, data, int32(expected-1))
	switch {
	case errors.Is(err, zk.ErrBadVersion), errors.Is(err, zk.ErrNoNode):
		return coordination.NoVersion, coordination.ErrVersionConflict
	case err != nil:
		return coordination.NoVersion, s.wrapErr(err)
	default:
		return toVersion(stat), nil
	}
}

func (s *Session) Delete(ctx context.Context, p string, expected coordination.Version) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	version := int32(-1)
	if expected != coordination.AnyVersion {
		version = int32(expected - 1)
	}

	err := s.conn.Delete(s.fullPath(p), version)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode) && expected == coordination.AnyVersion:
		return nil
	case errors.Is(err, zk.ErrNoNode), errors.Is(err, zk.ErrBadVersion):
		return coordination.ErrVersionConflict
	default:
		return s.wrapErr(err)
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the ZooKeeper session, so all ephemeral nodes are removed.
func (s *Session) Close(_ context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
		s.wg.Wait()
		close(s.done)
	}
	return nil
}

// watch converts the ZooKeeper watch, the returned channel is closed without an event when the ctx is done.
func (s *Session) watch(ctx context.Context, p string, ch <-chan zk.Event) coordination.Watch {
	out := make(chan coordination.Event, 1)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case event, ok := <-ch:
			if !ok || event.Err != nil || event.Type == zk.EventNotWatching {
				out <- coordination.Event{Type: coordination.EventSessionLost, Path: p}
				return
			}
			switch event.Type {
			case zk.EventNodeCreated:
				out <- coordination.Event{Type: coordination.EventNodeCreated, Path: p}
			case zk.EventNodeDataChanged:
				out <- coordination.Event{Type: coordination.EventNodeDataChanged, Path: p}
			case zk.EventNodeDeleted:
				out <- coordination.Event{Type: coordination.EventNodeDeleted, Path: p}
			case zk.EventNodeChildrenChanged:
				out <- coordination.Event{Type: coordination.EventChildrenChanged, Path: p}
			default:
				out <- coordination.Event{Type: coordination.EventSessionLost, Path: p}
			}
		}
	}()
	return out
}

// ensurePath creates all missing persistent nodes of the path.
func (s *Session) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return s.wrapErr(err)
		}
		if !exists {
			if _, err := s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return s.wrapErr(err)
			}
		}
	}
	return nil
}

func (s *Session) fullPath(p string) string {
	if p = coordination.Join(p); p == "" {
		return s.root
	}
	return s.root + "/" + p
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return coordination.ErrSessionClosed
	}
	return nil
}

func (s *Session) wrapErr(err error) error {
	if errors.Is(err, zk.ErrClosing) || s.closed.Load() {
		return coordination.ErrSessionClosed
	}
	return coordination.NewConnectionError(err)
}

func toVersion(stat *zk.Stat) coordination.Version {
	return coordination.Version(stat.Version) + 1
}

// toChildren parses the sequence suffix, children without the suffix have the zero sequence.
func toChildren(names []string) []coordination.Child {
	out := make([]coordination.Child, 0, len(names))
	for _, name := range names {
		var seq int64
		if len(name) >= sequenceLength {
			if v, err := strconv.ParseInt(name[len(name)-sequenceLength:], 10, 64); err == nil {
				seq = v
			}
		}
		out = append(out, coordination.Child{Name: name, Seq: seq})
	}
	slices.SortFunc(out, func(a, b coordination.Child) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), strings.Compare(a.Name, b.Name))
	})
	return out
}
