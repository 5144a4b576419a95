package memory

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
)

// Session implements coordination.Session on top of the shared Store.
type Session struct {
	id     string
	store  *Store
	done   chan struct{}
	closed atomic.Bool
}

var _ coordination.Session = (*Session)(nil)

func (v *Session) ID() string {
	return v.id
}

func (v *Session) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return err
	}
	if err := v.beforeWrite(path); err != nil {
		return err
	}
	if _, found := v.store.nodes.Load(path); found {
		return coordination.ErrNodeExists
	}
	v.store.create(path, data, v)
	return nil
}

func (v *Session) CreateEphemeralSequential(ctx context.Context, dir, prefix string, data []byte) (string, error) {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s%010d", prefix, v.store.revision+1)
	path := coordination.Join(dir, name)
	if err := v.beforeWrite(path); err != nil {
		return "", err
	}
	v.store.create(path, data, v)
	return name, nil
}

func (v *Session) Get(ctx context.Context, path string) (coordination.Node, error) {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return coordination.Node{}, err
	}
	return v.store.get(path), nil
}

func (v *Session) GetW(ctx context.Context, path string) (coordination.Node, coordination.Watch, error) {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return coordination.Node{}, nil, err
	}
	w := v.store.addWatch(v.store.dataWatches, path, v)
	return v.store.get(path), w.watch(ctx, func() { v.store.cancelWatch(v.store.dataWatches, path, w) }), nil
}

func (v *Session) Children(ctx context.Context, path string) ([]coordination.Child, error) {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return nil, err
	}
	return v.store.children(path), nil
}

func (v *Session) ChildrenW(ctx context.Context, path string) ([]coordination.Child, coordination.Watch, error) {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return nil, nil, err
	}
	w := v.store.addWatch(v.store.childWatches, path, v)
	return v.store.children(path), w.watch(ctx, func() { v.store.cancelWatch(v.store.childWatches, path, w) }), nil
}

func (v *Session) SetIfVersion(ctx context.Context, path string, data []byte, expected coordination.Version) (coordination.Version, error) {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return coordination.NoVersion, err
	}
	if err := v.beforeWrite(path); err != nil {
		return coordination.NoVersion, err
	}

	current, found := v.store.nodes.Load(path)
	switch {
	case !found && expected == coordination.NoVersion:
		v.store.create(path, data, nil)
	case found && coordination.Version(current.version) == expected:
		v.store.update(path, current, data)
	default:
		return coordination.NoVersion, coordination.ErrVersionConflict
	}

	return coordination.Version(v.store.revision), nil
}

func (v *Session) Delete(ctx context.Context, path string, expected coordination.Version) error {
	v.store.lock.Lock()
	defer v.store.lock.Unlock()
	if err := v.check(ctx); err != nil {
		return err
	}
	if err := v.beforeWrite(path); err != nil {
		return err
	}

	current, found := v.store.nodes.Load(path)
	switch {
	case !found && expected == coordination.AnyVersion:
		return nil
	case !found:
		return coordination.ErrVersionConflict
	case expected != coordination.AnyVersion && coordination.Version(current.version) != expected:
		return coordination.ErrVersionConflict
	}

	v.store.delete(path)
	return nil
}

func (v *Session) Done() <-chan struct{} {
	return v.done
}

// Close ends the session, same as Expire.
func (v *Session) Close(_ context.Context) error {
	v.Expire()
	return nil
}

// Expire simulates the session timeout, for example a crash of the process.
// All ephemeral nodes of the session are removed and pending watches of the session receive EventSessionLost.
func (v *Session) Expire() {
	if v.closed.CompareAndSwap(false, true) {
		v.store.expire(v)
		close(v.done)
	}
}

// Reconnect simulates a lost session replaced by a new one, as the etcd backend does after a lease expiration.
// All ephemeral nodes of the session are removed and pending watches of the session receive EventSessionLost.
// The session remains usable.
func (v *Session) Reconnect() {
	if !v.closed.Load() {
		v.store.expire(v)
	}
}

func (v *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.closed.Load() {
		return coordination.ErrSessionClosed
	}
	return nil
}

func (v *Session) beforeWrite(path string) error {
	if v.store.beforeWrite != nil {
		return v.store.beforeWrite(path)
	}
	return nil
}
