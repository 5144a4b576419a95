// Package distribution tracks the live hosts of the cluster and distributes channels between them.
//
// Node registers the host as an ephemeral node in the coordination store and watches other hosts.
// A host is a member exactly while its ephemeral node exists, so a crashed host leaves the cluster after the session timeout.
//
// Assigner computes the assignment of channels to the live hosts, see Assigner.Assign.
package distribution

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// MembersPath contains an ephemeral node for each live host.
const MembersPath = "members"

// Node represents the local host in the cluster membership.
type Node struct {
	hostID  string
	session coordination.Session
	logger  log.Logger
	config  Config
	clock   clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	lock      *sync.RWMutex
	members   []string
	listeners *listeners
}

type nodeConfig struct {
	clock clockwork.Clock
}

type NodeOption func(c *nodeConfig)

// WithClock sets the clock used for the events grouping and retry delays.
func WithClock(clock clockwork.Clock) NodeOption {
	return func(c *nodeConfig) {
		c.clock = clock
	}
}

// NewNode registers the host to the cluster and loads all members.
func NewNode(ctx context.Context, hostID string, session coordination.Session, logger log.Logger, cfg Config, opts ...NodeOption) (*Node, error) {
	c := nodeConfig{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(&c)
	}

	logger = logger.WithComponent("distribution").With(attribute.String("node", hostID))
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n := &Node{
		hostID:    hostID,
		session:   session,
		logger:    logger,
		config:    cfg,
		clock:     c.clock,
		ctx:       loopCtx,
		cancel:    cancel,
		wg:        &sync.WaitGroup{},
		lock:      &sync.RWMutex{},
		listeners: newListeners(logger, c.clock, cfg.EventsGroupInterval),
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer startupCancel()

	if err := n.register(startupCtx, false); err != nil {
		cancel()
		return nil, err
	}

	n.logger.Info(ctx, "watching for other nodes")
	children, err := session.Children(startupCtx, MembersPath)
	if err != nil {
		cancel()
		return nil, errors.PrefixError(err, "cannot load cluster members")
	}
	n.update(ctx, children)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watch()
	}()

	return n, nil
}

// HostID returns ID of the local host.
func (n *Node) HostID() string {
	return n.hostID
}

// Members returns sorted IDs of all live hosts, including the local host.
func (n *Node) Members() []string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return slices.Clone(n.members)
}

// IsMember returns true if the host is alive.
func (n *Node) IsMember(hostID string) bool {
	n.lock.RLock()
	defer n.lock.RUnlock()
	_, found := slices.BinarySearch(n.members, hostID)
	return found
}

// OnChangeListener returns a new listener, it receives all future membership changes.
// The listener must be stopped by the Listener.Stop method, if it is no longer needed.
func (n *Node) OnChangeListener() *Listener {
	return n.listeners.add()
}

// Stop watching and remove the host from the cluster.
func (n *Node) Stop(ctx context.Context) error {
	n.logger.Info(ctx, "received shutdown request")
	n.listeners.stop(ctx)
	n.cancel()
	n.wg.Wait()

	ctx, cancel := context.WithTimeout(ctx, n.config.ShutdownTimeout)
	defer cancel()

	n.logger.Infof(ctx, `unregistering the node "%s"`, n.hostID)
	err := n.session.Delete(ctx, n.memberPath(), coordination.AnyVersion)
	if err != nil && !errors.Is(err, coordination.ErrSessionClosed) {
		err = errors.PrefixErrorf(err, `cannot unregister the node "%s"`, n.hostID)
		n.logger.Error(ctx, err.Error())
		return err
	}

	n.logger.Infof(ctx, `the node "%s" unregistered`, n.hostID)
	n.logger.Info(ctx, "shutdown done")
	return nil
}

func (n *Node) memberPath() string {
	return coordination.Join(MembersPath, n.hostID)
}

// register creates the ephemeral node of the host.
// On startup, an existing node belongs to a previous process with the same host ID, which has not expired yet, so the operation is retried.
// On rejoin, an existing node belongs to the current session.
func (n *Node) register(ctx context.Context, rejoin bool) error {
	n.logger.Infof(ctx, `registering the node "%s"`, n.hostID)

	b := newRetryBackoff(n.clock)
	err := backoff.RetryNotify(
		func() error {
			err := n.session.CreateEphemeral(ctx, n.memberPath(), []byte(n.hostID))
			if rejoin && errors.Is(err, coordination.ErrNodeExists) {
				return nil
			}
			if err == nil || errors.Is(err, coordination.ErrNodeExists) || coordination.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		backoff.WithContext(b, ctx),
		func(err error, delay time.Duration) {
			n.logger.Warnf(ctx, `cannot register the node "%s", retry in %s: %s`, n.hostID, delay, err)
		},
	)
	if err != nil {
		return errors.PrefixErrorf(err, `cannot register the node "%s"`, n.hostID)
	}

	n.logger.Infof(ctx, `the node "%s" registered`, n.hostID)
	return nil
}

func (n *Node) watch() {
	b := newRetryBackoff(n.clock)
	for {
		children, watch, err := n.session.ChildrenW(n.ctx, MembersPath)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, coordination.ErrSessionClosed) {
				return
			}
			delay := b.NextBackOff()
			n.logger.Warnf(n.ctx, "cannot watch cluster members, retry in %s: %s", delay, err)
			select {
			case <-n.ctx.Done():
				return
			case <-n.clock.After(delay):
				continue
			}
		}

		b.Reset()
		n.update(n.ctx, children)

		select {
		case <-n.ctx.Done():
			return
		case event, ok := <-watch:
			if ok && event.Type == coordination.EventSessionLost {
				if coordination.IsClosed(n.session) {
					return
				}
				// The ephemeral node may have been removed, register it again
				n.logger.Warn(n.ctx, "coordination session has been lost, re-registering the node")
				if err := n.register(n.ctx, true); err != nil {
					n.logger.Error(n.ctx, err.Error())
				}
			}
		}
	}
}

// update members and notify listeners about differences.
func (n *Node) update(ctx context.Context, children []coordination.Child) {
	members := make([]string, 0, len(children))
	for _, child := range children {
		members = append(members, child.Name)
	}
	slices.Sort(members)

	n.lock.Lock()
	previous := n.members
	n.members = members
	n.lock.Unlock()

	var events Events
	for _, id := range members {
		if _, found := slices.BinarySearch(previous, id); !found {
			msg := `found a new node "` + id + `"`
			n.logger.Info(ctx, msg)
			events = append(events, Event{Type: EventNodeAdded, NodeID: id, Message: msg})
		}
	}
	for _, id := range previous {
		if _, found := slices.BinarySearch(members, id); !found {
			msg := `the node "` + id + `" gone`
			n.logger.Info(ctx, msg)
			events = append(events, Event{Type: EventNodeRemoved, NodeID: id, Message: msg})
		}
	}

	n.listeners.dispatch(events)
}

func newRetryBackoff(clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Clock = clock
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // limited by the ctx
	b.Reset()
	return b
}
