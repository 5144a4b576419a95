// Package distlock provides the leader election between hosts of the cluster.
//
// Each host creates an ephemeral sequential candidate node, the candidate with the lowest sequence is the leader.
// Each non-leader watches only its predecessor, so the leader failure wakes up only one host.
// The leader watches its own candidate node, to detect the loss of its session.
package distlock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const (
	// ElectionPath contains candidate nodes.
	ElectionPath    = "election"
	candidatePrefix = "candidate-"
)

// OnLeadershipFn is called from the election goroutine, it must not block.
type OnLeadershipFn func(ctx context.Context)

type Elector struct {
	hostID  string
	session coordination.Session
	logger  log.Logger
	clock   clockwork.Clock

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	started atomic.Bool
	leader  atomic.Bool

	lock     *sync.Mutex
	onBecome []OnLeadershipFn
	onLose   []OnLeadershipFn

	candidate string // accessed only from the election goroutine
	resignCh  chan chan struct{}
	rejoin    Config
}

type config struct {
	clock  clockwork.Clock
	rejoin Config
}

type Option func(c *config)

func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithConfig sets delays of the re-entry to the election after a resignation.
func WithConfig(cfg Config) Option {
	return func(c *config) {
		c.rejoin = cfg
	}
}

func NewElector(hostID string, session coordination.Session, logger log.Logger, opts ...Option) *Elector {
	c := config{clock: clockwork.NewRealClock(), rejoin: NewConfig()}
	for _, o := range opts {
		o(&c)
	}

	return &Elector{
		hostID:   hostID,
		session:  session,
		logger:   logger.WithComponent("distlock").With(attribute.String("node", hostID)),
		clock:    c.clock,
		wg:       &sync.WaitGroup{},
		lock:     &sync.Mutex{},
		resignCh: make(chan chan struct{}),
		rejoin:   c.rejoin,
	}
}

// OnBecomeLeader registers a callback, it is called each time the host becomes the leader.
func (e *Elector) OnBecomeLeader(fn OnLeadershipFn) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.onBecome = append(e.onBecome, fn)
}

// OnLoseLeadership registers a callback, it is called each time the host loses the leadership.
func (e *Elector) OnLoseLeadership(fn OnLeadershipFn) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.onLose = append(e.onLose, fn)
}

// IsLeader returns true if the host is the leader.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Start creates the candidate node and starts the election goroutine.
func (e *Elector) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("elector has already been started")
	}

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := e.createCandidate(ctx); err != nil {
		e.cancel()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	return nil
}

// Resign gives up the leadership, if any, and re-enters the election as the last candidate.
// The re-entry is delayed, the delay doubles with each resignation in a row, see Config.
func (e *Elector) Resign(ctx context.Context) error {
	if !e.started.Load() {
		return errors.New("elector has not been started")
	}

	done := make(chan struct{})
	select {
	case e.resignCh <- done:
	case <-e.ctx.Done():
		return errors.New("elector has been stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop leaves the election and removes the candidate node.
func (e *Elector) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return nil
	}

	e.cancel()
	e.wg.Wait()
	e.setLeader(ctx, false)

	if e.candidate != "" {
		err := e.session.Delete(ctx, coordination.Join(ElectionPath, e.candidate), coordination.AnyVersion)
		if err != nil && !errors.Is(err, coordination.ErrSessionClosed) {
			return errors.PrefixError(err, "cannot remove election candidate")
		}
		e.candidate = ""
	}
	e.logger.Info(ctx, "left the election")
	return nil
}

func (e *Elector) run() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	rejoin := e.newRejoinBackoff()
	var rejoined time.Time

	for {
		watch, err := e.evaluate(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if errors.Is(err, coordination.ErrSessionClosed) {
				e.logger.Warn(e.ctx, "coordination session has been closed, leaving the election")
				e.setLeader(e.ctx, false)
				return
			}
			delay := b.NextBackOff()
			e.logger.Warnf(e.ctx, "election failed, retry in %s: %s", delay, err)
			select {
			case <-e.ctx.Done():
				return
			case <-e.clock.After(delay):
				continue
			}
		}
		b.Reset()

		select {
		case <-e.ctx.Done():
			return
		case done := <-e.resignCh:
			e.resign(e.ctx)
			close(done)

			// Resignations in a row are separated by growing delays, a quiet period after the re-entry resets the delay
			if !rejoined.IsZero() && e.clock.Since(rejoined) > e.rejoin.RejoinMaxDelay {
				rejoin.Reset()
			}
			if !e.waitBeforeRejoin(rejoin.NextBackOff()) {
				return
			}
			rejoined = e.clock.Now()
		case <-watch:
			// Predecessor or own candidate changed, evaluate again
		}
	}
}

// evaluate checks the position of the candidate and arms a watch for the next change.
func (e *Elector) evaluate(ctx context.Context) (coordination.Watch, error) {
	if e.candidate == "" {
		if err := e.createCandidate(ctx); err != nil {
			return nil, err
		}
	}

	children, err := e.session.Children(ctx, ElectionPath)
	if err != nil {
		return nil, err
	}

	index := slices.IndexFunc(children, func(c coordination.Child) bool {
		return c.Name == e.candidate
	})
	if index == -1 {
		// The candidate has been removed with the lost session
		e.logger.Warnf(ctx, `candidate "%s" has been lost`, e.candidate)
		e.candidate = ""
		e.setLeader(ctx, false)
		return closedWatch(), nil
	}

	watched := e.candidate
	if index > 0 {
		watched = children[index-1].Name
	}

	node, watch, err := e.session.GetW(ctx, coordination.Join(ElectionPath, watched))
	if err != nil {
		return nil, err
	}
	if !node.Exists() {
		// Removed in the meantime, re-evaluate immediately
		return closedWatch(), nil
	}

	e.setLeader(ctx, index == 0)
	return watch, nil
}

func (e *Elector) resign(ctx context.Context) {
	e.logger.Info(ctx, "resigning")
	if e.candidate != "" {
		if err := e.session.Delete(ctx, coordination.Join(ElectionPath, e.candidate), coordination.AnyVersion); err != nil {
			e.logger.Warnf(ctx, "cannot remove election candidate: %s", err)
		}
		e.candidate = ""
	}
	e.setLeader(ctx, false)
}

// waitBeforeRejoin blocks until the delay elapses, it returns false if the elector has been stopped.
func (e *Elector) waitBeforeRejoin(delay time.Duration) bool {
	e.logger.Infof(e.ctx, "rejoining the election in %s", delay)
	timer := e.clock.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return false
		case done := <-e.resignCh:
			// Not a candidate, nothing to resign
			close(done)
		case <-timer.Chan():
			return true
		}
	}
}

func (e *Elector) newRejoinBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Clock = e.clock
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.InitialInterval = e.rejoin.RejoinInitialDelay
	b.MaxInterval = e.rejoin.RejoinMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (e *Elector) createCandidate(ctx context.Context) error {
	name, err := e.session.CreateEphemeralSequential(ctx, ElectionPath, candidatePrefix, []byte(e.hostID))
	if err != nil {
		return errors.PrefixError(err, "cannot create election candidate")
	}
	e.candidate = name
	e.logger.Infof(ctx, `created election candidate "%s"`, name)
	return nil
}

func (e *Elector) setLeader(ctx context.Context, leader bool) {
	if e.leader.Swap(leader) == leader {
		return
	}

	e.lock.Lock()
	var callbacks []OnLeadershipFn
	if leader {
		callbacks = slices.Clone(e.onBecome)
	} else {
		callbacks = slices.Clone(e.onLose)
	}
	e.lock.Unlock()

	if leader {
		e.logger.Info(ctx, "became the leader")
	} else {
		e.logger.Info(ctx, "lost the leadership")
	}

	for _, fn := range callbacks {
		fn(ctx)
	}
}

func closedWatch() coordination.Watch {
	ch := make(chan coordination.Event)
	close(ch)
	return ch
}
