package distributer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distlock"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distribution"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

var errLeadershipLost = errors.New("leadership has been lost")

// leader publishes assignments of all topics, it is active only on the elected host.
//
// While active, it watches the registry blob of each topic and the membership.
// Each change submits recomputation of the affected topics to the executor.
type leader struct {
	hostID   string
	session  coordination.Session
	logger   log.Logger
	config   Config
	clock    clockwork.Clock
	metrics  *metrics
	executor *executor
	node     *distribution.Node
	elector  *distlock.Elector
	registry *registry
	assigner *distribution.Assigner

	lock   *sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	topics mapset.Set[string]
}

func newLeader(d *Distributer) *leader {
	return &leader{
		hostID:   d.hostID,
		session:  d.session,
		logger:   d.logger.WithComponent("leader"),
		config:   d.config,
		clock:    d.clock,
		metrics:  d.metrics,
		executor: d.executor,
		node:     d.node,
		elector:  d.elector,
		registry: d.registry,
		assigner: distribution.NewAssigner(d.config.Distribution.RebalanceTolerance),
		lock:     &sync.Mutex{},
		wg:       &sync.WaitGroup{},
	}
}

// Start watching, it is called from the executor.
func (l *leader) Start(ctx context.Context) {
	l.lock.Lock()
	defer l.lock.Unlock()

	// Leadership may have been lost before the task has been executed
	if l.cancel != nil || !l.elector.IsLeader() {
		return
	}

	l.logger.Info(ctx, "starting assignment publishing")
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.topics = mapset.NewSet[string]()

	listener := l.node.OnChangeListener()
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		defer listener.Stop()
		l.watchMembers(l.ctx, listener)
	}()
	go func() {
		defer l.wg.Done()
		l.watchTopics(l.ctx)
	}()
}

// Stop publishing, an in-flight recomputation is abandoned.
func (l *leader) Stop(ctx context.Context) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.cancel == nil {
		return
	}

	l.cancel()
	l.wg.Wait()
	l.cancel = nil
	l.logger.Info(ctx, "stopped assignment publishing")
}

func (l *leader) watchMembers(ctx context.Context, listener *distribution.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-listener.C:
			l.logger.Infof(ctx, "membership changed: %s", events.Messages())
			for _, topic := range l.topics.ToSlice() {
				l.submit(ctx, topic)
			}
		}
	}
}

// watchTopics starts a registry watch for each topic found in the registry or in published assignments.
func (l *leader) watchTopics(ctx context.Context) {
	// Topics without registrations may still have a non-empty assignment
	if children, err := l.session.Children(ctx, AssignmentPath); err == nil {
		for _, child := range children {
			l.watchTopic(ctx, child.Name)
		}
	} else if ctx.Err() == nil {
		l.logger.Warnf(ctx, "cannot list assignments: %s", err)
	}

	b := newRetryBackoff(l.clock)
	for {
		children, watch, err := l.session.ChildrenW(ctx, RegistryPath)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, coordination.ErrSessionClosed) {
				return
			}
			delay := b.NextBackOff()
			l.logger.Warnf(ctx, "cannot watch registry, retry in %s: %s", delay, err)
			select {
			case <-ctx.Done():
				return
			case <-l.clock.After(delay):
				continue
			}
		}
		b.Reset()

		for _, child := range children {
			l.watchTopic(ctx, child.Name)
		}

		select {
		case <-ctx.Done():
			return
		case <-watch:
		}
	}
}

// watchTopic starts the registry watch of the topic, if it is not running yet.
func (l *leader) watchTopic(ctx context.Context, topic string) {
	if !l.topics.Add(topic) {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		b := newRetryBackoff(l.clock)
		for {
			_, watch, err := l.session.GetW(ctx, registryPath(topic))
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, coordination.ErrSessionClosed) {
					return
				}
				delay := b.NextBackOff()
				l.logger.Warnf(ctx, `cannot watch registry of the topic "%s", retry in %s: %s`, topic, delay, err)
				select {
				case <-ctx.Done():
					return
				case <-l.clock.After(delay):
					continue
				}
			}
			b.Reset()

			// The blob is read again by the recomputation
			l.submit(ctx, topic)

			select {
			case <-ctx.Done():
				return
			case <-watch:
			}
		}
	}()
}

func (l *leader) submit(ctx context.Context, topic string) {
	l.executor.Submit("recompute "+topic, func(executorCtx context.Context) {
		if ctx.Err() != nil {
			return
		}
		ctx, cancel := mergeCancel(ctx, executorCtx)
		defer cancel()
		l.recompute(ctx, topic)
	})
}

// recompute and publish the assignment of the topic, if it has been changed.
func (l *leader) recompute(ctx context.Context, topic string) {
	logger := l.logger.With(attribute.String("topic", topic))

	b := backoff.WithContext(backoff.WithMaxRetries(newRetryBackoff(l.clock), l.config.Registry.MaxRetries), ctx)
	err := backoff.RetryNotify(
		func() error {
			return retryable(l.publish(ctx, logger, topic))
		},
		b,
		func(err error, delay time.Duration) {
			logger.Warnf(ctx, `cannot publish assignment of the topic "%s", retry in %s: %s`, topic, delay, err)
		},
	)

	switch {
	case err == nil:
		return
	case ctx.Err() != nil:
		logger.Infof(ctx, `recomputation of the topic "%s" abandoned`, topic)
	case errors.Is(err, errLeadershipLost):
		logger.Infof(ctx, `recomputation of the topic "%s" abandoned: %s`, topic, err)
	case errors.Is(err, coordination.ErrSessionClosed):
		return
	default:
		// Let a fresh leader try again
		logger.Errorf(ctx, `recomputation of the topic "%s" failed, resigning: %s`, topic, err)
		if err := l.elector.Resign(context.WithoutCancel(ctx)); err != nil {
			logger.Errorf(ctx, "cannot resign: %s", err)
		}
	}
}

func (l *leader) publish(ctx context.Context, logger log.Logger, topic string) error {
	startTime := l.clock.Now()

	hosts := l.node.Members()
	if len(hosts) == 0 {
		logger.Debugf(ctx, `skipped recomputation of the topic "%s": no known member`, topic)
		return nil
	}

	channels, err := l.registry.Channels(ctx, topic)
	if err != nil {
		return err
	}

	// Previous assignment is the base for the churn minimization
	path := coordination.Join(AssignmentPath, topic)
	prevNode, err := l.session.Get(ctx, path)
	if err != nil {
		return err
	}
	prev, err := decodeBlob[assignmentBlob](prevNode)
	if err != nil {
		return backoff.Permanent(err)
	}

	next := l.assigner.Assign(hosts, channels, prev.Channels)
	if err := l.assigner.Verify(hosts, channels, next); err != nil {
		return backoff.Permanent(errors.PrefixError(err, "computed assignment is not valid"))
	}
	l.metrics.Computed(ctx, topic, l.clock.Since(startTime))

	if next.Equal(prev.Channels) && (prevNode.Exists() || len(next) == 0) {
		logger.Debugf(ctx, `assignment of the topic "%s" is up to date, epoch %d`, topic, prev.Epoch)
		return nil
	}

	// Leadership may have been lost in the meantime
	if ctx.Err() != nil || !l.elector.IsLeader() {
		return backoff.Permanent(errLeadershipLost)
	}

	blob := assignmentBlob{Epoch: prev.Epoch + 1, Leader: l.hostID, Channels: next}
	data, err := encodeBlob(blob)
	if err != nil {
		return backoff.Permanent(err)
	}
	if _, err := l.session.SetIfVersion(ctx, path, data, prevNode.Version); err != nil {
		return err
	}

	l.metrics.Published(ctx, topic)
	logger.Infof(
		ctx,
		`published assignment of the topic "%s", epoch %d, %d channels, %d hosts, %d moved`,
		topic, blob.Epoch, len(next), len(hosts), next.Moved(prev.Channels),
	)
	return nil
}

func newRetryBackoff(clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Clock = clock
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// mergeCancel returns a context cancelled when any of the two contexts is cancelled.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
