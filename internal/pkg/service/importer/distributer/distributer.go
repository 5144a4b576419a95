// Package distributer decides which host of the cluster imports which channel.
//
// Each host registers its channels per topic. The elected leader assigns all registered channels
// to the live hosts and publishes the assignment under an increasing epoch. Each host diffs
// the published assignment against its local view and notifies the callback of the topic.
//
// Layout in the coordination store:
//
//	members/<host>            ephemeral, see distribution.Node
//	election/candidate-<seq>  ephemeral sequential, see distlock.Elector
//	registry/<topic>          {"hosts": {"<host>": ["<uri>", ...]}}
//	assignment/<topic>        {"epoch": <n>, "leader": "<host>", "channels": {"<uri>": "<host>"}}
//	mode                      {"mode": "running"|"paused"}
package distributer

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/atomic"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distlock"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distribution"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/channel"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

type Distributer struct {
	hostID  string
	session coordination.Session
	logger  log.Logger
	config  Config
	clock   clockwork.Clock
	metrics *metrics

	executor *executor
	node     *distribution.Node
	elector  *distlock.Elector
	registry *registry
	leader   *leader
	notifier *notifier

	closed atomic.Bool
}

type options struct {
	hostID        string
	config        Config
	clock         clockwork.Clock
	meterProvider metric.MeterProvider
}

type Option func(o *options)

// WithHostID sets a stable ID of the host, by default the session ID is used.
func WithHostID(v string) Option {
	return func(o *options) {
		o.hostID = v
	}
}

func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = provider
	}
}

// New joins the cluster. The Distributer takes ownership of the session, it is closed by the Shutdown.
func New(ctx context.Context, session coordination.Session, logger log.Logger, opts ...Option) (*Distributer, error) {
	o := options{
		hostID:        session.ID(),
		config:        NewConfig(),
		clock:         clockwork.NewRealClock(),
		meterProvider: noop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.hostID == "" {
		return nil, errors.New("host ID is not set")
	}
	if err := o.config.Validate(ctx); err != nil {
		return nil, errors.PrefixError(err, "invalid distributer config")
	}

	d := &Distributer{
		hostID:  o.hostID,
		session: session,
		logger:  logger.WithComponent("distributer").With(attribute.String("host", o.hostID)),
		config:  o.config,
		clock:   o.clock,
		metrics: newMetrics(o.meterProvider),
	}

	d.executor = newExecutor(d.logger)

	node, err := distribution.NewNode(ctx, d.hostID, session, logger, d.config.Distribution, distribution.WithClock(d.clock))
	if err != nil {
		d.executor.Stop(ctx)
		return nil, err
	}
	d.node = node

	d.registry = newRegistry(d.hostID, session, d.logger, d.config.Registry, d.clock, d.metrics)
	d.elector = distlock.NewElector(d.hostID, session, logger, distlock.WithClock(d.clock), distlock.WithConfig(d.config.Election))
	d.leader = newLeader(d)
	d.notifier = newNotifier(d.hostID, session, d.logger, d.clock, d.metrics, d.executor)

	// Leadership transitions are serialized with the watch deliveries.
	// Publishing is stopped immediately, so the old leader never publishes after the loss.
	d.elector.OnBecomeLeader(func(context.Context) {
		d.executor.Submit("start leader", d.leader.Start)
	})
	d.elector.OnLoseLeadership(func(ctx context.Context) {
		d.leader.Stop(ctx)
	})

	d.notifier.Start()
	if err := d.elector.Start(ctx); err != nil {
		d.notifier.Stop(ctx)
		d.executor.Stop(ctx)
		_ = node.Stop(ctx)
		return nil, err
	}

	d.logger.Info(ctx, "distributer started")
	return d, nil
}

func (d *Distributer) HostID() string {
	return d.hostID
}

func (d *Distributer) IsLeader() bool {
	return d.elector.IsLeader()
}

// Members returns sorted IDs of the live hosts.
func (d *Distributer) Members() []string {
	return d.node.Members()
}

func (d *Distributer) TopicState(topic string) TopicState {
	return d.notifier.TopicState(topic)
}

// ProcessedEpoch returns the last assignment epoch of the topic delivered to the callback.
func (d *Distributer) ProcessedEpoch(topic string) int64 {
	return d.notifier.ProcessedEpoch(topic)
}

// RegisterCallback binds the callback to the topic. One topic can be bound only once.
func (d *Distributer) RegisterCallback(ctx context.Context, topic string, cb ChannelChangeCallback) error {
	if d.closed.Load() {
		return ErrShutdown
	}
	if err := channel.ValidateTopic(topic); err != nil {
		return newConfigError(err)
	}
	if cb == nil {
		return newConfigErrorf(`callback of the topic "%s" is nil`, topic)
	}
	return d.notifier.RegisterCallback(ctx, topic, cb)
}

// UnregisterCallback stops notifications of the topic. The topic cannot be bound again.
func (d *Distributer) UnregisterCallback(ctx context.Context, topic string) {
	d.notifier.UnregisterCallback(ctx, topic)
}

// RegisterChannels replaces channels declared by the host for the topic.
// An empty set removes all channels of the host. Registration of the set already on file does nothing.
func (d *Distributer) RegisterChannels(ctx context.Context, topic string, uris []string) error {
	if d.closed.Load() {
		return ErrShutdown
	}
	if err := channel.ValidateTopic(topic); err != nil {
		return newConfigError(err)
	}

	normalized, err := channel.NormalizeURIs(uris)
	if err != nil {
		return newConfigError(err)
	}
	if len(normalized) > 0 && !d.notifier.HasCallback(topic) {
		return newConfigErrorf(`no callback is registered for the topic "%s"`, topic)
	}

	return d.registry.Register(ctx, topic, normalized)
}

// Shutdown leaves the cluster.
// Registry entries of the host and ephemeral nodes are removed before the session is closed,
// so other hosts observe the departure without waiting for the session timeout.
func (d *Distributer) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.logger.Info(ctx, "received shutdown request")

	// Stop processing, an in-flight recomputation is abandoned
	d.notifier.Stop(ctx)
	d.leader.Stop(ctx)
	d.executor.Stop(ctx)

	ctx, cancel := context.WithTimeout(ctx, d.config.Distribution.ShutdownTimeout)
	defer cancel()

	errs := errors.NewMultiError()
	select {
	case <-d.session.Done():
		d.logger.Warn(ctx, "coordination session has been closed, skipped deregistration of channels")
	default:
		if err := d.registry.DeregisterAll(ctx); err != nil {
			errs.Append(err)
		}
	}
	// The member node is removed first, so the next leader does not assign channels to this host
	if err := d.node.Stop(ctx); err != nil {
		errs.Append(err)
	}
	if err := d.elector.Stop(ctx); err != nil {
		errs.Append(err)
	}
	if err := d.session.Close(ctx); err != nil {
		errs.Append(errors.PrefixError(err, "cannot close coordination session"))
	}

	if err := errs.ErrorOrNil(); err != nil {
		d.logger.Errorf(ctx, "shutdown failed: %s", err)
		return err
	}

	d.logger.Info(ctx, "shutdown done")
	return nil
}
