package distributer

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// notifier watches published assignments of topics with a registered callback.
// Each observed epoch is diffed against the local view of the host and the change is delivered to the callback.
//
// The watch always re-reads the whole assignment, so a lost session or a skipped epoch
// is handled by the same diff against the last processed epoch.
type notifier struct {
	hostID   string
	session  coordination.Session
	logger   log.Logger
	clock    clockwork.Clock
	metrics  *metrics
	executor *executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	lock      *sync.Mutex
	views     map[string]*topicView
	mode      VersionedOperationMode
	modeKnown bool
}

// topicView is the local view of one topic.
type topicView struct {
	topic    string
	callback ChannelChangeCallback
	cancel   context.CancelFunc
	state    TopicState
	epoch    int64
	owned    mapset.Set[string]
	// version of the last mode delivered to the callback
	modeVersion   coordination.Version
	modeDelivered bool
}

func newNotifier(hostID string, session coordination.Session, logger log.Logger, clock clockwork.Clock, m *metrics, e *executor) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &notifier{
		hostID:   hostID,
		session:  session,
		logger:   logger.WithComponent("notifier"),
		clock:    clock,
		metrics:  m,
		executor: e,
		ctx:      ctx,
		cancel:   cancel,
		wg:       &sync.WaitGroup{},
		lock:     &sync.Mutex{},
		views:    make(map[string]*topicView),
	}
}

// Start watching the cluster operation mode.
func (n *notifier) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watchNode(n.ctx, ModePath, func(node coordination.Node) {
			n.executor.Submit("process mode", func(ctx context.Context) {
				n.processMode(ctx, node)
			})
		})
	}()
}

// Stop all watches, all topics are unregistered.
func (n *notifier) Stop(ctx context.Context) {
	n.cancel()
	n.wg.Wait()

	n.lock.Lock()
	defer n.lock.Unlock()
	for _, v := range n.views {
		v.state = TopicUnregistered
	}
	n.logger.Info(ctx, "notifier stopped")
}

func (n *notifier) RegisterCallback(ctx context.Context, topic string, cb ChannelChangeCallback) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.ctx.Err() != nil {
		return ErrShutdown
	}

	if v, ok := n.views[topic]; ok {
		if v.state == TopicUnregistered {
			return newConfigErrorf(`callback of the topic "%s" has been unregistered, it cannot be registered again`, topic)
		}
		return newConfigErrorf(`topic "%s" is already bound to another callback`, topic)
	}

	watchCtx, cancel := context.WithCancel(n.ctx)
	v := &topicView{
		topic:    topic,
		callback: cb,
		cancel:   cancel,
		state:    TopicRegistering,
		owned:    mapset.NewThreadUnsafeSet[string](),
	}
	n.views[topic] = v

	// A new callback gets the current mode immediately
	if n.modeKnown {
		n.executor.Submit("deliver mode", func(ctx context.Context) {
			n.deliverMode(ctx, v)
		})
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watchNode(watchCtx, coordination.Join(AssignmentPath, topic), func(node coordination.Node) {
			n.executor.Submit("process assignment "+topic, func(ctx context.Context) {
				n.processAssignment(ctx, v, node)
			})
		})
	}()

	n.logger.With(attribute.String("topic", topic)).Infof(ctx, `registered callback of the topic "%s"`, topic)
	return nil
}

// UnregisterCallback stops notifications of the topic, the topic cannot be registered again.
func (n *notifier) UnregisterCallback(ctx context.Context, topic string) {
	n.lock.Lock()
	defer n.lock.Unlock()

	v, ok := n.views[topic]
	if !ok || v.state == TopicUnregistered {
		return
	}

	v.cancel()
	v.state = TopicUnregistered
	n.logger.With(attribute.String("topic", topic)).Infof(ctx, `unregistered callback of the topic "%s"`, topic)
}

func (n *notifier) HasCallback(topic string) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	v, ok := n.views[topic]
	return ok && v.state != TopicUnregistered
}

func (n *notifier) TopicState(topic string) TopicState {
	n.lock.Lock()
	defer n.lock.Unlock()
	if v, ok := n.views[topic]; ok {
		return v.state
	}
	return TopicUnregistered
}

func (n *notifier) ProcessedEpoch(topic string) int64 {
	n.lock.Lock()
	defer n.lock.Unlock()
	if v, ok := n.views[topic]; ok {
		return v.epoch
	}
	return 0
}

func (n *notifier) Mode() VersionedOperationMode {
	n.lock.Lock()
	defer n.lock.Unlock()
	if !n.modeKnown {
		return VersionedOperationMode{Mode: ModeRunning}
	}
	return n.mode
}

// watchNode re-reads the node after each change and on a lost session.
func (n *notifier) watchNode(ctx context.Context, path string, onRead func(node coordination.Node)) {
	b := newRetryBackoff(n.clock)
	for {
		node, watch, err := n.session.GetW(ctx, path)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, coordination.ErrSessionClosed) {
				return
			}
			delay := b.NextBackOff()
			n.logger.Warnf(ctx, `cannot watch "%s", retry in %s: %s`, path, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-n.clock.After(delay):
				continue
			}
		}
		b.Reset()

		onRead(node)

		select {
		case <-ctx.Done():
			return
		case event, ok := <-watch:
			if ok && event.Type == coordination.EventSessionLost {
				if coordination.IsClosed(n.session) {
					return
				}
				n.logger.Warnf(ctx, `coordination session has been lost, resynchronizing "%s"`, path)
			}
		}
	}
}

// processAssignment runs on the executor, so the view is modified only by one goroutine.
func (n *notifier) processAssignment(ctx context.Context, v *topicView, node coordination.Node) {
	logger := n.logger.With(attribute.String("topic", v.topic))

	blob, err := decodeBlob[assignmentBlob](node)
	if err != nil {
		logger.Error(ctx, err.Error())
		return
	}

	n.lock.Lock()
	switch {
	case v.state == TopicUnregistered:
		n.lock.Unlock()
		return
	case v.state != TopicRegistering && blob.Epoch <= v.epoch:
		n.lock.Unlock()
		logger.Debugf(ctx, `discarded epoch %d of the topic "%s", processed epoch is %d`, blob.Epoch, v.topic, v.epoch)
		return
	}

	owned := blob.Owned(n.hostID)
	change := ChannelChange{
		Topic:   v.topic,
		Epoch:   blob.Epoch,
		Added:   owned.Difference(v.owned),
		Removed: v.owned.Difference(owned),
	}
	v.state = TopicReconciling
	v.owned = owned
	v.epoch = blob.Epoch
	n.lock.Unlock()

	if !change.IsEmpty() {
		logger.Infof(ctx, `topic "%s" epoch %d: %d added, %d removed`, v.topic, blob.Epoch, change.Added.Cardinality(), change.Removed.Cardinality())
		v.callback.OnChange(ctx, change)
		n.metrics.Delivered(ctx, v.topic)
	}

	n.lock.Lock()
	if v.state == TopicReconciling {
		v.state = TopicStable
	}
	n.lock.Unlock()
}

// processMode runs on the executor, a mode with a newer version is delivered to all callbacks.
func (n *notifier) processMode(ctx context.Context, node coordination.Node) {
	blob, err := decodeBlob[modeBlob](node)
	if err != nil {
		n.logger.Error(ctx, err.Error())
		return
	}
	if blob.Mode == "" {
		blob.Mode = ModeRunning
	}

	n.lock.Lock()
	if n.modeKnown && node.Version <= n.mode.Version {
		n.lock.Unlock()
		return
	}
	n.mode = VersionedOperationMode{Mode: blob.Mode, Version: node.Version}
	n.modeKnown = true
	views := make([]*topicView, 0, len(n.views))
	for _, v := range n.views {
		views = append(views, v)
	}
	n.lock.Unlock()

	n.logger.Infof(ctx, `cluster operation mode is "%s", version %d`, blob.Mode, node.Version)
	for _, v := range views {
		n.deliverMode(ctx, v)
	}
}

func (n *notifier) deliverMode(ctx context.Context, v *topicView) {
	n.lock.Lock()
	mode := n.mode
	if v.state == TopicUnregistered || (v.modeDelivered && mode.Version <= v.modeVersion) {
		n.lock.Unlock()
		return
	}
	v.modeDelivered = true
	v.modeVersion = mode.Version
	n.lock.Unlock()

	v.callback.OnClusterStateChange(ctx, mode)
}
