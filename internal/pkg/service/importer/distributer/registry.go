package distributer

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

// registry publishes channels declared by the host.
// All hosts share one blob per topic, each host overwrites only its own entry, using version-checked writes.
type registry struct {
	hostID  string
	session coordination.Session
	logger  log.Logger
	config  RegistryConfig
	clock   clockwork.Clock
	metrics *metrics

	lock       *sync.Mutex
	topicLocks map[string]*sync.Mutex
	// registered topics with a non-empty entry of the host
	registered map[string]bool
}

func newRegistry(hostID string, session coordination.Session, logger log.Logger, cfg RegistryConfig, clock clockwork.Clock, m *metrics) *registry {
	return &registry{
		hostID:     hostID,
		session:    session,
		logger:     logger.WithComponent("registry"),
		config:     cfg,
		clock:      clock,
		metrics:    m,
		lock:       &sync.Mutex{},
		topicLocks: make(map[string]*sync.Mutex),
		registered: make(map[string]bool),
	}
}

// Register replaces the host entry of the topic, the uris must be sorted and unique.
// Identical entry is not written. Empty uris remove the entry, an empty blob is deleted.
func (r *registry) Register(ctx context.Context, topic string, uris []string) error {
	unlock := r.lockTopic(topic)
	defer unlock()

	logger := r.logger.With(attribute.String("topic", topic))
	path := registryPath(topic)
	attempts := 0
	noop := false

	op := func() error {
		attempts++
		noop = false

		node, err := r.session.Get(ctx, path)
		if err != nil {
			return retryable(err)
		}
		blob, err := decodeBlob[registryBlob](node)
		if err != nil {
			return backoff.Permanent(err)
		}

		if slices.Equal(blob.Hosts[r.hostID], uris) {
			noop = true
			return nil
		}

		if blob.Hosts == nil {
			blob.Hosts = make(map[string][]string)
		}
		if len(uris) == 0 {
			delete(blob.Hosts, r.hostID)
		} else {
			blob.Hosts[r.hostID] = uris
		}

		if len(blob.Hosts) == 0 {
			return retryable(r.session.Delete(ctx, path, node.Version))
		}

		data, err := encodeBlob(blob)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = r.session.SetIfVersion(ctx, path, data, node.Version)
		return retryable(err)
	}

	notify := func(err error, delay time.Duration) {
		r.metrics.RegistryRetry(ctx, topic)
		logger.Warnf(ctx, `registry write of the topic "%s" failed, retry in %s: %s`, topic, delay, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackoff(), r.config.MaxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if coordination.IsTransient(err) {
			return RetryExhaustedError{Path: path, Attempts: attempts, err: err}
		}
		return errors.PrefixErrorf(err, `cannot register channels of the topic "%s"`, topic)
	}

	r.lock.Lock()
	if len(uris) == 0 {
		delete(r.registered, topic)
	} else {
		r.registered[topic] = true
	}
	r.lock.Unlock()

	if noop {
		logger.Debugf(ctx, `channels of the topic "%s" are up to date`, topic)
		return nil
	}

	if len(uris) == 0 {
		logger.Infof(ctx, `deregistered channels of the topic "%s"`, topic)
	} else {
		logger.Infof(ctx, `registered %d channels of the topic "%s"`, len(uris), topic)
	}
	return nil
}

// Channels returns the union of channels of all hosts.
func (r *registry) Channels(ctx context.Context, topic string) ([]string, error) {
	node, err := r.session.Get(ctx, registryPath(topic))
	if err != nil {
		return nil, err
	}
	blob, err := decodeBlob[registryBlob](node)
	if err != nil {
		return nil, err
	}
	return blob.Channels(), nil
}

// DeregisterAll removes all entries of the host, it is used on shutdown.
func (r *registry) DeregisterAll(ctx context.Context) error {
	r.lock.Lock()
	topics := make([]string, 0, len(r.registered))
	for topic := range r.registered {
		topics = append(topics, topic)
	}
	r.lock.Unlock()
	slices.Sort(topics)

	errs := errors.NewMultiError()
	for _, topic := range topics {
		if err := r.Register(ctx, topic, nil); err != nil {
			errs.Append(err)
		}
	}
	return errs.ErrorOrNil()
}

func (r *registry) lockTopic(topic string) (unlock func()) {
	r.lock.Lock()
	l, ok := r.topicLocks[topic]
	if !ok {
		l = &sync.Mutex{}
		r.topicLocks[topic] = l
	}
	r.lock.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *registry) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Clock = r.clock
	b.RandomizationFactor = 0.2
	b.InitialInterval = r.config.InitialInterval
	b.Multiplier = 2
	b.MaxInterval = r.config.MaxInterval
	b.MaxElapsedTime = 0 // limited by the number of retries
	b.Reset()
	return b
}

// retryable marks non-transient errors as permanent.
func retryable(err error) error {
	var permanent *backoff.PermanentError
	if err == nil || coordination.IsTransient(err) || errors.As(err, &permanent) {
		return err
	}
	return backoff.Permanent(err)
}

func registryPath(topic string) string {
	return coordination.Join(RegistryPath, topic)
}
