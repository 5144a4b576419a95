// Package service runs one host of the channel-distributer cluster.
//
// The host connects to the configured coordination backend, joins the cluster
// and registers channels from the manifest. Ownership changes are logged.
// Changes of the manifest file are registered again while the host is running.
package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination/etcdbackend"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination/memory"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination/zkbackend"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/etcdclient"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/servicectx"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/config"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/distributer"
	"github.com/keboola/channel-distributer/internal/pkg/telemetry/prometheus"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const ServiceName = "channel-distributer"

type Service struct {
	logger      log.Logger
	distributer *distributer.Distributer
	metrics     *prometheus.Server

	lock      *sync.Mutex
	manifest  config.Manifest
	callbacks map[string]*ownershipLogger
}

// Start the host. The Distributer is shut down on the process termination.
func Start(ctx context.Context, proc *servicectx.Process, logger log.Logger, cfg config.Config, opts ...distributer.Option) (*Service, error) {
	hostID := cfg.HostID
	if hostID == "" {
		hostID = proc.UniqueID()
	}

	manifest := config.Manifest{}
	if cfg.Manifest != "" {
		var err error
		if manifest, err = config.LoadManifest(cfg.Manifest); err != nil {
			return nil, err
		}
	}

	var metrics *prometheus.Server
	if cfg.Metrics.Listen != "" {
		var err error
		if metrics, err = prometheus.ServeMetrics(ctx, ServiceName, cfg.Metrics, logger, proc); err != nil {
			return nil, err
		}
	}

	session, err := openSession(ctx, proc, logger, cfg, hostID)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot open "%s" coordination session`, cfg.Backend)
	}

	defaults := []distributer.Option{distributer.WithHostID(hostID), distributer.WithConfig(cfg.Distributer)}
	if metrics != nil {
		defaults = append(defaults, distributer.WithMeterProvider(metrics.MeterProvider()))
	}
	opts = append(defaults, opts...)
	d, err := distributer.New(ctx, session, logger, opts...)
	if err != nil {
		_ = session.Close(ctx)
		return nil, err
	}

	s := &Service{
		logger:      logger.WithComponent("service"),
		distributer: d,
		metrics:     metrics,
		lock:        &sync.Mutex{},
		callbacks:   make(map[string]*ownershipLogger),
	}

	proc.OnShutdown(func(ctx context.Context) {
		if err := d.Shutdown(ctx); err != nil {
			s.logger.Errorf(ctx, "cannot shutdown distributer: %s", err)
		}
	})

	// A lost session cannot be recovered, the process is restarted
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		select {
		case <-ctx.Done():
		case <-session.Done():
			select {
			case errCh <- errors.New("coordination session has been closed"):
			default:
			}
		}
	})

	if err := s.applyManifest(ctx, manifest); err != nil {
		return nil, err
	}
	if cfg.Manifest != "" && cfg.WatchManifest {
		s.watchManifest(ctx, proc, cfg.Manifest)
	}

	s.logger.Infof(ctx, `host "%s" started, %d topics`, hostID, len(manifest.Topics))
	return s, nil
}

func (s *Service) Distributer() *distributer.Distributer {
	return s.distributer
}

// MetricsURL returns URL of the metrics endpoint, or an empty string if it is disabled.
func (s *Service) MetricsURL() string {
	if s.metrics == nil {
		return ""
	}
	return s.metrics.URL()
}

// Owned returns sorted channels of the topic owned by the host.
func (s *Service) Owned(topic string) []string {
	s.lock.Lock()
	cb, ok := s.callbacks[topic]
	s.lock.Unlock()
	if ok {
		return cb.Owned()
	}
	return nil
}

// applyManifest registers channels of each topic of the manifest, topics are processed concurrently.
// A callback is bound to each new topic. Channels of topics missing in the manifest are removed.
func (s *Service) applyManifest(ctx context.Context, manifest config.Manifest) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, topic := range manifest.TopicNames() {
		cb, bound := s.callbacks[topic]
		if !bound {
			cb = newOwnershipLogger(s.logger, topic)
			s.callbacks[topic] = cb
		}
		grp.Go(func() error {
			if !bound {
				if err := s.distributer.RegisterCallback(grpCtx, topic, cb); err != nil {
					return err
				}
			}
			return s.distributer.RegisterChannels(grpCtx, topic, manifest.Topics[topic])
		})
	}
	for _, topic := range s.manifest.TopicNames() {
		if _, found := manifest.Topics[topic]; !found {
			grp.Go(func() error {
				return s.distributer.RegisterChannels(grpCtx, topic, nil)
			})
		}
	}

	err := grp.Wait()
	if err == nil {
		s.manifest = manifest
	}
	return err
}

func openSession(ctx context.Context, proc *servicectx.Process, logger log.Logger, cfg config.Config, hostID string) (coordination.Session, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn(ctx, "memory coordination backend is not shared between processes, the cluster has a single host")
		return memory.NewStore().NewSession(hostID), nil
	case config.BackendEtcd:
		client, err := etcdclient.New(ctx, proc, logger, cfg.Etcd)
		if err != nil {
			return nil, err
		}
		session, err := etcdbackend.Open(ctx, client, logger, hostID, cfg.Etcd.SessionTTL)
		if err != nil {
			return nil, err
		}
		return session, nil
	case config.BackendZooKeeper:
		session, err := zkbackend.Open(ctx, cfg.ZooKeeper, logger, hostID)
		if err != nil {
			return nil, err
		}
		return session, nil
	default:
		return nil, errors.Errorf(`unexpected backend "%s"`, cfg.Backend)
	}
}
