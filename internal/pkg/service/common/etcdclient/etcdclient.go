// Package etcdclient creates an etcd client scoped to a namespace.
package etcdclient

import (
	"context"
	"strings"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	etcdNamespace "go.etcd.io/etcd/client/v3/namespace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/servicectx"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
	"github.com/keboola/channel-distributer/internal/pkg/utils/etcdlogger"
)

// UseNamespace prefixes all keys, leases and watches of the client.
func UseNamespace(c *etcd.Client, prefix string) {
	c.KV = etcdNamespace.NewKV(c.KV, prefix)
	c.Watcher = etcdNamespace.NewWatcher(c.Watcher, prefix)
	c.Lease = etcdNamespace.NewLease(c.Lease, prefix)
}

// New creates an etcd client and checks the connection.
// The connection is closed on the process shutdown.
func New(ctx context.Context, proc *servicectx.Process, logger log.Logger, cfg Config) (*etcd.Client, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.WithComponent("etcd-client")

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	startTime := time.Now()
	logger.Infof(ctx, "connecting to etcd, connectTimeout=%s, keepAliveTimeout=%s, keepAliveInterval=%s", cfg.ConnectTimeout, cfg.KeepAliveTimeout, cfg.KeepAliveInterval)
	c, err := etcd.New(etcd.Config{
		Context:              context.WithoutCancel(ctx), // the client lives as long as the process
		Endpoints:            []string{cfg.Endpoint},
		DialTimeout:          cfg.ConnectTimeout,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
		DialKeepAliveTime:    cfg.KeepAliveInterval,
		Username:             cfg.Username, // optional
		Password:             cfg.Password, // optional
		Logger:               log.ZapLogger(logger),
		PermitWithoutStream:  true, // always send keep-alive pings
		DialOptions: []grpc.DialOption{
			grpc.WithBlock(), // wait for the connection
			grpc.WithReturnConnectionError(),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
			}),
		},
	})
	if err != nil {
		return nil, errors.PrefixError(err, "cannot create etcd client: cannot connect")
	}

	UseNamespace(c, cfg.Namespace)

	if cfg.DebugLog {
		c.KV = etcdlogger.KVLogWrapper(c.KV, logger)
	}

	// Connection check
	if _, err := c.MemberList(connectCtx); err != nil {
		_ = c.Close()
		return nil, errors.PrefixError(err, "cannot create etcd client: cannot get cluster members")
	}

	proc.OnShutdown(func(ctx context.Context) {
		closeTime := time.Now()
		logger.Info(ctx, "closing etcd connection")
		if err := c.Close(); err != nil {
			logger.Warnf(ctx, "cannot close etcd connection: %s", err)
		} else {
			logger.Infof(ctx, "closed etcd connection | %s", time.Since(closeTime))
		}
	})

	logger.Infof(ctx, `connected to etcd cluster "%s" | %s`, strings.Join(c.Endpoints(), ";"), time.Since(startTime))
	return c, nil
}
