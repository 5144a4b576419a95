// Package config contains configuration of the channel-distributer service.
package config

import (
	"context"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/configmap"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination/zkbackend"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/etcdclient"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/distributer"
	"github.com/keboola/channel-distributer/internal/pkg/telemetry/prometheus"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
	"github.com/keboola/channel-distributer/internal/pkg/validator"
)

const (
	EnvPrefix = "CHANNEL_DISTRIBUTER_"

	BackendMemory    = "memory"
	BackendEtcd      = "etcd"
	BackendZooKeeper = "zookeeper"
)

type Config struct {
	DebugLog      bool               `configKey:"debugLog" configUsage:"Enable logging at DEBUG level."`
	LogFormat     string             `configKey:"logFormat" configUsage:"Log format: json or console." validate:"required,oneof=json console"`
	HostID        string             `configKey:"hostID" configUsage:"Stable ID of the host in the cluster, generated from the hostname and PID if empty."`
	Backend       string             `configKey:"backend" configUsage:"Coordination backend: memory, etcd, zookeeper." validate:"required,oneof=memory etcd zookeeper"`
	Manifest      string             `configKey:"manifest" configUsage:"Path to the YAML manifest of topics and channels of the host."`
	WatchManifest bool               `configKey:"watchManifest" configUsage:"Register channels again when the manifest file changes."`
	Etcd          etcdclient.Config  `configKey:"etcd" validate:"-"`
	ZooKeeper     zkbackend.Config   `configKey:"zookeeper" validate:"-"`
	Distributer   distributer.Config `configKey:"distributer"`
	Metrics       prometheus.Config  `configKey:"metrics"`
}

func New() Config {
	return Config{
		LogFormat:     string(log.FormatJSON),
		WatchManifest: true,
		Backend:       BackendMemory,
		Etcd:          etcdclient.NewConfig(),
		ZooKeeper:     zkbackend.NewConfig(),
		Distributer:   distributer.NewConfig(),
		Metrics:       prometheus.NewConfig(),
	}
}

// Load configuration from flags, ENVs and config files, see configmap.Bind.
func Load(ctx context.Context, args []string, lookupEnv configmap.LookupEnvFn) (Config, error) {
	cfg := New()

	spec := configmap.BindSpec{EnvPrefix: EnvPrefix, LookupEnv: lookupEnv}
	if len(args) > 0 {
		spec.Name = args[0]
		spec.Args = args[1:]
	}
	if err := configmap.Bind(spec, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(ctx); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate the common part and the config of the selected backend.
func (c Config) Validate(ctx context.Context) error {
	errs := errors.NewMultiError()
	if err := validator.New().Validate(ctx, c); err != nil {
		errs.Append(err)
	}

	switch c.Backend {
	case BackendEtcd:
		if err := c.Etcd.Validate(); err != nil {
			errs.Append(errors.PrefixError(err, "invalid etcd config"))
		}
	case BackendZooKeeper:
		if err := c.ZooKeeper.Validate(); err != nil {
			errs.Append(errors.PrefixError(err, "invalid zookeeper config"))
		}
	}

	return errs.ErrorOrNil()
}
