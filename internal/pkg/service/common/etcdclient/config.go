package etcdclient

import (
	"strings"
	"time"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultKeepAliveTimeout  = 5 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
)

type Config struct {
	Endpoint          string        `configKey:"endpoint" configUsage:"Etcd endpoint." validate:"required"`
	Namespace         string        `configKey:"namespace" configUsage:"Etcd namespace." validate:"required"`
	Username          string        `configKey:"username" configUsage:"Etcd username."`
	Password          string        `configKey:"password" configUsage:"Etcd password." sensitive:"true"`
	ConnectTimeout    time.Duration `configKey:"connectTimeout" configUsage:"Etcd connect timeout." validate:"required"`
	KeepAliveTimeout  time.Duration `configKey:"keepAliveTimeout" configUsage:"Etcd keep alive timeout." validate:"required"`
	KeepAliveInterval time.Duration `configKey:"keepAliveInterval" configUsage:"Etcd keep alive interval." validate:"required"`
	SessionTTL        int           `configKey:"sessionTTL" configUsage:"Seconds after which the host is considered dead, if it is not reachable." validate:"required,min=1"`
	DebugLog          bool          `configKey:"debugLog" configUsage:"Etcd operations logging as debug messages."`
}

func NewConfig() Config {
	return Config{
		ConnectTimeout:    DefaultConnectTimeout,
		KeepAliveTimeout:  DefaultKeepAliveTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		SessionTTL:        15,
	}
}

// Normalize trims the endpoint and ensures the namespace ends with a slash.
func (c *Config) Normalize() {
	c.Endpoint = strings.Trim(c.Endpoint, " /")
	c.Namespace = strings.Trim(c.Namespace, " /") + "/"
}

func (c Config) Validate() error {
	errs := errors.NewMultiError()
	if c.Endpoint == "" {
		errs.Append(errors.New("etcd endpoint is not set"))
	}
	if strings.Trim(c.Namespace, " /") == "" {
		errs.Append(errors.New("etcd namespace is not set"))
	}
	if c.SessionTTL < 1 {
		errs.Append(errors.New("etcd session TTL must be at least 1 second"))
	}
	return errs.ErrorOrNil()
}
