package zkbackend

import (
	"strings"
	"time"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

type Config struct {
	Servers        []string      `configKey:"servers" configUsage:"ZooKeeper servers, host:port." validate:"required,min=1"`
	Root           string        `configKey:"root" configUsage:"Root node of all distributer nodes." validate:"required"`
	SessionTimeout time.Duration `configKey:"sessionTimeout" configUsage:"ZooKeeper session timeout." validate:"required"`
	ConnectTimeout time.Duration `configKey:"connectTimeout" configUsage:"Maximum time to establish the first session." validate:"required"`
}

func NewConfig() Config {
	return Config{
		Root:           "/channel-distributer",
		SessionTimeout: 10 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// Normalize ensures the root starts with a slash and does not end with a slash.
func (c *Config) Normalize() {
	c.Root = "/" + strings.Trim(c.Root, " /")
	for i, s := range c.Servers {
		c.Servers[i] = strings.TrimSpace(s)
	}
}

func (c Config) Validate() error {
	errs := errors.NewMultiError()
	if len(c.Servers) == 0 {
		errs.Append(errors.New("zookeeper servers are not set"))
	}
	if c.Root == "/" || c.Root == "" {
		errs.Append(errors.New("zookeeper root node is not set"))
	}
	return errs.ErrorOrNil()
}
