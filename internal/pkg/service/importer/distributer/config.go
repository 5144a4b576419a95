package distributer

import (
	"context"
	"time"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/distlock"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/distribution"
	"github.com/keboola/channel-distributer/internal/pkg/validator"
)

type Config struct {
	Distribution distribution.Config `configKey:"distribution"`
	Election     distlock.Config     `configKey:"election"`
	Registry     RegistryConfig      `configKey:"registry"`
}

type RegistryConfig struct {
	// MaxRetries limits attempts of a version-checked write, see RetryExhaustedError.
	MaxRetries      uint64        `configKey:"maxRetries" configUsage:"Maximum number of retries of a conflicting registry write." validate:"required,min=1,max=100"`
	InitialInterval time.Duration `configKey:"initialInterval" configUsage:"Initial delay between registry write retries." validate:"required,min=1ms,max=1m"`
	MaxInterval     time.Duration `configKey:"maxInterval" configUsage:"Maximum delay between registry write retries." validate:"required,min=1ms,max=5m"`
}

func NewConfig() Config {
	return Config{
		Distribution: distribution.NewConfig(),
		Election:     distlock.NewConfig(),
		Registry: RegistryConfig{
			MaxRetries:      10,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

func (c Config) Validate(ctx context.Context) error {
	return validator.New().Validate(ctx, c)
}
