package distlock

import (
	"time"
)

type Config struct {
	// RejoinInitialDelay is the delay before the first re-entry to the election, after a resignation.
	RejoinInitialDelay time.Duration `configKey:"rejoinInitialDelay" configUsage:"Delay before a resigned host re-enters the election." validate:"required,min=1ms,max=1m"`
	// RejoinMaxDelay caps the delay, it doubles with each resignation in a row.
	RejoinMaxDelay time.Duration `configKey:"rejoinMaxDelay" configUsage:"Maximum delay before a repeatedly resigned host re-enters the election." validate:"required,min=1ms,max=10m,gtefield=RejoinInitialDelay"`
}

func NewConfig() Config {
	return Config{
		RejoinInitialDelay: time.Second,
		RejoinMaxDelay:     time.Minute,
	}
}
