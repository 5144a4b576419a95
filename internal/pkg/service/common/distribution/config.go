package distribution

import (
	"time"
)

type Config struct {
	// StartupTimeout configures timeout for the host registration to the cluster.
	StartupTimeout time.Duration `configKey:"startupTimeout" configUsage:"Timeout for the host registration to the cluster." validate:"required,min=1s,max=5m"`
	// ShutdownTimeout configures timeout for the host un-registration from the cluster.
	ShutdownTimeout time.Duration `configKey:"shutdownTimeout" configUsage:"Timeout for the host un-registration from the cluster." validate:"required,min=1s,max=5m"`
	// EventsGroupInterval configures how often changes in the cluster membership are delivered to listeners.
	// All changes in the interval are grouped together, so that updates do not occur too often. Use 0 to disable the grouping.
	EventsGroupInterval time.Duration `configKey:"eventsGroupInterval" configUsage:"Interval of processing changes in the membership. Use 0 to disable the grouping." validate:"max=30s"`
	// RebalanceTolerance configures how many channels over its quota a host may keep, to avoid moving channels.
	RebalanceTolerance int `configKey:"rebalanceTolerance" configUsage:"Number of channels over the fair share a host may keep to avoid reassignment." validate:"min=0"`
}

func NewConfig() Config {
	return Config{
		StartupTimeout:      60 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		EventsGroupInterval: 0,
		RebalanceTolerance:  0,
	}
}
