package network

import (
	"time"

	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// Config holds the liveness and timeout policy of a Network.
type Config struct {
	// Name labels the network in logs and metrics.
	Name string
	// AliveTimeout is how long an agent or client may stay silent before it
	// is considered gone.
	AliveTimeout time.Duration
	// UnusedContainerTimeout is how long a released container may stay
	// orphaned before it is terminated.
	UnusedContainerTimeout time.Duration
	// GetTimeout bounds a factory invocation triggered by Get.
	GetTimeout time.Duration
	// CheckInterval is the cadence of agent, client and orphan checks.
	CheckInterval time.Duration
	// PingInterval is the cadence of container liveness probes.
	PingInterval time.Duration
	// PingTimeout bounds one container probe.
	PingTimeout time.Duration
	// MaxMissedPings is the number of consecutive failed probes after which a
	// container is removed.
	MaxMissedPings int
	// PingWorkers bounds concurrent container probes.
	PingWorkers int
	// Selector picks an agent for new containers. Nil means round robin.
	Selector Selector
}

// DefaultConfig returns the default network configuration
func DefaultConfig() Config {
	return Config{
		Name:                   "default",
		AliveTimeout:           5 * time.Second,
		UnusedContainerTimeout: 60 * time.Second,
		GetTimeout:             30 * time.Second,
		CheckInterval:          time.Second,
		PingInterval:           5 * time.Second,
		PingTimeout:            2 * time.Second,
		MaxMissedPings:         3,
		PingWorkers:            8,
	}
}

// Validate checks that every duration and count is positive.
func (c *Config) Validate() error {
	if c.AliveTimeout <= 0 {
		return ferrors.InvalidArgument("alive timeout must be positive")
	}
	if c.UnusedContainerTimeout <= 0 {
		return ferrors.InvalidArgument("unused container timeout must be positive")
	}
	if c.GetTimeout <= 0 {
		return ferrors.InvalidArgument("get timeout must be positive")
	}
	if c.CheckInterval <= 0 || c.PingInterval <= 0 || c.PingTimeout <= 0 {
		return ferrors.InvalidArgument("check and ping intervals must be positive")
	}
	if c.MaxMissedPings < 1 {
		return ferrors.InvalidArgument("max missed pings must be >= 1")
	}
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PingWorkers <= 0 {
		c.PingWorkers = 8
	}
	return nil
}

// ticksFor converts d into a tick interval at tps, never below 1.
func ticksFor(d time.Duration, tps int) int {
	n := int(d * time.Duration(tps) / time.Second)
	if n < 1 {
		return 1
	}
	return n
}
