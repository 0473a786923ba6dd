package desksync

import (
	"os"
	"time"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultResyncEvery       = 10
	defaultPollInterval      = 5 * time.Second
	defaultWorkloadLimit     = 50
)

// Config carries the agent's scheduling knobs. Zero values mean "use
// the default"; the algorithms never read these constants directly.
type Config struct {
	DeviceName        string
	AgentVersion      string
	HeartbeatInterval time.Duration
	// ResyncEvery is the heartbeat-tick multiple at which a full
	// inventory sync re-runs.
	ResyncEvery   int
	PollInterval  time.Duration
	WorkloadLimit int
}

func (c Config) withDefaults() Config {
	if c.DeviceName == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.DeviceName = hostname
		} else {
			c.DeviceName = "unknown-device"
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ResyncEvery <= 0 {
		c.ResyncEvery = defaultResyncEvery
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WorkloadLimit <= 0 {
		c.WorkloadLimit = defaultWorkloadLimit
	}
	return c
}
