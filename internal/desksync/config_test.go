package desksync

import (
	"testing"
	"time"
)

func TestConfigWithDefaults(t *testing.T) {
	config := Config{}.withDefaults()
	if config.DeviceName == "" {
		t.Fatal("device name must default to something")
	}
	if config.HeartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeat interval = %v", config.HeartbeatInterval)
	}
	if config.ResyncEvery != defaultResyncEvery {
		t.Fatalf("resync every = %d", config.ResyncEvery)
	}
	if config.PollInterval != defaultPollInterval {
		t.Fatalf("poll interval = %v", config.PollInterval)
	}
	if config.WorkloadLimit != defaultWorkloadLimit {
		t.Fatalf("workload limit = %d", config.WorkloadLimit)
	}
}

func TestConfigWithDefaultsKeepsExplicitValues(t *testing.T) {
	in := Config{
		DeviceName:        "MacBook",
		HeartbeatInterval: time.Minute,
		ResyncEvery:       3,
		PollInterval:      2 * time.Second,
		WorkloadLimit:     7,
	}
	if got := in.withDefaults(); got != in {
		t.Fatalf("explicit config was altered: %+v", got)
	}
}
