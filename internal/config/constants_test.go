package config

import (
	"testing"
	"time"
)

func TestIntervalOrdering(t *testing.T) {
	// Results must reach the store well before incidents look for recovery.
	if BufferFlushInterval >= DefaultAutoResolveInterval {
		t.Errorf("BufferFlushInterval (%v) should be less than DefaultAutoResolveInterval (%v)",
			BufferFlushInterval, DefaultAutoResolveInterval)
	}

	if DefaultCleanupInterval >= DefaultRetention {
		t.Errorf("DefaultCleanupInterval (%v) should be less than DefaultRetention (%v)",
			DefaultCleanupInterval, DefaultRetention)
	}

	if DefaultPersistTimeout > DefaultCheckTimeout {
		t.Errorf("DefaultPersistTimeout (%v) should not exceed DefaultCheckTimeout (%v)",
			DefaultPersistTimeout, DefaultCheckTimeout)
	}
}

func TestPaginationLimits(t *testing.T) {
	if DefaultPaginationLimit > MaxPaginationLimit {
		t.Errorf("DefaultPaginationLimit (%d) should not exceed MaxPaginationLimit (%d)",
			DefaultPaginationLimit, MaxPaginationLimit)
	}

	if DefaultPaginationLimit <= 0 {
		t.Error("DefaultPaginationLimit should be positive")
	}
}

func TestCacheTTLs(t *testing.T) {
	ttls := []struct {
		name string
		ttl  time.Duration
	}{
		{"InfraHealth", CacheTTLInfraHealth},
		{"Uptime", CacheTTLUptime},
	}

	for _, tt := range ttls {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ttl <= 0 {
				t.Errorf("Cache TTL for %s should be positive, got %v", tt.name, tt.ttl)
			}
			if tt.ttl > 5*time.Minute {
				t.Errorf("Cache TTL for %s (%v) seems too long", tt.name, tt.ttl)
			}
		})
	}
}

func TestNotifyDefaults(t *testing.T) {
	if DefaultResolveHealthyCount < 1 {
		t.Error("DefaultResolveHealthyCount must be at least 1")
	}
	if DefaultSinkRateBurst < 1 {
		t.Error("DefaultSinkRateBurst must be at least 1")
	}
	if DefaultSinkTimeout >= DefaultShutdownTimeout {
		t.Errorf("DefaultSinkTimeout (%v) should be less than DefaultShutdownTimeout (%v) so queued deliveries can drain",
			DefaultSinkTimeout, DefaultShutdownTimeout)
	}
}
