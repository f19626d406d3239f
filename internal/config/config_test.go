package config

import (
	"testing"
	"time"
)

func TestHoldDurationReadAtCallTime(t *testing.T) {
	var hs HoldSettings

	t.Setenv("HOLD_DURATION_MINUTES", "")
	if got := hs.HoldDuration(); got != 15*time.Minute {
		t.Fatalf("default hold = %s, want 15m", got)
	}

	t.Setenv("HOLD_DURATION_MINUTES", "5")
	if got := hs.HoldDuration(); got != 5*time.Minute {
		t.Fatalf("hold = %s, want 5m", got)
	}

	for _, bad := range []string{"0", "-3", "ten"} {
		t.Setenv("HOLD_DURATION_MINUTES", bad)
		if got := hs.HoldDuration(); got != 15*time.Minute {
			t.Fatalf("hold for %q = %s, want default", bad, got)
		}
	}
}

func TestLoadRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	rl := LoadRateLimitConfig()
	if rl.Capacity != 1 {
		t.Fatalf("capacity = %d, want 1", rl.Capacity)
	}
	if rl.RefillTokens != 1 || rl.RefillInterval != 2*time.Second {
		t.Fatalf("refill = %d/%s", rl.RefillTokens, rl.RefillInterval)
	}
	if rl.TTL != 10*time.Second {
		t.Fatalf("ttl = %s, want 10s", rl.TTL)
	}
}

func TestLoadCacheConfigMethods(t *testing.T) {
	t.Setenv("CACHE_METHODS", "get, head,")
	cc := LoadCacheConfig()
	if !cc.Methods["GET"] || !cc.Methods["HEAD"] || len(cc.Methods) != 2 {
		t.Fatalf("methods = %v", cc.Methods)
	}
}
