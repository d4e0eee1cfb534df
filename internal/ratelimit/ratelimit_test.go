package ratelimit

import (
	"testing"
	"time"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestBurstLimit(t *testing.T) {
	l := NewLimiter(Config{HourlyLimit: 100, BurstLimit: 10, BlockDuration: time.Hour})
	now, clock := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.SetClock(clock)

	for i := 0; i < 10; i++ {
		if d := l.Allow("client", false); !d.Allowed {
			t.Fatalf("request %d rejected: %s", i+1, d.Reason)
		}
	}
	if d := l.Allow("client", false); d.Allowed {
		t.Fatal("11th request in the same minute admitted")
	}

	// next minute the burst window clears
	*now = now.Add(61 * time.Second)
	if d := l.Allow("client", false); !d.Allowed {
		t.Fatalf("request after burst window rejected: %s", d.Reason)
	}
}

func TestHourlyLimitBlocks(t *testing.T) {
	l := NewLimiter(Config{HourlyLimit: 100, BurstLimit: 10, BlockDuration: time.Hour})
	now, clock := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.SetClock(clock)

	for i := 0; i < 100; i++ {
		if d := l.Allow("client", false); !d.Allowed {
			t.Fatalf("request %d rejected: %s", i+1, d.Reason)
		}
		*now = now.Add(7 * time.Second) // spread past the burst window
	}

	d := l.Allow("client", false)
	if d.Allowed {
		t.Fatal("101st request in the hour admitted")
	}
	if l.BlockedUntil("client").IsZero() {
		t.Fatal("client not blocked after hourly violation")
	}

	// still blocked just before the block elapses
	*now = now.Add(59 * time.Minute)
	if d := l.Allow("client", false); d.Allowed {
		t.Fatal("blocked client admitted early")
	}

	// admitted once the block duration has passed
	*now = now.Add(2 * time.Minute)
	if d := l.Allow("client", false); !d.Allowed {
		t.Fatalf("client still rejected after block expiry: %s", d.Reason)
	}
}

func TestReadOnlySkipsBurst(t *testing.T) {
	l := NewLimiter(Config{HourlyLimit: 100, BurstLimit: 2, BlockDuration: time.Hour})
	_, clock := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.SetClock(clock)

	for i := 0; i < 20; i++ {
		if d := l.Allow("client", true); !d.Allowed {
			t.Fatalf("read-only request %d rejected: %s", i+1, d.Reason)
		}
	}
	// read-only traffic still consumes the hourly window
	if got := len(l.shardFor("client").buckets["client"].history); got != 20 {
		t.Fatalf("history = %d, want 20", got)
	}
}

func TestClientsIsolated(t *testing.T) {
	l := NewLimiter(Config{HourlyLimit: 100, BurstLimit: 1, BlockDuration: time.Hour})
	_, clock := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.SetClock(clock)

	if d := l.Allow("a", false); !d.Allowed {
		t.Fatal("first request for a rejected")
	}
	if d := l.Allow("a", false); d.Allowed {
		t.Fatal("second request for a admitted")
	}
	if d := l.Allow("b", false); !d.Allowed {
		t.Fatal("client b affected by client a's quota")
	}
}

func TestEvict(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	now, clock := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.SetClock(clock)

	l.Allow("idle", false)
	l.Allow("fresh", false)

	*now = now.Add(2 * time.Hour)
	l.Allow("fresh", false)

	if n := l.Evict(); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	st := l.GetStats()
	if st.TrackedClients != 1 {
		t.Fatalf("tracked = %d, want 1", st.TrackedClients)
	}
}
