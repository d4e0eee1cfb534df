// Package ratelimit enforces per-client request quotas: a sliding hourly
// window plus a per-minute burst window. Breaching the hourly quota blocks
// the client for a configured duration; breaching the burst window rejects
// the call without blocking.
package ratelimit

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Config configures the limiter.
type Config struct {
	// HourlyLimit is the maximum requests per client per sliding hour.
	HourlyLimit int

	// BurstLimit is the maximum requests per client per sliding minute.
	BurstLimit int

	// BlockDuration is how long a client stays blocked after an hourly
	// violation.
	BlockDuration time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HourlyLimit:   100,
		BurstLimit:    10,
		BlockDuration: time.Hour,
	}
}

// Decision reports whether a request is admitted and, when not, why and
// when to retry.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type bucket struct {
	history    []time.Time
	blockUntil time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter tracks request history per client, sharded to keep unrelated
// clients off the same lock.
type Limiter struct {
	config Config
	shards [shardCount]*shard
	now    func() time.Time
}

// NewLimiter creates a limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.HourlyLimit < 1 {
		cfg.HourlyLimit = DefaultConfig().HourlyLimit
	}
	if cfg.BurstLimit < 1 {
		cfg.BurstLimit = DefaultConfig().BurstLimit
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultConfig().BlockDuration
	}
	l := &Limiter{config: cfg, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// SetClock overrides the time source. Test use only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func (l *Limiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return l.shards[h.Sum32()%shardCount]
}

// Allow decides whether clientID may issue one more request now.
// readOnly calls skip the burst window but still count against the hourly
// quota. Admitted requests are recorded.
func (l *Limiter) Allow(clientID string, readOnly bool) Decision {
	sh := l.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b := sh.buckets[clientID]
	if b == nil {
		b = &bucket{}
		sh.buckets[clientID] = b
	}

	if now.Before(b.blockUntil) {
		return Decision{
			Allowed:    false,
			Reason:     "client blocked after hourly quota violation",
			RetryAfter: b.blockUntil.Sub(now),
		}
	}

	prune(b, now)

	hourCount := len(b.history)
	if hourCount >= l.config.HourlyLimit {
		b.blockUntil = now.Add(l.config.BlockDuration)
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("hourly limit reached (%d/%d)", hourCount, l.config.HourlyLimit),
			RetryAfter: l.config.BlockDuration,
		}
	}

	if !readOnly {
		minuteCutoff := now.Add(-time.Minute)
		minuteCount := 0
		for i := len(b.history) - 1; i >= 0; i-- {
			if b.history[i].Before(minuteCutoff) {
				break
			}
			minuteCount++
		}
		if minuteCount >= l.config.BurstLimit {
			return Decision{
				Allowed:    false,
				Reason:     fmt.Sprintf("burst limit reached (%d/%d per minute)", minuteCount, l.config.BurstLimit),
				RetryAfter: time.Minute,
			}
		}
	}

	b.history = append(b.history, now)
	return Decision{Allowed: true}
}

// BlockedUntil returns when the client's block expires, or the zero time.
func (l *Limiter) BlockedUntil(clientID string) time.Time {
	sh := l.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b := sh.buckets[clientID]; b != nil && l.now().Before(b.blockUntil) {
		return b.blockUntil
	}
	return time.Time{}
}

// Stats summarizes limiter state for health reporting.
type Stats struct {
	TrackedClients int
	BlockedClients int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	var st Stats
	now := l.now()
	for _, sh := range l.shards {
		sh.mu.Lock()
		st.TrackedClients += len(sh.buckets)
		for _, b := range sh.buckets {
			if now.Before(b.blockUntil) {
				st.BlockedClients++
			}
		}
		sh.mu.Unlock()
	}
	return st
}

// Evict drops buckets idle past the hourly window and not blocked. Called
// by the supervisor to keep memory bounded.
func (l *Limiter) Evict() int {
	evicted := 0
	now := l.now()
	cutoff := now.Add(-time.Hour)
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, b := range sh.buckets {
			if now.Before(b.blockUntil) {
				continue
			}
			if len(b.history) == 0 || b.history[len(b.history)-1].Before(cutoff) {
				delete(sh.buckets, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// prune removes history entries older than the hourly window.
func prune(b *bucket, now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(b.history) && b.history[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.history = b.history[i:]
	}
}
