// Package audit records every tool invocation: who called what, with which
// argument digest, and how it ended. Records are kept in a bounded memory
// ring for fast queries and journaled to the shared database for retention.
// Plaintext credentials and raw arguments never enter a record.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Outcome classifies how a tool call ended.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeDenied      Outcome = "denied"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeError       Outcome = "error"
	OutcomeStarted     Outcome = "started"
)

// Record is one audit entry.
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientID      string    `json:"client_id"`
	KeyName       string    `json:"key_name,omitempty"`
	Tool          string    `json:"tool"`
	ArgDigest     string    `json:"arg_digest,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	LatencyMS     int64     `json:"latency_ms,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// DigestArgs hashes raw tool arguments for the audit trail. Only the digest
// is stored.
func DigestArgs(args any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Filter selects records.
type Filter struct {
	ClientID string
	Tool     string
	Outcome  Outcome
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Log is the bounded in-memory ring.
type Log struct {
	mu      sync.RWMutex
	records []Record
	limit   int
}

// NewLog creates a ring holding at most limit records.
func NewLog(limit int) *Log {
	if limit < 1 {
		limit = 1000
	}
	return &Log{limit: limit}
}

// Record appends, evicting the oldest entry past the limit.
func (l *Log) Record(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	if len(l.records) > l.limit {
		l.records = l.records[len(l.records)-l.limit:]
	}
}

// Query returns matching records, newest first.
func (l *Log) Query(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if f.ClientID != "" && r.ClientID != f.ClientID {
			continue
		}
		if f.Tool != "" && r.Tool != f.Tool {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Recent returns the n newest records.
func (l *Log) Recent(n int) []Record {
	return l.Query(Filter{Limit: n})
}

// Count returns the ring size.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
