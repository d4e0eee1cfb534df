// Package store persists agents, crews, workflows, instructions and
// evolution history. The default backend is an embedded SQLite file;
// postgres and mysql are selectable for shared deployments. Queries are
// written once with ? placeholders and rebound per dialect.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Open opens a database handle for the given driver. For sqlite, dsn is the
// file path and WAL mode is enabled; for postgres and mysql it is the DSN.
// The connection is verified before returning so callers can distinguish an
// unreachable store from later failures.
func Open(driver, dsn string) (*sql.DB, error) {
	name := driver
	if driver == "postgres" {
		name = "pgx"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == "sqlite" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	return db, nil
}

// Store is the persistence layer for all orchestration entities.
type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger

	mu    sync.Mutex
	seq   int64
	idSeq int64
	seed  string

	watchMu sync.Mutex
	watches map[string][]chan struct{}
}

// New prepares the schema on db and returns a ready store. The handle is
// owned by the caller; Close does not close it twice.
func New(db *sql.DB, driver string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:      db,
		driver:  driver,
		logger:  logger,
		watches: make(map[string][]chan struct{}),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadSeq(); err != nil {
		return nil, err
	}
	return s, nil
}

// UseDeterministicIDs switches id generation to a seeded sequence. Test
// mode only; production ids are random UUIDs.
func (s *Store) UseDeterministicIDs(seed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
	s.idSeq = 0
}

// NewID mints an entity id.
func (s *Store) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed == "" {
		return uuid.NewString()
	}
	s.idSeq++
	sum := sha256.Sum256([]byte(s.seed + ":" + strconv.FormatInt(s.idSeq, 10)))
	h := hex.EncodeToString(sum[:16])
	// keep the canonical uuid shape so ids stay interchangeable
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rebinds ? placeholders to the dialect's native style.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			role                 TEXT NOT NULL,
			goal                 TEXT NOT NULL,
			backstory            TEXT NOT NULL,
			template             TEXT NOT NULL,
			crew_id              TEXT NOT NULL,
			traits               TEXT NOT NULL,
			autonomy             REAL NOT NULL,
			tasks_completed      INTEGER NOT NULL,
			tasks_failed         INTEGER NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			collaboration        REAL NOT NULL,
			avg_task_seconds     REAL NOT NULL,
			evolution_cycles     INTEGER NOT NULL,
			last_evolved_at      TEXT,
			reflections          TEXT NOT NULL,
			experiences          TEXT NOT NULL,
			boosts               TEXT NOT NULL,
			role_history         TEXT NOT NULL,
			archived             INTEGER NOT NULL,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS crews (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			state           TEXT NOT NULL,
			process         TEXT NOT NULL,
			autonomy        REAL NOT NULL,
			agent_ids       TEXT NOT NULL,
			tasks           TEXT NOT NULL,
			strategy        TEXT NOT NULL,
			notes           TEXT NOT NULL,
			constraints     TEXT NOT NULL,
			resources       TEXT NOT NULL,
			total_workflows INTEGER NOT NULL,
			formed_at       TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id              TEXT PRIMARY KEY,
			crew_id         TEXT NOT NULL,
			state           TEXT NOT NULL,
			reason          TEXT NOT NULL,
			context         TEXT NOT NULL,
			allow_evolution INTEGER NOT NULL,
			result          TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			started_at      TEXT,
			ended_at        TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS instructions (
			id           TEXT PRIMARY KEY,
			crew_id      TEXT NOT NULL,
			target       TEXT NOT NULL,
			kind         TEXT NOT NULL,
			content      TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			status       TEXT NOT NULL,
			response     TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			delivered_at TEXT,
			applied_at   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS evolution_events (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			cycle         INTEGER NOT NULL,
			strategy      TEXT NOT NULL,
			cause         TEXT NOT NULL,
			traits_before TEXT NOT NULL,
			traits_after  TEXT NOT NULL,
			changes       TEXT NOT NULL,
			perf_before   REAL NOT NULL,
			success       INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_crew ON agents(crew_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_crews_name ON crews(name)`,
		`CREATE INDEX IF NOT EXISTS idx_crews_state ON crews(state)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_crew_state ON workflows(crew_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state)`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_crew_status ON instructions(crew_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_evolution_agent_cycle ON evolution_events(agent_id, cycle)`,
		`CREATE INDEX IF NOT EXISTS idx_evolution_created ON evolution_events(created_at)`,
	}
	for _, stmt := range indexes {
		_, _ = s.db.Exec(stmt)
	}

	return s.ensureVersion(schemaVersion)
}

// ensureVersion pins the schema version and refuses to open newer data.
func (s *Store) ensureVersion(want int) error {
	var have int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&have)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(s.q(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
			want, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case have > want:
		return fmt.Errorf("store schema version %d is newer than supported %d", have, want)
	default:
		return nil
	}
}

func (s *Store) loadSeq() error {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM instructions`).Scan(&max); err != nil {
		return fmt.Errorf("load instruction seq: %w", err)
	}
	s.mu.Lock()
	s.seq = max.Int64
	s.mu.Unlock()
	return nil
}

func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// WithTx runs fn inside one transaction. A non-nil error rolls back.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// WatchInstructions returns a channel that receives a signal whenever an
// instruction is inserted for crewID. The channel is buffered; a pending
// signal coalesces further inserts. cancel must be called when done.
func (s *Store) WatchInstructions(crewID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watches[crewID] = append(s.watches[crewID], ch)
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		list := s.watches[crewID]
		for i, c := range list {
			if c == ch {
				s.watches[crewID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.watches[crewID]) == 0 {
			delete(s.watches, crewID)
		}
	}
	return ch, cancel
}

func (s *Store) notifyInstruction(crewID string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watches[crewID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RecoverInterruptedWorkflows marks workflows left in a non-terminal state
// by a previous process as failed and returns their crews to idle. Run once
// at startup, before the pool accepts work.
func (s *Store) RecoverInterruptedWorkflows(reason string) (int, error) {
	if reason == "" {
		reason = "process-restart"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	recovered := 0
	err := s.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(s.q(`SELECT id, crew_id FROM workflows WHERE state IN (?, ?, ?, ?, ?)`),
			WorkflowCreated, WorkflowPreparing, WorkflowExecuting, WorkflowDebriefing, WorkflowCancelling)
		if err != nil {
			return err
		}
		type pair struct{ id, crewID string }
		var stuck []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.id, &p.crewID); err != nil {
				continue
			}
			stuck = append(stuck, p)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range stuck {
			if _, err := tx.Exec(s.q(`UPDATE workflows SET state = ?, reason = ?, updated_at = ?, ended_at = ? WHERE id = ?`),
				WorkflowFailed, reason, now, now, p.id); err != nil {
				return err
			}
			if _, err := tx.Exec(s.q(`UPDATE crews SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
				CrewIdle, now, p.crewID, CrewRunning); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted workflows: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("recovered interrupted workflows", zap.Int("count", recovered), zap.String("reason", reason))
	}
	return recovered, nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping() error { return s.db.Ping() }

// IsNotFound reports whether err is the missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate reports whether err is a unique-constraint violation on any
// supported backend.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "Duplicate entry") // mysql
}

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func parseNullTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil
	}
	return &t
}
