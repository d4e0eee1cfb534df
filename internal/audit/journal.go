package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Journal wraps the memory ring with persistence on the shared database
// handle.
type Journal struct {
	db          *sql.DB
	driver      string
	log         *Log
	memoryLimit int
	logger      *zap.Logger
}

// NewJournal prepares the audit table and loads recent records into memory.
func NewJournal(db *sql.DB, driver string, memoryLimit int, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if memoryLimit < 1 {
		memoryLimit = 1000
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_records (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		client_id      TEXT NOT NULL,
		key_name       TEXT,
		tool           TEXT NOT NULL,
		arg_digest     TEXT,
		outcome        TEXT NOT NULL,
		latency_ms     INTEGER,
		detail         TEXT,
		correlation_id TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create audit_records table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_client ON audit_records(client_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_records(tool)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(timestamp)`)

	j := &Journal{
		db:          db,
		driver:      driver,
		log:         NewLog(memoryLimit),
		memoryLimit: memoryLimit,
		logger:      logger,
	}
	if err := j.loadRecent(); err != nil {
		logger.Warn("audit memory preload failed", zap.Error(err))
	}
	return j, nil
}

// Record fills ID and Timestamp when missing, appends to the ring and
// journals to disk. A persistence failure is logged, never surfaced to the
// caller: losing one audit row must not fail the tool call.
func (j *Journal) Record(r Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	j.log.Record(r)

	if err := j.persist(r); err != nil {
		j.logger.Warn("audit persist failed", zap.String("tool", r.Tool), zap.Error(err))
	}
}

// Query reads the memory ring.
func (j *Journal) Query(f Filter) []Record {
	return j.log.Query(f)
}

// Recent returns the n newest records from memory.
func (j *Journal) Recent(n int) []Record {
	return j.log.Recent(n)
}

// Count returns the persisted record count, falling back to the ring when
// the database is unreachable.
func (j *Journal) Count() int {
	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM audit_records`).Scan(&n); err != nil {
		return j.log.Count()
	}
	return n
}

// QueryPersisted searches the journal directly for records aged out of
// memory.
func (j *Journal) QueryPersisted(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT id, timestamp, client_id, key_name, tool, arg_digest, outcome, latency_ms, detail, correlation_id
		FROM audit_records WHERE 1=1`
	var args []any

	if f.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, f.ClientID)
	}
	if f.Tool != "" {
		query += " AND tool = ?"
		args = append(args, f.Tool)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, j.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Purge deletes journal rows older than now - retention and returns the
// count removed.
func (j *Journal) Purge(retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, errors.New("retention must be >= 0")
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := j.db.Exec(j.q(`DELETE FROM audit_records WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeLoop applies retention on a fixed interval until ctx ends.
func (j *Journal) PurgeLoop(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	_, _ = j.Purge(retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := j.Purge(retention); err != nil {
				j.logger.Warn("audit purge failed", zap.Error(err))
			} else if n > 0 {
				j.logger.Info("audit purge", zap.Int64("deleted", n))
			}
		}
	}
}

func (j *Journal) persist(r Record) error {
	_, err := j.db.Exec(j.q(`INSERT INTO audit_records
		(id, timestamp, client_id, key_name, tool, arg_digest, outcome, latency_ms, detail, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID,
		r.Timestamp.Format(time.RFC3339Nano),
		r.ClientID,
		r.KeyName,
		r.Tool,
		r.ArgDigest,
		string(r.Outcome),
		r.LatencyMS,
		r.Detail,
		r.CorrelationID,
	)
	return err
}

func (j *Journal) loadRecent() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := j.QueryPersisted(ctx, Filter{Limit: j.memoryLimit})
	if err != nil {
		return err
	}
	// oldest first so the ring keeps its order
	for i := len(records) - 1; i >= 0; i-- {
		j.log.Record(records[i])
	}
	return nil
}

func (j *Journal) q(query string) string {
	if j.driver != "postgres" {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		r       Record
		ts      string
		keyName sql.NullString
		digest  sql.NullString
		latency sql.NullInt64
		detail  sql.NullString
		corr    sql.NullString
	)
	if err := sc.Scan(&r.ID, &ts, &r.ClientID, &keyName, &r.Tool, &digest, &r.Outcome, &latency, &detail, &corr); err != nil {
		return Record{}, err
	}
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	r.KeyName = keyName.String
	r.ArgDigest = digest.String
	r.LatencyMS = latency.Int64
	r.Detail = detail.String
	r.CorrelationID = corr.String
	return r, nil
}
