package store

import (
	"database/sql"
	"fmt"
	"time"
)

const evolutionColumns = `id, agent_id, cycle, strategy, cause, traits_before, traits_after,
	changes, perf_before, success, created_at`

// ApplyEvolution persists the mutated agent and its evolution event in one
// transaction. The unique (agent_id, cycle) index rejects a duplicate cycle,
// which surfaces through IsDuplicate.
func (s *Store) ApplyEvolution(a *Agent, ev *EvolutionEvent) error {
	if ev.AgentID == "" {
		ev.AgentID = a.ID
	}
	if ev.ID == "" {
		ev.ID = s.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	return s.WithTx(func(tx *sql.Tx) error {
		if err := s.SaveAgentTx(tx, a); err != nil {
			return fmt.Errorf("save evolved agent: %w", err)
		}

		success := 0
		if ev.Success {
			success = 1
		}
		if _, err := tx.Exec(s.q(`INSERT INTO evolution_events (`+evolutionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.ID, ev.AgentID, ev.Cycle, ev.Strategy, ev.Cause,
			marshalJSON(ev.TraitsBefore), marshalJSON(ev.TraitsAfter), marshalJSON(ev.Changes),
			ev.PerfBefore, success, ev.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert evolution event: %w", err)
		}
		return nil
	})
}

// EvolutionQuery filters ListEvolutionEvents.
type EvolutionQuery struct {
	AgentID string
	Since   time.Time
	Limit   int
}

// ListEvolutionEvents returns events newest first.
func (s *Store) ListEvolutionEvents(query EvolutionQuery) ([]EvolutionEvent, error) {
	stmt := `SELECT ` + evolutionColumns + ` FROM evolution_events WHERE 1=1`
	var args []any
	if query.AgentID != "" {
		stmt += ` AND agent_id = ?`
		args = append(args, query.AgentID)
	}
	if !query.Since.IsZero() {
		stmt += ` AND created_at >= ?`
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}
	stmt += ` ORDER BY created_at DESC`
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(s.q(stmt), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EvolutionEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvolutionEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// EvolutionStats summarizes evolution activity for reporting.
type EvolutionStats struct {
	TotalEvents    int            `json:"total_events"`
	AgentsEvolved  int            `json:"agents_evolved"`
	ByStrategy     map[string]int `json:"by_strategy"`
	SuccessRate    float64        `json:"success_rate"`
	LastEventAt    *time.Time     `json:"last_event_at,omitempty"`
	EventsLastWeek int            `json:"events_last_week"`
}

// EvolutionStatistics aggregates totals across all agents.
func (s *Store) EvolutionStatistics() (*EvolutionStats, error) {
	stats := &EvolutionStats{ByStrategy: make(map[string]int)}

	rows, err := s.db.Query(`SELECT strategy, COUNT(*) FROM evolution_events GROUP BY strategy`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var strategy string
		var n int
		if err := rows.Scan(&strategy, &n); err != nil {
			continue
		}
		stats.ByStrategy[strategy] = n
		stats.TotalEvents += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT agent_id) FROM evolution_events`).Scan(&stats.AgentsEvolved); err != nil {
		return nil, err
	}

	var succeeded int
	if err := s.db.QueryRow(s.q(`SELECT COUNT(*) FROM evolution_events WHERE success = ?`), 1).Scan(&succeeded); err != nil {
		return nil, err
	}
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(succeeded) / float64(stats.TotalEvents)
	}

	var last sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM evolution_events`).Scan(&last); err == nil {
		stats.LastEventAt = parseNullTime(last)
	}

	weekAgo := time.Now().UTC().Add(-7 * 24 * time.Hour).Format(time.RFC3339Nano)
	if err := s.db.QueryRow(s.q(`SELECT COUNT(*) FROM evolution_events WHERE created_at >= ?`), weekAgo).Scan(&stats.EventsLastWeek); err != nil {
		return nil, err
	}

	return stats, nil
}

func scanEvolutionEvent(sc scanner) (*EvolutionEvent, error) {
	var (
		ev                                EvolutionEvent
		before, after, changes, createdAt string
		success                           int
	)
	if err := sc.Scan(&ev.ID, &ev.AgentID, &ev.Cycle, &ev.Strategy, &ev.Cause,
		&before, &after, &changes, &ev.PerfBefore, &success, &createdAt); err != nil {
		return nil, err
	}
	_ = unmarshalJSON(before, &ev.TraitsBefore)
	_ = unmarshalJSON(after, &ev.TraitsAfter)
	_ = unmarshalJSON(changes, &ev.Changes)
	ev.Success = success == 1
	ev.CreatedAt = parseTime(createdAt)
	return &ev, nil
}
