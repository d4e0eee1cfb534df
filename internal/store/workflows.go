package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrActiveWorkflow is returned when a crew already has a non-terminal
// workflow and a second one is requested.
var ErrActiveWorkflow = errors.New("crew already has an active workflow")

const workflowColumns = `id, crew_id, state, reason, context, allow_evolution, result, created_at, updated_at, started_at, ended_at`

// CreateWorkflow inserts a workflow in the Created state and flips the crew
// to running, enforcing at most one non-terminal workflow per crew inside a
// single transaction. snapshot is the caller's kickoff context, stored
// verbatim on the row.
func (s *Store) CreateWorkflow(crewID, snapshot string, allowEvolution bool) (*Workflow, error) {
	now := time.Now().UTC()
	w := &Workflow{
		ID:             s.NewID(),
		CrewID:         crewID,
		State:          WorkflowCreated,
		Context:        snapshot,
		AllowEvolution: allowEvolution,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.WithTx(func(tx *sql.Tx) error {
		var crewState string
		if err := tx.QueryRow(s.q(`SELECT state FROM crews WHERE id = ?`), crewID).Scan(&crewState); err != nil {
			return err
		}
		if crewState == CrewDisbanded {
			return fmt.Errorf("crew %s is disbanded", crewID)
		}

		var active int
		if err := tx.QueryRow(s.q(`SELECT COUNT(*) FROM workflows WHERE crew_id = ? AND state IN (?, ?, ?, ?, ?)`),
			crewID, WorkflowCreated, WorkflowPreparing, WorkflowExecuting, WorkflowDebriefing, WorkflowCancelling,
		).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveWorkflow
		}

		if _, err := tx.Exec(s.q(`INSERT INTO workflows (`+workflowColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			w.ID, w.CrewID, w.State, "", w.Context, boolToInt(w.AllowEvolution), marshalJSON(nil),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			nullableTime(nil), nullableTime(nil),
		); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		if _, err := tx.Exec(s.q(`UPDATE crews SET state = ?, total_workflows = total_workflows + 1, updated_at = ? WHERE id = ?`),
			CrewRunning, now.Format(time.RFC3339Nano), crewID); err != nil {
			return fmt.Errorf("mark crew running: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorkflow returns one workflow by id.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(s.q(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`), id)
	return scanWorkflow(row)
}

// WorkflowQuery filters ListWorkflows.
type WorkflowQuery struct {
	CrewID string
	States []string
	Limit  int
}

// ListWorkflows returns workflows matching the query, newest first.
func (s *Store) ListWorkflows(query WorkflowQuery) ([]Workflow, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 8)
	if query.CrewID != "" {
		clauses = append(clauses, "crew_id = ?")
		args = append(args, query.CrewID)
	}
	if len(query.States) > 0 {
		ph := make([]string, len(query.States))
		for i, st := range query.States {
			ph[i] = "?"
			args = append(args, st)
		}
		clauses = append(clauses, "state IN ("+strings.Join(ph, ", ")+")")
	}

	stmt := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
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

	out := make([]Workflow, 0, limit)
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			continue
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ActiveWorkflow returns the crew's current non-terminal workflow, if any.
func (s *Store) ActiveWorkflow(crewID string) (*Workflow, error) {
	row := s.db.QueryRow(s.q(`SELECT `+workflowColumns+` FROM workflows
		WHERE crew_id = ? AND state IN (?, ?, ?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`),
		crewID, WorkflowCreated, WorkflowPreparing, WorkflowExecuting, WorkflowDebriefing, WorkflowCancelling)
	return scanWorkflow(row)
}

// TransitionWorkflow moves a workflow from one of the allowed states to the
// next. Terminal rows never match the guard, so they are immutable. Returns
// sql.ErrNoRows when the guard does not match.
func (s *Store) TransitionWorkflow(id, to, reason string, from ...string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one source state")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	set := `state = ?, reason = ?, updated_at = ?`
	args := []any{to, reason, now}
	switch to {
	case WorkflowExecuting:
		set += `, started_at = ?`
		args = append(args, now)
	case WorkflowCompleted, WorkflowCancelled, WorkflowFailed:
		set += `, ended_at = ?`
		args = append(args, now)
	}

	args = append(args, id)
	ph := make([]string, len(from))
	for i, st := range from {
		ph[i] = "?"
		args = append(args, st)
	}
	stmt := `UPDATE workflows SET ` + set + ` WHERE id = ? AND state IN (` + strings.Join(ph, ", ") + `)`

	res, err := s.db.Exec(s.q(stmt), args...)
	if err != nil {
		return fmt.Errorf("transition workflow: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FinishWorkflow writes the terminal state, reason and result, and returns
// the crew to idle, in one transaction. No-op with sql.ErrNoRows if the
// workflow is already terminal.
func (s *Store) FinishWorkflow(id, state, reason string, result *CrewResult) error {
	if !IsTerminalWorkflowState(state) {
		return fmt.Errorf("finish requires a terminal state, got %s", state)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return s.WithTx(func(tx *sql.Tx) error {
		var crewID string
		if err := tx.QueryRow(s.q(`SELECT crew_id FROM workflows WHERE id = ?`), id).Scan(&crewID); err != nil {
			return err
		}

		res, err := tx.Exec(s.q(`UPDATE workflows SET state = ?, reason = ?, result = ?, updated_at = ?, ended_at = ?
			WHERE id = ? AND state IN (?, ?, ?, ?, ?)`),
			state, reason, marshalJSON(result), now, now, id,
			WorkflowCreated, WorkflowPreparing, WorkflowExecuting, WorkflowDebriefing, WorkflowCancelling)
		if err != nil {
			return fmt.Errorf("finish workflow: %w", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return sql.ErrNoRows
		}

		if _, err := tx.Exec(s.q(`UPDATE crews SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
			CrewIdle, now, crewID, CrewRunning); err != nil {
			return fmt.Errorf("return crew to idle: %w", err)
		}
		return nil
	})
}

// StaleExecuting returns workflows that entered Executing more than maxAge
// ago and are still not terminal. The reaper feeds these to emergency stop.
func (s *Store) StaleExecuting(maxAge time.Duration) ([]Workflow, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	rows, err := s.db.Query(s.q(`SELECT `+workflowColumns+` FROM workflows
		WHERE state = ? AND started_at IS NOT NULL AND started_at < ?`),
		WorkflowExecuting, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Workflow, 0)
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			continue
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// CountWorkflows returns counts grouped by state.
func (s *Store) CountWorkflows() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM workflows GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			continue
		}
		out[state] = n
	}
	return out, rows.Err()
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	var (
		w                    Workflow
		allowEvolution       int
		result               sql.NullString
		createdAt, updatedAt string
		startedAt, endedAt   sql.NullString
	)
	if err := sc.Scan(&w.ID, &w.CrewID, &w.State, &w.Reason, &w.Context, &allowEvolution, &result,
		&createdAt, &updatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	w.AllowEvolution = allowEvolution != 0
	if result.Valid && result.String != "" && result.String != "null" {
		var r CrewResult
		if err := unmarshalJSON(result.String, &r); err == nil {
			w.Result = &r
		}
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	w.StartedAt = parseNullTime(startedAt)
	w.EndedAt = parseNullTime(endedAt)
	return &w, nil
}
