package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const crewColumns = `id, name, state, process, autonomy, agent_ids, tasks, strategy,
	notes, constraints, resources, total_workflows, formed_at, updated_at`

// CreateCrew inserts a new crew. Names are unique; a clash returns an error
// that satisfies IsDuplicate.
func (s *Store) CreateCrew(c *Crew) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("crew name required")
	}
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = s.NewID()
	}
	if c.State == "" {
		c.State = CrewIdle
	}
	if c.FormedAt.IsZero() {
		c.FormedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.Exec(s.q(`INSERT INTO crews (`+crewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Name, c.State, c.Process, c.Autonomy,
		marshalJSON(c.AgentIDs), marshalJSON(c.Tasks), c.Strategy,
		marshalJSON(c.Notes), marshalJSON(c.Constraints), marshalJSON(c.Resources),
		c.TotalWorkflows,
		c.FormedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert crew: %w", err)
	}
	return nil
}

// GetCrew returns one crew by id.
func (s *Store) GetCrew(id string) (*Crew, error) {
	row := s.db.QueryRow(s.q(`SELECT `+crewColumns+` FROM crews WHERE id = ?`), id)
	return scanCrew(row)
}

// GetCrewByName returns one crew by its unique name.
func (s *Store) GetCrewByName(name string) (*Crew, error) {
	row := s.db.QueryRow(s.q(`SELECT `+crewColumns+` FROM crews WHERE name = ?`), name)
	return scanCrew(row)
}

// SaveCrew writes the full crew row back.
func (s *Store) SaveCrew(c *Crew) error {
	return s.saveCrew(s.db, c)
}

// SaveCrewTx writes the crew inside an open transaction.
func (s *Store) SaveCrewTx(tx *sql.Tx, c *Crew) error {
	return s.saveCrew(tx, c)
}

func (s *Store) saveCrew(db execer, c *Crew) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("crew id required")
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := db.Exec(s.q(`UPDATE crews SET
		name = ?, state = ?, process = ?, autonomy = ?, agent_ids = ?, tasks = ?,
		strategy = ?, notes = ?, constraints = ?, resources = ?, total_workflows = ?, updated_at = ?
		WHERE id = ?`),
		c.Name, c.State, c.Process, c.Autonomy,
		marshalJSON(c.AgentIDs), marshalJSON(c.Tasks),
		c.Strategy, marshalJSON(c.Notes), marshalJSON(c.Constraints), marshalJSON(c.Resources),
		c.TotalWorkflows, c.UpdatedAt.Format(time.RFC3339Nano),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update crew: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListCrews returns crews, optionally filtered by state, newest first.
func (s *Store) ListCrews(state string) ([]Crew, error) {
	stmt := `SELECT ` + crewColumns + ` FROM crews`
	var args []any
	if state != "" {
		stmt += ` WHERE state = ?`
		args = append(args, state)
	}
	stmt += ` ORDER BY formed_at DESC`

	rows, err := s.db.Query(s.q(stmt), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Crew, 0)
	for rows.Next() {
		c, err := scanCrew(rows)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetCrewState transitions a crew's lifecycle state, guarded by the current
// state so concurrent writers cannot race each other.
func (s *Store) SetCrewState(id, from, to string) error {
	res, err := s.db.Exec(s.q(`UPDATE crews SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
		to, time.Now().UTC().Format(time.RFC3339Nano), id, from)
	if err != nil {
		return fmt.Errorf("set crew state: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanCrew(sc scanner) (*Crew, error) {
	var (
		c                                         Crew
		agentIDs, tasks, notes, constr, resources string
		formedAt, updatedAt                       string
	)
	if err := sc.Scan(
		&c.ID, &c.Name, &c.State, &c.Process, &c.Autonomy,
		&agentIDs, &tasks, &c.Strategy,
		&notes, &constr, &resources, &c.TotalWorkflows,
		&formedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	_ = unmarshalJSON(agentIDs, &c.AgentIDs)
	_ = unmarshalJSON(tasks, &c.Tasks)
	_ = unmarshalJSON(notes, &c.Notes)
	_ = unmarshalJSON(constr, &c.Constraints)
	_ = unmarshalJSON(resources, &c.Resources)
	c.FormedAt = parseTime(formedAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
