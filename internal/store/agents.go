package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	maxReflections = 20
	maxExperiences = 50
)

const agentColumns = `id, name, role, goal, backstory, template, crew_id, traits, autonomy,
	tasks_completed, tasks_failed, consecutive_failures, collaboration, avg_task_seconds,
	evolution_cycles, last_evolved_at, reflections, experiences, boosts, role_history,
	archived, created_at, updated_at`

// CreateAgent inserts a new agent. ID and timestamps are filled when empty;
// traits are clamped into range before writing.
func (s *Store) CreateAgent(a *Agent) error {
	if strings.TrimSpace(a.Role) == "" {
		return fmt.Errorf("agent role required")
	}
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = s.NewID()
	}
	if a.Name == "" {
		a.Name = a.Role
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Traits.Clamp()

	_, err := s.db.Exec(s.q(`INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agentArgs(a)...)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent returns one agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(s.q(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	return scanAgent(row)
}

// SaveAgent writes the full agent row back.
func (s *Store) SaveAgent(a *Agent) error {
	return s.saveAgent(s.db, a)
}

// SaveAgentTx writes the agent inside an open transaction. Used where the
// agent row and another entity must land atomically.
func (s *Store) SaveAgentTx(tx *sql.Tx, a *Agent) error {
	return s.saveAgent(tx, a)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) saveAgent(db execer, a *Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("agent id required")
	}
	a.UpdatedAt = time.Now().UTC()
	a.Traits.Clamp()
	if len(a.Reflections) > maxReflections {
		a.Reflections = a.Reflections[len(a.Reflections)-maxReflections:]
	}
	if len(a.Experiences) > maxExperiences {
		a.Experiences = a.Experiences[len(a.Experiences)-maxExperiences:]
	}

	archived := 0
	if a.Archived {
		archived = 1
	}
	res, err := db.Exec(s.q(`UPDATE agents SET
		name = ?, role = ?, goal = ?, backstory = ?, template = ?, crew_id = ?, traits = ?,
		autonomy = ?, tasks_completed = ?, tasks_failed = ?, consecutive_failures = ?,
		collaboration = ?, avg_task_seconds = ?, evolution_cycles = ?, last_evolved_at = ?,
		reflections = ?, experiences = ?, boosts = ?, role_history = ?, archived = ?, updated_at = ?
		WHERE id = ?`),
		a.Name, a.Role, a.Goal, a.Backstory, a.Template, a.CrewID, marshalJSON(a.Traits),
		a.Autonomy, a.TasksCompleted, a.TasksFailed, a.ConsecutiveFailures,
		a.Collaboration, a.AvgTaskSeconds, a.EvolutionCycles, nullableTime(a.LastEvolvedAt),
		marshalJSON(a.Reflections), marshalJSON(a.Experiences), marshalJSON(a.Boosts),
		marshalJSON(a.RoleHistory), archived, a.UpdatedAt.Format(time.RFC3339Nano),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AgentQuery filters ListAgents.
type AgentQuery struct {
	CrewID          string
	IncludeArchived bool
}

// ListAgents returns agents matching the query, newest first.
func (s *Store) ListAgents(query AgentQuery) ([]Agent, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if query.CrewID != "" {
		clauses = append(clauses, "crew_id = ?")
		args = append(args, query.CrewID)
	}
	if !query.IncludeArchived {
		clauses = append(clauses, "archived = 0")
	}

	stmt := `SELECT ` + agentColumns + ` FROM agents`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(s.q(stmt), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AgentsByIDs returns agents in the order requested, skipping unknown ids.
func (s *Store) AgentsByIDs(ids []string) ([]Agent, error) {
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func agentArgs(a *Agent) []any {
	archived := 0
	if a.Archived {
		archived = 1
	}
	return []any{
		a.ID, a.Name, a.Role, a.Goal, a.Backstory, a.Template, a.CrewID,
		marshalJSON(a.Traits), a.Autonomy,
		a.TasksCompleted, a.TasksFailed, a.ConsecutiveFailures, a.Collaboration, a.AvgTaskSeconds,
		a.EvolutionCycles, nullableTime(a.LastEvolvedAt),
		marshalJSON(a.Reflections), marshalJSON(a.Experiences), marshalJSON(a.Boosts),
		marshalJSON(a.RoleHistory), archived,
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func scanAgent(sc scanner) (*Agent, error) {
	var (
		a                                                 Agent
		traits, reflections, experiences, boosts, history string
		lastEvolved                                       sql.NullString
		archived                                          int
		createdAt, updatedAt                              string
	)
	if err := sc.Scan(
		&a.ID, &a.Name, &a.Role, &a.Goal, &a.Backstory, &a.Template, &a.CrewID,
		&traits, &a.Autonomy,
		&a.TasksCompleted, &a.TasksFailed, &a.ConsecutiveFailures, &a.Collaboration, &a.AvgTaskSeconds,
		&a.EvolutionCycles, &lastEvolved,
		&reflections, &experiences, &boosts, &history,
		&archived, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	_ = unmarshalJSON(traits, &a.Traits)
	_ = unmarshalJSON(reflections, &a.Reflections)
	_ = unmarshalJSON(experiences, &a.Experiences)
	_ = unmarshalJSON(boosts, &a.Boosts)
	_ = unmarshalJSON(history, &a.RoleHistory)
	a.LastEvolvedAt = parseNullTime(lastEvolved)
	a.Archived = archived == 1
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
