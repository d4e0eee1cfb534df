package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const instructionColumns = `id, crew_id, target, kind, content, priority, status, response,
	seq, created_at, updated_at, delivered_at, applied_at`

// EnqueueInstruction persists a pending instruction and wakes any watcher
// registered for the crew. Priority must already be validated by the caller.
func (s *Store) EnqueueInstruction(ins *Instruction) error {
	if strings.TrimSpace(ins.CrewID) == "" {
		return fmt.Errorf("instruction crew_id required")
	}
	now := time.Now().UTC()
	if ins.ID == "" {
		ins.ID = s.NewID()
	}
	if ins.Status == "" {
		ins.Status = InstructionPending
	}
	if ins.Target == "" {
		ins.Target = "crew"
	}
	ins.Seq = s.nextSeq()
	ins.CreatedAt = now
	ins.UpdatedAt = now

	_, err := s.db.Exec(s.q(`INSERT INTO instructions (`+instructionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ins.ID, ins.CrewID, ins.Target, ins.Kind, ins.Content, ins.Priority, ins.Status, ins.Response,
		ins.Seq, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		nullableTime(ins.DeliveredAt), nullableTime(ins.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instruction: %w", err)
	}

	s.notifyInstruction(ins.CrewID)
	return nil
}

// GetInstruction returns one instruction by id.
func (s *Store) GetInstruction(id string) (*Instruction, error) {
	row := s.db.QueryRow(s.q(`SELECT `+instructionColumns+` FROM instructions WHERE id = ?`), id)
	return scanInstruction(row)
}

// ClaimPending atomically marks every pending instruction for the crew as
// delivered and returns them ordered by priority (highest first), then by
// submission order.
func (s *Store) ClaimPending(crewID string) ([]Instruction, error) {
	var claimed []Instruction
	err := s.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(s.q(`SELECT `+instructionColumns+` FROM instructions
			WHERE crew_id = ? AND status = ?
			ORDER BY priority DESC, seq ASC`), crewID, InstructionPending)
		if err != nil {
			return err
		}
		for rows.Next() {
			ins, err := scanInstruction(rows)
			if err != nil {
				continue
			}
			claimed = append(claimed, *ins)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		nowStr := now.Format(time.RFC3339Nano)
		for i := range claimed {
			if _, err := tx.Exec(s.q(`UPDATE instructions SET status = ?, updated_at = ?, delivered_at = ? WHERE id = ?`),
				InstructionDelivered, nowStr, nowStr, claimed[i].ID); err != nil {
				return err
			}
			claimed[i].Status = InstructionDelivered
			claimed[i].DeliveredAt = &now
			claimed[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending instructions: %w", err)
	}
	return claimed, nil
}

// SetInstructionStatus updates the status and response of one instruction.
func (s *Store) SetInstructionStatus(id, status, response string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	set := `status = ?, response = ?, updated_at = ?`
	args := []any{status, response, now}
	if status == InstructionApplied {
		set += `, applied_at = ?`
		args = append(args, now)
	}
	args = append(args, id)

	res, err := s.db.Exec(s.q(`UPDATE instructions SET `+set+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("set instruction status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InstructionQuery filters ListInstructions.
type InstructionQuery struct {
	CrewID   string
	Statuses []string
	Limit    int
}

// ListInstructions returns instructions newest first.
func (s *Store) ListInstructions(query InstructionQuery) ([]Instruction, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 6)
	if query.CrewID != "" {
		clauses = append(clauses, "crew_id = ?")
		args = append(args, query.CrewID)
	}
	if len(query.Statuses) > 0 {
		ph := make([]string, len(query.Statuses))
		for i, st := range query.Statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ", ")+")")
	}

	stmt := `SELECT ` + instructionColumns + ` FROM instructions`
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

	out := make([]Instruction, 0, limit)
	for rows.Next() {
		ins, err := scanInstruction(rows)
		if err != nil {
			continue
		}
		out = append(out, *ins)
	}
	return out, rows.Err()
}

// CountPendingInstructions returns the crew's pending backlog size.
func (s *Store) CountPendingInstructions(crewID string) (int, error) {
	var n int
	err := s.db.QueryRow(s.q(`SELECT COUNT(*) FROM instructions WHERE crew_id = ? AND status = ?`),
		crewID, InstructionPending).Scan(&n)
	return n, err
}

// ExpirePendingInstructions marks pending instructions older than maxAge as
// expired. Emergency stops never expire.
func (s *Store) ExpirePendingInstructions(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := s.db.Exec(s.q(`UPDATE instructions SET status = ?, updated_at = ?
		WHERE status = ? AND priority < ? AND created_at < ?`),
		InstructionExpired, time.Now().UTC().Format(time.RFC3339Nano),
		InstructionPending, PriorityEmergency, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire instructions: %w", err)
	}
	return res.RowsAffected()
}

func scanInstruction(sc scanner) (*Instruction, error) {
	var (
		ins                    Instruction
		createdAt, updatedAt   string
		deliveredAt, appliedAt sql.NullString
	)
	if err := sc.Scan(&ins.ID, &ins.CrewID, &ins.Target, &ins.Kind, &ins.Content,
		&ins.Priority, &ins.Status, &ins.Response, &ins.Seq,
		&createdAt, &updatedAt, &deliveredAt, &appliedAt); err != nil {
		return nil, err
	}
	ins.CreatedAt = parseTime(createdAt)
	ins.UpdatedAt = parseTime(updatedAt)
	ins.DeliveredAt = parseNullTime(deliveredAt)
	ins.AppliedAt = parseNullTime(appliedAt)
	return &ins, nil
}
