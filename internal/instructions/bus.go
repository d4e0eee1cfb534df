// Package instructions is the steering channel into running crews. Callers
// submit prioritized instructions; workflow intake loops drain them in
// priority order. Emergency stops bypass the queue entirely.
package instructions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
	"github.com/evolvant/cohort/internal/validate"
)

// StopFunc cancels the crew's active workflow. The bus invokes it for
// emergency stops; the instruction is marked applied once the workflow
// reaches its terminal state, not here.
type StopFunc func(crewID, instructionID string) error

// Bus validates, persists and routes instructions.
type Bus struct {
	store  *store.Store
	events *events.Bus
	logger *zap.Logger

	mu   sync.RWMutex
	stop StopFunc
}

// New creates the bus. The stop hook is wired later, once the workflow
// engine exists.
func New(st *store.Store, ev *events.Bus, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{store: st, events: ev, logger: logger}
}

// SetStopFunc wires the emergency-stop pathway.
func (b *Bus) SetStopFunc(fn StopFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop = fn
}

// Submit validates and enqueues one instruction. Emergency stops are forced
// to the top priority and trigger the stop hook immediately instead of
// waiting for the next intake tick. Transient store failures retry under
// ctx before surfacing.
func (b *Bus) Submit(ctx context.Context, ins *store.Instruction) error {
	if err := b.validateInstruction(ins); err != nil {
		return err
	}
	ins.Content = validate.SanitizeString(ins.Content)

	if ins.Kind == store.KindEmergencyStop {
		ins.Priority = store.PriorityEmergency
	}

	if err := store.Retry(ctx, func() error { return b.store.EnqueueInstruction(ins) }); err != nil {
		return fault.Internalf(err, "enqueue instruction")
	}

	b.events.Publish(events.Event{
		Type:    events.InstructionSubmitted,
		CrewID:  ins.CrewID,
		Summary: fmt.Sprintf("%s instruction queued (priority %d)", ins.Kind, ins.Priority),
	})
	b.logger.Info("instruction submitted",
		zap.String("instruction_id", ins.ID),
		zap.String("crew_id", ins.CrewID),
		zap.String("kind", ins.Kind),
		zap.Int("priority", ins.Priority))

	if ins.Priority == store.PriorityEmergency && ins.Kind == store.KindEmergencyStop {
		b.mu.RLock()
		stop := b.stop
		b.mu.RUnlock()
		if stop == nil {
			return fault.New(fault.Unavailable, "emergency stop pathway not wired")
		}
		if err := stop(ins.CrewID, ins.ID); err != nil {
			// No active workflow is not an error for a stop request.
			if fault.Is(err, fault.NotFound) {
				_ = b.MarkApplied(ins.ID, "no active workflow")
				return nil
			}
			return err
		}
		b.events.Publish(events.Event{
			Type:     events.EmergencyStop,
			CrewID:   ins.CrewID,
			Severity: events.SeverityCritical,
			Summary:  "emergency stop dispatched",
		})
	}
	return nil
}

// DrainFor claims every pending instruction for the crew, priority-desc
// then submission order, marking them delivered.
func (b *Bus) DrainFor(ctx context.Context, crewID string) ([]store.Instruction, error) {
	var claimed []store.Instruction
	err := store.Retry(ctx, func() (lerr error) {
		claimed, lerr = b.store.ClaimPending(crewID)
		return lerr
	})
	if err != nil {
		return nil, fault.Internalf(err, "drain instructions")
	}
	return claimed, nil
}

// MarkApplied finalizes an instruction with its application result.
// Settlement retries on its own clock; it must land even when the run that
// triggered it is already cancelled.
func (b *Bus) MarkApplied(id, result string) error {
	if err := store.Retry(context.Background(), func() error {
		return b.store.SetInstructionStatus(id, store.InstructionApplied, result)
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Newf(fault.NotFound, "instruction %s not found", id)
		}
		return fault.Internalf(err, "mark instruction applied")
	}
	if ins, err := b.store.GetInstruction(id); err == nil {
		b.events.Emit(events.InstructionApplied, ins.CrewID, "", fmt.Sprintf("%s instruction applied", ins.Kind))
	}
	return nil
}

// MarkFailed records an application failure.
func (b *Bus) MarkFailed(id, reason string) error {
	if err := store.Retry(context.Background(), func() error {
		return b.store.SetInstructionStatus(id, store.InstructionFailed, reason)
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Newf(fault.NotFound, "instruction %s not found", id)
		}
		return fault.Internalf(err, "mark instruction failed")
	}
	if ins, err := b.store.GetInstruction(id); err == nil {
		b.events.Publish(events.Event{
			Type:     events.InstructionFailed,
			CrewID:   ins.CrewID,
			Severity: events.SeverityWarning,
			Summary:  fmt.Sprintf("%s instruction failed: %s", ins.Kind, reason),
		})
	}
	return nil
}

// Status returns one instruction.
func (b *Bus) Status(id string) (*store.Instruction, error) {
	ins, err := b.store.GetInstruction(id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "instruction %s not found", id)
		}
		return nil, fault.Internalf(err, "load instruction")
	}
	return ins, nil
}

// List returns instructions for a crew, newest first.
func (b *Bus) List(crewID string, statuses []string, limit int) ([]store.Instruction, error) {
	out, err := b.store.ListInstructions(store.InstructionQuery{
		CrewID:   crewID,
		Statuses: statuses,
		Limit:    limit,
	})
	if err != nil {
		return nil, fault.Internalf(err, "list instructions")
	}
	return out, nil
}

// Expire marks pending instructions older than maxAge as expired.
// Emergency stops are never expired.
func (b *Bus) Expire(maxAge time.Duration) (int64, error) {
	var n int64
	err := store.Retry(context.Background(), func() (lerr error) {
		n, lerr = b.store.ExpirePendingInstructions(maxAge)
		return lerr
	})
	if err != nil {
		return 0, fault.Internalf(err, "expire instructions")
	}
	if n > 0 {
		b.events.Publish(events.Event{
			Type:     events.InstructionExpired,
			Severity: events.SeverityWarning,
			Summary:  fmt.Sprintf("%d stale instruction(s) expired", n),
		})
	}
	return n, nil
}

func (b *Bus) validateInstruction(ins *store.Instruction) error {
	if strings.TrimSpace(ins.CrewID) == "" {
		return fault.New(fault.InvalidArgument, "crew_id is required")
	}
	valid := false
	for _, k := range store.InstructionKinds {
		if ins.Kind == k {
			valid = true
			break
		}
	}
	if !valid {
		return fault.Newf(fault.InvalidArgument, "unknown instruction kind %q", ins.Kind)
	}
	if ins.Priority < 1 || ins.Priority > 5 {
		return fault.Newf(fault.InvalidArgument, "priority %d outside 1..5", ins.Priority)
	}
	if ins.Kind != store.KindEmergencyStop && strings.TrimSpace(ins.Content) == "" {
		return fault.New(fault.InvalidArgument, "content is required")
	}
	if err := validate.CheckString(ins.Content); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, err.Error())
	}
	if ins.Target != "" && ins.Target != "crew" && ins.Target != "all" && !strings.HasPrefix(ins.Target, "agent:") {
		return fault.Newf(fault.InvalidArgument, "bad target %q", ins.Target)
	}
	return nil
}
