package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/store"
)

// intakeLoop drains steering instructions into the run's live context while
// the runner executes. Wakes on the poll ticker or a store notification,
// whichever fires first.
func (e *Engine) intakeLoop(ctx context.Context, r *run) {
	notify, unwatch := e.store.WatchInstructions(r.crewID)
	defer unwatch()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		e.drainInto(ctx, r)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-notify:
		}
	}
}

// drainInto claims pending instructions (already priority-desc, submit-asc)
// and applies them one by one.
func (e *Engine) drainInto(ctx context.Context, r *run) {
	claimed, err := e.bus.DrainFor(ctx, r.crewID)
	if err != nil {
		e.logger.Warn("instruction drain", zap.String("crew_id", r.crewID), zap.Error(err))
		return
	}
	for i := range claimed {
		ins := &claimed[i]
		if ins.Kind == store.KindEmergencyStop {
			// Handled on the submit path; the stop settles the instruction.
			continue
		}
		if err := e.apply(r, ins); err != nil {
			_ = e.bus.MarkFailed(ins.ID, err.Error())
			e.logger.Warn("instruction rejected",
				zap.String("instruction_id", ins.ID),
				zap.String("kind", ins.Kind),
				zap.Error(err))
			continue
		}
		_ = e.bus.MarkApplied(ins.ID, "applied to live run")
	}
}

// apply folds one instruction into the live context and, where the kind
// calls for it, into the targeted agents.
func (e *Engine) apply(r *run, ins *store.Instruction) error {
	switch ins.Kind {
	case store.KindGuidance, store.KindFeedback:
		r.live.AddNote(ins.Content)
		e.recordExperience(r, ins, fmt.Sprintf("received %s: %s", ins.Kind, ins.Content))
		return nil
	case store.KindConstraint:
		r.live.AddConstraint(ins.Content)
		return nil
	case store.KindResource:
		r.live.AddResource(ins.Content)
		return nil
	case store.KindPivot:
		r.live.SetStrategy(ins.Content)
		e.recordExperience(r, ins, "strategy pivoted: "+ins.Content)
		return nil
	case store.KindSkillBoost:
		trait, delta, err := instructions.ParseSkillBoost(ins.Content)
		if err != nil {
			return err
		}
		boosted := 0
		for _, a := range e.targets(r, ins) {
			instructions.ApplyBoost(a, trait, delta)
			if err := e.store.SaveAgent(a); err != nil {
				return fmt.Errorf("persist boost: %w", err)
			}
			boosted++
		}
		if boosted == 0 {
			return fmt.Errorf("no agent matched target %q", ins.Target)
		}
		r.live.CountApplied()
		return nil
	default:
		return fmt.Errorf("kind %q has no live application", ins.Kind)
	}
}

// targets resolves an instruction's target to concrete agents. "crew",
// "all" and empty all mean the full roster.
func (e *Engine) targets(r *run, ins *store.Instruction) []*store.Agent {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	if id, ok := strings.CutPrefix(ins.Target, "agent:"); ok {
		for _, a := range r.agents {
			if a.ID == id {
				return []*store.Agent{a}
			}
		}
		return nil
	}
	return r.agents
}

// recordExperience appends the instruction to the targeted agents' memory.
// Persistence failures only log; steering must not fail for bookkeeping.
func (e *Engine) recordExperience(r *run, ins *store.Instruction, entry string) {
	for _, a := range e.targets(r, ins) {
		a.Experiences = append(a.Experiences, entry)
		if err := e.store.SaveAgent(a); err != nil {
			e.logger.Warn("record experience", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
}
