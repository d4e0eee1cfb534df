// Package workflow drives crew executions through their state machine:
// Created, Preparing, Executing, Debriefing and a terminal state. A bounded
// worker pool caps concurrent executions; an intake loop per run applies
// steering instructions while the runner works.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/evolvant/cohort/internal/deliverables"
	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/evolution"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/runner"
	"github.com/evolvant/cohort/internal/store"
)

// Options sizes the engine. Zero values fall back to safe defaults.
type Options struct {
	Workers       int
	QueuePolicy   string // "queue" blocks for a slot, "reject" fails fast
	PollInterval  time.Duration
	EstopDeadline time.Duration
}

func (o *Options) fill() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.QueuePolicy == "" {
		o.QueuePolicy = "queue"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.EstopDeadline <= 0 {
		o.EstopDeadline = 10 * time.Second
	}
}

// run is one in-flight workflow, tracked from admission to terminal state.
type run struct {
	workflowID     string
	crewID         string
	live           *runner.LiveContext
	cancel         context.CancelFunc
	allowEvolution bool

	stopOnce  sync.Once
	stopped   atomic.Bool
	stopIns   atomic.Value // instruction id that requested the stop
	hardStop  atomic.Bool  // cancellation escalated past the deadline
	agents    []*store.Agent
	agentsMu  sync.Mutex
	tasksDone atomic.Int64
}

func (r *run) stopInstructionID() string {
	if v := r.stopIns.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Engine executes workflows on a bounded pool.
type Engine struct {
	store    *store.Store
	bus      *instructions.Bus
	events   *events.Bus
	runner   runner.Runner
	output   *deliverables.Store
	evo      *evolution.Engine
	logger   *zap.Logger
	opts     Options
	sem      *semaphore.Weighted
	inflight atomic.Int64

	mu      sync.Mutex
	active  map[string]*run // crew id -> run
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates the engine and wires itself as the bus's emergency-stop
// pathway.
func New(st *store.Store, bus *instructions.Bus, ev *events.Bus, rn runner.Runner,
	output *deliverables.Store, evo *evolution.Engine, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.fill()
	e := &Engine{
		store:  st,
		bus:    bus,
		events: ev,
		runner: rn,
		output: output,
		evo:    evo,
		logger: logger,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		active: make(map[string]*run),
	}
	bus.SetStopFunc(e.EmergencyStop)
	return e
}

// Start binds the engine to its lifetime context. Workflows admitted after
// Start run until they finish or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Drain blocks until every in-flight workflow reaches a terminal state or
// ctx expires.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capacity returns the pool size.
func (e *Engine) Capacity() int { return e.opts.Workers }

// InFlight returns the number of workflows currently holding a pool slot.
func (e *Engine) InFlight() int { return int(e.inflight.Load()) }

// Kickoff admits one workflow for the crew. It returns once the workflow
// row reaches Preparing; execution proceeds on the pool. kickoffContext is
// stored on the row and seeded into the live context; allowEvolution gates
// the debrief-time evolution pass. A crew with a non-terminal workflow is a
// Conflict; a saturated pool under the reject policy is Unavailable.
func (e *Engine) Kickoff(ctx context.Context, crewID, kickoffContext string, allowEvolution bool) (*store.Workflow, error) {
	e.mu.Lock()
	base := e.baseCtx
	e.mu.Unlock()
	if base == nil {
		return nil, fault.New(fault.Unavailable, "workflow engine not started")
	}

	var crew *store.Crew
	err := store.Retry(ctx, func() (lerr error) {
		crew, lerr = e.store.GetCrew(crewID)
		return lerr
	})
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "crew %s not found", crewID)
		}
		return nil, fault.Internalf(err, "load crew")
	}
	if crew.State == store.CrewDisbanded {
		return nil, fault.Newf(fault.Conflict, "crew %q is disbanded", crew.Name)
	}

	reserved := false
	if e.opts.QueuePolicy == "reject" {
		if !e.sem.TryAcquire(1) {
			return nil, fault.Newf(fault.Unavailable, "worker pool saturated (%d slots)", e.opts.Workers)
		}
		reserved = true
	}

	var wf *store.Workflow
	err = store.Retry(ctx, func() (lerr error) {
		wf, lerr = e.store.CreateWorkflow(crew.ID, kickoffContext, allowEvolution)
		return lerr
	})
	if err != nil {
		if reserved {
			e.sem.Release(1)
		}
		if errors.Is(err, store.ErrActiveWorkflow) {
			return nil, fault.Newf(fault.Conflict, "crew %q already has an active workflow", crew.Name)
		}
		return nil, fault.Internalf(err, "create workflow")
	}
	if err := store.Retry(ctx, func() error {
		return e.store.TransitionWorkflow(wf.ID, store.WorkflowPreparing, "admitted", store.WorkflowCreated)
	}); err != nil {
		if reserved {
			e.sem.Release(1)
		}
		return nil, fault.Internalf(err, "prepare workflow")
	}
	wf.State = store.WorkflowPreparing

	runCtx, cancel := context.WithCancel(base)
	r := &run{
		workflowID:     wf.ID,
		crewID:         crew.ID,
		cancel:         cancel,
		live:           runner.NewLiveContext(crew),
		allowEvolution: allowEvolution,
	}
	r.live.SeedNote(kickoffContext)
	e.mu.Lock()
	e.active[crew.ID] = r
	e.mu.Unlock()

	e.events.Emit(events.WorkflowStarted, crew.ID, "", fmt.Sprintf("workflow %s admitted for crew %q", wf.ID, crew.Name))
	e.logger.Info("workflow admitted",
		zap.String("workflow_id", wf.ID),
		zap.String("crew_id", crew.ID),
		zap.String("queue_policy", e.opts.QueuePolicy))

	e.wg.Add(1)
	go e.execute(runCtx, r, crew, reserved)
	return wf, nil
}

// execute takes a pool slot, runs the crew, then debriefs. Always leaves
// the workflow row terminal.
func (e *Engine) execute(ctx context.Context, r *run, crew *store.Crew, reserved bool) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if e.active[r.crewID] == r {
			delete(e.active, r.crewID)
		}
		e.mu.Unlock()
		r.cancel()
	}()

	if !reserved {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.finish(r, store.WorkflowCancelled, "cancelled while queued", nil)
			return
		}
	}
	e.inflight.Add(1)
	defer func() {
		e.sem.Release(1)
		e.inflight.Add(-1)
	}()

	if err := e.store.TransitionWorkflow(r.workflowID, store.WorkflowExecuting, "slot acquired", store.WorkflowPreparing); err != nil {
		// An emergency stop can beat us to the row.
		e.finish(r, store.WorkflowCancelled, "cancelled before execution", nil)
		return
	}

	agents, err := e.loadAgents(crew)
	if err != nil {
		e.finish(r, store.WorkflowFailed, err.Error(), nil)
		return
	}
	r.agentsMu.Lock()
	r.agents = agents
	r.agentsMu.Unlock()

	intakeDone := make(chan struct{})
	go func() {
		defer close(intakeDone)
		e.intakeLoop(ctx, r)
	}()

	result, runErr := e.runner.Kickoff(ctx, crew, agents, r.live)
	r.cancel()
	<-intakeDone

	switch {
	case runErr == nil:
		if err := e.store.TransitionWorkflow(r.workflowID, store.WorkflowDebriefing, "run complete", store.WorkflowExecuting); err != nil {
			// Stopped during the final task; honor the cancellation.
			e.finish(r, store.WorkflowCancelled, "emergency stop", result)
			return
		}
		e.debrief(crew, agents, r, result)
		e.finish(r, store.WorkflowCompleted, "", result)
	case errors.Is(runErr, context.Canceled), r.stopped.Load():
		reason := "emergency stop"
		if r.hardStop.Load() {
			reason = "hard-deadline"
		}
		e.finish(r, store.WorkflowCancelled, reason, result)
	default:
		e.finish(r, store.WorkflowFailed, runErr.Error(), result)
	}
}

// finish writes the terminal state, settles any pending stop instruction and
// publishes the lifecycle event. A row already terminal is left alone.
func (e *Engine) finish(r *run, state, reason string, result *store.CrewResult) {
	// Background context: the terminal write must survive the run's own
	// cancellation.
	err := store.Retry(context.Background(), func() error {
		return e.store.FinishWorkflow(r.workflowID, state, reason, result)
	})
	if err != nil {
		// Already-terminal rows come back as no rows; that race is fine.
		if !store.IsNotFound(err) {
			e.logger.Warn("finish workflow",
				zap.String("workflow_id", r.workflowID),
				zap.String("state", state),
				zap.Error(err))
		}
	}

	if id := r.stopInstructionID(); id != "" {
		_ = e.bus.MarkApplied(id, fmt.Sprintf("workflow %s %s", r.workflowID, state))
	}

	typ := events.WorkflowCompleted
	severity := events.SeverityInfo
	switch state {
	case store.WorkflowCancelled:
		typ = events.WorkflowCancelled
		severity = events.SeverityWarning
	case store.WorkflowFailed:
		typ = events.WorkflowFailed
		severity = events.SeverityWarning
	}
	e.events.Publish(events.Event{
		Type:     typ,
		CrewID:   r.crewID,
		Severity: severity,
		Summary:  fmt.Sprintf("workflow %s %s", r.workflowID, state),
		Detail:   reason,
	})
	e.logger.Info("workflow finished",
		zap.String("workflow_id", r.workflowID),
		zap.String("crew_id", r.crewID),
		zap.String("state", state),
		zap.String("reason", reason))
}

// EmergencyStop cancels the crew's active run. Safe to call repeatedly; the
// second and later calls are no-ops, and any instruction they carry settles
// immediately since the first stop owns the cancellation. Returns NotFound
// when nothing is running for the crew.
func (e *Engine) EmergencyStop(crewID, instructionID string) error {
	e.mu.Lock()
	r := e.active[crewID]
	e.mu.Unlock()
	if r == nil {
		return fault.Newf(fault.NotFound, "no active workflow for crew %s", crewID)
	}

	if instructionID != "" && !r.stopIns.CompareAndSwap(nil, instructionID) {
		_ = e.bus.MarkApplied(instructionID, fmt.Sprintf("workflow %s already cancelling", r.workflowID))
		return nil
	}
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		_ = e.store.TransitionWorkflow(r.workflowID, store.WorkflowCancelling, "emergency stop",
			store.WorkflowCreated, store.WorkflowPreparing, store.WorkflowExecuting, store.WorkflowDebriefing)
		r.cancel()
		e.logger.Warn("emergency stop",
			zap.String("workflow_id", r.workflowID),
			zap.String("crew_id", crewID),
			zap.String("instruction_id", instructionID))

		// If the runner does not yield in time, force the terminal state.
		go func() {
			timer := time.NewTimer(e.opts.EstopDeadline)
			defer timer.Stop()
			<-timer.C
			wf, err := e.store.GetWorkflow(r.workflowID)
			if err != nil || store.IsTerminalWorkflowState(wf.State) {
				return
			}
			r.hardStop.Store(true)
			e.finish(r, store.WorkflowCancelled, "hard-deadline", nil)
		}()
	})
	return nil
}

// Status returns one workflow row.
func (e *Engine) Status(workflowID string) (*store.Workflow, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "workflow %s not found", workflowID)
		}
		return nil, fault.Internalf(err, "load workflow")
	}
	return wf, nil
}

func (e *Engine) loadAgents(crew *store.Crew) ([]*store.Agent, error) {
	rows, err := e.store.AgentsByIDs(crew.AgentIDs)
	if err != nil {
		return nil, fmt.Errorf("load crew agents: %w", err)
	}
	agents := make([]*store.Agent, len(rows))
	for i := range rows {
		agents[i] = &rows[i]
	}
	return agents, nil
}
