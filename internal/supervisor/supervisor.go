// Package supervisor runs the server's background loops: the evolution
// sweep, the instruction expirer, the workflow reaper and the health probe.
// Each loop ticks on its own schedule, records a heartbeat, and survives
// individual pass failures.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/config"
	"github.com/evolvant/cohort/internal/evolution"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/metrics"
	"github.com/evolvant/cohort/internal/ratelimit"
	"github.com/evolvant/cohort/internal/store"
	"github.com/evolvant/cohort/internal/workflow"
)

// Loop names, used as heartbeat keys and in health output.
const (
	LoopSweep   = "evolution_sweep"
	LoopExpirer = "instruction_expirer"
	LoopReaper  = "workflow_reaper"
	LoopProbe   = "health_probe"
)

const (
	expirerInterval = time.Minute
	reaperInterval  = 30 * time.Second
	probeInterval   = 30 * time.Second
)

// Options tunes the supervisor. SweepSchedule accepts a duration or a cron
// expression; the rest come straight from the server config.
type Options struct {
	SweepSchedule       string
	InstructionTTL      time.Duration
	MaxWorkflowDuration time.Duration
}

// Supervisor owns the background loops.
type Supervisor struct {
	store   *store.Store
	bus     *instructions.Bus
	evo     *evolution.Engine
	engine  *workflow.Engine
	limiter *ratelimit.Limiter
	metrics *metrics.Set
	logger  *zap.Logger
	opts    Options

	mu        sync.RWMutex
	beats     map[string]time.Time
	lastProbe Health

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. Loops do not run until Start.
func New(st *store.Store, bus *instructions.Bus, evo *evolution.Engine, engine *workflow.Engine,
	limiter *ratelimit.Limiter, m *metrics.Set, opts Options, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = "1h"
	}
	if opts.InstructionTTL <= 0 {
		opts.InstructionTTL = time.Hour
	}
	if opts.MaxWorkflowDuration <= 0 {
		opts.MaxWorkflowDuration = time.Hour
	}
	return &Supervisor{
		store:   st,
		bus:     bus,
		evo:     evo,
		engine:  engine,
		limiter: limiter,
		metrics: m,
		logger:  logger,
		opts:    opts,
		beats:   make(map[string]time.Time),
	}
}

// Start launches every loop. Returns an error only for an invalid sweep
// schedule; config validation should have caught that already.
func (s *Supervisor) Start(ctx context.Context) error {
	next, err := config.ParseSchedule(s.opts.SweepSchedule)
	if err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.spawn(LoopSweep, func() { s.runLoop(ctx, LoopSweep, next, s.sweepPass) })
	s.spawn(LoopExpirer, func() { s.runLoop(ctx, LoopExpirer, every(expirerInterval), s.expirePass) })
	s.spawn(LoopReaper, func() { s.runLoop(ctx, LoopReaper, every(reaperInterval), s.reapPass) })
	s.spawn(LoopProbe, func() { s.runLoop(ctx, LoopProbe, every(probeInterval), s.probePass) })

	s.logger.Info("supervisor started",
		zap.String("sweep_schedule", s.opts.SweepSchedule),
		zap.Duration("instruction_ttl", s.opts.InstructionTTL),
		zap.Duration("max_workflow_duration", s.opts.MaxWorkflowDuration))
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) spawn(name string, loop func()) {
	s.beat(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop()
		s.logger.Debug("loop stopped", zap.String("loop", name))
	}()
}

func every(d time.Duration) func(time.Time) time.Time {
	return func(from time.Time) time.Time { return from.Add(d) }
}

// runLoop runs one pass immediately, then sleeps until the schedule's next
// firing. Pass panics are contained so one bad pass never kills the loop.
func (s *Supervisor) runLoop(ctx context.Context, name string, next func(time.Time) time.Time, pass func()) {
	for {
		s.beat(name)
		s.safePass(name, pass)

		wake := next(time.Now())
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) safePass(name string, pass func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("loop pass panicked", zap.String("loop", name), zap.Any("panic", r))
		}
	}()
	pass()
}

func (s *Supervisor) beat(name string) {
	s.mu.Lock()
	s.beats[name] = time.Now().UTC()
	s.mu.Unlock()
}

// sweepPass evolves every agent whose triggers fire.
func (s *Supervisor) sweepPass() {
	n, err := s.evo.Sweep()
	if err != nil {
		s.logger.Warn("evolution sweep", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("evolution sweep", zap.Int("evolved", n))
	}
}

// expirePass retires stale pending instructions. Emergency stops never
// expire; the store filters them out.
func (s *Supervisor) expirePass() {
	n, err := s.bus.Expire(s.opts.InstructionTTL)
	if err != nil {
		s.logger.Warn("instruction expirer", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("instructions expired", zap.Int64("count", n))
	}
}

// reapPass emergency-stops workflows executing past the maximum duration.
// Orphan rows with no live run (left by a crash) are finished directly.
func (s *Supervisor) reapPass() {
	stale, err := s.store.StaleExecuting(s.opts.MaxWorkflowDuration)
	if err != nil {
		s.logger.Warn("workflow reaper", zap.Error(err))
		return
	}
	for _, wf := range stale {
		s.logger.Warn("reaping overrunning workflow",
			zap.String("workflow_id", wf.ID),
			zap.String("crew_id", wf.CrewID))
		if err := s.engine.EmergencyStop(wf.CrewID, ""); err != nil {
			if fault.Is(err, fault.NotFound) {
				_ = s.store.FinishWorkflow(wf.ID, store.WorkflowCancelled, "reaped: no live run", nil)
				continue
			}
			s.logger.Warn("reaper stop", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
}

// probePass refreshes the health snapshot and trims idle limiter buckets.
func (s *Supervisor) probePass() {
	h := Health{CheckedAt: time.Now().UTC(), Loops: make(map[string]time.Time)}

	if err := s.store.Ping(); err != nil {
		h.StoreError = err.Error()
	}
	h.PoolCapacity = s.engine.Capacity()
	h.PoolInFlight = s.engine.InFlight()

	if counts, err := s.store.CountWorkflows(); err == nil {
		h.Workflows = counts
		if s.metrics != nil {
			s.metrics.SetWorkflowStates(counts)
		}
	}
	if s.metrics != nil {
		s.metrics.SetPoolOccupancy(h.PoolInFlight)
	}
	evicted := s.limiter.Evict()
	if evicted > 0 {
		s.logger.Debug("limiter buckets evicted", zap.Int("count", evicted))
	}

	s.mu.Lock()
	for name, at := range s.beats {
		h.Loops[name] = at
	}
	s.lastProbe = h
	s.mu.Unlock()
}

// Health is the probe snapshot served by health_check and GET /health.
type Health struct {
	CheckedAt    time.Time            `json:"checked_at"`
	StoreError   string               `json:"store_error,omitempty"`
	PoolCapacity int                  `json:"pool_capacity"`
	PoolInFlight int                  `json:"pool_in_flight"`
	Workflows    map[string]int       `json:"workflows,omitempty"`
	Loops        map[string]time.Time `json:"loops"`
}

// Healthy reports whether the store answers and every loop has beaten
// within three probe intervals.
func (h Health) Healthy() bool {
	if h.StoreError != "" {
		return false
	}
	cutoff := h.CheckedAt.Add(-3 * probeInterval)
	for _, at := range h.Loops {
		if at.Before(cutoff) {
			return false
		}
	}
	return len(h.Loops) > 0
}

// Health returns the most recent probe snapshot. Before the first probe it
// synthesizes one from live state.
func (s *Supervisor) Health() Health {
	s.mu.RLock()
	h := s.lastProbe
	s.mu.RUnlock()
	if h.CheckedAt.IsZero() {
		s.probePass()
		s.mu.RLock()
		h = s.lastProbe
		s.mu.RUnlock()
	}
	return h
}
