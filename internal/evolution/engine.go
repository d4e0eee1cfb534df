// Package evolution mutates agent personalities in response to performance.
// Every mutation is one transaction writing the agent and an EvolutionEvent;
// per-agent locks serialize concurrent triggers and a cooldown keeps
// evolution from thrashing.
package evolution

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
)

// Strategy names.
const (
	StrategyDrift          = "personality_drift"
	StrategySpecialization = "role_specialization"
	StrategyCollaborative  = "collaborative_adaptation"
	StrategyRadical        = "radical_transformation"
)

// Strategies lists every known strategy.
var Strategies = []string{StrategyDrift, StrategySpecialization, StrategyCollaborative, StrategyRadical}

// DefaultCooldown is the minimum gap between evolutions of one agent.
const DefaultCooldown = 6 * time.Hour

// Trigger thresholds.
const (
	lowSuccessRate     = 0.6
	lowSuccessWindow   = 10
	maxConsecFailures  = 3
	staleAge           = 4 * 7 * 24 * time.Hour
	radicalPerfFloor   = 0.3
	weakTraitThreshold = 0.3
	dominantThreshold  = 0.7
)

// Engine drives agent evolution.
type Engine struct {
	store    *store.Store
	events   *events.Bus
	logger   *zap.Logger
	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine. cooldown <= 0 selects the default.
func New(st *store.Store, ev *events.Bus, cooldown time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Engine{
		store:    st,
		events:   ev,
		logger:   logger,
		cooldown: cooldown,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Test use only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) lockFor(agentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[agentID] = l
	}
	return l
}

// ShouldEvolve evaluates the trigger conditions for an agent. flagged marks
// a crew self-assessment imbalance naming this agent.
func (e *Engine) ShouldEvolve(a *store.Agent, flagged bool) (bool, string) {
	if a.TaskCount() >= lowSuccessWindow && a.SuccessRate() < lowSuccessRate {
		return true, fmt.Sprintf("success rate %.2f below %.2f over %d tasks", a.SuccessRate(), lowSuccessRate, a.TaskCount())
	}
	if a.ConsecutiveFailures >= maxConsecFailures {
		return true, fmt.Sprintf("%d consecutive failures", a.ConsecutiveFailures)
	}
	if a.TaskCount() >= 1 {
		ref := a.CreatedAt
		if a.LastEvolvedAt != nil {
			ref = *a.LastEvolvedAt
		}
		if e.now().Sub(ref) > staleAge {
			return true, "no evolution in over four weeks"
		}
	}
	if flagged {
		return true, "crew assessment flagged imbalance"
	}
	return false, ""
}

// ChooseStrategy picks a strategy deterministically from the agent's state.
func (e *Engine) ChooseStrategy(a *store.Agent) string {
	if a.PerformanceScore() < radicalPerfFloor {
		return StrategyRadical
	}
	weak := 0
	for _, name := range store.TraitNames {
		if v, _ := a.Traits.Get(name); v < weakTraitThreshold {
			weak++
		}
	}
	if weak > 2 {
		return StrategyDrift
	}
	if a.Traits.Collaborative < weakTraitThreshold && a.Collaboration < 0.4 {
		return StrategyCollaborative
	}
	if len(a.Traits.Dominant(dominantThreshold)) >= 2 {
		return StrategySpecialization
	}
	return StrategyDrift
}

// Evolve applies one evolution to the agent. strategy may be empty to let
// the engine choose. force skips the cooldown. The returned event is
// already persisted.
func (e *Engine) Evolve(agentID, cause, strategy string, force bool) (*store.EvolutionEvent, error) {
	l := e.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	a, err := e.store.GetAgent(agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "agent %s not found", agentID)
		}
		return nil, fault.Internalf(err, "load agent")
	}
	if a.Archived {
		return nil, fault.Newf(fault.Conflict, "agent %s is archived", agentID)
	}

	if !force && a.LastEvolvedAt != nil {
		if since := e.now().Sub(*a.LastEvolvedAt); since < e.cooldown {
			return nil, fault.Newf(fault.Conflict,
				"agent evolved %s ago, cooldown is %s", since.Round(time.Second), e.cooldown)
		}
	}

	if strategy == "" {
		strategy = e.ChooseStrategy(a)
	} else if !validStrategy(strategy) {
		return nil, fault.Newf(fault.InvalidArgument, "unknown strategy %q", strategy)
	}

	before := a.Traits
	perfBefore := a.PerformanceScore()

	changes := e.mutate(a, strategy)
	a.Traits.Clamp()

	now := e.now().UTC()
	a.EvolutionCycles++
	a.LastEvolvedAt = &now

	event := &store.EvolutionEvent{
		AgentID:      a.ID,
		Cycle:        a.EvolutionCycles,
		Strategy:     strategy,
		Cause:        cause,
		TraitsBefore: before,
		TraitsAfter:  a.Traits,
		Changes:      changes,
		PerfBefore:   perfBefore,
		Success:      true,
		CreatedAt:    now,
	}
	if err := e.store.ApplyEvolution(a, event); err != nil {
		return nil, fault.Internalf(err, "persist evolution")
	}

	e.events.Emit(events.AgentEvolved, a.CrewID, a.ID,
		fmt.Sprintf("%s evolved via %s (cycle %d)", a.Name, strategy, a.EvolutionCycles))
	e.logger.Info("agent evolved",
		zap.String("agent_id", a.ID),
		zap.String("strategy", strategy),
		zap.String("cause", cause),
		zap.Int("cycle", a.EvolutionCycles))
	return event, nil
}

// mutate applies the strategy to the agent in place and returns the trait
// deltas keyed by name.
func (e *Engine) mutate(a *store.Agent, strategy string) map[string]float64 {
	switch strategy {
	case StrategyDrift:
		return driftMutation(a)
	case StrategySpecialization:
		return specializationMutation(a)
	case StrategyCollaborative:
		return collaborativeMutation(a)
	case StrategyRadical:
		return radicalMutation(a)
	}
	return nil
}

// driftMutation nudges up to three traits by at most 0.1 each: the two
// weakest of the axes that correlate with good outcomes get raised, and an
// overgrown risk appetite gets trimmed.
func driftMutation(a *store.Agent) map[string]float64 {
	changes := map[string]float64{}
	helpful := []string{store.TraitAdaptable, store.TraitCollaborative, store.TraitAnalytical}

	// raise the two weakest helpful axes
	for i := 0; i < len(helpful)-1; i++ {
		for j := i + 1; j < len(helpful); j++ {
			vi, _ := a.Traits.Get(helpful[i])
			vj, _ := a.Traits.Get(helpful[j])
			if vj < vi {
				helpful[i], helpful[j] = helpful[j], helpful[i]
			}
		}
	}
	for _, name := range helpful[:2] {
		v, _ := a.Traits.Get(name)
		a.Traits.Set(name, v+0.1)
		nv, _ := a.Traits.Get(name)
		changes[name] = nv - v
	}

	if a.Traits.RiskTaking > dominantThreshold {
		v := a.Traits.RiskTaking
		a.Traits.Set(store.TraitRiskTaking, v-0.1)
		changes[store.TraitRiskTaking] = a.Traits.RiskTaking - v
	}
	return changes
}

// specializationMutation leans into the strongest trait and away from the
// two weakest, narrowing the goal text toward the specialty.
func specializationMutation(a *store.Agent) map[string]float64 {
	changes := map[string]float64{}
	dominant := a.Traits.Dominant(dominantThreshold)
	if len(dominant) == 0 {
		dominant = []string{store.TraitNames[0]}
		for _, name := range store.TraitNames {
			v, _ := a.Traits.Get(name)
			if d, _ := a.Traits.Get(dominant[0]); v > d {
				dominant[0] = name
			}
		}
	}
	lead := dominant[0]

	v, _ := a.Traits.Get(lead)
	a.Traits.Set(lead, v+0.1)
	nv, _ := a.Traits.Get(lead)
	changes[lead] = nv - v

	for _, name := range a.Traits.Weakest(2) {
		w, _ := a.Traits.Get(name)
		a.Traits.Set(name, w-0.05)
		nw, _ := a.Traits.Get(name)
		changes[name] = nw - w
	}

	a.RoleHistory = append(a.RoleHistory, a.Role)
	a.Goal = fmt.Sprintf("%s, specializing in %s work", a.Goal, lead)
	return changes
}

// collaborativeMutation raises the collaborative axis by 0.15.
func collaborativeMutation(a *store.Agent) map[string]float64 {
	v := a.Traits.Collaborative
	a.Traits.Set(store.TraitCollaborative, v+0.15)
	return map[string]float64{store.TraitCollaborative: a.Traits.Collaborative - v}
}

// radicalMutation replaces the personality with a preset template, keeping
// 30% of each prior value.
func radicalMutation(a *store.Agent) map[string]float64 {
	template := templateFor(a.Traits).Vector()
	changes := map[string]float64{}
	for _, name := range store.TraitNames {
		old, _ := a.Traits.Get(name)
		tv, _ := template.Get(name)
		nv := 0.7*tv + 0.3*old
		a.Traits.Set(name, nv)
		applied, _ := a.Traits.Get(name)
		changes[name] = applied - old
	}
	a.RoleHistory = append(a.RoleHistory, a.Role)
	return changes
}

// templateFor maps the agent's strongest surviving axis onto a preset.
func templateFor(t store.Traits) Preset {
	lead := store.TraitAnalytical
	best := -1.0
	for _, name := range store.TraitNames {
		if v, _ := t.Get(name); v > best {
			best = v
			lead = name
		}
	}
	name := map[string]string{
		store.TraitAnalytical:    "analytical",
		store.TraitCreative:      "creative",
		store.TraitCollaborative: "diplomat",
		store.TraitDecisive:      "executor",
		store.TraitAdaptable:     "innovator",
		store.TraitRiskTaking:    "innovator",
	}[lead]
	p, ok := LookupPreset(name)
	if !ok {
		p, _ = LookupPreset("executor")
	}
	return p
}

func validStrategy(s string) bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// Sweep evolves every unarchived agent whose triggers fire and whose
// cooldown has elapsed. Returns the number of evolutions applied.
func (e *Engine) Sweep() (int, error) {
	agents, err := e.store.ListAgents(store.AgentQuery{IncludeArchived: false})
	if err != nil {
		return 0, fault.Internalf(err, "list agents for sweep")
	}

	evolved := 0
	for i := range agents {
		a := &agents[i]
		should, cause := e.ShouldEvolve(a, false)
		if !should {
			continue
		}
		if _, err := e.Evolve(a.ID, cause, "", false); err != nil {
			if fault.Is(err, fault.Conflict) {
				continue // cooldown
			}
			e.logger.Warn("sweep evolution failed", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		evolved++
	}
	return evolved, nil
}

// Summary aggregates evolution history for the reporting tool.
func (e *Engine) Summary() (*store.EvolutionStats, error) {
	stats, err := e.store.EvolutionStatistics()
	if err != nil {
		return nil, fault.Internalf(err, "evolution statistics")
	}
	return stats, nil
}

// History lists an agent's evolution events.
func (e *Engine) History(agentID string, since time.Time, limit int) ([]store.EvolutionEvent, error) {
	evs, err := e.store.ListEvolutionEvents(store.EvolutionQuery{AgentID: agentID, Since: since, Limit: limit})
	if err != nil {
		return nil, fault.Internalf(err, "list evolution events")
	}
	return evs, nil
}
