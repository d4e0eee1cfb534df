package runner

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/store"
)

// Sim executes crews deterministically: outcomes derive from agent traits
// and a seed hashed from the crew id, so repeated runs of the same crew
// produce the same results. It sleeps TaskDelay between tasks so live
// steering can interleave, and checks cancellation at every task boundary.
type Sim struct {
	// TaskDelay is the simulated duration of one task. Zero means no delay.
	TaskDelay time.Duration

	logger *zap.Logger
}

// NewSim creates a simulation runner.
func NewSim(taskDelay time.Duration, logger *zap.Logger) *Sim {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sim{TaskDelay: taskDelay, logger: logger}
}

// Kickoff runs every task in order and assembles the crew result.
func (s *Sim) Kickoff(ctx context.Context, crew *store.Crew, agents []*store.Agent, live *LiveContext) (*store.CrewResult, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("crew %s has no agents", crew.ID)
	}

	rng := rand.New(rand.NewSource(seedFor(crew.ID)))
	result := &store.CrewResult{}

	for i, task := range crew.Tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.TaskDelay > 0 {
			timer := time.NewTimer(s.TaskDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		agent := pickAgent(agents, task, i)
		tr := s.runTask(rng, crew, agent, task, i, live)
		result.TaskResults = append(result.TaskResults, tr)

		s.logger.Debug("task simulated",
			zap.String("crew_id", crew.ID),
			zap.Int("task", i),
			zap.String("agent_id", agent.ID),
			zap.Bool("success", tr.Success))
	}

	notes, constraints, _, strategy, applied := live.Snapshot()
	result.InstructionsApplied = applied
	result.Summary = summarize(crew, result, strategy)
	result.Insights = insights(agents, result)
	result.Lessons = lessons(result, constraints, notes)
	result.Dynamics = dynamics(agents, result)
	return result, nil
}

// runTask produces one deterministic task outcome. Success probability
// leans on the agent's analytical and decisive axes plus crew autonomy;
// risk taking widens the variance.
func (s *Sim) runTask(rng *rand.Rand, crew *store.Crew, agent *store.Agent, task store.TaskSpec, index int, live *LiveContext) store.TaskResult {
	base := 0.55 + 0.2*agent.Traits.Analytical + 0.15*agent.Traits.Decisive + 0.1*crew.Autonomy
	jitter := (rng.Float64() - 0.5) * (0.2 + 0.3*agent.Traits.RiskTaking)
	p := base + jitter

	success := p >= 0.5
	quality := clamp01(0.4 + 0.3*agent.Traits.Analytical + 0.2*agent.Traits.Creative + 0.1*rng.Float64())
	if !success {
		quality = clamp01(quality - 0.3)
	}
	seconds := 5 + rng.Float64()*20*(1.2-agent.Traits.Decisive)

	notes, _, resources, strategy, _ := live.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Task %d: %s\n", index+1, task.Description)
	fmt.Fprintf(&b, "Handled by %s (%s).\n", agent.Name, agent.Role)
	if strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n", strategy)
	}
	if len(resources) > 0 {
		fmt.Fprintf(&b, "Resources consulted: %s\n", strings.Join(resources, ", "))
	}
	if len(notes) > 0 {
		fmt.Fprintf(&b, "Guidance applied: %d note(s)\n", len(notes))
	}
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Produced: %s\n", task.ExpectedOutput)
	}
	if !success {
		b.WriteString("Outcome fell short of the expected output.\n")
	}

	return store.TaskResult{
		Index:       index,
		Description: task.Description,
		AgentID:     agent.ID,
		Output:      b.String(),
		Success:     success,
		Quality:     quality,
		Seconds:     seconds,
	}
}

// pickAgent prefers a role match and falls back to round-robin.
func pickAgent(agents []*store.Agent, task store.TaskSpec, index int) *store.Agent {
	if task.AgentRole != "" {
		for _, a := range agents {
			if strings.EqualFold(a.Role, task.AgentRole) {
				return a
			}
		}
	}
	return agents[index%len(agents)]
}

func summarize(crew *store.Crew, result *store.CrewResult, strategy string) string {
	succeeded := 0
	for _, tr := range result.TaskResults {
		if tr.Success {
			succeeded++
		}
	}
	s := fmt.Sprintf("Crew %q finished %d/%d tasks successfully.", crew.Name, succeeded, len(result.TaskResults))
	if strategy != "" {
		s += fmt.Sprintf(" Strategy in effect: %s.", strategy)
	}
	if result.InstructionsApplied > 0 {
		s += fmt.Sprintf(" %d steering instruction(s) applied mid-run.", result.InstructionsApplied)
	}
	return s
}

func insights(agents []*store.Agent, result *store.CrewResult) []string {
	var out []string
	byAgent := map[string]int{}
	for _, tr := range result.TaskResults {
		if tr.Success {
			byAgent[tr.AgentID]++
		}
	}
	for _, a := range agents {
		if n := byAgent[a.ID]; n > 0 {
			out = append(out, fmt.Sprintf("%s delivered %d successful task(s) as %s", a.Name, n, a.Role))
		}
	}
	return out
}

func lessons(result *store.CrewResult, constraints, notes []string) []string {
	var out []string
	failed := 0
	for _, tr := range result.TaskResults {
		if !tr.Success {
			failed++
		}
	}
	if failed > 0 {
		out = append(out, fmt.Sprintf("%d task(s) missed their expected output and need rework", failed))
	}
	if len(constraints) > 0 {
		out = append(out, fmt.Sprintf("operated under %d constraint(s)", len(constraints)))
	}
	if len(notes) > 0 {
		out = append(out, "live guidance changed the course of the run")
	}
	return out
}

func dynamics(agents []*store.Agent, result *store.CrewResult) store.TeamDynamics {
	var collab, adapt float64
	for _, a := range agents {
		collab += a.Traits.Collaborative
		adapt += a.Traits.Adaptable
	}
	n := float64(len(agents))
	collab /= n
	adapt /= n

	succ := 0.0
	if len(result.TaskResults) > 0 {
		for _, tr := range result.TaskResults {
			if tr.Success {
				succ++
			}
		}
		succ /= float64(len(result.TaskResults))
	}

	return store.TeamDynamics{
		Collaboration:  clamp01(collab),
		Communication:  clamp01(0.5*collab + 0.5*succ),
		Fairness:       fairness(result),
		ProblemSolving: clamp01(0.4*adapt + 0.6*succ),
	}
}

// fairness is 1 when work spread evenly across agents, lower when one agent
// carried the run.
func fairness(result *store.CrewResult) float64 {
	if len(result.TaskResults) == 0 {
		return 1
	}
	counts := map[string]int{}
	for _, tr := range result.TaskResults {
		counts[tr.AgentID]++
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	ideal := float64(len(result.TaskResults)) / float64(len(counts))
	return clamp01(ideal / float64(max))
}

func seedFor(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
