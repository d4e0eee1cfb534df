package crew

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
)

// essentialSkills are the axes a crew cannot function without covering.
var essentialSkills = []string{store.TraitAnalytical, store.TraitCreative, store.TraitCollaborative}

// Assessment is the crew_self_assessment result.
type Assessment struct {
	CrewID          string             `json:"crew_id"`
	SkillCoverage   map[string]float64 `json:"skill_coverage"`
	TeamBalance     float64            `json:"team_balance"`
	MissingElements []string           `json:"missing_elements,omitempty"`
	FlaggedAgents   []string           `json:"flagged_agents,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// SelfAssessment computes skill coverage, team balance and recommendations
// for a crew. Agents it flags become evolution candidates.
func (m *Manager) SelfAssessment(crewID string) (*Assessment, error) {
	crew, err := m.Get(crewID)
	if err != nil {
		return nil, err
	}
	agents, err := m.store.AgentsByIDs(crew.AgentIDs)
	if err != nil {
		return nil, fault.Internalf(err, "load crew agents")
	}
	if len(agents) == 0 {
		return nil, fault.New(fault.Conflict, "crew has no agents to assess")
	}

	a := &Assessment{
		CrewID:        crew.ID,
		SkillCoverage: skillCoverage(agents),
		TeamBalance:   teamBalance(agents),
	}

	for _, skill := range essentialSkills {
		if a.SkillCoverage[skill] < 0.5 {
			a.MissingElements = append(a.MissingElements, "agent_with_"+skill+"_skills")
			a.Recommendations = append(a.Recommendations,
				fmt.Sprintf("recruit or evolve an agent with stronger %s skills", skill))
		}
	}

	for i := range agents {
		ag := &agents[i]
		if ag.TaskCount() >= 5 && ag.PerformanceScore() < 0.5 {
			a.FlaggedAgents = append(a.FlaggedAgents, ag.ID)
			a.Recommendations = append(a.Recommendations,
				fmt.Sprintf("%s is underperforming in the %s role, consider evolution", ag.Name, ag.Role))
		}
	}

	if a.TeamBalance < 0.5 {
		a.Recommendations = append(a.Recommendations, "trait profiles are highly uneven, rebalance the roster")
	} else if len(agents) > 2 && a.TeamBalance < 0.7 {
		a.Recommendations = append(a.Recommendations, "team skew is growing, watch collaboration quality")
	}
	if len(a.Recommendations) == 0 {
		a.Recommendations = append(a.Recommendations, "crew composition is sound, continue as configured")
	}

	m.logger.Debug("crew assessed",
		zap.String("crew_id", crew.ID),
		zap.Float64("balance", a.TeamBalance),
		zap.Int("flagged", len(a.FlaggedAgents)))
	return a, nil
}

// skillCoverage is the best value per axis across the roster.
func skillCoverage(agents []store.Agent) map[string]float64 {
	coverage := make(map[string]float64, len(store.TraitNames))
	for _, name := range store.TraitNames {
		for i := range agents {
			if v, _ := agents[i].Traits.Get(name); v > coverage[name] {
				coverage[name] = v
			}
		}
	}
	return coverage
}

// teamBalance is 1 minus the mean per-axis variance across agents: 1 when
// every agent has the same profile, lower as profiles diverge.
func teamBalance(agents []store.Agent) float64 {
	if len(agents) < 2 {
		return 1
	}
	var total float64
	for _, name := range store.TraitNames {
		var sum float64
		for i := range agents {
			v, _ := agents[i].Traits.Get(name)
			sum += v
		}
		mean := sum / float64(len(agents))
		var sq float64
		for i := range agents {
			v, _ := agents[i].Traits.Get(name)
			sq += (v - mean) * (v - mean)
		}
		total += sq / float64(len(agents))
	}
	balance := 1 - total/float64(len(store.TraitNames))
	return clamp01(balance)
}

// AgentReflection is the get_agent_reflection result.
type AgentReflection struct {
	AgentID              string             `json:"agent_id"`
	PerformanceScore     float64            `json:"performance_score"`
	SuccessRate          float64            `json:"success_rate"`
	TasksCompleted       int                `json:"tasks_completed"`
	RoleEffectiveness    string             `json:"role_effectiveness"`
	SkillGaps            []string           `json:"skill_gaps,omitempty"`
	SuggestedRoles       []string           `json:"suggested_roles,omitempty"`
	ShouldEvolve         bool               `json:"should_evolve"`
	Summary              string             `json:"summary"`
	CurrentTraits        map[string]float64 `json:"current_traits"`
	RecentReflectionsLen int                `json:"reflection_log_length"`
}

// Reflect analyzes one agent and appends the reflection to its bounded log.
func (m *Manager) Reflect(agentID string) (*AgentReflection, error) {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "agent %s not found", agentID)
		}
		return nil, fault.Internalf(err, "load agent")
	}

	r := &AgentReflection{
		AgentID:          agent.ID,
		PerformanceScore: agent.PerformanceScore(),
		SuccessRate:      agent.SuccessRate(),
		TasksCompleted:   agent.TasksCompleted,
		SkillGaps:        agent.Traits.Weakest(2),
		CurrentTraits:    agent.Traits.Map(),
	}

	switch {
	case agent.TaskCount() == 0:
		r.RoleEffectiveness = "untested"
	case r.SuccessRate >= 0.8:
		r.RoleEffectiveness = "strong fit"
	case r.SuccessRate >= 0.6:
		r.RoleEffectiveness = "adequate fit"
	default:
		r.RoleEffectiveness = "struggling in role"
	}

	if agent.Traits.Analytical > 0.7 {
		r.SuggestedRoles = append(r.SuggestedRoles, "data_analyst")
	}
	if agent.Traits.Creative > 0.7 {
		r.SuggestedRoles = append(r.SuggestedRoles, "creative_strategist")
	}
	if agent.Traits.Collaborative > 0.8 {
		r.SuggestedRoles = append(r.SuggestedRoles, "team_coordinator")
	}

	r.ShouldEvolve = (agent.TaskCount() >= 10 && r.SuccessRate < 0.6) || agent.ConsecutiveFailures >= 3
	r.Summary = fmt.Sprintf("%s (%s): %d/%d tasks succeeded, performance %.2f, %s",
		agent.Name, agent.Role, agent.TasksCompleted, agent.TaskCount(), r.PerformanceScore, r.RoleEffectiveness)

	agent.Reflections = append(agent.Reflections, store.Reflection{
		At:           time.Now().UTC(),
		Summary:      r.Summary,
		ShouldEvolve: r.ShouldEvolve,
	})
	if err := m.store.SaveAgent(agent); err != nil {
		return nil, fault.Internalf(err, "append reflection")
	}
	r.RecentReflectionsLen = len(agent.Reflections)

	m.events.Emit(events.AgentReflected, agent.CrewID, agent.ID, r.Summary)
	return r, nil
}
