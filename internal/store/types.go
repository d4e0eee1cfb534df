package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Workflow states. Completed, Cancelled and Failed are terminal; rows in a
// terminal state are never updated again.
const (
	WorkflowCreated    = "created"
	WorkflowPreparing  = "preparing"
	WorkflowExecuting  = "executing"
	WorkflowDebriefing = "debriefing"
	WorkflowCompleted  = "completed"
	WorkflowCancelling = "cancelling"
	WorkflowCancelled  = "cancelled"
	WorkflowFailed     = "failed"
)

// NonTerminalWorkflowStates lists every state an in-flight workflow can hold.
var NonTerminalWorkflowStates = []string{
	WorkflowCreated, WorkflowPreparing, WorkflowExecuting, WorkflowDebriefing, WorkflowCancelling,
}

// IsTerminalWorkflowState reports whether a workflow state is final.
func IsTerminalWorkflowState(state string) bool {
	switch state {
	case WorkflowCompleted, WorkflowCancelled, WorkflowFailed:
		return true
	}
	return false
}

// Crew states.
const (
	CrewIdle      = "idle"
	CrewRunning   = "running"
	CrewDisbanded = "disbanded"
)

// Instruction kinds.
const (
	KindGuidance      = "guidance"
	KindConstraint    = "constraint"
	KindResource      = "resource"
	KindPivot         = "pivot"
	KindFeedback      = "feedback"
	KindEmergencyStop = "emergency_stop"
	KindSkillBoost    = "skill_boost"
)

// InstructionKinds lists every accepted kind.
var InstructionKinds = []string{
	KindGuidance, KindConstraint, KindResource, KindPivot,
	KindFeedback, KindEmergencyStop, KindSkillBoost,
}

// Instruction statuses.
const (
	InstructionPending   = "pending"
	InstructionDelivered = "delivered"
	InstructionApplied   = "applied"
	InstructionFailed    = "failed"
	InstructionExpired   = "expired"
)

// PriorityEmergency is the only priority that routes around the queue.
const PriorityEmergency = 5

// Trait names, in canonical order.
const (
	TraitAnalytical    = "analytical"
	TraitCreative      = "creative"
	TraitCollaborative = "collaborative"
	TraitDecisive      = "decisive"
	TraitAdaptable     = "adaptable"
	TraitRiskTaking    = "risk_taking"
)

// TraitNames is the canonical ordering used everywhere traits are iterated.
var TraitNames = []string{
	TraitAnalytical, TraitCreative, TraitCollaborative,
	TraitDecisive, TraitAdaptable, TraitRiskTaking,
}

// Traits is an agent's six-axis personality vector. All values live in [0,1].
type Traits struct {
	Analytical    float64 `json:"analytical"`
	Creative      float64 `json:"creative"`
	Collaborative float64 `json:"collaborative"`
	Decisive      float64 `json:"decisive"`
	Adaptable     float64 `json:"adaptable"`
	RiskTaking    float64 `json:"risk_taking"`
}

// DefaultTraits is the neutral starting vector for agents without a preset.
func DefaultTraits() Traits {
	return Traits{
		Analytical:    0.5,
		Creative:      0.5,
		Collaborative: 0.5,
		Decisive:      0.5,
		Adaptable:     0.5,
		RiskTaking:    0.3,
	}
}

// Get returns a trait by name; unknown names return 0, false.
func (t Traits) Get(name string) (float64, bool) {
	switch name {
	case TraitAnalytical:
		return t.Analytical, true
	case TraitCreative:
		return t.Creative, true
	case TraitCollaborative:
		return t.Collaborative, true
	case TraitDecisive:
		return t.Decisive, true
	case TraitAdaptable:
		return t.Adaptable, true
	case TraitRiskTaking:
		return t.RiskTaking, true
	}
	return 0, false
}

// Set assigns a trait by name, clamping into [0,1]. Unknown names are ignored.
func (t *Traits) Set(name string, v float64) {
	v = clamp01(v)
	switch name {
	case TraitAnalytical:
		t.Analytical = v
	case TraitCreative:
		t.Creative = v
	case TraitCollaborative:
		t.Collaborative = v
	case TraitDecisive:
		t.Decisive = v
	case TraitAdaptable:
		t.Adaptable = v
	case TraitRiskTaking:
		t.RiskTaking = v
	}
}

// Clamp forces every axis into [0,1].
func (t *Traits) Clamp() {
	for _, name := range TraitNames {
		v, _ := t.Get(name)
		t.Set(name, v)
	}
}

// Map returns the vector keyed by trait name.
func (t Traits) Map() map[string]float64 {
	m := make(map[string]float64, len(TraitNames))
	for _, name := range TraitNames {
		v, _ := t.Get(name)
		m[name] = v
	}
	return m
}

// Dominant returns trait names above the threshold, strongest first.
func (t Traits) Dominant(threshold float64) []string {
	type tv struct {
		name string
		v    float64
	}
	var out []tv
	for _, name := range TraitNames {
		if v, _ := t.Get(name); v > threshold {
			out = append(out, tv{name, v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].v > out[j].v })
	names := make([]string, len(out))
	for i, e := range out {
		names[i] = e.name
	}
	return names
}

// Weakest returns up to n trait names, weakest first.
func (t Traits) Weakest(n int) []string {
	type tv struct {
		name string
		v    float64
	}
	all := make([]tv, 0, len(TraitNames))
	for _, name := range TraitNames {
		v, _ := t.Get(name)
		all = append(all, tv{name, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })
	if n > len(all) {
		n = len(all)
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = all[i].name
	}
	return names
}

// Variance returns the population variance of the six axes. Low variance
// means a balanced profile.
func (t Traits) Variance() float64 {
	var sum float64
	for _, name := range TraitNames {
		v, _ := t.Get(name)
		sum += v
	}
	mean := sum / float64(len(TraitNames))
	var sq float64
	for _, name := range TraitNames {
		v, _ := t.Get(name)
		sq += (v - mean) * (v - mean)
	}
	return sq / float64(len(TraitNames))
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

// Reflection is one self-reflection entry on an agent's bounded log.
type Reflection struct {
	At           time.Time `json:"at"`
	Summary      string    `json:"summary"`
	ShouldEvolve bool      `json:"should_evolve"`
}

// Boost is a temporary trait raise applied by a skill_boost instruction.
// Original holds the pre-boost value to restore once the remaining task
// count hits zero.
type Boost struct {
	Original       float64 `json:"original"`
	RemainingTasks int     `json:"remaining_tasks"`
}

// Agent is a persistent crew member. Traits evolve over time; the row is
// never deleted, only archived when its crew disbands.
type Agent struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Role                string           `json:"role"`
	Goal                string           `json:"goal"`
	Backstory           string           `json:"backstory"`
	Template            string           `json:"template,omitempty"`
	CrewID              string           `json:"crew_id,omitempty"`
	Traits              Traits           `json:"traits"`
	Autonomy            float64          `json:"autonomy"`
	TasksCompleted      int              `json:"tasks_completed"`
	TasksFailed         int              `json:"tasks_failed"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Collaboration       float64          `json:"collaboration"`
	AvgTaskSeconds      float64          `json:"avg_task_seconds"`
	EvolutionCycles     int              `json:"evolution_cycles"`
	LastEvolvedAt       *time.Time       `json:"last_evolved_at,omitempty"`
	Reflections         []Reflection     `json:"reflections,omitempty"`
	Experiences         []string         `json:"experiences,omitempty"`
	Boosts              map[string]Boost `json:"boosts,omitempty"`
	RoleHistory         []string         `json:"role_history,omitempty"`
	Archived            bool             `json:"archived"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// TaskCount returns the total finished tasks.
func (a *Agent) TaskCount() int { return a.TasksCompleted + a.TasksFailed }

// SuccessRate is completed/total; zero before any task finishes.
func (a *Agent) SuccessRate() float64 {
	total := a.TaskCount()
	if total == 0 {
		return 0
	}
	return float64(a.TasksCompleted) / float64(total)
}

// PerformanceScore folds success rate, pace, collaboration and adaptability
// into one [0,1] number.
func (a *Agent) PerformanceScore() float64 {
	pace := 1 - math.Min(a.AvgTaskSeconds/100, 1)
	score := a.SuccessRate()*0.4 + pace*0.2 + a.Collaboration*0.3 + a.Traits.Adaptable*0.1
	return clamp01(score)
}

// TaskSpec is one unit of crew work.
type TaskSpec struct {
	Description    string `json:"description"`
	ExpectedOutput string `json:"expected_output"`
	AgentRole      string `json:"agent_role,omitempty"`
	OutputFile     string `json:"output_file,omitempty"`
}

// Crew groups agents around an ordered task list.
type Crew struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	State          string     `json:"state"`
	Process        string     `json:"process"`
	Autonomy       float64    `json:"autonomy"`
	AgentIDs       []string   `json:"agent_ids"`
	Tasks          []TaskSpec `json:"tasks"`
	Strategy       string     `json:"strategy,omitempty"`
	Notes          []string   `json:"notes,omitempty"`
	Constraints    []string   `json:"constraints,omitempty"`
	Resources      []string   `json:"resources,omitempty"`
	TotalWorkflows int        `json:"total_workflows"`
	FormedAt       time.Time  `json:"formed_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskResult is the per-task outcome inside a CrewResult.
type TaskResult struct {
	Index       int     `json:"index"`
	Description string  `json:"description"`
	AgentID     string  `json:"agent_id"`
	Output      string  `json:"output"`
	Success     bool    `json:"success"`
	Quality     float64 `json:"quality"`
	Seconds     float64 `json:"seconds"`
}

// TeamDynamics scores how the crew worked together during one run.
type TeamDynamics struct {
	Collaboration  float64 `json:"collaboration_score"`
	Communication  float64 `json:"communication_effectiveness"`
	Fairness       float64 `json:"task_distribution_fairness"`
	ProblemSolving float64 `json:"collective_problem_solving"`
}

// CrewResult is the debriefed outcome of a workflow.
type CrewResult struct {
	TaskResults         []TaskResult `json:"task_results"`
	Summary             string       `json:"summary"`
	Insights            []string     `json:"insights,omitempty"`
	Lessons             []string     `json:"lessons,omitempty"`
	Dynamics            TeamDynamics `json:"team_dynamics"`
	InstructionsApplied int          `json:"instructions_applied"`
	Deliverables        []string     `json:"deliverables,omitempty"`
}

// Workflow is one execution of a crew's task list. Context is the kickoff
// snapshot handed to the runner; AllowEvolution gates the debrief-time
// evolution pass. Both are fixed at admission.
type Workflow struct {
	ID             string      `json:"id"`
	CrewID         string      `json:"crew_id"`
	State          string      `json:"state"`
	Reason         string      `json:"reason,omitempty"`
	Context        string      `json:"context,omitempty"`
	AllowEvolution bool        `json:"allow_evolution"`
	Result         *CrewResult `json:"result,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
}

// Instruction is a queued steering message for a crew.
type Instruction struct {
	ID          string     `json:"id"`
	CrewID      string     `json:"crew_id"`
	Target      string     `json:"target"` // "crew", "all", or "agent:<id>"
	Kind        string     `json:"kind"`
	Content     string     `json:"content"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	Response    string     `json:"response,omitempty"`
	Seq         int64      `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// EvolutionEvent records one applied mutation. (AgentID, Cycle) is unique.
type EvolutionEvent struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	Cycle        int                `json:"cycle"`
	Strategy     string             `json:"strategy"`
	Cause        string             `json:"cause"`
	TraitsBefore Traits             `json:"traits_before"`
	TraitsAfter  Traits             `json:"traits_after"`
	Changes      map[string]float64 `json:"changes"`
	PerfBefore   float64            `json:"performance_before"`
	Success      bool               `json:"success"`
	CreatedAt    time.Time          `json:"created_at"`
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode stored json: %w", err)
	}
	return nil
}
