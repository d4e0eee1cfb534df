// Package crew assembles and manages crews: materializing agents from
// specs, tracking lifecycle state, and answering status queries. Workflow
// execution itself lives in the workflow package.
package crew

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/evolution"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
	"github.com/evolvant/cohort/internal/validate"
)

// AgentSpec describes one agent in a crew spec. Either AgentID reattaches
// an existing agent, or the remaining fields materialize a new one.
type AgentSpec struct {
	AgentID   string             `json:"agent_id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Role      string             `json:"role,omitempty"`
	Goal      string             `json:"goal,omitempty"`
	Backstory string             `json:"backstory,omitempty"`
	Preset    string             `json:"preset,omitempty"`
	Traits    map[string]float64 `json:"traits,omitempty"` // customizations over the preset
	Autonomy  float64            `json:"autonomy,omitempty"`
}

// Spec is the declarative crew description accepted by create_crew.
type Spec struct {
	Name     string           `json:"name"`
	Agents   []AgentSpec      `json:"agents"`
	Tasks    []store.TaskSpec `json:"tasks"`
	Process  string           `json:"process,omitempty"`
	Autonomy float64          `json:"autonomy,omitempty"`
	Strategy string           `json:"strategy,omitempty"`
}

// Manager creates crews and answers crew-level queries.
type Manager struct {
	store  *store.Store
	events *events.Bus
	logger *zap.Logger
}

// NewManager creates a manager.
func NewManager(st *store.Store, ev *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, events: ev, logger: logger}
}

// Create validates the spec, materializes or reattaches agents and
// persists the crew. A duplicate name is a Conflict.
func (m *Manager) Create(spec Spec) (*store.Crew, error) {
	if err := m.validateSpec(spec); err != nil {
		return nil, err
	}
	if existing, err := m.store.GetCrewByName(spec.Name); err == nil && existing != nil {
		return nil, fault.Newf(fault.Conflict, "crew %q already exists", spec.Name)
	}

	crew := &store.Crew{
		Name:     validate.SanitizeString(spec.Name),
		Process:  spec.Process,
		Autonomy: clamp01(spec.Autonomy),
		Tasks:    spec.Tasks,
		Strategy: validate.SanitizeString(spec.Strategy),
	}
	if crew.Process == "" {
		crew.Process = "sequential"
	}
	if err := m.store.CreateCrew(crew); err != nil {
		if store.IsDuplicate(err) {
			return nil, fault.Newf(fault.Conflict, "crew %q already exists", spec.Name)
		}
		return nil, fault.Internalf(err, "persist crew")
	}

	for i, as := range spec.Agents {
		agent, err := m.materializeAgent(as, crew.ID)
		if err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, fmt.Sprintf("agent %d: %v", i, err))
		}
		crew.AgentIDs = append(crew.AgentIDs, agent.ID)
	}
	if err := m.store.SaveCrew(crew); err != nil {
		return nil, fault.Internalf(err, "attach agents to crew")
	}

	m.events.Emit(events.CrewCreated, crew.ID, "", fmt.Sprintf("crew %q formed with %d agent(s)", crew.Name, len(crew.AgentIDs)))
	m.logger.Info("crew created",
		zap.String("crew_id", crew.ID),
		zap.String("name", crew.Name),
		zap.Int("agents", len(crew.AgentIDs)),
		zap.Int("tasks", len(crew.Tasks)))
	return crew, nil
}

// materializeAgent reattaches by id or registers a new agent from the spec.
func (m *Manager) materializeAgent(as AgentSpec, crewID string) (*store.Agent, error) {
	if as.AgentID != "" {
		agent, err := m.store.GetAgent(as.AgentID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fault.Newf(fault.NotFound, "agent %s not found", as.AgentID)
			}
			return nil, fault.Internalf(err, "load agent")
		}
		if agent.Archived {
			// Reattaching revives the agent with its memory intact.
			agent.Archived = false
		}
		agent.CrewID = crewID
		if err := m.store.SaveAgent(agent); err != nil {
			return nil, fault.Internalf(err, "reattach agent")
		}
		return agent, nil
	}

	agent, err := MaterializeAgent(as)
	if err != nil {
		return nil, err
	}
	agent.CrewID = crewID
	if err := m.store.CreateAgent(agent); err != nil {
		return nil, fault.Internalf(err, "register agent")
	}
	return agent, nil
}

// MaterializeAgent builds an unattached agent from a spec: preset applied
// first, then clamped trait customizations.
func MaterializeAgent(as AgentSpec) (*store.Agent, error) {
	if strings.TrimSpace(as.Role) == "" {
		return nil, fault.New(fault.InvalidArgument, "agent role is required")
	}
	traits := store.DefaultTraits()
	if as.Preset != "" {
		p, ok := evolution.LookupPreset(as.Preset)
		if !ok {
			return nil, fault.Newf(fault.InvalidArgument, "unknown preset %q (have %s)",
				as.Preset, strings.Join(evolution.PresetNames(), ", "))
		}
		traits = p.Vector()
	}
	for name, v := range as.Traits {
		if _, ok := traits.Get(name); !ok {
			return nil, fault.Newf(fault.InvalidArgument, "unknown trait %q", name)
		}
		traits.Set(name, v) // Set clamps
	}

	name := validate.SanitizeString(as.Name)
	if name == "" {
		name = as.Role
	}
	return &store.Agent{
		Name:      name,
		Role:      validate.SanitizeString(as.Role),
		Goal:      validate.SanitizeString(as.Goal),
		Backstory: validate.SanitizeString(as.Backstory),
		Template:  as.Preset,
		Traits:    traits,
		Autonomy:  clamp01(as.Autonomy),
	}, nil
}

// CreateStandaloneAgent materializes and persists an agent without a crew.
// It can be attached later through a crew spec's AgentID field.
func (m *Manager) CreateStandaloneAgent(as AgentSpec) (*store.Agent, error) {
	agent, err := MaterializeAgent(as)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateAgent(agent); err != nil {
		return nil, fault.Internalf(err, "register agent")
	}
	m.logger.Info("standalone agent created",
		zap.String("agent_id", agent.ID),
		zap.String("role", agent.Role),
		zap.String("preset", agent.Template))
	return agent, nil
}

// GetAgent returns one agent by id.
func (m *Manager) GetAgent(agentID string) (*store.Agent, error) {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "agent %s not found", agentID)
		}
		return nil, fault.Internalf(err, "load agent")
	}
	return agent, nil
}

// Get returns a crew by id.
func (m *Manager) Get(crewID string) (*store.Crew, error) {
	crew, err := m.store.GetCrew(crewID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.Newf(fault.NotFound, "crew %s not found", crewID)
		}
		return nil, fault.Internalf(err, "load crew")
	}
	return crew, nil
}

// Status bundles a crew with its agents and active workflow for the
// get_crew_status tool.
type Status struct {
	Crew           *store.Crew     `json:"crew"`
	Agents         []store.Agent   `json:"agents"`
	ActiveWorkflow *store.Workflow `json:"active_workflow,omitempty"`
	PendingBacklog int             `json:"pending_instructions"`
}

// GetStatus assembles the full status view.
func (m *Manager) GetStatus(crewID string) (*Status, error) {
	crew, err := m.Get(crewID)
	if err != nil {
		return nil, err
	}
	agents, err := m.store.AgentsByIDs(crew.AgentIDs)
	if err != nil {
		return nil, fault.Internalf(err, "load crew agents")
	}
	st := &Status{Crew: crew, Agents: agents}

	if wf, err := m.store.ActiveWorkflow(crew.ID); err == nil {
		st.ActiveWorkflow = wf
	} else if !store.IsNotFound(err) {
		return nil, fault.Internalf(err, "load active workflow")
	}
	if n, err := m.store.CountPendingInstructions(crew.ID); err == nil {
		st.PendingBacklog = n
	}
	return st, nil
}

// ListActive returns crews that are not disbanded.
func (m *Manager) ListActive() ([]store.Crew, error) {
	crews, err := m.store.ListCrews("")
	if err != nil {
		return nil, fault.Internalf(err, "list crews")
	}
	out := crews[:0]
	for _, c := range crews {
		if c.State != store.CrewDisbanded {
			out = append(out, c)
		}
	}
	return out, nil
}

// Disband retires an idle crew. Agents are archived with their memory
// preserved and can be reattached later by id.
func (m *Manager) Disband(crewID string) error {
	crew, err := m.Get(crewID)
	if err != nil {
		return err
	}
	if crew.State != store.CrewIdle {
		return fault.Newf(fault.Conflict, "crew is %s, only idle crews disband", crew.State)
	}
	if err := m.store.SetCrewState(crew.ID, store.CrewIdle, store.CrewDisbanded); err != nil {
		return fault.Newf(fault.Conflict, "crew state changed underneath, retry")
	}

	agents, err := m.store.AgentsByIDs(crew.AgentIDs)
	if err != nil {
		return fault.Internalf(err, "load agents for archive")
	}
	for i := range agents {
		a := agents[i]
		a.Archived = true
		a.CrewID = ""
		if err := m.store.SaveAgent(&a); err != nil {
			return fault.Internalf(err, "archive agent")
		}
	}

	m.events.Emit(events.CrewDisbanded, crew.ID, "", fmt.Sprintf("crew %q disbanded, %d agent(s) archived", crew.Name, len(agents)))
	m.logger.Info("crew disbanded", zap.String("crew_id", crew.ID), zap.Int("archived", len(agents)))
	return nil
}

func (m *Manager) validateSpec(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fault.New(fault.InvalidArgument, "crew name is required")
	}
	if err := validate.CheckString(spec.Name); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, err.Error())
	}
	if len(spec.Agents) == 0 {
		return fault.New(fault.InvalidArgument, "a crew needs at least one agent")
	}
	if len(spec.Tasks) == 0 {
		return fault.New(fault.InvalidArgument, "a crew needs at least one task")
	}
	for i, task := range spec.Tasks {
		if strings.TrimSpace(task.Description) == "" {
			return fault.Newf(fault.InvalidArgument, "task %d has no description", i)
		}
		if err := validate.CheckString(task.Description); err != nil {
			return fault.Wrap(fault.InvalidArgument, err, fmt.Sprintf("task %d: %v", i, err))
		}
	}
	switch spec.Process {
	case "", "sequential", "hierarchical":
	default:
		return fault.Newf(fault.InvalidArgument, "unknown process %q", spec.Process)
	}
	if spec.Autonomy < 0 || spec.Autonomy > 1 {
		return fault.Newf(fault.InvalidArgument, "autonomy %v outside [0,1]", spec.Autonomy)
	}
	return nil
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
