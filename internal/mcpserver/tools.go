package mcpserver

import (
	"context"
	"time"

	"github.com/evolvant/cohort/internal/config"
	"github.com/evolvant/cohort/internal/crew"
	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
	"github.com/evolvant/cohort/internal/supervisor"
)

type agentSpecInput struct {
	AgentID   string             `json:"agent_id,omitempty" jsonschema:"id of an existing agent to reattach with its memory"`
	Name      string             `json:"name,omitempty" jsonschema:"display name, defaults to the role"`
	Role      string             `json:"role,omitempty" jsonschema:"agent role, required for new agents"`
	Goal      string             `json:"goal,omitempty" jsonschema:"what the agent works toward"`
	Backstory string             `json:"backstory,omitempty" jsonschema:"flavor context for the agent"`
	Preset    string             `json:"preset,omitempty" jsonschema:"personality preset: analytical, creative, diplomat, executor or innovator"`
	Traits    map[string]float64 `json:"traits,omitempty" jsonschema:"per-trait overrides in [0,1], applied over the preset"`
	Autonomy  float64            `json:"autonomy,omitempty" jsonschema:"decision independence in [0,1]"`
}

type taskSpecInput struct {
	Description    string `json:"description" jsonschema:"what the task produces"`
	ExpectedOutput string `json:"expected_output,omitempty" jsonschema:"acceptance description"`
	AgentRole      string `json:"agent_role,omitempty" jsonschema:"route the task to agents with this role"`
	OutputFile     string `json:"output_file,omitempty" jsonschema:"optional deliverable filename"`
}

type createCrewInput struct {
	Name     string           `json:"name" jsonschema:"unique crew name"`
	Agents   []agentSpecInput `json:"agents" jsonschema:"crew roster"`
	Tasks    []taskSpecInput  `json:"tasks" jsonschema:"ordered task list"`
	Process  string           `json:"process,omitempty" jsonschema:"sequential or hierarchical, default sequential"`
	Autonomy float64          `json:"autonomy,omitempty" jsonschema:"crew-level autonomy in [0,1]"`
	Strategy string           `json:"strategy,omitempty" jsonschema:"initial working strategy"`
}

type crewIDInput struct {
	CrewID string `json:"crew_id" jsonschema:"crew identifier"`
}

type runCrewInput struct {
	CrewID         string `json:"crew_id" jsonschema:"crew to start"`
	Context        string `json:"context,omitempty" jsonschema:"kickoff context handed to the crew before the first task"`
	AllowEvolution *bool  `json:"allow_evolution,omitempty" jsonschema:"let agents evolve after the run, default true"`
}

type agentIDInput struct {
	AgentID string `json:"agent_id" jsonschema:"agent identifier"`
}

type emptyInput struct{}

type addInstructionInput struct {
	CrewID   string `json:"crew_id" jsonschema:"crew to steer"`
	Kind     string `json:"kind" jsonschema:"guidance, constraint, resource, pivot, feedback, emergency_stop or skill_boost"`
	Content  string `json:"content,omitempty" jsonschema:"instruction text, optional only for emergency_stop"`
	Priority int    `json:"priority,omitempty" jsonschema:"1 (lowest) to 5 (emergency), default 3"`
	Target   string `json:"target,omitempty" jsonschema:"crew, all, or agent:<id>"`
}

type listInstructionsInput struct {
	CrewID   string   `json:"crew_id" jsonschema:"crew identifier"`
	Statuses []string `json:"statuses,omitempty" jsonschema:"optional status filter"`
	Limit    int      `json:"limit,omitempty" jsonschema:"max rows, default 50"`
}

type instructionIDInput struct {
	InstructionID string `json:"instruction_id" jsonschema:"instruction identifier"`
}

type triggerEvolutionInput struct {
	AgentID  string `json:"agent_id" jsonschema:"agent to evolve"`
	Strategy string `json:"strategy,omitempty" jsonschema:"personality_drift, role_specialization, collaborative_adaptation or radical_transformation; chosen automatically when empty"`
	Reason   string `json:"reason,omitempty" jsonschema:"why the evolution was requested"`
	Force    bool   `json:"force,omitempty" jsonschema:"skip the cooldown"`
}

type createAgentInput struct {
	Template  string             `json:"template" jsonschema:"personality preset to start from"`
	Name      string             `json:"name,omitempty" jsonschema:"display name"`
	Role      string             `json:"role,omitempty" jsonschema:"agent role, defaults to the template name"`
	Goal      string             `json:"goal,omitempty" jsonschema:"what the agent works toward"`
	Backstory string             `json:"backstory,omitempty" jsonschema:"flavor context"`
	Traits    map[string]float64 `json:"traits,omitempty" jsonschema:"per-trait overrides in [0,1]"`
	Autonomy  float64            `json:"autonomy,omitempty" jsonschema:"decision independence in [0,1]"`
}

type agentDetailsInput struct {
	AgentID        string `json:"agent_id" jsonschema:"agent identifier"`
	IncludeHistory bool   `json:"include_history,omitempty" jsonschema:"include the evolution history"`
}

type liveEventsInput struct {
	Type    string `json:"type,omitempty" jsonschema:"event type filter, e.g. workflow.completed"`
	CrewID  string `json:"crew_id,omitempty" jsonschema:"crew filter"`
	AgentID string `json:"agent_id,omitempty" jsonschema:"agent filter"`
	Since   string `json:"since,omitempty" jsonschema:"RFC 3339 lower bound"`
	Count   int    `json:"count,omitempty" jsonschema:"max events, default 20"`
}

type workflowIDInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"workflow identifier"`
}

type createKeyInput struct {
	Name        string   `json:"name" jsonschema:"human-readable key name"`
	Permissions []string `json:"permissions" jsonschema:"tool name globs the key may call, e.g. get_* or *"`
}

type listCrewsOutput struct {
	Crews []store.Crew `json:"crews"`
	Count int          `json:"count"`
}

type healthOutput struct {
	Healthy       bool              `json:"healthy"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Detail        supervisor.Health `json:"detail"`
}

type configOutput struct {
	Config   map[string]any `json:"config"`
	Warnings []string       `json:"warnings,omitempty"`
}

type agentDetailsOutput struct {
	Agent     *store.Agent           `json:"agent"`
	Evolution []store.EvolutionEvent `json:"evolution_history,omitempty"`
	Events    []events.Event         `json:"recent_events,omitempty"`
}

type workflowStatusOutput struct {
	Workflow     *store.Workflow `json:"workflow"`
	Deliverables []string        `json:"deliverables,omitempty"`
}

type createKeyOutput struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PlainKey  string `json:"key"`
	KeyNotice string `json:"notice"`
}

func (s *Server) registerTools() {
	register(s, toolDef{"create_evolving_crew", "Create a crew of evolving agents with an ordered task list", false}, s.handleCreateCrew)
	register(s, toolDef{"run_autonomous_crew", "Start the crew's task list as an autonomous workflow", false}, s.handleRunCrew)
	register(s, toolDef{"get_crew_status", "Get a crew with its agents, active workflow and backlog", true}, s.handleCrewStatus)
	register(s, toolDef{"list_active_crews", "List every crew that is not disbanded", true}, s.handleListCrews)
	register(s, toolDef{"crew_self_assessment", "Analyze crew skill coverage, balance and weak spots", true}, s.handleSelfAssessment)
	register(s, toolDef{"add_dynamic_instruction", "Steer a running crew: guidance, constraints, pivots, boosts or an emergency stop", false}, s.handleAddInstruction)
	register(s, toolDef{"list_dynamic_instructions", "List instructions for a crew, newest first", true}, s.handleListInstructions)
	register(s, toolDef{"get_instruction_status", "Get one instruction with its delivery state", true}, s.handleInstructionStatus)
	register(s, toolDef{"trigger_agent_evolution", "Evolve an agent's personality now", false}, s.handleTriggerEvolution)
	register(s, toolDef{"get_agent_reflection", "Run a self-reflection for an agent and append it to its log", false}, s.handleReflection)
	register(s, toolDef{"create_agent_from_template", "Create a standalone agent from a personality preset", false}, s.handleCreateAgent)
	register(s, toolDef{"get_agent_details", "Get one agent with optional evolution history", true}, s.handleAgentDetails)
	register(s, toolDef{"get_live_events", "Query recent orchestration events", true}, s.handleLiveEvents)
	register(s, toolDef{"get_evolution_summary", "Aggregate evolution statistics across all agents", true}, s.handleEvolutionSummary)
	register(s, toolDef{"health_check", "Report server component health", true}, s.handleHealth)
	register(s, toolDef{"get_server_config", "Get the sanitized server configuration", true}, s.handleServerConfig)
	register(s, toolDef{"reload_config", "Re-read configuration from the environment and apply the safe subset", false}, s.handleReloadConfig)
	register(s, toolDef{"get_workflow_status", "Get one workflow with its deliverables", true}, s.handleWorkflowStatus)
	register(s, toolDef{"disband_crew", "Retire an idle crew, archiving its agents with memory intact", false}, s.handleDisband)
	register(s, toolDef{"create_api_key", "Mint a new API key; the plaintext is returned exactly once", false}, s.handleCreateKey)
}

func (s *Server) handleCreateCrew(_ context.Context, in createCrewInput) (*store.Crew, error) {
	spec := crew.Spec{
		Name:     in.Name,
		Process:  in.Process,
		Autonomy: in.Autonomy,
		Strategy: in.Strategy,
	}
	for _, a := range in.Agents {
		spec.Agents = append(spec.Agents, crew.AgentSpec(a))
	}
	for _, t := range in.Tasks {
		spec.Tasks = append(spec.Tasks, store.TaskSpec(t))
	}
	return s.deps.Crews.Create(spec)
}

func (s *Server) handleRunCrew(ctx context.Context, in runCrewInput) (*store.Workflow, error) {
	allow := in.AllowEvolution == nil || *in.AllowEvolution
	return s.deps.Engine.Kickoff(ctx, in.CrewID, in.Context, allow)
}

func (s *Server) handleCrewStatus(_ context.Context, in crewIDInput) (*crew.Status, error) {
	return s.deps.Crews.GetStatus(in.CrewID)
}

func (s *Server) handleListCrews(_ context.Context, _ emptyInput) (*listCrewsOutput, error) {
	crews, err := s.deps.Crews.ListActive()
	if err != nil {
		return nil, err
	}
	return &listCrewsOutput{Crews: crews, Count: len(crews)}, nil
}

func (s *Server) handleSelfAssessment(_ context.Context, in crewIDInput) (*crew.Assessment, error) {
	return s.deps.Crews.SelfAssessment(in.CrewID)
}

func (s *Server) handleAddInstruction(ctx context.Context, in addInstructionInput) (*store.Instruction, error) {
	ins := &store.Instruction{
		CrewID:   in.CrewID,
		Kind:     in.Kind,
		Content:  in.Content,
		Priority: in.Priority,
		Target:   in.Target,
	}
	if ins.Priority == 0 {
		ins.Priority = 3
	}
	if err := s.deps.Instructions.Submit(ctx, ins); err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordInstruction(ins.Kind)
	}
	return ins, nil
}

func (s *Server) handleListInstructions(_ context.Context, in listInstructionsInput) ([]store.Instruction, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	return s.deps.Instructions.List(in.CrewID, in.Statuses, limit)
}

func (s *Server) handleInstructionStatus(_ context.Context, in instructionIDInput) (*store.Instruction, error) {
	return s.deps.Instructions.Status(in.InstructionID)
}

func (s *Server) handleTriggerEvolution(_ context.Context, in triggerEvolutionInput) (*store.EvolutionEvent, error) {
	strategy := in.Strategy
	if strategy == "" {
		agent, err := s.deps.Crews.GetAgent(in.AgentID)
		if err != nil {
			return nil, err
		}
		strategy = s.deps.Evolution.ChooseStrategy(agent)
	}
	cause := in.Reason
	if cause == "" {
		cause = "requested via tool"
	}
	event, err := s.deps.Evolution.Evolve(in.AgentID, cause, strategy, in.Force)
	if err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordEvolution(event.Strategy)
	}
	return event, nil
}

func (s *Server) handleReflection(_ context.Context, in agentIDInput) (*crew.AgentReflection, error) {
	return s.deps.Crews.Reflect(in.AgentID)
}

func (s *Server) handleCreateAgent(_ context.Context, in createAgentInput) (*store.Agent, error) {
	if in.Template == "" {
		return nil, fault.New(fault.InvalidArgument, "template is required")
	}
	role := in.Role
	if role == "" {
		role = in.Template
	}
	return s.deps.Crews.CreateStandaloneAgent(crew.AgentSpec{
		Name:      in.Name,
		Role:      role,
		Goal:      in.Goal,
		Backstory: in.Backstory,
		Preset:    in.Template,
		Traits:    in.Traits,
		Autonomy:  in.Autonomy,
	})
}

func (s *Server) handleAgentDetails(_ context.Context, in agentDetailsInput) (*agentDetailsOutput, error) {
	agent, err := s.deps.Crews.GetAgent(in.AgentID)
	if err != nil {
		return nil, err
	}
	out := &agentDetailsOutput{Agent: agent}
	if in.IncludeHistory {
		history, err := s.deps.Evolution.History(agent.ID, time.Time{}, 50)
		if err != nil {
			return nil, err
		}
		out.Evolution = history
	}
	out.Events = s.deps.Events.Recent(events.Filter{AgentID: agent.ID, Limit: 10})
	return out, nil
}

func (s *Server) handleLiveEvents(_ context.Context, in liveEventsInput) ([]events.Event, error) {
	f := events.Filter{
		Type:    events.EventType(in.Type),
		CrewID:  in.CrewID,
		AgentID: in.AgentID,
		Limit:   in.Count,
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if in.Since != "" {
		since, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return nil, fault.Newf(fault.InvalidArgument, "since %q is not RFC 3339", in.Since)
		}
		f.Since = since
	}
	out := s.deps.Events.Recent(f)
	if out == nil {
		out = []events.Event{}
	}
	return out, nil
}

func (s *Server) handleEvolutionSummary(_ context.Context, _ emptyInput) (*store.EvolutionStats, error) {
	return s.deps.Evolution.Summary()
}

func (s *Server) handleHealth(_ context.Context, _ emptyInput) (*healthOutput, error) {
	h := s.deps.Health()
	return &healthOutput{
		Healthy:       h.Healthy(),
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Detail:        h,
	}, nil
}

func (s *Server) handleServerConfig(_ context.Context, _ emptyInput) (*configOutput, error) {
	cfg := s.config()
	return &configOutput{Config: cfg.Summary(), Warnings: cfg.ProductionIssues()}, nil
}

func (s *Server) handleReloadConfig(_ context.Context, _ emptyInput) (*configOutput, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fault.Wrap(fault.Misconfigured, err, err.Error())
	}
	s.setConfig(cfg)
	s.logger.Info("configuration reloaded")
	return &configOutput{Config: cfg.Summary(), Warnings: cfg.ProductionIssues()}, nil
}

func (s *Server) handleWorkflowStatus(_ context.Context, in workflowIDInput) (*workflowStatusOutput, error) {
	wf, err := s.deps.Engine.Status(in.WorkflowID)
	if err != nil {
		return nil, err
	}
	out := &workflowStatusOutput{Workflow: wf}
	if names, err := s.deps.Output.List(wf.ID); err == nil {
		out.Deliverables = names
	}
	return out, nil
}

func (s *Server) handleDisband(_ context.Context, in crewIDInput) (*store.Crew, error) {
	if err := s.deps.Crews.Disband(in.CrewID); err != nil {
		return nil, err
	}
	return s.deps.Crews.Get(in.CrewID)
}

func (s *Server) handleCreateKey(_ context.Context, in createKeyInput) (*createKeyOutput, error) {
	key, plain, err := s.deps.Keys.Create(in.Name, in.Permissions, "")
	if err != nil {
		return nil, err
	}
	return &createKeyOutput{
		ID:        key.ID,
		Name:      key.Name,
		PlainKey:  plain,
		KeyNotice: "store this key now; it is not retrievable again",
	}, nil
}
