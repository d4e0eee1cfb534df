package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/audit"
	"github.com/evolvant/cohort/internal/auth"
	"github.com/evolvant/cohort/internal/config"
	"github.com/evolvant/cohort/internal/crew"
	"github.com/evolvant/cohort/internal/deliverables"
	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/evolution"
	"github.com/evolvant/cohort/internal/gate"
	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/metrics"
	"github.com/evolvant/cohort/internal/ratelimit"
	"github.com/evolvant/cohort/internal/runner"
	"github.com/evolvant/cohort/internal/store"
	"github.com/evolvant/cohort/internal/supervisor"
	"github.com/evolvant/cohort/internal/workflow"
)

type testServer struct {
	server  *Server
	store   *store.Store
	keys    *auth.Store
	crews   *crew.Manager
	adminPK string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open("sqlite", filepath.Join(dir, "cohort.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, "sqlite", zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	keys, err := auth.NewStore(db, "sqlite", nil)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	_, plain, err := keys.Create("admin", []string{"*"}, "")
	if err != nil {
		t.Fatalf("admin key: %v", err)
	}

	journal, err := audit.NewJournal(db, "sqlite", 100, nil)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{HourlyLimit: 10_000, BurstLimit: 10_000, BlockDuration: time.Minute})
	g := gate.New(keys, limiter, journal, nil)

	ev := events.NewBus(8, 100)
	bus := instructions.New(st, ev, nil)
	output, err := deliverables.New(dir, nil)
	if err != nil {
		t.Fatalf("deliverables: %v", err)
	}
	evo := evolution.New(st, ev, time.Hour, nil)
	crews := crew.NewManager(st, ev, nil)
	engine := workflow.New(st, bus, ev, runner.NewSim(0, nil), output, evo, workflow.Options{Workers: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)

	cfg := &config.Config{ToolTimeout: 10 * time.Second}
	health := func() supervisor.Health {
		return supervisor.Health{
			CheckedAt:    time.Now().UTC(),
			PoolCapacity: 2,
			Loops:        map[string]time.Time{supervisor.LoopProbe: time.Now().UTC()},
		}
	}

	srv := New(Deps{
		Gate:         g,
		Keys:         keys,
		Crews:        crews,
		Engine:       engine,
		Instructions: bus,
		Evolution:    evo,
		Events:       ev,
		Output:       output,
		Metrics:      metrics.New(),
		Health:       health,
		Config:       cfg,
	})
	return &testServer{server: srv, store: st, keys: keys, crews: crews, adminPK: plain}
}

// connect starts the server over an in-memory transport with the given
// credential bound to the server context, the way the stdio frontend binds
// COHORT_API_KEY.
func (ts *testServer) connect(t *testing.T, credential string) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(gate.WithCredential(context.Background(), credential))
	errCh := make(chan error, 1)
	go func() {
		errCh <- ts.server.mcp.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("server run exited: %v", err)
			}
		case <-time.After(2 * time.Second):
		}
	})
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if result.IsError {
		text := ""
		if len(result.Content) > 0 {
			if tc, ok := result.Content[0].(*mcp.TextContent); ok {
				text = tc.Text
			}
		}
		t.Fatalf("call %s returned tool error: %s", name, text)
	}
	if out != nil {
		if len(result.Content) == 0 {
			t.Fatalf("call %s returned no content", name)
		}
		tc, ok := result.Content[0].(*mcp.TextContent)
		if !ok {
			t.Fatalf("call %s content type %T", name, result.Content[0])
		}
		if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
			t.Fatalf("decode %s result: %v", name, err)
		}
	}
	return result
}

func crewArgs(name string) map[string]any {
	return map[string]any{
		"name": name,
		"agents": []map[string]any{
			{"name": "Ada", "role": "analyst", "preset": "analytical"},
			{"name": "Wes", "role": "writer", "preset": "creative"},
		},
		"tasks": []map[string]any{
			{"description": "gather the research material"},
			{"description": "write the summary"},
		},
	}
}

func TestToolsRegistered(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"add_dynamic_instruction",
		"create_agent_from_template",
		"create_api_key",
		"create_evolving_crew",
		"crew_self_assessment",
		"disband_crew",
		"get_agent_details",
		"get_agent_reflection",
		"get_crew_status",
		"get_evolution_summary",
		"get_instruction_status",
		"get_live_events",
		"get_server_config",
		"get_workflow_status",
		"health_check",
		"list_active_crews",
		"list_dynamic_instructions",
		"reload_config",
		"run_autonomous_crew",
		"trigger_agent_evolution",
	}
	if len(names) != len(expected) {
		t.Fatalf("got %d tools: %v", len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("tool list = %v, want %v", names, expected)
		}
	}
}

func TestCreateAndRunCrewEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	var created store.Crew
	callTool(t, session, "create_evolving_crew", crewArgs("research"), &created)
	if created.ID == "" || len(created.AgentIDs) != 2 {
		t.Fatalf("created = %+v", created)
	}

	var wf store.Workflow
	callTool(t, session, "run_autonomous_crew", map[string]any{
		"crew_id": created.ID,
		"context": "the summary goes to the board",
	}, &wf)
	if wf.State != store.WorkflowPreparing {
		t.Fatalf("workflow state = %s", wf.State)
	}
	if wf.Context != "the summary goes to the board" || !wf.AllowEvolution {
		t.Fatalf("kickoff fields = %q / %v", wf.Context, wf.AllowEvolution)
	}

	deadline := time.Now().Add(5 * time.Second)
	var status workflowStatusOutput
	for {
		callTool(t, session, "get_workflow_status", map[string]any{"workflow_id": wf.ID}, &status)
		if store.IsTerminalWorkflowState(status.Workflow.State) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow stuck in %s", status.Workflow.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status.Workflow.State != store.WorkflowCompleted {
		t.Fatalf("state = %s (%s)", status.Workflow.State, status.Workflow.Reason)
	}
	if len(status.Deliverables) == 0 {
		t.Fatal("no deliverables reported")
	}

	var crews listCrewsOutput
	callTool(t, session, "list_active_crews", nil, &crews)
	if crews.Count != 1 {
		t.Fatalf("active crews = %d", crews.Count)
	}
}

func TestToolErrorCarriesKind(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get_crew_status",
		Arguments: map[string]any{"crew_id": "does-not-exist"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing crew did not produce a tool error")
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("error content = %v", result.Content[0])
	}
	var payload struct {
		Code    int    `json:"code"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &payload); err != nil {
		t.Fatalf("decode error payload %q: %v", tc.Text, err)
	}
	if payload.Kind != "not_found" || payload.Code != -32004 {
		t.Fatalf("payload = %+v", payload)
	}
	if !strings.Contains(payload.Message, "does-not-exist") {
		t.Fatalf("message = %q", payload.Message)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, "chk_not_a_real_key")

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "list_active_crews",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.IsError {
		t.Fatal("bad credential admitted")
	}
}

func TestScopedKeyForbidden(t *testing.T) {
	ts := newTestServer(t)
	_, readerPK, err := ts.keys.Create("reader", []string{"get_*", "list_*"}, "")
	if err != nil {
		t.Fatalf("reader key: %v", err)
	}
	session := ts.connect(t, readerPK)

	var crews listCrewsOutput
	callTool(t, session, "list_active_crews", nil, &crews)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "create_evolving_crew",
		Arguments: crewArgs("blocked"),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.IsError {
		t.Fatal("scoped key allowed a write tool")
	}
}

func TestSteeringTools(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	var created store.Crew
	callTool(t, session, "create_evolving_crew", crewArgs("steered"), &created)

	var ins store.Instruction
	callTool(t, session, "add_dynamic_instruction", map[string]any{
		"crew_id": created.ID,
		"kind":    "guidance",
		"content": "focus on the executive summary",
	}, &ins)
	if ins.Priority != 3 || ins.Status != store.InstructionPending {
		t.Fatalf("instruction = %+v", ins)
	}

	var got store.Instruction
	callTool(t, session, "get_instruction_status", map[string]any{"instruction_id": ins.ID}, &got)
	if got.ID != ins.ID {
		t.Fatalf("status = %+v", got)
	}

	var list []store.Instruction
	callTool(t, session, "list_dynamic_instructions", map[string]any{"crew_id": created.ID}, &list)
	if len(list) != 1 {
		t.Fatalf("list = %v", list)
	}
}

func TestAgentAndEvolutionTools(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	var agent store.Agent
	callTool(t, session, "create_agent_from_template", map[string]any{
		"template": "diplomat",
		"name":     "Dee",
	}, &agent)
	if agent.Traits.Collaborative != 0.9 || agent.Role != "diplomat" {
		t.Fatalf("agent = %+v", agent)
	}

	var event store.EvolutionEvent
	callTool(t, session, "trigger_agent_evolution", map[string]any{
		"agent_id": agent.ID,
		"strategy": "collaborative_adaptation",
	}, &event)
	if event.Cycle != 1 {
		t.Fatalf("event = %+v", event)
	}

	var details agentDetailsOutput
	callTool(t, session, "get_agent_details", map[string]any{
		"agent_id":        agent.ID,
		"include_history": true,
	}, &details)
	if len(details.Evolution) != 1 {
		t.Fatalf("history = %v", details.Evolution)
	}

	var reflection crew.AgentReflection
	callTool(t, session, "get_agent_reflection", map[string]any{"agent_id": agent.ID}, &reflection)
	if reflection.AgentID != agent.ID {
		t.Fatalf("reflection = %+v", reflection)
	}

	var summary store.EvolutionStats
	callTool(t, session, "get_evolution_summary", nil, &summary)
	if summary.TotalEvents != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestHealthAndConfigTools(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	var health healthOutput
	callTool(t, session, "health_check", nil, &health)
	if !health.Healthy {
		t.Fatalf("health = %+v", health)
	}

	var evts []events.Event
	callTool(t, session, "get_live_events", map[string]any{"count": 5}, &evts)
}

func TestCreateKeyReturnsPlaintextOnce(t *testing.T) {
	ts := newTestServer(t)
	session := ts.connect(t, ts.adminPK)

	var out createKeyOutput
	callTool(t, session, "create_api_key", map[string]any{
		"name":        "ci",
		"permissions": []string{"get_*"},
	}, &out)
	if !strings.HasPrefix(out.PlainKey, auth.KeyPrefix) {
		t.Fatalf("plain key = %q", out.PlainKey)
	}

	listed, err := ts.keys.List()
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	for _, k := range listed {
		if strings.Contains(k.Name, out.PlainKey) {
			t.Fatal("plaintext persisted")
		}
	}
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.HTTPHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 401 {
		t.Fatalf("unauthenticated metrics status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set(apiKeyHeader, ts.adminPK)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "cohort_") {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
