package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/evolvant/cohort/internal/store"
)

func simCrew() (*store.Crew, []*store.Agent) {
	crew := &store.Crew{
		ID:       "crew-sim",
		Name:     "research",
		Autonomy: 0.7,
		Tasks: []store.TaskSpec{
			{Description: "survey the field", ExpectedOutput: "survey notes"},
			{Description: "draft the report", AgentRole: "writer", ExpectedOutput: "draft"},
			{Description: "review the draft"},
		},
	}
	agents := []*store.Agent{
		{ID: "a1", Name: "Ada", Role: "analyst", Traits: store.DefaultTraits()},
		{ID: "a2", Name: "Wes", Role: "writer", Traits: store.DefaultTraits()},
	}
	return crew, agents
}

func TestKickoffDeterministic(t *testing.T) {
	crew, agents := simCrew()
	sim := NewSim(0, nil)

	first, err := sim.Kickoff(context.Background(), crew, agents, NewLiveContext(crew))
	if err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	second, err := sim.Kickoff(context.Background(), crew, agents, NewLiveContext(crew))
	if err != nil {
		t.Fatalf("second kickoff: %v", err)
	}

	if len(first.TaskResults) != 3 {
		t.Fatalf("task results = %d, want 3", len(first.TaskResults))
	}
	for i := range first.TaskResults {
		a, b := first.TaskResults[i], second.TaskResults[i]
		if a.Success != b.Success || a.Quality != b.Quality || a.AgentID != b.AgentID {
			t.Fatalf("run not deterministic at task %d: %+v vs %+v", i, a, b)
		}
	}
}

func TestRoleRouting(t *testing.T) {
	crew, agents := simCrew()
	sim := NewSim(0, nil)

	result, err := sim.Kickoff(context.Background(), crew, agents, NewLiveContext(crew))
	if err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	if result.TaskResults[1].AgentID != "a2" {
		t.Fatalf("writer task routed to %s", result.TaskResults[1].AgentID)
	}
}

func TestCancellationBetweenTasks(t *testing.T) {
	crew, agents := simCrew()
	sim := NewSim(200*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := sim.Kickoff(ctx, crew, agents, NewLiveContext(crew))
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation not honored promptly")
	}
}

func TestLiveSteeringReflected(t *testing.T) {
	crew, agents := simCrew()
	sim := NewSim(0, nil)

	live := NewLiveContext(crew)
	live.AddNote("focus on primary sources")
	live.SetStrategy("depth over breadth")
	live.AddResource("journal archive")

	result, err := sim.Kickoff(context.Background(), crew, agents, live)
	if err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	if result.InstructionsApplied != 3 {
		t.Fatalf("instructions applied = %d, want 3", result.InstructionsApplied)
	}
	if !strings.Contains(result.TaskResults[0].Output, "depth over breadth") {
		t.Fatalf("strategy missing from output: %s", result.TaskResults[0].Output)
	}
	if !strings.Contains(result.Summary, "steering instruction") {
		t.Fatalf("summary missing steering note: %s", result.Summary)
	}
}

func TestNoAgents(t *testing.T) {
	crew, _ := simCrew()
	sim := NewSim(0, nil)
	if _, err := sim.Kickoff(context.Background(), crew, nil, NewLiveContext(crew)); err == nil {
		t.Fatal("empty crew accepted")
	}
}

func TestFairnessBalanced(t *testing.T) {
	result := &store.CrewResult{TaskResults: []store.TaskResult{
		{AgentID: "a"}, {AgentID: "b"}, {AgentID: "a"}, {AgentID: "b"},
	}}
	if f := fairness(result); f != 1 {
		t.Fatalf("fairness = %f, want 1", f)
	}
	skewed := &store.CrewResult{TaskResults: []store.TaskResult{
		{AgentID: "a"}, {AgentID: "a"}, {AgentID: "a"}, {AgentID: "b"},
	}}
	if f := fairness(skewed); f >= 1 {
		t.Fatalf("skewed fairness = %f, want < 1", f)
	}
}
