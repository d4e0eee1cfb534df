package evolution

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
)

func testEngine(t *testing.T, cooldown time.Duration) (*Engine, *store.Store) {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "cohort.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, "sqlite", zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return New(st, events.NewBus(8, 100), cooldown, nil), st
}

func seedAgent(t *testing.T, st *store.Store, mutate func(*store.Agent)) *store.Agent {
	t.Helper()
	a := &store.Agent{
		Name:      "Ada",
		Role:      "analyst",
		Goal:      "deliver weekly insight reports",
		Backstory: "career analyst",
		Traits:    store.DefaultTraits(),
		Autonomy:  0.5,
	}
	if mutate != nil {
		mutate(a)
	}
	if err := st.CreateAgent(a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestShouldEvolveTriggers(t *testing.T) {
	e, _ := testEngine(t, 0)

	cases := []struct {
		name   string
		mutate func(*store.Agent)
		flag   bool
		want   bool
	}{
		{"fresh agent", nil, false, false},
		{"low success over window", func(a *store.Agent) {
			a.TasksCompleted = 5
			a.TasksFailed = 5
		}, false, true},
		{"low success below window", func(a *store.Agent) {
			a.TasksCompleted = 2
			a.TasksFailed = 3
		}, false, false},
		{"consecutive failures", func(a *store.Agent) {
			a.TasksCompleted = 8
			a.TasksFailed = 3
			a.ConsecutiveFailures = 3
		}, false, true},
		{"stale with work done", func(a *store.Agent) {
			a.TasksCompleted = 9
			a.TasksFailed = 1
			old := time.Now().Add(-5 * 7 * 24 * time.Hour)
			a.CreatedAt = old
			a.LastEvolvedAt = &old
		}, false, true},
		{"stale but idle", func(a *store.Agent) {
			old := time.Now().Add(-5 * 7 * 24 * time.Hour)
			a.CreatedAt = old
			a.LastEvolvedAt = &old
		}, false, false},
		{"flagged by assessment", nil, true, true},
	}
	for _, tc := range cases {
		a := &store.Agent{Traits: store.DefaultTraits(), CreatedAt: time.Now()}
		// keep success rate healthy unless the case lowers it
		a.TasksCompleted, a.TasksFailed = 9, 1
		if tc.name == "fresh agent" || tc.name == "stale but idle" || tc.name == "flagged by assessment" {
			a.TasksCompleted, a.TasksFailed = 0, 0
		}
		if tc.mutate != nil {
			tc.mutate(a)
		}
		got, cause := e.ShouldEvolve(a, tc.flag)
		if got != tc.want {
			t.Errorf("%s: should = %v (cause %q), want %v", tc.name, got, cause, tc.want)
		}
	}
}

func TestChooseStrategy(t *testing.T) {
	e, _ := testEngine(t, 0)

	radical := &store.Agent{Traits: store.DefaultTraits()}
	radical.TasksCompleted, radical.TasksFailed = 1, 9 // performance collapses
	if got := e.ChooseStrategy(radical); got != StrategyRadical {
		t.Errorf("low performer = %s, want radical", got)
	}

	weak := &store.Agent{Traits: store.DefaultTraits(), Collaboration: 0.8}
	weak.TasksCompleted = 10
	weak.Traits.Creative = 0.1
	weak.Traits.Decisive = 0.2
	weak.Traits.RiskTaking = 0.1
	if got := e.ChooseStrategy(weak); got != StrategyDrift {
		t.Errorf("many weak traits = %s, want drift", got)
	}

	loner := &store.Agent{Traits: store.DefaultTraits(), Collaboration: 0.2}
	loner.TasksCompleted = 10
	loner.Traits.Collaborative = 0.2
	if got := e.ChooseStrategy(loner); got != StrategyCollaborative {
		t.Errorf("weak collaborator = %s, want collaborative", got)
	}

	specialist := &store.Agent{Traits: store.DefaultTraits(), Collaboration: 0.8}
	specialist.TasksCompleted = 10
	specialist.Traits.Analytical = 0.9
	specialist.Traits.Decisive = 0.8
	if got := e.ChooseStrategy(specialist); got != StrategySpecialization {
		t.Errorf("two dominant = %s, want specialization", got)
	}

	plain := &store.Agent{Traits: store.DefaultTraits(), Collaboration: 0.8}
	plain.TasksCompleted = 10
	if got := e.ChooseStrategy(plain); got != StrategyDrift {
		t.Errorf("default = %s, want drift", got)
	}
}

func TestEvolvePersistsEventAndAgent(t *testing.T) {
	e, st := testEngine(t, time.Hour)
	a := seedAgent(t, st, func(a *store.Agent) { a.Collaboration = 0.8; a.TasksCompleted = 10 })

	event, err := e.Evolve(a.ID, "explicit trigger", StrategyCollaborative, false)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if event.Cycle != 1 || event.Strategy != StrategyCollaborative {
		t.Fatalf("event = %+v", event)
	}
	if event.TraitsAfter.Collaborative != 0.65 {
		t.Fatalf("collaborative after = %f, want 0.65", event.TraitsAfter.Collaborative)
	}

	got, err := st.GetAgent(a.ID)
	if err != nil {
		t.Fatalf("reload agent: %v", err)
	}
	if got.EvolutionCycles != 1 || got.LastEvolvedAt == nil {
		t.Fatalf("agent not updated: %+v", got)
	}
	if got.Traits.Collaborative != 0.65 {
		t.Fatalf("persisted collaborative = %f", got.Traits.Collaborative)
	}

	history, err := e.History(a.ID, time.Time{}, 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}
}

func TestEvolveCooldown(t *testing.T) {
	e, st := testEngine(t, 6*time.Hour)
	a := seedAgent(t, st, nil)

	if _, err := e.Evolve(a.ID, "first", StrategyDrift, false); err != nil {
		t.Fatalf("first evolve: %v", err)
	}
	if _, err := e.Evolve(a.ID, "second", StrategyDrift, false); !fault.Is(err, fault.Conflict) {
		t.Fatalf("cooldown err = %v, want conflict", err)
	}
	// forcing skips the cooldown
	if _, err := e.Evolve(a.ID, "forced", StrategyDrift, true); err != nil {
		t.Fatalf("forced evolve: %v", err)
	}

	got, _ := st.GetAgent(a.ID)
	if got.EvolutionCycles != 2 {
		t.Fatalf("cycles = %d, want 2", got.EvolutionCycles)
	}
}

func TestEvolveUnknownAgentAndStrategy(t *testing.T) {
	e, st := testEngine(t, 0)
	a := seedAgent(t, st, nil)

	if _, err := e.Evolve("missing", "x", "", false); !fault.Is(err, fault.NotFound) {
		t.Fatalf("missing agent err = %v", err)
	}
	if _, err := e.Evolve(a.ID, "x", "alchemy", false); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("bad strategy err = %v", err)
	}
}

func TestRadicalKeepsThirtyPercent(t *testing.T) {
	e, st := testEngine(t, 0)
	a := seedAgent(t, st, func(a *store.Agent) {
		a.Traits.Analytical = 1.0 // template will be "analytical" (0.9)
	})

	event, err := e.Evolve(a.ID, "collapse", StrategyRadical, false)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	// 0.7*0.9 + 0.3*1.0 = 0.93
	if got := event.TraitsAfter.Analytical; got < 0.929 || got > 0.931 {
		t.Fatalf("analytical after = %f, want 0.93", got)
	}
	// 0.7*0.2 + 0.3*0.3 = 0.23 for risk_taking
	if got := event.TraitsAfter.RiskTaking; got < 0.229 || got > 0.231 {
		t.Fatalf("risk_taking after = %f, want 0.23", got)
	}
}

func TestSpecializationNarrowsGoal(t *testing.T) {
	e, st := testEngine(t, 0)
	a := seedAgent(t, st, func(a *store.Agent) {
		a.Traits.Analytical = 0.8
		a.Traits.Decisive = 0.75
	})

	event, err := e.Evolve(a.ID, "dominant pair", StrategySpecialization, false)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if got := event.TraitsAfter.Analytical; got < 0.899 || got > 0.901 {
		t.Fatalf("dominant after = %f, want 0.9", got)
	}

	reloaded, _ := st.GetAgent(a.ID)
	if len(reloaded.RoleHistory) != 1 {
		t.Fatalf("role history = %v", reloaded.RoleHistory)
	}
	if reloaded.Goal == "deliver weekly insight reports" {
		t.Fatal("goal not narrowed")
	}
}

func TestSweep(t *testing.T) {
	e, st := testEngine(t, time.Hour)

	struggling := seedAgent(t, st, func(a *store.Agent) {
		a.Name = "Low"
		a.TasksCompleted = 4
		a.TasksFailed = 8
	})
	healthy := seedAgent(t, st, func(a *store.Agent) {
		a.Name = "High"
		a.TasksCompleted = 10
	})

	n, err := e.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("evolved = %d, want 1", n)
	}

	evolved, _ := st.GetAgent(struggling.ID)
	if evolved.EvolutionCycles != 1 {
		t.Fatal("struggling agent not evolved")
	}
	untouched, _ := st.GetAgent(healthy.ID)
	if untouched.EvolutionCycles != 0 {
		t.Fatal("healthy agent evolved")
	}

	// second sweep inside the cooldown is a no-op
	n, err = e.Sweep()
	if err != nil || n != 0 {
		t.Fatalf("resweep = %d, %v", n, err)
	}
}

func TestPresets(t *testing.T) {
	names := PresetNames()
	want := []string{"analytical", "creative", "diplomat", "executor", "innovator"}
	if len(names) != len(want) {
		t.Fatalf("presets = %v", names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("presets = %v, want %v", names, want)
		}
	}

	p, ok := LookupPreset("diplomat")
	if !ok {
		t.Fatal("diplomat missing")
	}
	v := p.Vector()
	if v.Collaborative != 0.9 || v.Decisive != 0.4 {
		t.Fatalf("diplomat vector = %+v", v)
	}
}
