package instructions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
)

func testBus(t *testing.T) (*Bus, *store.Store, *events.Bus) {
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
	ev := events.NewBus(8, 100)
	return New(st, ev, nil), st, ev
}

func seedCrew(t *testing.T, st *store.Store) *store.Crew {
	t.Helper()
	crew := &store.Crew{
		Name:     "steerable",
		Process:  "sequential",
		Autonomy: 0.5,
		Tasks:    []store.TaskSpec{{Description: "do the work"}},
	}
	if err := st.CreateCrew(crew); err != nil {
		t.Fatalf("create crew: %v", err)
	}
	return crew
}

func TestSubmitAndDrainOrder(t *testing.T) {
	bus, st, _ := testBus(t)
	crew := seedCrew(t, st)

	for _, in := range []struct {
		kind     string
		priority int
		content  string
	}{
		{store.KindGuidance, 2, "second by priority, first submitted"},
		{store.KindFeedback, 3, "highest priority"},
		{store.KindResource, 2, "second priority, later submission"},
	} {
		ins := &store.Instruction{CrewID: crew.ID, Kind: in.kind, Priority: in.priority, Content: in.content}
		if err := bus.Submit(context.Background(), ins); err != nil {
			t.Fatalf("submit %s: %v", in.kind, err)
		}
	}

	drained, err := bus.DrainFor(context.Background(), crew.ID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("drained = %d, want 3", len(drained))
	}
	if drained[0].Kind != store.KindFeedback {
		t.Fatalf("priority order broken: first = %s", drained[0].Kind)
	}
	if drained[1].Kind != store.KindGuidance || drained[2].Kind != store.KindResource {
		t.Fatalf("FIFO tiebreak broken: %s, %s", drained[1].Kind, drained[2].Kind)
	}
	for _, d := range drained {
		if d.Status != store.InstructionDelivered {
			t.Fatalf("status = %s, want delivered", d.Status)
		}
	}

	// a second drain is empty
	again, err := bus.DrainFor(context.Background(), crew.ID)
	if err != nil || len(again) != 0 {
		t.Fatalf("redrain = %v, %v", again, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	bus, st, _ := testBus(t)
	crew := seedCrew(t, st)

	bad := []*store.Instruction{
		{CrewID: "", Kind: store.KindGuidance, Priority: 2, Content: "x"},
		{CrewID: crew.ID, Kind: "nonsense", Priority: 2, Content: "x"},
		{CrewID: crew.ID, Kind: store.KindGuidance, Priority: 0, Content: "x"},
		{CrewID: crew.ID, Kind: store.KindGuidance, Priority: 6, Content: "x"},
		{CrewID: crew.ID, Kind: store.KindGuidance, Priority: 2, Content: ""},
		{CrewID: crew.ID, Kind: store.KindGuidance, Priority: 2, Content: "x", Target: "nowhere"},
	}
	for i, ins := range bad {
		if err := bus.Submit(context.Background(), ins); !fault.Is(err, fault.InvalidArgument) {
			t.Errorf("case %d: err = %v, want invalid_argument", i, err)
		}
	}
}

func TestEmergencyStopBypass(t *testing.T) {
	bus, st, ev := testBus(t)
	crew := seedCrew(t, st)

	var stoppedCrew, stoppedIns string
	bus.SetStopFunc(func(crewID, insID string) error {
		stoppedCrew, stoppedIns = crewID, insID
		return nil
	})

	sub := ev.Subscribe("test")
	defer ev.Unsubscribe("test")

	ins := &store.Instruction{CrewID: crew.ID, Kind: store.KindEmergencyStop, Priority: 1}
	if err := bus.Submit(context.Background(), ins); err != nil {
		t.Fatalf("submit estop: %v", err)
	}
	if ins.Priority != store.PriorityEmergency {
		t.Fatalf("estop priority = %d, want %d", ins.Priority, store.PriorityEmergency)
	}
	if stoppedCrew != crew.ID || stoppedIns != ins.ID {
		t.Fatalf("stop hook not invoked: %s %s", stoppedCrew, stoppedIns)
	}

	sawStop := false
	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub:
			if evt.Type == events.EmergencyStop {
				sawStop = true
			}
		case <-time.After(time.Second):
			t.Fatal("no events published")
		}
		if sawStop {
			break
		}
	}
	if !sawStop {
		t.Fatal("emergency stop event missing")
	}
}

func TestEmergencyStopNoActiveWorkflow(t *testing.T) {
	bus, st, _ := testBus(t)
	crew := seedCrew(t, st)

	bus.SetStopFunc(func(crewID, insID string) error {
		return fault.New(fault.NotFound, "no active workflow")
	})

	ins := &store.Instruction{CrewID: crew.ID, Kind: store.KindEmergencyStop, Priority: 5}
	if err := bus.Submit(context.Background(), ins); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := bus.Status(ins.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != store.InstructionApplied {
		t.Fatalf("status = %s, want applied", got.Status)
	}
}

func TestMarkAppliedAndFailed(t *testing.T) {
	bus, st, _ := testBus(t)
	crew := seedCrew(t, st)

	ins := &store.Instruction{CrewID: crew.ID, Kind: store.KindGuidance, Priority: 2, Content: "steer"}
	if err := bus.Submit(context.Background(), ins); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := bus.MarkApplied(ins.ID, "done"); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	got, _ := bus.Status(ins.ID)
	if got.Status != store.InstructionApplied || got.Response != "done" || got.AppliedAt == nil {
		t.Fatalf("applied record wrong: %+v", got)
	}

	if err := bus.MarkApplied("missing", "x"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("missing id err = %v", err)
	}

	other := &store.Instruction{CrewID: crew.ID, Kind: store.KindPivot, Priority: 3, Content: "new plan"}
	_ = bus.Submit(context.Background(), other)
	if err := bus.MarkFailed(other.ID, "crew already done"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = bus.Status(other.ID)
	if got.Status != store.InstructionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestExpireStalePending(t *testing.T) {
	bus, st, _ := testBus(t)
	crew := seedCrew(t, st)
	bus.SetStopFunc(func(string, string) error { return fault.New(fault.NotFound, "idle") })

	old := &store.Instruction{CrewID: crew.ID, Kind: store.KindGuidance, Priority: 2, Content: "stale"}
	if err := bus.Submit(context.Background(), old); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// nothing is old enough yet
	n, err := bus.Expire(time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("early expire = %d, %v", n, err)
	}

	// everything pending is older than a zero TTL
	n, err = bus.Expire(0)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	got, _ := bus.Status(old.ID)
	if got.Status != store.InstructionExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// a pending emergency stop never expires
	bus.SetStopFunc(func(string, string) error { return nil })
	estop := &store.Instruction{CrewID: crew.ID, Kind: store.KindEmergencyStop, Priority: 5}
	if err := bus.Submit(context.Background(), estop); err != nil {
		t.Fatalf("submit estop: %v", err)
	}
	if _, err := bus.Expire(0); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, _ = bus.Status(estop.ID)
	if got.Status != store.InstructionPending {
		t.Fatalf("estop status = %s, want pending", got.Status)
	}
}

func TestParseSkillBoost(t *testing.T) {
	cases := []struct {
		content string
		trait   string
		delta   float64
		wantErr bool
	}{
		{"boost analytical thinking", store.TraitAnalytical, BoostDefault, false},
		{"slightly raise creative output", store.TraitCreative, BoostSlight, false},
		{"strong push on risk taking", store.TraitRiskTaking, BoostStrong, false},
		{"be more decisive, strongly", store.TraitDecisive, BoostStrong, false},
		{"work harder", "", 0, true},
		{"raise analytical and creative", "", 0, true},
	}
	for _, tc := range cases {
		trait, delta, err := ParseSkillBoost(tc.content)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseSkillBoost(%q) accepted", tc.content)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSkillBoost(%q): %v", tc.content, err)
			continue
		}
		if trait != tc.trait || delta != tc.delta {
			t.Errorf("ParseSkillBoost(%q) = %s %v, want %s %v", tc.content, trait, delta, tc.trait, tc.delta)
		}
	}
}

func TestApplyAndDecayBoost(t *testing.T) {
	agent := &store.Agent{Traits: store.DefaultTraits()}

	ApplyBoost(agent, store.TraitCreative, BoostDefault)
	if agent.Traits.Creative != 0.7 {
		t.Fatalf("boosted creative = %f, want 0.7", agent.Traits.Creative)
	}
	b := agent.Boosts[store.TraitCreative]
	if b.Original != 0.5 || b.RemainingTasks != BoostTaskSpan {
		t.Fatalf("boost record = %+v", b)
	}

	// boost clamps at 1
	ApplyBoost(agent, store.TraitCreative, BoostStrong)
	if agent.Traits.Creative != 1.0 {
		t.Fatalf("stacked boost = %f, want 1.0", agent.Traits.Creative)
	}
	if agent.Boosts[store.TraitCreative].Original != 0.5 {
		t.Fatal("original value lost on restack")
	}

	DecayBoosts(agent, BoostTaskSpan)
	if agent.Traits.Creative != 0.5 {
		t.Fatalf("restored creative = %f, want 0.5", agent.Traits.Creative)
	}
	if len(agent.Boosts) != 0 {
		t.Fatal("boost not cleared")
	}
}
