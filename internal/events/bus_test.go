package events

import (
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(8, 100)
	ch := bus.Subscribe("sub-1")
	defer bus.Unsubscribe("sub-1")

	bus.Emit(CrewCreated, "crew-1", "", "crew formed")

	select {
	case evt := <-ch:
		if evt.Type != CrewCreated {
			t.Fatalf("type = %s, want %s", evt.Type, CrewCreated)
		}
		if evt.CrewID != "crew-1" {
			t.Fatalf("crew_id = %s", evt.CrewID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp not set")
		}
		if evt.Severity != SeverityInfo {
			t.Fatalf("severity = %s, want info", evt.Severity)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1, 100)
	bus.Subscribe("slow")
	defer bus.Unsubscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(InstructionSubmitted, "crew-1", "", "instruction")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestRecentFiltersAndOrder(t *testing.T) {
	bus := NewBus(8, 100)
	bus.Emit(CrewCreated, "crew-1", "", "first")
	bus.Emit(AgentEvolved, "crew-1", "agent-1", "second")
	bus.Emit(CrewCreated, "crew-2", "", "third")

	all := bus.Recent(Filter{})
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Summary != "third" {
		t.Fatalf("newest first expected, got %q", all[0].Summary)
	}

	byType := bus.Recent(Filter{Type: AgentEvolved})
	if len(byType) != 1 || byType[0].AgentID != "agent-1" {
		t.Fatalf("type filter failed: %+v", byType)
	}

	byCrew := bus.Recent(Filter{CrewID: "crew-2"})
	if len(byCrew) != 1 || byCrew[0].Summary != "third" {
		t.Fatalf("crew filter failed: %+v", byCrew)
	}

	limited := bus.Recent(Filter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limit failed: %d", len(limited))
	}
}

func TestRingBounded(t *testing.T) {
	bus := NewBus(8, 5)
	for i := 0; i < 20; i++ {
		bus.Emit(WorkflowStarted, "crew-1", "", "event")
	}
	if n := bus.Count(); n != 5 {
		t.Fatalf("ring size = %d, want 5", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8, 100)
	ch := bus.Subscribe("sub")
	bus.Unsubscribe("sub")

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatal("subscriber not removed")
	}
}
