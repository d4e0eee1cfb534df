// Package events provides a pub/sub bus plus a bounded ring of recent
// events. Tool handlers publish lifecycle events here; get_live_events
// reads the ring back with count and type filters.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies orchestration events.
type EventType string

const (
	CrewCreated          EventType = "crew.created"
	CrewDisbanded        EventType = "crew.disbanded"
	WorkflowStarted      EventType = "workflow.started"
	WorkflowCompleted    EventType = "workflow.completed"
	WorkflowCancelled    EventType = "workflow.cancelled"
	WorkflowFailed       EventType = "workflow.failed"
	InstructionSubmitted EventType = "instruction.submitted"
	InstructionApplied   EventType = "instruction.applied"
	InstructionFailed    EventType = "instruction.failed"
	InstructionExpired   EventType = "instruction.expired"
	EmergencyStop        EventType = "emergency.stop"
	AgentEvolved         EventType = "agent.evolved"
	AgentReflected       EventType = "agent.reflected"
)

// Severity grades an event for dashboards.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one orchestration event.
type Event struct {
	Type      EventType `json:"type"`
	CrewID    string    `json:"crew_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus fans events out to subscribers and keeps the most recent ones in a
// ring for query.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int

	ring    []Event
	ringCap int
}

// NewBus creates a bus. ringCap bounds the queryable history.
func NewBus(bufferSize, ringCap int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if ringCap < 1 {
		ringCap = 1000
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
		ring:        make([]Event, 0, 256),
		ringCap:     ringCap,
	}
}

// Publish records the event and sends it to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}

	b.mu.Lock()
	b.ring = append(b.ring, evt)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// drop for slow subscriber
		}
	}
	b.mu.Unlock()
}

// Emit is a convenience for publishing with minimal args.
func (b *Bus) Emit(typ EventType, crewID, agentID, summary string) {
	b.Publish(Event{Type: typ, CrewID: crewID, AgentID: agentID, Summary: summary})
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id
// when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Filter selects events from the ring.
type Filter struct {
	Type    EventType
	CrewID  string
	AgentID string
	Since   time.Time
	Limit   int
}

// Recent returns ring events matching the filter, newest first.
func (b *Bus) Recent(f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := len(b.ring) - 1; i >= 0; i-- {
		evt := b.ring[i]
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if f.CrewID != "" && evt.CrewID != f.CrewID {
			continue
		}
		if f.AgentID != "" && evt.AgentID != f.AgentID {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, evt)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Count returns the number of events currently held in the ring.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ring)
}
