// Package runner abstracts crew execution. The workflow engine hands a
// runner the crew, its agents and a live context, then blocks until the run
// finishes or the context is cancelled. Mid-run steering arrives through
// the LiveContext, never by mutating the crew row.
package runner

import (
	"context"
	"sync"

	"github.com/evolvant/cohort/internal/store"
)

// Runner executes one workflow for a crew. Kickoff blocks until the run
// completes, fails, or ctx is cancelled. Implementations must honor
// cancellation between tasks at minimum.
type Runner interface {
	Kickoff(ctx context.Context, crew *store.Crew, agents []*store.Agent, live *LiveContext) (*store.CrewResult, error)
}

// LiveContext carries steering applied while a workflow is executing.
// The intake loop writes, the runner reads between tasks.
type LiveContext struct {
	mu          sync.Mutex
	notes       []string
	constraints []string
	resources   []string
	strategy    string
	applied     int
}

// NewLiveContext seeds the context from the crew's stored strategy,
// constraints and resources.
func NewLiveContext(crew *store.Crew) *LiveContext {
	lc := &LiveContext{strategy: crew.Strategy}
	lc.constraints = append(lc.constraints, crew.Constraints...)
	lc.resources = append(lc.resources, crew.Resources...)
	return lc
}

// SeedNote installs kickoff context before the run starts. Unlike AddNote
// it does not count toward applied steering.
func (lc *LiveContext) SeedNote(note string) {
	if note == "" {
		return
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.notes = append(lc.notes, note)
}

// AddNote appends guidance or feedback text.
func (lc *LiveContext) AddNote(note string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.notes = append(lc.notes, note)
	lc.applied++
}

// AddConstraint appends an active constraint.
func (lc *LiveContext) AddConstraint(c string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.constraints = append(lc.constraints, c)
	lc.applied++
}

// AddResource appends a resource reference.
func (lc *LiveContext) AddResource(r string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.resources = append(lc.resources, r)
	lc.applied++
}

// SetStrategy replaces the current strategy (pivot).
func (lc *LiveContext) SetStrategy(s string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.strategy = s
	lc.applied++
}

// CountApplied records a steering application that carries no text, such as
// a skill boost.
func (lc *LiveContext) CountApplied() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.applied++
}

// Snapshot returns a consistent copy of the current steering state.
func (lc *LiveContext) Snapshot() (notes, constraints, resources []string, strategy string, applied int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	notes = append([]string(nil), lc.notes...)
	constraints = append([]string(nil), lc.constraints...)
	resources = append([]string(nil), lc.resources...)
	return notes, constraints, resources, lc.strategy, lc.applied
}
