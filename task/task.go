// Package task defines the task model, its lifecycle state machine, and
// the pluggable Registry that owns the authoritative copy of every task.
package task

import "time"

// State represents the lifecycle state of a task.
type State string

const (
	StateBacklog   State = "backlog"   // created, dependencies unmet
	StatePending   State = "pending"   // eligible for claiming
	StateAssigned  State = "assigned"  // claimed by a worker, not yet started
	StateActive    State = "active"    // worker is executing
	StateDone      State = "done"      // terminal success
	StateFailed    State = "failed"    // terminal, retries exhausted
	StateBlocked   State = "blocked"   // terminal, a dependency failed
	StateCancelled State = "cancelled" // terminal, logical deletion
)

// transitions is the closed table of legal state changes. Any mutation
// that moves a task along an edge not listed here is rejected by the
// Registry with an IllegalTransitionError.
var transitions = map[State][]State{
	StateBacklog:  {StatePending, StateBlocked, StateCancelled},
	StatePending:  {StateAssigned, StateBlocked, StateCancelled},
	StateAssigned: {StateActive, StatePending, StateFailed},
	StateActive:   {StateDone, StatePending, StateFailed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
// Terminal records are append-only.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateBlocked, StateCancelled:
		return true
	}
	return false
}

// Succeeded reports whether the state satisfies dependents. Only done
// counts: failed, blocked, and cancelled dependencies block dependents.
func (s State) Succeeded() bool { return s == StateDone }

// Claimed reports whether the state implies a worker holds the task.
// The assignee field must be non-empty exactly in these states.
func (s State) Claimed() bool { return s == StateAssigned || s == StateActive }

// Metrics is the write-once execution metrics block, populated by the
// worker on the terminal transition.
type Metrics struct {
	DurationMS   int64              `json:"duration_ms"`
	Resources    map[string]float64 `json:"resources,omitempty"`
	QualityScore float64            `json:"quality_score,omitempty"`
}

// Task is a unit of work coordinated between agents.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Type         string         `json:"type"`     // capability tag, e.g. "development"
	Priority     int            `json:"priority"` // higher = more urgent
	State        State          `json:"state"`
	Dependencies []string       `json:"dependencies,omitempty"` // task IDs that must reach done first
	Assignee     string         `json:"assignee,omitempty"`     // worker ID, set atomically on claim
	CreatedAt    time.Time      `json:"created_at"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metrics      *Metrics       `json:"metrics,omitempty"`
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate the authoritative record outside Update.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	if t.ClaimedAt != nil {
		ts := *t.ClaimedAt
		cp.ClaimedAt = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Metrics != nil {
		m := *t.Metrics
		if t.Metrics.Resources != nil {
			m.Resources = make(map[string]float64, len(t.Metrics.Resources))
			for k, v := range t.Metrics.Resources {
				m.Resources[k] = v
			}
		}
		cp.Metrics = &m
	}
	return &cp
}

// validate checks the record-level invariants that must hold after every
// mutation, independent of which transition produced it.
func (t *Task) validate() error {
	if t.State.Claimed() && t.Assignee == "" {
		return &InvariantError{ID: t.ID, Reason: "assignee empty in state " + string(t.State)}
	}
	if !t.State.Claimed() && t.Assignee != "" {
		return &InvariantError{ID: t.ID, Reason: "assignee set in state " + string(t.State)}
	}
	if t.RetryCount > t.MaxRetries {
		return &InvariantError{ID: t.ID, Reason: "retry_count exceeds max_retries"}
	}
	return nil
}
