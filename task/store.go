package task

// Store is the Registry: the durable, authoritative owner of every task
// record. The Coordinator's pending index and heartbeat table are caches
// over it and may be rebuilt from List at any time.
//
// All implementations provide the same guarantees: Create is idempotent
// on ID (ErrDuplicateID, so a retried submit never duplicates work),
// Update applies a mutation under optimistic concurrency keyed by the
// caller's expected prior state, and CreateBatch persists either every
// task or none of them.
type Store interface {
	// Create persists a new task. It assigns the ID (if empty) and
	// CreatedAt, and sets the initial state: backlog while any
	// dependency is not yet done, pending otherwise.
	Create(t *Task) (string, error)

	// CreateBatch persists a set of tasks atomically. A failure on any
	// task (duplicate ID, missing intra-batch dependency) leaves the
	// store unchanged.
	CreateBatch(ts []*Task) ([]string, error)

	// Get retrieves a task by ID. Returns ErrNotFound if absent.
	Get(id string) (*Task, error)

	// Update applies mutate to the task under a per-record lock.
	// If the stored state differs from expect, it fails with
	// *StaleWriteError and mutate is never called. A state change made
	// by mutate must be legal per the transition table, and the
	// resulting record must satisfy the model invariants.
	// Returns the updated task.
	Update(id string, expect State, mutate func(*Task) error) (*Task, error)

	// List returns tasks matching the filter, in creation order unless
	// the filter requests priority ordering.
	List(f Filter) ([]*Task, error)

	// Cancel logically deletes a task by moving it to cancelled.
	// Only legal from backlog or pending; physical deletion is not
	// exposed, so historical references and the event log stay valid.
	Cancel(id string) error

	// Close releases backend resources.
	Close() error
}

// Filter controls which tasks List returns.
type Filter struct {
	States          []State `json:"states,omitempty"`
	Type            string  `json:"type,omitempty"`
	Assignee        string  `json:"assignee,omitempty"`
	DepsSatisfied   *bool   `json:"deps_satisfied,omitempty"` // all dependencies done (or none)
	OrderByPriority bool    `json:"order_by_priority,omitempty"`
	Limit           int     `json:"limit,omitempty"`
}

// matchesStates reports whether s is in the filter's state set
// (an empty set matches everything).
func (f Filter) matchesStates(s State) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if st == s {
			return true
		}
	}
	return false
}

// applyMutation implements the Update contract shared by every backend:
// optimistic-concurrency check, copy-mutate, transition legality, and
// invariant validation. cur is the stored record; the returned task is a
// mutated clone ready to be persisted.
func applyMutation(cur *Task, expect State, mutate func(*Task) error) (*Task, error) {
	if cur.State != expect {
		return nil, &StaleWriteError{ID: cur.ID, Expected: expect, Actual: cur.State}
	}
	if cur.State.Terminal() {
		return nil, &IllegalTransitionError{ID: cur.ID, From: cur.State, To: cur.State}
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID {
		return nil, &InvariantError{ID: cur.ID, Reason: "id is immutable"}
	}
	if next.State != cur.State && !CanTransition(cur.State, next.State) {
		return nil, &IllegalTransitionError{ID: cur.ID, From: cur.State, To: next.State}
	}
	if err := next.validate(); err != nil {
		return nil, err
	}
	return next, nil
}
