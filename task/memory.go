package task

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store for development and
// tests. It provides the same atomicity and optimistic-concurrency
// guarantees as the SQLite backend.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string // insertion order, for creation-order listing
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create persists a new task and sets its ID, CreatedAt, and initial state.
func (s *MemoryStore) Create(t *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepare(t); err != nil {
		return "", err
	}
	s.insert(t)
	return t.ID, nil
}

// CreateBatch persists all tasks or none. Dependencies may reference
// other members of the same batch.
func (s *MemoryStore) CreateBatch(ts []*Task) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching the map.
	seen := make(map[string]bool, len(ts))
	for _, t := range ts {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, ok := s.tasks[t.ID]; ok {
			return nil, ErrDuplicateID
		}
		if seen[t.ID] {
			return nil, ErrDuplicateID
		}
		seen[t.ID] = true
	}

	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		// prepare cannot fail here: IDs are assigned and checked above.
		if err := s.prepare(t); err != nil {
			return nil, err
		}
		s.insert(t)
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// prepare fills in creation defaults and computes the initial state.
// Caller holds s.mu.
func (s *MemoryStore) prepare(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicateID
	}
	t.CreatedAt = time.Now().UTC()
	t.State = StatePending
	if !s.depsDone(t.Dependencies) {
		t.State = StateBacklog
	}
	return nil
}

func (s *MemoryStore) insert(t *Task) {
	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
}

// depsDone reports whether every dependency exists and is done.
// Caller holds s.mu.
func (s *MemoryStore) depsDone(deps []string) bool {
	for _, id := range deps {
		dep, ok := s.tasks[id]
		if !ok || !dep.State.Succeeded() {
			return false
		}
	}
	return true
}

// Get retrieves a task by ID.
func (s *MemoryStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Update applies mutate under the store lock with an expected-prior-state check.
func (s *MemoryStore) Update(id string, expect State, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyMutation(cur, expect, mutate)
	if err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

// List returns tasks matching the filter in creation order, or by
// (priority desc, creation asc) when requested.
func (s *MemoryStore) List(f Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, id := range s.order {
		t := s.tasks[id]
		if !f.matchesStates(t.State) {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Assignee != "" && t.Assignee != f.Assignee {
			continue
		}
		if f.DepsSatisfied != nil && s.depsDone(t.Dependencies) != *f.DepsSatisfied {
			continue
		}
		out = append(out, t.Clone())
	}
	if f.OrderByPriority {
		sortByPriority(out)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cancel logically deletes a task. The transition table limits it to
// backlog and pending.
func (s *MemoryStore) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	next, err := applyMutation(cur, cur.State, func(t *Task) error {
		t.State = StateCancelled
		return nil
	})
	if err != nil {
		return err
	}
	s.tasks[id] = next
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// sortByPriority orders tasks by (priority desc, created_at asc). The
// input is already in creation order, so a stable sort on priority alone
// preserves the creation tiebreak.
func sortByPriority(ts []*Task) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Priority > ts[j].Priority })
}
