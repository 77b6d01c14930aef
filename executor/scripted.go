package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftworks/convoy/task"
)

// Step is a single scripted execution outcome.
type Step struct {
	Output       map[string]any
	QualityScore float64
	Err          error
	Delay        time.Duration // simulated execution time
}

// Scripted returns outcomes from a pre-defined sequence of steps, for
// deterministic tests of the worker loop. Safe for concurrent use.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	loop  bool
	idx   int
	calls []string // task IDs in execution order
}

// NewScripted creates a Scripted executor. If loop is true, steps cycle
// indefinitely; otherwise Execute fails once they are exhausted.
func NewScripted(steps []Step, loop bool) *Scripted {
	return &Scripted{steps: steps, loop: loop}
}

// Name returns the executor identifier.
func (s *Scripted) Name() string { return "scripted" }

// Execute returns the next scripted outcome.
func (s *Scripted) Execute(ctx context.Context, t *task.Task) (*Result, error) {
	s.mu.Lock()
	if len(s.steps) == 0 || (s.idx >= len(s.steps) && !s.loop) {
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted executor exhausted after %d steps", len(s.steps))
	}
	step := s.steps[s.idx%len(s.steps)]
	s.idx++
	s.calls = append(s.calls, t.ID)
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &Result{Output: step.Output, QualityScore: step.QualityScore}, nil
}

// Calls returns the task IDs executed so far, in order.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
