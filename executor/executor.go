// Package executor defines the collaborator boundary for actually
// performing a task's work. The coordination layer hands an Executor a
// task and gets back a result or an error; what happens in between is
// opaque to it.
package executor

import (
	"context"

	"github.com/driftworks/convoy/task"
)

// Result is the structured output of a successful execution.
type Result struct {
	Output       map[string]any `json:"output,omitempty"`
	QualityScore float64        `json:"quality_score,omitempty"`
}

// Executor performs the work described by a task. Implementations must
// honor ctx cancellation: the worker bounds execution with a timeout and
// treats expiry exactly like a failure.
type Executor interface {
	// Name returns the executor identifier for logs and status output.
	Name() string

	// Execute performs the task's work and returns its result.
	Execute(ctx context.Context, t *task.Task) (*Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, t *task.Task) (*Result, error)

// Name returns the fixed identifier "func".
func (f Func) Name() string { return "func" }

// Execute calls f.
func (f Func) Execute(ctx context.Context, t *task.Task) (*Result, error) {
	return f(ctx, t)
}
