package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for Registry operations.
var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("task id already exists")
)

// StaleWriteError is returned by Update when the caller's expected prior
// state no longer matches the stored record. The caller must re-read and
// re-decide the specific mutation; blind retries are never safe.
type StaleWriteError struct {
	ID       string
	Expected State
	Actual   State
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on task %s: expected state %s, found %s", e.ID, e.Expected, e.Actual)
}

// IsStaleWrite reports whether err is (or wraps) a StaleWriteError.
func IsStaleWrite(err error) bool {
	var sw *StaleWriteError
	return errors.As(err, &sw)
}

// IllegalTransitionError is returned when a mutation violates the state
// transition table. This is always a caller bug and is never retried.
type IllegalTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for task %s: %s -> %s", e.ID, e.From, e.To)
}

// InvariantError is returned when a mutation would leave the record in a
// state that violates a model invariant (assignee/state coupling, retry
// budget). Like IllegalTransitionError, it signals a caller bug.
type InvariantError struct {
	ID     string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("task %s invariant violated: %s", e.ID, e.Reason)
}
