// Package coord implements the coordination layer between agents: a
// pub/sub event bus, a priority-ordered pending index, a worker
// heartbeat table, and the atomic claim primitive. Everything here is a
// disposable cache over the task Registry — Rebuild restores the full
// coordinator state from the store after a restart.
package coord

import (
	"time"

	"github.com/driftworks/convoy/task"
)

// Logical event channels. Delivery is at-least-once; payloads carry the
// task ID and target state so consumers can re-apply duplicates as no-ops.
const (
	ChannelTaskCreated   = "task.created"
	ChannelTaskClaimed   = "task.claimed"
	ChannelTaskUpdated   = "task.updated"
	ChannelTaskCompleted = "task.completed"
	ChannelTaskFailed    = "task.failed"
)

// Event is a task-lifecycle notification.
type Event struct {
	Channel   string     `json:"channel"`
	TaskID    string     `json:"task_id"`
	State     task.State `json:"state"`
	Assignee  string     `json:"assignee,omitempty"` // set on task.claimed
	Note      string     `json:"note,omitempty"`     // progress note on task.updated
	Timestamp time.Time  `json:"timestamp"`
}
