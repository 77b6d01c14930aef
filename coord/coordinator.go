package coord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftworks/convoy/task"
)

// Coordinator provides low-latency fan-out of task lifecycle events and
// race-free claiming over the Registry. It owns the pending index and
// the heartbeat table exclusively; neither is ever exposed as shared
// state, and both can be wiped and rebuilt from the store without loss.
type Coordinator struct {
	mu     sync.Mutex // serializes claims and index mutation
	store  task.Store
	bus    *Bus
	index  *pendingIndex
	beats  *heartbeatTable
	logger *slog.Logger
}

// New creates a Coordinator over the given Registry.
func New(store task.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		bus:    NewBus(),
		index:  newPendingIndex(),
		beats:  newHeartbeatTable(),
		logger: logger,
	}
}

// Rebuild wipes the pending index and reloads it from the Registry.
// This is the recovery procedure after a coordinator restart.
func (c *Coordinator) Rebuild() error {
	pending, err := c.store.List(task.Filter{States: []task.State{task.StatePending}})
	if err != nil {
		return fmt.Errorf("rebuild pending index: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.reset()
	for _, t := range pending {
		c.index.push(pendingEntry{id: t.ID, taskType: t.Type, priority: t.Priority, createdAt: t.CreatedAt})
	}
	c.logger.Info("pending index rebuilt", slog.Int("tasks", c.index.len()))
	return nil
}

// Announce indexes a newly-eligible task and publishes task.created.
// Tasks in any state other than pending are ignored: they are invisible
// to claimers until promoted.
func (c *Coordinator) Announce(t *task.Task) {
	if t.State != task.StatePending {
		return
	}
	c.mu.Lock()
	c.index.push(pendingEntry{id: t.ID, taskType: t.Type, priority: t.Priority, createdAt: t.CreatedAt})
	c.mu.Unlock()
	c.bus.Publish(Event{
		Channel:   ChannelTaskCreated,
		TaskID:    t.ID,
		State:     t.State,
		Timestamp: time.Now().UTC(),
	})
}

// Forget drops a task from the pending index, e.g. after cancellation.
func (c *Coordinator) Forget(taskID string) {
	c.mu.Lock()
	c.index.remove(taskID)
	c.mu.Unlock()
}

// QueueDepth returns the number of indexed pending tasks.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.len()
}

// Claim atomically pops the highest-priority pending task whose type is
// in the worker's capability set and whose dependencies are all done,
// assigns it to the worker, and publishes task.claimed.
//
// The pop and the Registry write happen as one step under the
// coordinator mutex, with the store's expected-state check backing it
// up, so each task is handed to at most one caller no matter how many
// workers race. Returns (nil, nil) when nothing is eligible — a
// capability mismatch is not an error.
func (c *Coordinator) Claim(workerID string, capabilities []string) (*task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries popped but not claimable by this worker go back afterwards.
	var skipped []pendingEntry
	defer func() {
		for _, e := range skipped {
			c.index.push(e)
		}
	}()

	for {
		e, ok := c.index.pop()
		if !ok {
			return nil, nil
		}
		if !contains(capabilities, e.taskType) {
			skipped = append(skipped, e)
			continue
		}
		eligible, err := c.depsDone(e.id)
		if err != nil {
			if err == task.ErrNotFound {
				continue // stale entry, drop it
			}
			skipped = append(skipped, e)
			return nil, err
		}
		if !eligible {
			// Should not normally be indexed before promotion; keep it
			// out of the claimable pool either way.
			skipped = append(skipped, e)
			continue
		}

		now := time.Now().UTC()
		claimed, err := c.store.Update(e.id, task.StatePending, func(t *task.Task) error {
			t.State = task.StateAssigned
			t.Assignee = workerID
			t.ClaimedAt = &now
			return nil
		})
		if err != nil {
			if task.IsStaleWrite(err) || err == task.ErrNotFound {
				// Someone else moved the task; the cache entry was stale.
				continue
			}
			skipped = append(skipped, e)
			return nil, err
		}

		// Record the hold immediately, so a sweep between the claim and
		// the worker's first own heartbeat never sees a stale idle entry.
		c.beats.beat(workerID, claimed.ID)

		c.bus.Publish(Event{
			Channel:   ChannelTaskClaimed,
			TaskID:    claimed.ID,
			State:     claimed.State,
			Assignee:  workerID,
			Timestamp: now,
		})
		c.logger.Debug("task claimed",
			slog.String("task", claimed.ID),
			slog.String("worker", workerID),
		)
		return claimed, nil
	}
}

// depsDone checks a task's dependencies against the Registry. The store,
// not the index, is trusted: the claimer verifies, never assumes.
func (c *Coordinator) depsDone(id string) (bool, error) {
	t, err := c.store.Get(id)
	if err != nil {
		return false, err
	}
	for _, dep := range t.Dependencies {
		d, err := c.store.Get(dep)
		if err == task.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !d.State.Succeeded() {
			return false, nil
		}
	}
	return true, nil
}

// Heartbeat records a worker liveness announcement with its currently
// held task, if any.
func (c *Coordinator) Heartbeat(workerID, taskID string) {
	c.beats.beat(workerID, taskID)
}

// Workers returns the workers seen within ttl.
func (c *Coordinator) Workers(ttl time.Duration) []WorkerStatus {
	return c.beats.alive(ttl)
}

// WorkerAlive reports whether the worker has heartbeated within ttl.
func (c *Coordinator) WorkerAlive(workerID string, ttl time.Duration) bool {
	ws, ok := c.beats.lastSeen(workerID)
	return ok && time.Since(ws.LastSeen) <= ttl
}

// WorkerTask returns the task the worker last reported holding, and
// whether the worker has heartbeated within ttl. A live worker that
// reports a different task than a claim record says it holds has
// abandoned that claim.
func (c *Coordinator) WorkerTask(workerID string, ttl time.Duration) (string, bool) {
	ws, ok := c.beats.lastSeen(workerID)
	if !ok || time.Since(ws.LastSeen) > ttl {
		return "", false
	}
	return ws.CurrentTaskID, true
}

// DropWorker removes a worker's heartbeat entry after its task has been
// reclaimed, so it is not reported alive until it beats again.
func (c *Coordinator) DropWorker(workerID string) {
	c.beats.forget(workerID)
}

// Progress publishes a task.updated event with a progress note.
func (c *Coordinator) Progress(t *task.Task, note string) {
	c.bus.Publish(Event{
		Channel:   ChannelTaskUpdated,
		TaskID:    t.ID,
		State:     t.State,
		Note:      note,
		Timestamp: time.Now().UTC(),
	})
}

// Completed publishes a task.completed event.
func (c *Coordinator) Completed(t *task.Task) {
	c.bus.Publish(Event{
		Channel:   ChannelTaskCompleted,
		TaskID:    t.ID,
		State:     t.State,
		Timestamp: time.Now().UTC(),
	})
}

// Failed publishes a task.failed event. The task may be back in pending
// (retry scheduled) or terminally failed; the state field says which.
func (c *Coordinator) Failed(t *task.Task) {
	c.bus.Publish(Event{
		Channel:   ChannelTaskFailed,
		TaskID:    t.ID,
		State:     t.State,
		Timestamp: time.Now().UTC(),
	})
}

// Subscribe returns a channel of events for one logical channel.
func (c *Coordinator) Subscribe(channel string, bufSize int) <-chan Event {
	return c.bus.Subscribe(channel, bufSize)
}

// SubscribeAll returns a channel carrying every event.
func (c *Coordinator) SubscribeAll(bufSize int) <-chan Event {
	return c.bus.SubscribeAll(bufSize)
}

// Close shuts down the event bus.
func (c *Coordinator) Close() {
	c.bus.Close()
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
