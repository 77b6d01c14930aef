package coord

import (
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/driftworks/convoy/task"
)

func newTestCoordinator(t *testing.T) (*Coordinator, task.Store) {
	t.Helper()
	store := task.NewMemoryStore()
	c := New(store, nil)
	t.Cleanup(c.Close)
	return c, store
}

func createPending(t *testing.T, c *Coordinator, store task.Store, title string, priority int) string {
	t.Helper()
	tk := &task.Task{Title: title, Type: "development", Priority: priority}
	if _, err := store.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Announce(tk)
	return tk.ID
}

func TestCoordinator_Claim(t *testing.T) {
	c, store := newTestCoordinator(t)
	id := createPending(t, c, store, "build", 0)

	got, err := c.Claim("w1", []string{"development"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("Claim = %v, want task %s", got, id)
	}
	if got.State != task.StateAssigned || got.Assignee != "w1" {
		t.Errorf("claimed task state=%s assignee=%q, want assigned/w1", got.State, got.Assignee)
	}
	if got.ClaimedAt == nil {
		t.Error("ClaimedAt not set")
	}

	// The queue is now empty.
	if again, _ := c.Claim("w2", []string{"development"}); again != nil {
		t.Errorf("second claim = %v, want nil", again)
	}
}

func TestCoordinator_Claim_Races(t *testing.T) {
	for _, workers := range []int{2, 8, 64} {
		t.Run(itoa(workers), func(t *testing.T) {
			c, store := newTestCoordinator(t)
			id := createPending(t, c, store, "contested", 0)

			var wg sync.WaitGroup
			winners := make(chan string, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				worker := "w" + itoa(i)
				go func() {
					defer wg.Done()
					got, err := c.Claim(worker, []string{"development"})
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if got != nil {
						winners <- worker
					}
				}()
			}
			wg.Wait()
			close(winners)

			var won []string
			for w := range winners {
				won = append(won, w)
			}
			if len(won) != 1 {
				t.Fatalf("winners = %d, want exactly 1", len(won))
			}
			final, _ := store.Get(id)
			if final.Assignee != won[0] {
				t.Errorf("assignee = %q, want %q", final.Assignee, won[0])
			}
		})
	}
}

func TestCoordinator_Claim_EveryTaskOnce(t *testing.T) {
	c, store := newTestCoordinator(t)
	const tasks = 20
	for i := 0; i < tasks; i++ {
		createPending(t, c, store, "job-"+itoa(i), 0)
	}

	var mu sync.Mutex
	claimed := make(map[string]string) // task -> worker
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		worker := "w" + itoa(i)
		go func() {
			defer wg.Done()
			for {
				got, err := c.Claim(worker, []string{"development"})
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if got == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[got.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", got.ID, prev, worker)
				}
				claimed[got.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != tasks {
		t.Errorf("claimed %d tasks, want %d", len(claimed), tasks)
	}
}

func TestCoordinator_Claim_PriorityOrder(t *testing.T) {
	c, store := newTestCoordinator(t)
	createPending(t, c, store, "low", 1)
	high := createPending(t, c, store, "high", 9)

	got, err := c.Claim("w1", []string{"development"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil || got.ID != high {
		t.Errorf("Claim = %v, want high-priority task %s", got, high)
	}
}

func TestCoordinator_Claim_CapabilityMismatch(t *testing.T) {
	c, store := newTestCoordinator(t)
	id := createPending(t, c, store, "build", 0)

	got, err := c.Claim("w1", []string{"review"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got != nil {
		t.Fatalf("Claim = %v, want nil (no matching capability)", got)
	}

	// The task stays indexed for a capable worker.
	got, err = c.Claim("w2", []string{"development"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil || got.ID != id {
		t.Errorf("capable claim = %v, want %s", got, id)
	}
}

func TestCoordinator_Claim_DependencyGating(t *testing.T) {
	c, store := newTestCoordinator(t)

	// Chain a -> b: b starts in backlog and is invisible to claimers
	// until a is done and b is promoted.
	a := &task.Task{Title: "a", Type: "development"}
	store.Create(a) //nolint:errcheck
	c.Announce(a)
	b := &task.Task{Title: "b", Type: "development", Dependencies: []string{a.ID}}
	store.Create(b) //nolint:errcheck
	c.Announce(b) // no-op: backlog

	got, _ := c.Claim("w1", []string{"development"})
	if got == nil || got.ID != a.ID {
		t.Fatalf("first claim = %v, want %s", got, a.ID)
	}
	if next, _ := c.Claim("w2", []string{"development"}); next != nil {
		t.Fatalf("claim before dependency done = %v, want nil", next)
	}

	finishClaimed(t, store, a.ID)
	promoted, err := store.Update(b.ID, task.StateBacklog, func(tt *task.Task) error {
		tt.State = task.StatePending
		return nil
	})
	if err != nil {
		t.Fatalf("promote b: %v", err)
	}
	c.Announce(promoted)

	got, _ = c.Claim("w2", []string{"development"})
	if got == nil || got.ID != b.ID {
		t.Errorf("claim after promotion = %v, want %s", got, b.ID)
	}
}

func TestCoordinator_Claim_DropsStaleEntries(t *testing.T) {
	c, store := newTestCoordinator(t)
	id := createPending(t, c, store, "doomed", 0)

	// Cancel behind the coordinator's back: the index entry is now stale.
	if err := store.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := c.Claim("w1", []string{"development"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got != nil {
		t.Errorf("Claim = %v, want nil (entry was stale)", got)
	}
	if c.QueueDepth() != 0 {
		t.Errorf("QueueDepth = %d, want 0 after dropping stale entry", c.QueueDepth())
	}
}

func TestCoordinator_Rebuild(t *testing.T) {
	store := task.NewMemoryStore()
	pending := &task.Task{Title: "survivor", Type: "development"}
	store.Create(pending) //nolint:errcheck
	waiting := &task.Task{Title: "waiting", Type: "development", Dependencies: []string{pending.ID}}
	store.Create(waiting) //nolint:errcheck

	// A fresh coordinator (post-restart) starts empty and recovers the
	// pending set from the store.
	c := New(store, nil)
	defer c.Close()
	if c.QueueDepth() != 0 {
		t.Fatalf("QueueDepth = %d, want 0 before rebuild", c.QueueDepth())
	}
	if err := c.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if c.QueueDepth() != 1 {
		t.Errorf("QueueDepth = %d, want 1 (backlog tasks are not pending)", c.QueueDepth())
	}

	got, _ := c.Claim("w1", []string{"development"})
	if got == nil || got.ID != pending.ID {
		t.Errorf("claim after rebuild = %v, want %s", got, pending.ID)
	}
}

func TestCoordinator_Forget(t *testing.T) {
	c, store := newTestCoordinator(t)
	createPending(t, c, store, "gone", 0)
	id2 := createPending(t, c, store, "stays", 0)

	tasks, _ := store.List(task.Filter{})
	c.Forget(tasks[0].ID)

	if c.QueueDepth() != 1 {
		t.Fatalf("QueueDepth = %d, want 1", c.QueueDepth())
	}
	got, _ := c.Claim("w1", []string{"development"})
	if got == nil || got.ID != id2 {
		t.Errorf("claim = %v, want %s", got, id2)
	}
}

func TestCoordinator_Heartbeats(t *testing.T) {
	c, _ := newTestCoordinator(t)

	clock := time.Now()
	c.beats.now = func() time.Time { return clock }

	c.Heartbeat("w1", "t1")
	c.Heartbeat("w2", "")

	live := c.Workers(30 * time.Second)
	if len(live) != 2 {
		t.Fatalf("live workers = %d, want 2", len(live))
	}
	if !c.WorkerAlive("w1", 30*time.Second) {
		t.Error("WorkerAlive(w1) = false, want true")
	}

	// w1 goes silent past the TTL.
	clock = clock.Add(31 * time.Second)
	c.Heartbeat("w2", "")

	live = c.Workers(30 * time.Second)
	if len(live) != 1 || live[0].WorkerID != "w2" {
		t.Errorf("live workers = %v, want only w2", live)
	}
	if c.WorkerAlive("w1", 30*time.Second) {
		t.Error("WorkerAlive(w1) = true after TTL, want false")
	}

	c.DropWorker("w2")
	if c.WorkerAlive("w2", 30*time.Second) {
		t.Error("WorkerAlive(w2) = true after DropWorker, want false")
	}
}

func TestCoordinator_DuplicateDeliveryIsHarmless(t *testing.T) {
	c, store := newTestCoordinator(t)
	events := c.SubscribeAll(16)

	tk := &task.Task{Title: "once", Type: "development"}
	store.Create(tk) //nolint:errcheck
	c.Announce(tk)
	c.Announce(tk) // redelivered

	// Both announcements reach subscribers, but the index holds one entry.
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Channel != ChannelTaskCreated {
				t.Fatalf("event = %s, want %s", ev.Channel, ChannelTaskCreated)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for created event")
		}
	}
	if c.QueueDepth() != 1 {
		t.Fatalf("QueueDepth = %d, want 1 after duplicate announce", c.QueueDepth())
	}

	// Exactly one claim wins regardless of the double delivery.
	first, _ := c.Claim("w1", []string{"development"})
	if first == nil || first.ID != tk.ID {
		t.Fatalf("claim = %v, want %s", first, tk.ID)
	}
	if second, _ := c.Claim("w2", []string{"development"}); second != nil {
		t.Fatalf("second claim = %v, want nil", second)
	}

	finishClaimed(t, store, tk.ID)
	done, _ := store.Get(tk.ID)

	// A replayed completion carries a stale expected state and is
	// rejected before the mutation runs.
	_, err := store.Update(tk.ID, task.StateActive, func(tt *task.Task) error {
		tt.State = task.StateDone
		return nil
	})
	if !task.IsStaleWrite(err) {
		t.Errorf("replayed completion = %v, want stale write", err)
	}

	// Even with the right expected state, a terminal record refuses the
	// re-apply.
	var illegal *task.IllegalTransitionError
	_, err = store.Update(tk.ID, task.StateDone, func(tt *task.Task) error {
		tt.State = task.StateDone
		return nil
	})
	if !errors.As(err, &illegal) {
		t.Errorf("terminal re-apply = %v, want IllegalTransitionError", err)
	}

	after, _ := store.Get(tk.ID)
	if !reflect.DeepEqual(done, after) {
		t.Errorf("record changed by duplicate applies:\n before %+v\n after  %+v", done, after)
	}

	// Announcing the finished task again is a no-op.
	c.Announce(after)
	if c.QueueDepth() != 0 {
		t.Errorf("QueueDepth = %d, want 0 after announcing a done task", c.QueueDepth())
	}
}

func TestCoordinator_EventFlow(t *testing.T) {
	c, store := newTestCoordinator(t)
	events := c.SubscribeAll(16)

	id := createPending(t, c, store, "observed", 0)
	claimed, _ := c.Claim("w1", []string{"development"})
	if claimed == nil {
		t.Fatal("claim failed")
	}
	c.Progress(claimed, "working")
	finishClaimed(t, store, id)
	done, _ := store.Get(id)
	c.Completed(done)

	want := []string{ChannelTaskCreated, ChannelTaskClaimed, ChannelTaskUpdated, ChannelTaskCompleted}
	for _, channel := range want {
		select {
		case ev := <-events:
			if ev.Channel != channel {
				t.Errorf("event = %s, want %s", ev.Channel, channel)
			}
			if ev.TaskID != id {
				t.Errorf("event task = %s, want %s", ev.TaskID, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", channel)
		}
	}
}

// --- helpers ---

// finishClaimed walks an assigned task through active to done.
func finishClaimed(t *testing.T, store task.Store, id string) {
	t.Helper()
	if _, err := store.Update(id, task.StateAssigned, func(tt *task.Task) error {
		tt.State = task.StateActive
		return nil
	}); err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	if _, err := store.Update(id, task.StateActive, func(tt *task.Task) error {
		tt.State = task.StateDone
		tt.Assignee = ""
		return nil
	}); err != nil {
		t.Fatalf("finish %s: %v", id, err)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
