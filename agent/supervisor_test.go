package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/driftworks/convoy/coord"
	"github.com/driftworks/convoy/task"
)

func newTestRig(t *testing.T) (task.Store, *coord.Coordinator, *Supervisor) {
	t.Helper()
	store := task.NewMemoryStore()
	c := coord.New(store, nil)
	t.Cleanup(c.Close)
	sup := NewSupervisor(SupervisorConfig{HeartbeatTTL: 30 * time.Second}, store, c, nil)
	return store, c, sup
}

func TestSupervisor_SubmitGoal(t *testing.T) {
	store, c, sup := newTestRig(t)

	ids, err := sup.SubmitGoal(Goal{
		Name: "release",
		Tasks: []TaskSpec{
			{Key: "build", Title: "Build", Type: "development"},
			{Key: "test", Title: "Test", Type: "development", DependsOn: []string{"build"}},
			{Key: "ship", Title: "Ship", Type: "deployment", DependsOn: []string{"test"}},
		},
	})
	if err != nil {
		t.Fatalf("SubmitGoal: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %d, want 3", len(ids))
	}

	// Only the root is immediately claimable.
	pending, _ := store.List(task.Filter{States: []task.State{task.StatePending}})
	if len(pending) != 1 || pending[0].Title != "Build" {
		t.Errorf("pending = %v, want only Build", taskTitles(pending))
	}
	backlog, _ := store.List(task.Filter{States: []task.State{task.StateBacklog}})
	if len(backlog) != 2 {
		t.Errorf("backlog = %d, want 2", len(backlog))
	}
	if c.QueueDepth() != 1 {
		t.Errorf("QueueDepth = %d, want 1", c.QueueDepth())
	}
}

func TestSupervisor_SubmitGoal_CycleRejected(t *testing.T) {
	store, _, sup := newTestRig(t)

	_, err := sup.SubmitGoal(Goal{
		Name: "tangled",
		Tasks: []TaskSpec{
			{Key: "a", Title: "A", Type: "x", DependsOn: []string{"c"}},
			{Key: "b", Title: "B", Type: "x", DependsOn: []string{"a"}},
			{Key: "c", Title: "C", Type: "x", DependsOn: []string{"b"}},
		},
	})
	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("SubmitGoal = %v, want CyclicDependencyError", err)
	}

	// Nothing was persisted.
	all, _ := store.List(task.Filter{})
	if len(all) != 0 {
		t.Errorf("store holds %d tasks after rejected goal, want 0", len(all))
	}
}

func TestSupervisor_SubmitGoal_Validation(t *testing.T) {
	_, _, sup := newTestRig(t)

	if _, err := sup.SubmitGoal(Goal{Name: "empty"}); err == nil {
		t.Error("empty goal accepted, want error")
	}
	if _, err := sup.SubmitGoal(Goal{Name: "nokey", Tasks: []TaskSpec{{Title: "T", Type: "x"}}}); err == nil {
		t.Error("keyless task accepted, want error")
	}
	if _, err := sup.SubmitGoal(Goal{Name: "dup", Tasks: []TaskSpec{
		{Key: "a", Title: "A", Type: "x"},
		{Key: "a", Title: "A2", Type: "x"},
	}}); err == nil {
		t.Error("duplicate key accepted, want error")
	}
	if _, err := sup.SubmitGoal(Goal{Name: "ghost", Tasks: []TaskSpec{
		{Key: "a", Title: "A", Type: "x", DependsOn: []string{"no-such-task"}},
	}}); err == nil {
		t.Error("unknown external dependency accepted, want error")
	}
}

func TestSupervisor_SubmitGoal_ExternalDependency(t *testing.T) {
	store, _, sup := newTestRig(t)

	extID, _ := store.Create(&task.Task{Title: "existing", Type: "x"})
	ids, err := sup.SubmitGoal(Goal{
		Name:  "followup",
		Tasks: []TaskSpec{{Key: "next", Title: "Next", Type: "x", DependsOn: []string{extID}}},
	})
	if err != nil {
		t.Fatalf("SubmitGoal: %v", err)
	}
	got, _ := store.Get(ids[0])
	if len(got.Dependencies) != 1 || got.Dependencies[0] != extID {
		t.Errorf("dependencies = %v, want [%s]", got.Dependencies, extID)
	}
	if got.State != task.StateBacklog {
		t.Errorf("state = %s, want backlog (existing dep not done)", got.State)
	}
}

func TestSupervisor_Sweep_PromotesReadyTasks(t *testing.T) {
	store, c, sup := newTestRig(t)

	ids, err := sup.SubmitGoal(Goal{
		Name: "chain",
		Tasks: []TaskSpec{
			{Key: "a", Title: "A", Type: "development"},
			{Key: "b", Title: "B", Type: "development", DependsOn: []string{"a"}},
		},
	})
	if err != nil {
		t.Fatalf("SubmitGoal: %v", err)
	}

	claimFinish(t, store, c, "w1")

	if err := sup.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	b, _ := store.Get(ids[1])
	if b.State != task.StatePending {
		t.Errorf("b state = %s, want pending after sweep", b.State)
	}
	if c.QueueDepth() != 1 {
		t.Errorf("QueueDepth = %d, want 1 (b announced)", c.QueueDepth())
	}
}

func TestSupervisor_Sweep_BlocksDependentsTransitively(t *testing.T) {
	store, c, sup := newTestRig(t)

	ids, err := sup.SubmitGoal(Goal{
		Name: "doomed-chain",
		Tasks: []TaskSpec{
			{Key: "a", Title: "A", Type: "development"},
			{Key: "b", Title: "B", Type: "development", DependsOn: []string{"a"}},
			{Key: "c", Title: "C", Type: "development", DependsOn: []string{"b"}},
		},
	})
	if err != nil {
		t.Fatalf("SubmitGoal: %v", err)
	}

	// a fails terminally (no retry budget).
	claimed, _ := c.Claim("w1", []string{"development"})
	if claimed == nil || claimed.ID != ids[0] {
		t.Fatalf("claim = %v, want %s", claimed, ids[0])
	}
	if _, err := store.Update(ids[0], task.StateAssigned, func(tt *task.Task) error {
		return failAttempt(tt, "boom")
	}); err != nil {
		t.Fatalf("fail a: %v", err)
	}

	// One sweep blocks both b and c, even though c's dependency b only
	// becomes blocked during this same sweep.
	if err := sup.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	for _, id := range ids[1:] {
		got, _ := store.Get(id)
		if got.State != task.StateBlocked {
			t.Errorf("task %s state = %s, want blocked", id, got.State)
		}
		if got.Error == "" {
			t.Errorf("task %s has no error message", id)
		}
	}
}

func TestSupervisor_Sweep_ReclaimsOrphans(t *testing.T) {
	store, c, _ := newTestRig(t)
	sup := NewSupervisor(SupervisorConfig{HeartbeatTTL: time.Millisecond}, store, c, nil)

	tk := &task.Task{Title: "orphaned", Type: "development", MaxRetries: 2}
	store.Create(tk) //nolint:errcheck
	c.Announce(tk)

	claimed, _ := c.Claim("w-dead", []string{"development"})
	if claimed == nil {
		t.Fatal("claim failed")
	}
	c.Heartbeat("w-dead", claimed.ID)
	time.Sleep(5 * time.Millisecond) // let the heartbeat expire

	if err := sup.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(tk.ID)
	if got.State != task.StatePending {
		t.Errorf("state = %s, want pending (reclaimed with retry budget)", got.State)
	}
	if got.Assignee != "" {
		t.Errorf("assignee = %q, want empty after reclaim", got.Assignee)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}

	// The reclaimed task is claimable again.
	again, _ := c.Claim("w-alive", []string{"development"})
	if again == nil || again.ID != tk.ID {
		t.Errorf("reclaim-then-claim = %v, want %s", again, tk.ID)
	}
}

func TestSupervisor_Sweep_RetryExhaustion(t *testing.T) {
	store, c, _ := newTestRig(t)
	sup := NewSupervisor(SupervisorConfig{HeartbeatTTL: time.Millisecond}, store, c, nil)

	tk := &task.Task{Title: "hopeless", Type: "development", MaxRetries: 0}
	store.Create(tk) //nolint:errcheck
	c.Announce(tk)

	claimed, _ := c.Claim("w-dead", []string{"development"})
	if claimed == nil {
		t.Fatal("claim failed")
	}
	time.Sleep(5 * time.Millisecond)

	if err := sup.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := store.Get(tk.ID)
	if got.State != task.StateFailed {
		t.Errorf("state = %s, want failed (budget spent)", got.State)
	}
}

func TestSupervisor_Sweep_ReclaimsAbandonedTasks(t *testing.T) {
	store, c, sup := newTestRig(t)

	tk := &task.Task{Title: "dropped claim", Type: "development", MaxRetries: 1}
	store.Create(tk) //nolint:errcheck
	c.Announce(tk)

	claimed, _ := c.Claim("w1", []string{"development"})
	if claimed == nil {
		t.Fatal("claim failed")
	}
	// The worker went back to idle heartbeats without ever finishing the
	// task: alive, but no longer holding the claim.
	c.Heartbeat("w1", "")

	if err := sup.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(tk.ID)
	if got.State != task.StatePending {
		t.Errorf("state = %s, want pending (reclaimed from live worker)", got.State)
	}
	if got.Assignee != "" {
		t.Errorf("assignee = %q, want empty after reclaim", got.Assignee)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	// Only the claim was revoked; the worker itself never went silent.
	if !c.WorkerAlive("w1", 30*time.Second) {
		t.Error("WorkerAlive(w1) = false, want true")
	}
}

func TestSupervisor_Sweep_SparesLiveWorkers(t *testing.T) {
	store, c, sup := newTestRig(t)

	tk := &task.Task{Title: "in progress", Type: "development"}
	store.Create(tk) //nolint:errcheck
	c.Announce(tk)

	claimed, _ := c.Claim("w1", []string{"development"})
	if claimed == nil {
		t.Fatal("claim failed")
	}
	c.Heartbeat("w1", claimed.ID)

	if err := sup.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := store.Get(tk.ID)
	if got.State != task.StateAssigned || got.Assignee != "w1" {
		t.Errorf("state=%s assignee=%q, want assigned/w1 untouched", got.State, got.Assignee)
	}
}

// --- helpers ---

// claimFinish claims the next available task and walks it to done.
func claimFinish(t *testing.T, store task.Store, c *coord.Coordinator, worker string) {
	t.Helper()
	claimed, err := c.Claim(worker, []string{"development", "deployment"})
	if err != nil || claimed == nil {
		t.Fatalf("Claim = (%v, %v), want a task", claimed, err)
	}
	if _, err := store.Update(claimed.ID, task.StateAssigned, func(tt *task.Task) error {
		tt.State = task.StateActive
		return nil
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := store.Update(claimed.ID, task.StateActive, func(tt *task.Task) error {
		tt.State = task.StateDone
		tt.Assignee = ""
		return nil
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func taskTitles(ts []*task.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Title)
	}
	return out
}
