package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"github.com/driftworks/convoy/coord"
	"github.com/driftworks/convoy/task"
)

// TaskSpec describes one task to create. Within a goal, Key names the
// task symbolically and DependsOn refers to sibling keys; a DependsOn
// entry that matches no sibling is treated as an existing task ID.
type TaskSpec struct {
	Key         string   `json:"key,omitempty" yaml:"key"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Type        string   `json:"type" yaml:"type"`
	Priority    int      `json:"priority,omitempty" yaml:"priority"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on"`
	MaxRetries  int      `json:"max_retries,omitempty" yaml:"max_retries"`
}

// Goal is a named set of task specs forming a dependency DAG.
type Goal struct {
	Name  string     `json:"name" yaml:"name"`
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

// CyclicDependencyError is returned when a goal's dependency edges form
// a cycle. Nothing is persisted when this is raised.
type CyclicDependencyError struct {
	Goal string
	Err  error
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("goal %q has a dependency cycle: %v", e.Goal, e.Err)
}

func (e *CyclicDependencyError) Unwrap() error { return e.Err }

// SupervisorConfig configures the monitoring loop.
type SupervisorConfig struct {
	MonitorInterval time.Duration // sweep cadence
	HeartbeatTTL    time.Duration // silence after which a worker is presumed dead
}

func (c *SupervisorConfig) defaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
}

// Supervisor decomposes goals into dependency-ordered task batches and
// runs the monitoring loop that reclaims orphaned tasks and promotes
// unblocked ones. It never executes a task's work itself.
type Supervisor struct {
	cfg    SupervisorConfig
	store  task.Store
	coord  *coord.Coordinator
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor over the Registry and Coordinator.
func NewSupervisor(cfg SupervisorConfig, store task.Store, c *coord.Coordinator, logger *slog.Logger) *Supervisor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, store: store, coord: c, logger: logger}
}

// SubmitGoal validates the goal's dependency DAG, persists its tasks as
// one atomic batch, and announces the immediately-claimable ones.
// A cycle is rejected with CyclicDependencyError before anything is
// written.
func (s *Supervisor) SubmitGoal(g Goal) ([]string, error) {
	if len(g.Tasks) == 0 {
		return nil, fmt.Errorf("goal %q has no tasks", g.Name)
	}

	keys := make(map[string]bool, len(g.Tasks))
	for _, spec := range g.Tasks {
		if spec.Key == "" {
			return nil, fmt.Errorf("goal %q: every task needs a key", g.Name)
		}
		if keys[spec.Key] {
			return nil, fmt.Errorf("goal %q: duplicate task key %q", g.Name, spec.Key)
		}
		keys[spec.Key] = true
	}

	// Cycle detection over the intra-goal edges.
	var edges []toposort.Edge
	for _, spec := range g.Tasks {
		depended := false
		for _, dep := range spec.DependsOn {
			if keys[dep] {
				edges = append(edges, toposort.Edge{dep, spec.Key})
				depended = true
			}
		}
		if !depended {
			edges = append(edges, toposort.Edge{nil, spec.Key})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return nil, &CyclicDependencyError{Goal: g.Name, Err: err}
	}

	// Assign IDs and resolve symbolic dependencies. External (non-key)
	// dependencies must already exist in the Registry.
	ids := make(map[string]string, len(g.Tasks))
	for _, spec := range g.Tasks {
		ids[spec.Key] = uuid.NewString()
	}
	batch := make([]*task.Task, 0, len(g.Tasks))
	for _, spec := range g.Tasks {
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if id, ok := ids[dep]; ok {
				deps = append(deps, id)
				continue
			}
			if _, err := s.store.Get(dep); err != nil {
				return nil, fmt.Errorf("goal %q: task %q depends on unknown task %q: %w", g.Name, spec.Key, dep, err)
			}
			deps = append(deps, dep)
		}
		batch = append(batch, &task.Task{
			ID:           ids[spec.Key],
			Title:        spec.Title,
			Description:  spec.Description,
			Type:         spec.Type,
			Priority:     spec.Priority,
			Dependencies: deps,
			MaxRetries:   spec.MaxRetries,
		})
	}

	created, err := s.store.CreateBatch(batch)
	if err != nil {
		return nil, fmt.Errorf("persist goal %q: %w", g.Name, err)
	}
	for _, t := range batch {
		s.coord.Announce(t)
	}
	s.logger.Info("goal submitted",
		slog.String("goal", g.Name),
		slog.Int("tasks", len(created)),
	)
	return created, nil
}

// Run executes the monitoring loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.logger.Error("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one monitoring pass: reclaim tasks whose workers stopped
// heartbeating, then promote or block backlog tasks whose dependencies
// have settled.
func (s *Supervisor) Sweep() error {
	if err := s.reclaimOrphans(); err != nil {
		return err
	}
	return s.settleBacklog()
}

// reclaimOrphans requeues assigned/active tasks whose assignee has gone
// silent past the heartbeat TTL, or is still heartbeating but reports
// holding a different task. The second case covers a worker that lost a
// state race and moved on without ever finishing the claim. The
// worker's partial work is discarded; re-execution is at-least-once by
// design.
func (s *Supervisor) reclaimOrphans() error {
	held, err := s.store.List(task.Filter{States: []task.State{task.StateAssigned, task.StateActive}})
	if err != nil {
		return fmt.Errorf("list claimed tasks: %w", err)
	}
	for _, t := range held {
		current, alive := s.coord.WorkerTask(t.Assignee, s.cfg.HeartbeatTTL)
		if alive && current == t.ID {
			continue
		}
		assignee := t.Assignee
		reason := fmt.Sprintf("worker %s heartbeat expired", assignee)
		if alive {
			reason = fmt.Sprintf("worker %s abandoned the task", assignee)
		}
		updated, err := s.store.Update(t.ID, t.State, func(tt *task.Task) error {
			return failAttempt(tt, reason)
		})
		if err != nil {
			if task.IsStaleWrite(err) {
				continue // the worker or another supervisor got there first
			}
			return fmt.Errorf("reclaim task %s: %w", t.ID, err)
		}
		if !alive {
			s.coord.DropWorker(assignee)
		}
		s.coord.Failed(updated)
		if updated.State == task.StatePending {
			s.coord.Announce(updated)
		}
		s.logger.Warn("task reclaimed",
			slog.String("task", t.ID),
			slog.String("worker", assignee),
			slog.String("reason", reason),
			slog.String("state", string(updated.State)),
		)
	}
	return nil
}

// settleBacklog promotes backlog tasks whose dependencies are all done
// and blocks those with a terminally-failed dependency. It iterates to a
// fixpoint so blocking propagates transitively in one sweep.
func (s *Supervisor) settleBacklog() error {
	for {
		changed, err := s.settleOnce()
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

func (s *Supervisor) settleOnce() (bool, error) {
	backlog, err := s.store.List(task.Filter{States: []task.State{task.StateBacklog}})
	if err != nil {
		return false, fmt.Errorf("list backlog: %w", err)
	}
	changed := false
	for _, t := range backlog {
		ready := true
		dead := false
		for _, dep := range t.Dependencies {
			d, err := s.store.Get(dep)
			if err == task.ErrNotFound {
				ready = false
				continue
			}
			if err != nil {
				return changed, fmt.Errorf("get dependency %s: %w", dep, err)
			}
			switch {
			case d.State.Succeeded():
			case d.State.Terminal():
				// failed, blocked, or cancelled: the dependent can never run.
				dead = true
				ready = false
			default:
				ready = false
			}
		}

		switch {
		case dead:
			depErr := "blocked: dependency failed"
			updated, err := s.store.Update(t.ID, task.StateBacklog, func(tt *task.Task) error {
				tt.State = task.StateBlocked
				if tt.Error == "" {
					tt.Error = depErr
				}
				return nil
			})
			if err != nil {
				if task.IsStaleWrite(err) {
					continue
				}
				return changed, fmt.Errorf("block task %s: %w", t.ID, err)
			}
			s.coord.Progress(updated, "blocked by failed dependency")
			changed = true
		case ready:
			updated, err := s.store.Update(t.ID, task.StateBacklog, func(tt *task.Task) error {
				tt.State = task.StatePending
				return nil
			})
			if err != nil {
				// A concurrent supervisor promoted it already; that is fine.
				if task.IsStaleWrite(err) {
					continue
				}
				return changed, fmt.Errorf("promote task %s: %w", t.ID, err)
			}
			s.coord.Announce(updated)
			s.logger.Info("task promoted", slog.String("task", t.ID))
			changed = true
		}
	}
	return changed, nil
}
