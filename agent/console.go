package agent

import (
	"log/slog"
	"time"

	"github.com/driftworks/convoy/coord"
	"github.com/driftworks/convoy/task"
)

// StatusReport is the Console's aggregated view of the pipeline.
type StatusReport struct {
	States      map[task.State]int   `json:"states"`
	QueueDepth  int                  `json:"queue_depth"`
	Workers     []coord.WorkerStatus `json:"workers"`
	Stuck       []StuckTask          `json:"stuck,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// StuckTask surfaces a failed or blocked task with its error, so an
// operator can see which goal leaf is stuck and why without reading
// worker logs.
type StuckTask struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	State task.State `json:"state"`
	Error string     `json:"error,omitempty"`
}

// Console is the Interface Agent: read-only aggregation over the
// Registry and Coordinator, plus manual task creation and pre-claim
// cancellation. It never coordinates in-flight work.
type Console struct {
	store  task.Store
	coord  *coord.Coordinator
	hbTTL  time.Duration
	logger *slog.Logger
}

// NewConsole creates a Console. hbTTL bounds how recently a worker must
// have heartbeated to count as alive in status reports.
func NewConsole(store task.Store, c *coord.Coordinator, hbTTL time.Duration, logger *slog.Logger) *Console {
	if hbTTL <= 0 {
		hbTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{store: store, coord: c, hbTTL: hbTTL, logger: logger}
}

// Status reports per-state task counts, live workers, and stuck tasks.
func (c *Console) Status() (*StatusReport, error) {
	tasks, err := c.store.List(task.Filter{})
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		States:      make(map[task.State]int),
		QueueDepth:  c.coord.QueueDepth(),
		Workers:     c.coord.Workers(c.hbTTL),
		GeneratedAt: time.Now().UTC(),
	}
	for _, t := range tasks {
		report.States[t.State]++
		if t.State == task.StateFailed || t.State == task.StateBlocked {
			report.Stuck = append(report.Stuck, StuckTask{
				ID:    t.ID,
				Title: t.Title,
				State: t.State,
				Error: t.Error,
			})
		}
	}
	return report, nil
}

// Tasks lists tasks matching the filter, read-only.
func (c *Console) Tasks(f task.Filter) ([]*task.Task, error) {
	return c.store.List(f)
}

// Task fetches a single task, read-only.
func (c *Console) Task(id string) (*task.Task, error) {
	return c.store.Get(id)
}

// CreateTask inserts a manual task. Dependencies default to none unless
// the spec names some; the new task is announced if immediately
// claimable.
func (c *Console) CreateTask(spec TaskSpec) (string, error) {
	t := &task.Task{
		Title:        spec.Title,
		Description:  spec.Description,
		Type:         spec.Type,
		Priority:     spec.Priority,
		Dependencies: spec.DependsOn,
		MaxRetries:   spec.MaxRetries,
	}
	id, err := c.store.Create(t)
	if err != nil {
		return "", err
	}
	c.coord.Announce(t)
	c.logger.Info("manual task created", slog.String("task", id), slog.String("title", spec.Title))
	return id, nil
}

// Cancel logically deletes a task. Only backlog and pending tasks may be
// cancelled: in-flight work would need the worker's cooperation, which
// the Console does not coordinate.
func (c *Console) Cancel(id string) error {
	t, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if t.State != task.StateBacklog && t.State != task.StatePending {
		return &task.IllegalTransitionError{ID: id, From: t.State, To: task.StateCancelled}
	}
	if err := c.store.Cancel(id); err != nil {
		return err
	}
	c.coord.Forget(id)
	cancelled, err := c.store.Get(id)
	if err == nil {
		c.coord.Progress(cancelled, "cancelled by operator")
	}
	c.logger.Info("task cancelled", slog.String("task", id))
	return nil
}
