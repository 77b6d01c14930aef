// Package agent implements the three agent roles over the coordination
// layer: Worker (claims and executes tasks), Supervisor (decomposes
// goals and monitors progress), and Console (read-only reporting and
// manual overrides).
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/driftworks/convoy/coord"
	"github.com/driftworks/convoy/executor"
	"github.com/driftworks/convoy/task"
)

// WorkerConfig configures a single worker agent.
type WorkerConfig struct {
	ID             string
	Capabilities   []string      // task types this worker can execute
	HeartbeatEvery time.Duration // liveness announcement interval
	ExecTimeout    time.Duration // per-task execution bound; 0 = unbounded
	IdleWaitMin    time.Duration // initial wait after an empty claim
	IdleWaitMax    time.Duration // ceiling for the idle backoff
}

func (c *WorkerConfig) defaults() {
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
	if c.IdleWaitMin <= 0 {
		c.IdleWaitMin = 100 * time.Millisecond
	}
	if c.IdleWaitMax <= 0 {
		c.IdleWaitMax = 10 * time.Second
	}
}

// Worker is a long-lived agent that discovers claimable tasks via the
// Coordinator, claims one atomically, executes it through the opaque
// Executor, and reports the outcome. It holds at most one task at a
// time: the loop is strictly claim -> execute -> report, so a second
// claim cannot happen while one is in flight.
type Worker struct {
	cfg      WorkerConfig
	store    task.Store
	coord    *coord.Coordinator
	exec     executor.Executor
	breakers *breakerRegistry
	logger   *slog.Logger

	mu      sync.RWMutex
	current string // held task ID, empty when idle
}

// NewWorker creates a Worker. The executor is the collaborator that
// performs the actual work; the worker only coordinates around it.
func NewWorker(cfg WorkerConfig, store task.Store, c *coord.Coordinator, exec executor.Executor, logger *slog.Logger) *Worker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		coord:    c,
		exec:     exec,
		breakers: newBreakerRegistry(logger),
		logger:   logger.With(slog.String("worker", cfg.ID)),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// CurrentTask returns the held task ID, or "" when idle.
func (w *Worker) CurrentTask() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run is the worker's autonomous loop. After an empty claim it blocks on
// the task.created subscription with exponential backoff as the upper
// wake-up bound, rather than polling on a fixed sleep. Returns when ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	created := w.coord.Subscribe(coord.ChannelTaskCreated, 64)

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = w.cfg.IdleWaitMin
	wait.MaxInterval = w.cfg.IdleWaitMax
	wait.MaxElapsedTime = 0 // never give up, just cap the interval

	w.logger.Info("worker started", slog.Any("capabilities", w.cfg.Capabilities))
	for {
		if ctx.Err() != nil {
			return nil
		}

		t, err := w.coord.Claim(w.cfg.ID, w.cfg.Capabilities)
		if err != nil {
			w.logger.Error("claim failed", slog.Any("error", err))
		}
		if t == nil {
			w.coord.Heartbeat(w.cfg.ID, "")
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-created:
				if !ok {
					return nil // bus closed
				}
			case <-time.After(wait.NextBackOff()):
			}
			continue
		}

		wait.Reset()
		w.handle(ctx, t)
	}
}

// handle runs one claimed task end to end. Execution errors are
// contained here and never crash the worker.
func (w *Worker) handle(ctx context.Context, t *task.Task) {
	w.setCurrent(t.ID)
	defer w.setCurrent("")

	// Move to active before doing any work, so a crash between claim and
	// execution shows up as active, never as a silently lost task.
	now := time.Now().UTC()
	active, err := w.store.Update(t.ID, task.StateAssigned, func(tt *task.Task) error {
		tt.State = task.StateActive
		tt.StartedAt = &now
		return nil
	})
	if err != nil {
		// Reclaimed or cancelled between claim and start; let it go.
		w.logger.Warn("could not activate task", slog.String("task", t.ID), slog.Any("error", err))
		return
	}
	w.coord.Heartbeat(w.cfg.ID, t.ID)
	w.coord.Progress(active, "execution started")
	w.logger.Info("task active", slog.String("task", t.ID), slog.String("type", t.Type))

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx, t.ID)

	execCtx := ctx
	if w.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, w.cfg.ExecTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := w.execute(execCtx, active)
	elapsed := time.Since(start)
	if err != nil {
		// Timeouts follow the same path as any other execution failure.
		w.reportFailed(active, err)
		return
	}
	w.reportDone(active, res, elapsed)
}

// execute invokes the executor through the per-task-type circuit
// breaker, so a backend that fails consecutively stops being hammered.
func (w *Worker) execute(ctx context.Context, t *task.Task) (*executor.Result, error) {
	cb := w.breakers.get(t.Type)
	out, err := cb.Execute(func() (any, error) {
		return w.exec.Execute(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return out.(*executor.Result), nil
}

// ReportProgress publishes a progress note for the currently held task.
func (w *Worker) ReportProgress(taskID, note string) error {
	t, err := w.store.Get(taskID)
	if err != nil {
		w.logger.Warn("progress note dropped", slog.String("task", taskID), slog.Any("error", err))
		return fmt.Errorf("progress for task %s: %w", taskID, err)
	}
	w.coord.Progress(t, note)
	return nil
}

// reportDone writes the result payload and metrics, moves the task to
// done, and publishes task.completed.
func (w *Worker) reportDone(t *task.Task, res *executor.Result, elapsed time.Duration) {
	now := time.Now().UTC()
	done, err := w.store.Update(t.ID, task.StateActive, func(tt *task.Task) error {
		tt.State = task.StateDone
		tt.Assignee = ""
		tt.CompletedAt = &now
		if res != nil {
			tt.Result = res.Output
		}
		m := &task.Metrics{DurationMS: elapsed.Milliseconds()}
		if res != nil {
			m.QualityScore = res.QualityScore
		}
		tt.Metrics = m
		return nil
	})
	if err != nil {
		w.logger.Error("report done failed", slog.String("task", t.ID), slog.Any("error", err))
		return
	}
	w.coord.Completed(done)
	w.logger.Info("task done", slog.String("task", t.ID), slog.Duration("elapsed", elapsed))
}

// reportFailed records the error and either requeues the task for
// another attempt or, once retries are exhausted, fails it terminally.
func (w *Worker) reportFailed(t *task.Task, execErr error) {
	failed, err := w.store.Update(t.ID, task.StateActive, func(tt *task.Task) error {
		return failAttempt(tt, execErr.Error())
	})
	if err != nil {
		w.logger.Error("report failure failed", slog.String("task", t.ID), slog.Any("error", err))
		return
	}
	w.coord.Failed(failed)
	if failed.State == task.StatePending {
		// Back in the pool for someone (possibly us) to claim again.
		w.coord.Announce(failed)
	}
	w.logger.Warn("task failed",
		slog.String("task", t.ID),
		slog.String("state", string(failed.State)),
		slog.Int("retry_count", failed.RetryCount),
		slog.Any("error", execErr),
	)
}

// failAttempt applies the shared retry bookkeeping for a failed attempt:
// requeue while the retry budget lasts, terminal failed once it is spent.
// Used by both the worker's failure path and the Supervisor's reclaim.
func failAttempt(tt *task.Task, reason string) error {
	tt.Error = reason
	tt.Assignee = ""
	if tt.RetryCount >= tt.MaxRetries {
		tt.State = task.StateFailed
		return nil
	}
	tt.RetryCount++
	tt.State = task.StatePending
	return nil
}

// heartbeatLoop announces liveness while a task is being executed.
func (w *Worker) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.coord.Heartbeat(w.cfg.ID, taskID)
		}
	}
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

// breakerRegistry keeps one circuit breaker per task type.
type breakerRegistry struct {
	mu       sync.Mutex
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(logger *slog.Logger) *breakerRegistry {
	return &breakerRegistry{logger: logger, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *breakerRegistry) get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}
	logger := r.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("task_type", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation is the caller's doing, not backend health.
			return errors.Is(err, context.Canceled)
		},
	})
	r.breakers[taskType] = cb
	return cb
}
