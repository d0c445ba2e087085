package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/activity-etl/internal/config"
	"github.com/nadmax/activity-etl/internal/metrics"
	"github.com/nadmax/activity-etl/internal/notify"
)

type (
	Locker interface {
		AcquireRunLock(ctx context.Context, logicalDate, runID string, ttl time.Duration) (bool, error)
		ReleaseRunLock(ctx context.Context, logicalDate, runID string) error
	}

	lockHolder interface {
		RunLockHolder(ctx context.Context, logicalDate string) (string, error)
	}

	lockRenewer interface {
		RenewRunLock(ctx context.Context, logicalDate, runID string, ttl time.Duration) (bool, error)
	}

	// Attempt is one execution of one task.
	Attempt struct {
		RunID    string
		Task     string
		Number   int
		Status   TaskState
		Duration time.Duration
		Error    string
	}

	// Recorder persists run history.
	Recorder interface {
		CreateRun(ctx context.Context, run *Run) error
		UpdateRun(ctx context.Context, run *Run) error
		SaveTaskState(ctx context.Context, runID string, node *TaskNode) error
		LogAttempt(ctx context.Context, a Attempt) error
	}
)

type Runner struct {
	graph    *Graph
	sinkName string
	cfg      config.Config
	lock     Locker
	recorder Recorder
	notifier notify.Notifier
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	renewal  time.Duration
}

// NewRunner executes g for one logical date at a time. recorder and notifier
// may be nil.
func NewRunner(g *Graph, sinkName string, cfg config.Config, lock Locker, recorder Recorder, notifier notify.Notifier, logger *slog.Logger) *Runner {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		graph:    g,
		sinkName: sinkName,
		cfg:      cfg,
		lock:     lock,
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
		sleep:    sleepContext,
		renewal:  cfg.LockTTL / 3,
	}
}

// Run starts a run for logicalDate and executes it to a terminal status. The
// returned error is ErrRunInProgress when the date is locked, or the StageError
// that failed the run.
func (r *Runner) Run(ctx context.Context, logicalDate time.Time) (*Run, error) {
	run, err := r.Start(ctx, logicalDate)
	if err != nil {
		return nil, err
	}
	return run, r.Execute(ctx, run)
}

// Start claims the run lock for the date and records a pending run. The
// caller owns the lock until Execute returns.
func (r *Runner) Start(ctx context.Context, logicalDate time.Time) (*Run, error) {
	run := NewRun(logicalDate, r.sinkName, r.graph)

	ok, err := r.lock.AcquireRunLock(ctx, run.Date(), run.ID, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordRunRejected()
		if h, isHolder := r.lock.(lockHolder); isHolder {
			if holder, err := h.RunLockHolder(ctx, run.Date()); err == nil && holder != "" {
				return nil, fmt.Errorf("%w: %s held by run %s", ErrRunInProgress, run.Date(), holder)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, run.Date())
	}

	if err := r.recorder.CreateRun(ctx, run); err != nil {
		r.release(run)
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	return run, nil
}

// Execute runs every task of a started run in graph order and releases the
// run lock when done. The lock is renewed while tasks run.
func (r *Runner) Execute(ctx context.Context, run *Run) error {
	defer r.release(run)

	logger := r.logger.With("run_id", run.ID, "logical_date", run.Date(), "sink", run.Sink)
	defer r.keepLock(run, logger)()

	rc := &RunContext{
		RunID:       run.ID,
		LogicalDate: run.LogicalDate,
		Config:      r.cfg,
		Logger:      logger,
	}
	bookkeeping := context.WithoutCancel(ctx)

	started := time.Now().UTC()
	run.Status = RunRunning
	run.StartedAt = &started
	r.updateRun(bookkeeping, run, logger)
	metrics.RecordRunStarted(run.Sink)
	logger.Info("pipeline run started", "tasks", len(run.Tasks))

	var failure *StageError
	for _, name := range r.graph.Order() {
		node := run.Task(name)
		if node.State == TaskUpstreamFailed {
			continue
		}

		task, _ := r.graph.Task(name)
		stageErr := r.executeTask(ctx, bookkeeping, run, rc, task, node, logger)
		if stageErr == nil {
			continue
		}

		if failure == nil {
			failure = stageErr
		}
		for _, dep := range r.graph.Downstream(name) {
			dn := run.Task(dep)
			dn.State = TaskUpstreamFailed
			r.saveTask(bookkeeping, run.ID, dn, logger)
		}
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Warnings = rc.Warnings()
	if failure != nil {
		run.Status = RunFailed
		run.Error = failure.Error()
	} else {
		run.Status = RunSucceeded
	}
	r.updateRun(bookkeeping, run, logger)
	metrics.RecordRunFinished(run.Sink, string(run.Status), finished.Sub(started))

	if failure == nil {
		logger.Info("pipeline run succeeded", "duration", finished.Sub(started), "warnings", len(run.Warnings))
		return nil
	}

	logger.Error("pipeline run failed", "task", failure.Stage, "error", failure.Err)
	if err := r.notifier.NotifyFailure(bookkeeping, notify.Failure{
		RunID:       run.ID,
		LogicalDate: run.Date(),
		Task:        failure.Stage,
		Summary:     failure.Error(),
	}); err != nil {
		logger.Error("failed to send failure notification", "error", err)
	}

	return failure
}

func (r *Runner) executeTask(ctx, bookkeeping context.Context, run *Run, rc *RunContext, task Task, node *TaskNode, logger *slog.Logger) *StageError {
	logger = logger.With("task", task.Name)

	for {
		attempt := node.RetryCount + 1
		node.State = TaskRunning
		r.saveTask(bookkeeping, run.ID, node, logger)
		logger.Info("task started", "attempt", attempt)

		start := time.Now()
		err := r.attempt(ctx, task, rc)
		duration := time.Since(start)

		if err == nil {
			node.State = TaskSucceeded
			node.Error = ""
			r.saveTask(bookkeeping, run.ID, node, logger)
			r.logAttempt(bookkeeping, Attempt{RunID: run.ID, Task: task.Name, Number: attempt, Status: TaskSucceeded, Duration: duration}, logger)
			metrics.RecordTaskAttempt(task.Name, "succeeded", duration)
			logger.Info("task succeeded", "attempt", attempt, "duration", duration)
			return nil
		}

		stageErr := &StageError{Kind: task.Kind, RunID: run.ID, Stage: task.Name, Attempt: attempt, Err: err}
		node.State = TaskFailed
		node.Error = stageErr.Error()
		r.logAttempt(bookkeeping, Attempt{RunID: run.ID, Task: task.Name, Number: attempt, Status: TaskFailed, Duration: duration, Error: err.Error()}, logger)
		metrics.RecordTaskAttempt(task.Name, "failed", duration)
		logger.Warn("task attempt failed", "attempt", attempt, "error", err)

		if !stageErr.Retryable() || node.RetryCount >= node.MaxRetries || ctx.Err() != nil {
			r.saveTask(bookkeeping, run.ID, node, logger)
			logger.Error("task failed", "attempts", attempt, "retryable", stageErr.Retryable())
			return stageErr
		}

		node.RetryCount++
		node.State = TaskPending
		r.saveTask(bookkeeping, run.ID, node, logger)
		metrics.RecordTaskRetried(task.Name)
		logger.Info("retrying task", "retry", node.RetryCount, "max_retries", node.MaxRetries, "delay", node.RetryDelay)

		if err := r.sleep(ctx, node.RetryDelay); err != nil {
			node.State = TaskFailed
			r.saveTask(bookkeeping, run.ID, node, logger)
			return stageErr
		}
	}
}

// attempt runs one try of task under its timeout. A panic is an ordinary
// failure.
func (r *Runner) attempt(ctx context.Context, task Task, rc *RunContext) (err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	err = task.Run(ctx, rc)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", task.Timeout, err)
	}
	return err
}

// keepLock renews the run lock every r.renewal until the returned func is
// called. Lockers without renewal support keep their fixed TTL.
func (r *Runner) keepLock(run *Run, logger *slog.Logger) func() {
	renewer, ok := r.lock.(lockRenewer)
	if !ok || r.renewal <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		ticker := time.NewTicker(r.renewal)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				held, err := renewer.RenewRunLock(context.Background(), run.Date(), run.ID, r.cfg.LockTTL)
				if err != nil {
					logger.Warn("failed to renew run lock", "error", err)
					continue
				}
				if !held {
					logger.Error("run lock lost, the date is no longer exclusive", "ttl", r.cfg.LockTTL)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) release(run *Run) {
	if err := r.lock.ReleaseRunLock(context.Background(), run.Date(), run.ID); err != nil {
		r.logger.Error("failed to release run lock", "run_id", run.ID, "error", err)
	}
}

func (r *Runner) updateRun(ctx context.Context, run *Run, logger *slog.Logger) {
	if err := r.recorder.UpdateRun(ctx, run); err != nil {
		logger.Error("failed to record run status", "status", run.Status, "error", err)
	}
}

func (r *Runner) saveTask(ctx context.Context, runID string, node *TaskNode, logger *slog.Logger) {
	if err := r.recorder.SaveTaskState(ctx, runID, node); err != nil {
		logger.Error("failed to record task state", "task", node.Name, "state", node.State, "error", err)
	}
}

func (r *Runner) logAttempt(ctx context.Context, a Attempt, logger *slog.Logger) {
	if err := r.recorder.LogAttempt(ctx, a); err != nil {
		logger.Error("failed to log task attempt", "attempt", a.Number, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) CreateRun(context.Context, *Run) error { return nil }
func (nopRecorder) UpdateRun(context.Context, *Run) error { return nil }
func (nopRecorder) SaveTaskState(context.Context, string, *TaskNode) error { return nil }
func (nopRecorder) LogAttempt(context.Context, Attempt) error { return nil }
