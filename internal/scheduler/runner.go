package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, jobType string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobType string, workerID string) error
}

// JobHistorian abstracts job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// LockMetrics abstracts metric emission for lock contention visibility.
type LockMetrics interface {
	RecordJobLockSkip(ctx context.Context, jobType string)
}

// TaskFunc executes one maintenance task and returns the number of items it
// processed.
type TaskFunc func(ctx context.Context, now time.Time) (int, error)

// Runner wraps maintenance tasks in the single-flight protocol: acquire the
// job-type lock or skip, record history around the task, and always release
// the lock afterwards. The lock TTL covers a crashed holder; Release covers
// the normal path so the next scheduled run never waits out the TTL.
type Runner struct {
	lock     JobLocker
	history  JobHistorian
	metrics  LockMetrics
	workerID string
	lockTTL  time.Duration
	tasks    map[TaskType]TaskFunc
	logger   *slog.Logger
}

// NewRunner creates a Runner. workerID is this process's lock ownership
// token (a uuid in production). The metrics parameter may be nil.
func NewRunner(lock JobLocker, history JobHistorian, metrics LockMetrics, workerID string, lockTTL time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		lock:     lock,
		history:  history,
		metrics:  metrics,
		workerID: workerID,
		lockTTL:  lockTTL,
		tasks:    make(map[TaskType]TaskFunc),
		logger:   logger,
	}
}

// Register binds a task type to its implementation. Call during wiring,
// before any AcquireAndRun.
func (r *Runner) Register(task TaskType, fn TaskFunc) {
	r.tasks[task] = fn
}

// AcquireAndRun executes one maintenance task under the job-type lock.
//
// Protocol:
//  1. Acquire the lock keyed by task type; if another worker holds it,
//     return Skipped with no error.
//  2. Record job start in job_history.
//  3. Run the task.
//  4. Record completion with status and item count.
//  5. Release the lock (deferred, so it runs on the error path too).
func (r *Runner) AcquireAndRun(ctx context.Context, task TaskType, now time.Time) (RunOutcome, error) {
	fn, ok := r.tasks[task]
	if !ok {
		return RunOutcome{}, fmt.Errorf("unknown task type: %q", task)
	}

	jobType := string(task)
	acquired, err := r.lock.Acquire(ctx, jobType, r.workerID, r.lockTTL)
	if err != nil {
		return RunOutcome{}, fmt.Errorf("acquiring job lock %s: %w", jobType, err)
	}
	if !acquired {
		r.logger.InfoContext(ctx, "job lock held by another worker, skipping",
			"job_type", jobType,
			"worker_id", r.workerID,
		)
		if r.metrics != nil {
			r.metrics.RecordJobLockSkip(ctx, jobType)
		}
		return RunOutcome{Skipped: true}, nil
	}

	defer func() {
		if err := r.lock.Release(ctx, jobType, r.workerID); err != nil {
			// The TTL will recover the lock; the next run just starts later.
			r.logger.ErrorContext(ctx, "failed to release job lock",
				"job_type", jobType,
				"error", err,
			)
		}
	}()

	r.logger.InfoContext(ctx, "job lock acquired",
		"job_type", jobType,
		"worker_id", r.workerID,
		"reference_time", now.Format(time.RFC3339),
	)

	historyID, err := r.history.Start(ctx, jobType)
	if err != nil {
		// Non-fatal: proceed without history. historyID 0 skips Finish.
		r.logger.ErrorContext(ctx, "failed to start job history",
			"job_type", jobType,
			"error", err,
		)
		historyID = 0
	}

	items, execErr := fn(ctx, now)

	status := "success"
	if execErr != nil {
		status = "failed"
	}
	if historyID != 0 {
		if finishErr := r.history.Finish(ctx, historyID, status, items, execErr); finishErr != nil {
			r.logger.ErrorContext(ctx, "failed to finish job history",
				"history_id", historyID,
				"job_type", jobType,
				"error", finishErr,
			)
		}
	}

	if execErr != nil {
		return RunOutcome{Ran: true, Items: items}, fmt.Errorf("task %s failed: %w", jobType, execErr)
	}

	r.logger.InfoContext(ctx, "task complete",
		"job_type", jobType,
		"items", items,
	)
	return RunOutcome{Ran: true, Items: items}, nil
}
