package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================
// Mock: JobLocker
// ============================================================

type mockJobLocker struct {
	mu sync.Mutex

	// holder is the worker currently owning the lock, empty when free.
	holder     string
	acquireErr error

	released []string // worker IDs that released
}

func (m *mockJobLocker) Acquire(_ context.Context, _ string, workerID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return false, m.acquireErr
	}
	if m.holder != "" && m.holder != workerID {
		return false, nil
	}
	m.holder = workerID
	return true, nil
}

func (m *mockJobLocker) Release(_ context.Context, _ string, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == workerID {
		m.holder = ""
	}
	m.released = append(m.released, workerID)
	return nil
}

// ============================================================
// Mock: JobHistorian
// ============================================================

type historyRecord struct {
	jobType string
	status  string
	items   int
	err     error
}

type mockHistorian struct {
	mu       sync.Mutex
	nextID   int64
	startErr error
	finished map[int64]historyRecord
	started  map[int64]string
}

func newMockHistorian() *mockHistorian {
	return &mockHistorian{
		finished: make(map[int64]historyRecord),
		started:  make(map[int64]string),
	}
}

func (m *mockHistorian) Start(_ context.Context, jobType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.nextID++
	m.started[m.nextID] = jobType
	return m.nextID, nil
}

func (m *mockHistorian) Finish(_ context.Context, id int64, status string, items int, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[id] = historyRecord{jobType: m.started[id], status: status, items: items, err: err}
	return nil
}

// ============================================================
// Mock: LockMetrics
// ============================================================

type mockLockMetrics struct {
	mu    sync.Mutex
	skips []string
}

func (m *mockLockMetrics) RecordJobLockSkip(_ context.Context, jobType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skips = append(m.skips, jobType)
}

func newTestRunner(lock *mockJobLocker, history *mockHistorian, metrics LockMetrics, workerID string) *Runner {
	return NewRunner(lock, history, metrics, workerID, 5*time.Minute, schedulerTestLogger())
}

// ============================================================
// Tests
// ============================================================

func TestAcquireAndRun_Success(t *testing.T) {
	lock := &mockJobLocker{}
	history := newMockHistorian()
	r := newTestRunner(lock, history, nil, "worker-a")
	r.Register(TaskWebhookRetry, func(_ context.Context, _ time.Time) (int, error) {
		return 7, nil
	})

	outcome, err := r.AcquireAndRun(context.Background(), TaskWebhookRetry, retryTestNow)
	if err != nil {
		t.Fatalf("AcquireAndRun failed: %v", err)
	}
	if !outcome.Ran || outcome.Skipped || outcome.Items != 7 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	rec := history.finished[1]
	if rec.status != "success" || rec.items != 7 || rec.jobType != "webhook_retry" {
		t.Errorf("unexpected history record: %+v", rec)
	}
	if len(lock.released) != 1 {
		t.Errorf("expected lock released once, got %v", lock.released)
	}
}

func TestAcquireAndRun_LockHeld_SkipsCleanly(t *testing.T) {
	lock := &mockJobLocker{holder: "worker-b"}
	history := newMockHistorian()
	metrics := &mockLockMetrics{}
	r := newTestRunner(lock, history, metrics, "worker-a")
	ran := false
	r.Register(TaskWebhookRetry, func(_ context.Context, _ time.Time) (int, error) {
		ran = true
		return 0, nil
	})

	outcome, err := r.AcquireAndRun(context.Background(), TaskWebhookRetry, retryTestNow)
	if err != nil {
		t.Fatalf("a held lock must not be an error: %v", err)
	}
	if !outcome.Skipped || outcome.Ran {
		t.Errorf("expected skipped outcome, got %+v", outcome)
	}
	if ran {
		t.Error("task must not run when the lock is held")
	}
	if len(history.started) != 0 {
		t.Error("skipped runs must not touch job history")
	}
	if len(metrics.skips) != 1 || metrics.skips[0] != "webhook_retry" {
		t.Errorf("expected a lock-skip metric, got %v", metrics.skips)
	}
	if len(lock.released) != 0 {
		t.Error("a skipped run must not release the other worker's lock")
	}
}

func TestAcquireAndRun_TaskError_ReleasesLockAndRecordsFailure(t *testing.T) {
	lock := &mockJobLocker{}
	history := newMockHistorian()
	r := newTestRunner(lock, history, nil, "worker-a")
	taskErr := errors.New("batch exploded")
	r.Register(TaskDispatchDueJobs, func(_ context.Context, _ time.Time) (int, error) {
		return 3, taskErr
	})

	outcome, err := r.AcquireAndRun(context.Background(), TaskDispatchDueJobs, retryTestNow)
	if err == nil {
		t.Fatal("expected task error to propagate")
	}
	if !outcome.Ran || outcome.Items != 3 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	rec := history.finished[1]
	if rec.status != "failed" || !errors.Is(rec.err, taskErr) {
		t.Errorf("expected failed history record, got %+v", rec)
	}
	if len(lock.released) != 1 {
		t.Error("lock must be released on the error path")
	}
	if lock.holder != "" {
		t.Error("lock must be free after the run")
	}
}

func TestAcquireAndRun_UnknownTask(t *testing.T) {
	r := newTestRunner(&mockJobLocker{}, newMockHistorian(), nil, "worker-a")
	if _, err := r.AcquireAndRun(context.Background(), TaskType("nope"), retryTestNow); err == nil {
		t.Fatal("expected unknown task error")
	}
}

func TestAcquireAndRun_HistoryStartFailure_StillRuns(t *testing.T) {
	lock := &mockJobLocker{}
	history := newMockHistorian()
	history.startErr = errors.New("history table gone")
	r := newTestRunner(lock, history, nil, "worker-a")
	ran := false
	r.Register(TaskPurgeJobHistory, func(_ context.Context, _ time.Time) (int, error) {
		ran = true
		return 1, nil
	})

	outcome, err := r.AcquireAndRun(context.Background(), TaskPurgeJobHistory, retryTestNow)
	if err != nil {
		t.Fatalf("history failure must be non-fatal: %v", err)
	}
	if !ran || !outcome.Ran {
		t.Error("task must run even when history tracking fails")
	}
}

func TestAcquireAndRun_TwoWorkers_OneRuns(t *testing.T) {
	lock := &mockJobLocker{}
	history := newMockHistorian()

	runs := 0
	var mu sync.Mutex
	task := func(_ context.Context, _ time.Time) (int, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		// Hold the lock long enough for the second worker to contend.
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	}

	ra := newTestRunner(lock, history, nil, "worker-a")
	ra.Register(TaskWebhookRetry, task)
	rb := newTestRunner(lock, history, nil, "worker-b")
	rb.Register(TaskWebhookRetry, task)

	var wg sync.WaitGroup
	outcomes := make([]RunOutcome, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcomes[0], _ = ra.AcquireAndRun(context.Background(), TaskWebhookRetry, retryTestNow)
	}()
	go func() {
		defer wg.Done()
		outcomes[1], _ = rb.AcquireAndRun(context.Background(), TaskWebhookRetry, retryTestNow)
	}()
	wg.Wait()

	ranCount, skippedCount := 0, 0
	for _, o := range outcomes {
		if o.Ran {
			ranCount++
		}
		if o.Skipped {
			skippedCount++
		}
	}
	// At least one must run; at most one may win the lock at a time. If the
	// first finished before the second started, both legitimately ran.
	if ranCount == 0 {
		t.Fatal("expected at least one worker to run")
	}
	if ranCount+skippedCount != 2 {
		t.Errorf("every worker must either run or skip: ran=%d skipped=%d", ranCount, skippedCount)
	}
}
