package pulse

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
	sifttest "github.com/teranos/sift/internal/testing"
)

func newTestPool(t *testing.T, workers int) *WorkerPool {
	t.Helper()

	db := sifttest.CreateTestDB(t)
	cfg := WorkerPoolConfig{
		Workers:      workers,
		PollInterval: 50 * time.Millisecond,
	}
	return NewWorkerPool(context.Background(), db, cfg, zap.NewNop().Sugar(), nil)
}

func waitForStatus(t *testing.T, queue *Queue, jobID string, want JobStatus) *Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := queue.GetJob(jobID)
		if err != nil {
			t.Fatalf("Failed to get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := queue.GetJob(jobID)
	t.Fatalf("Job %s never reached status %s (currently %s)", jobID, want, job.Status)
	return nil
}

func TestWorkerPoolProcessesJob(t *testing.T) {
	pool := newTestPool(t, 1)
	handler := &stubHandler{name: "signal.assign"}
	pool.Registry().Register(handler)

	job, _ := NewJob("signal.assign", "acme/sig-worker", nil)
	if err := pool.GetQueue().Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	waitForStatus(t, pool.GetQueue(), job.ID, JobStatusCompleted)

	if handler.executed != 1 {
		t.Errorf("Handler executed %d times, want 1", handler.executed)
	}
}

func TestWorkerPoolFailsJobOnHandlerError(t *testing.T) {
	pool := newTestPool(t, 1)
	pool.Registry().Register(&stubHandler{
		name: "signal.assign",
		err:  errors.New("embed service unreachable"),
	})

	job, _ := NewJob("signal.assign", "acme/sig-fail", nil)
	if err := pool.GetQueue().Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	failed := waitForStatus(t, pool.GetQueue(), job.ID, JobStatusFailed)
	if failed.Error == "" {
		t.Error("Failed job should carry the handler error message")
	}
}

func TestWorkerPoolRecoversOrphanedJobs(t *testing.T) {
	pool := newTestPool(t, 1)
	pool.Registry().Register(&stubHandler{name: "report.finalize"})

	// Simulate a crash: job stuck in running state with no worker attached
	orphan, _ := NewJob("report.finalize", "acme/rpt_orphan", nil)
	if err := pool.GetQueue().Enqueue(orphan); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := pool.GetQueue().Dequeue(); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	// Recovery re-queues the orphan, then a worker picks it up and completes it
	waitForStatus(t, pool.GetQueue(), orphan.ID, JobStatusCompleted)
}

func TestWorkerPoolStopIsGraceful(t *testing.T) {
	pool := newTestPool(t, 2)
	pool.Registry().Register(&stubHandler{name: "signal.assign"})

	pool.Start()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return in time")
	}
}

func TestRetryableErrorRequeuesUntilExhausted(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)
	log := zap.NewNop().Sugar()

	job, _ := NewJob("report.finalize", "acme/rpt_retry", nil)
	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	cause := errors.New("gateway timeout")

	for i := 1; i <= MaxRetries; i++ {
		err := RetryableError(queue, job, "coherence check", cause, log)
		if err == nil {
			t.Fatal("RetryableError should return a wrapped error")
		}
		if job.Status != JobStatusQueued {
			t.Errorf("Retry %d: job status = %v, want %v", i, job.Status, JobStatusQueued)
		}
		if job.RetryCount != i {
			t.Errorf("Retry %d: retry count = %d, want %d", i, job.RetryCount, i)
		}
	}

	// Budget exhausted: job is not re-queued again
	job.Status = JobStatusRunning
	if err := RetryableError(queue, job, "coherence check", cause, log); err == nil {
		t.Fatal("RetryableError should return an error after exhaustion")
	}
	if job.Status != JobStatusRunning {
		t.Errorf("Exhausted job status = %v, should be left for FailJob", job.Status)
	}
}

func TestRetryableErrorDoesNotRetryNonRetryable(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)
	log := zap.NewNop().Sugar()

	job, _ := NewJob("signal.assign", "acme/support/ticket/t1", nil)
	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	job.Status = JobStatusRunning

	// Side effects already committed: re-running would double-apply them
	cause := errors.Wrapf(errors.ErrNonRetryable, "failed to persist assigned signal: %v", errors.New("disk full"))

	if err := RetryableError(queue, job, "signal assignment", cause, log); err == nil {
		t.Fatal("RetryableError should surface non-retryable errors")
	}
	if job.RetryCount != 0 {
		t.Errorf("Non-retryable error incremented retry count to %d, want 0", job.RetryCount)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("Non-retryable error changed status to %v, should be left for FailJob", job.Status)
	}
}

func TestRetryableErrorDoesNotRetryDomainErrors(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)
	log := zap.NewNop().Sugar()

	job, _ := NewJob("report.finalize", "acme/rpt_terminal", nil)
	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	job.Status = JobStatusRunning

	cause := errors.Wrap(errors.ErrSchemaValidation, "judge output never validated")

	if err := RetryableError(queue, job, "match decision", cause, log); err == nil {
		t.Fatal("RetryableError should surface terminal errors")
	}
	if job.RetryCount != 0 {
		t.Errorf("Terminal error incremented retry count to %d, want 0", job.RetryCount)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("Terminal error changed status to %v, should be left for FailJob", job.Status)
	}
}
