package pulse

import (
	"testing"
	"time"

	"github.com/teranos/sift/errors"
	sifttest "github.com/teranos/sift/internal/testing"
)

var errTestBoom = errors.New("boom")

func TestQueueEnqueueDequeue(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	job, err := NewJob("signal.assign", "acme/support/ticket/1", nil)
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}

	dequeued, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue job: %v", err)
	}
	if dequeued == nil {
		t.Fatal("Dequeue returned nil for non-empty queue")
	}
	if dequeued.ID != job.ID {
		t.Errorf("Dequeued job ID = %v, want %v", dequeued.ID, job.ID)
	}
	if dequeued.Status != JobStatusRunning {
		t.Errorf("Dequeued job status = %v, want %v", dequeued.Status, JobStatusRunning)
	}
}

func TestQueueDequeueEmpty(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	job, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue on empty queue should not error: %v", err)
	}
	if job != nil {
		t.Errorf("Dequeue on empty queue = %v, want nil", job)
	}
}

func TestQueueFIFOOrdering(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	first, _ := NewJob("signal.assign", "acme/sig-first", nil)
	first.CreatedAt = time.Now().Add(-time.Minute)
	if err := queue.Enqueue(first); err != nil {
		t.Fatalf("Failed to enqueue first job: %v", err)
	}

	second, _ := NewJob("signal.assign", "acme/sig-second", nil)
	if err := queue.Enqueue(second); err != nil {
		t.Fatalf("Failed to enqueue second job: %v", err)
	}

	dequeued, err := queue.Dequeue()
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if dequeued.ID != first.ID {
		t.Errorf("Expected oldest job first, got %s", dequeued.ID)
	}
}

func TestQueueCompleteAndFail(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	job, _ := NewJob("report.finalize", "acme/rpt_1", nil)
	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := queue.Dequeue(); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	if err := queue.CompleteJob(job.ID); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}

	stored, err := queue.GetJob(job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if stored.Status != JobStatusCompleted {
		t.Errorf("Job status = %v, want %v", stored.Status, JobStatusCompleted)
	}

	failing, _ := NewJob("report.finalize", "acme/rpt_2", nil)
	if err := queue.Enqueue(failing); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := queue.FailJob(failing.ID, errTestBoom); err != nil {
		t.Fatalf("Failed to fail job: %v", err)
	}

	stored, err = queue.GetJob(failing.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if stored.Status != JobStatusFailed {
		t.Errorf("Job status = %v, want %v", stored.Status, JobStatusFailed)
	}
	if stored.Error != "boom" {
		t.Errorf("Job error = %q, want %q", stored.Error, "boom")
	}
}

// A parent finishing must never cancel its children: split finalize jobs
// keep running after the run that spawned them completes.
func TestQueueChildrenSurviveParentCompletion(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	parent, _ := NewJob("report.finalize", "acme/rpt_parent", nil)
	if err := queue.Enqueue(parent); err != nil {
		t.Fatalf("Failed to enqueue parent: %v", err)
	}

	childA, _ := NewChildJob("report.finalize", "acme/rpt_child_a", nil, parent.ID)
	childB, _ := NewChildJob("report.finalize", "acme/rpt_child_b", nil, parent.ID)
	for _, child := range []*Job{childA, childB} {
		if err := queue.Enqueue(child); err != nil {
			t.Fatalf("Failed to enqueue child: %v", err)
		}
	}

	if err := queue.CompleteJob(parent.ID); err != nil {
		t.Fatalf("Failed to complete parent: %v", err)
	}

	children, err := queue.ListJobsByParent(parent.ID)
	if err != nil {
		t.Fatalf("Failed to list children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("Expected 2 children, got %d", len(children))
	}
	for _, child := range children {
		if child.Status != JobStatusQueued {
			t.Errorf("Child %s status = %v, want %v (children must outlive parent)",
				child.ID, child.Status, JobStatusQueued)
		}
	}
}

func TestQueueFindActiveJobBySourceAndHandler(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	job, _ := NewJob("report.finalize", "acme/rpt_dedup", nil)
	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	found, err := queue.FindActiveJobBySourceAndHandler("acme/rpt_dedup", "report.finalize")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found == nil {
		t.Fatal("Expected to find the active job")
	}
	if found.ID != job.ID {
		t.Errorf("Found job %s, want %s", found.ID, job.ID)
	}

	// Different handler name should not match
	found, err = queue.FindActiveJobBySourceAndHandler("acme/rpt_dedup", "signal.assign")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found != nil {
		t.Errorf("Expected no match for different handler, got %s", found.ID)
	}

	// Completed jobs are not active
	if err := queue.CompleteJob(job.ID); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	found, err = queue.FindActiveJobBySourceAndHandler("acme/rpt_dedup", "report.finalize")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found != nil {
		t.Errorf("Expected no active job after completion, got %s", found.ID)
	}
}

func TestQueueSubscribe(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	ch := queue.Subscribe()
	defer queue.Unsubscribe(ch)

	job, _ := NewJob("signal.assign", "acme/sig-sub", nil)
	if err := queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	select {
	case update := <-ch:
		if update.ID != job.ID {
			t.Errorf("Subscriber got job %s, want %s", update.ID, job.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not receive enqueue notification")
	}
}

func TestQueueStats(t *testing.T) {
	db := sifttest.CreateTestDB(t)
	queue := NewQueue(db)

	for i := 0; i < 3; i++ {
		job, _ := NewJob("signal.assign", "acme/sig-stats", nil)
		if err := queue.Enqueue(job); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
	if _, err := queue.Dequeue(); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	stats, err := queue.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Queued != 2 {
		t.Errorf("Queued = %d, want 2", stats.Queued)
	}
	if stats.Running != 1 {
		t.Errorf("Running = %d, want 1", stats.Running)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
}
