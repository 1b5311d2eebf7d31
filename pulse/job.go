// Package pulse provides durable asynchronous job processing for sift.
//
// Jobs persist in SQLite and survive process crashes: a worker pool polls the
// queue, orphaned jobs are re-queued on startup, and failed jobs retry a
// bounded number of times. Engine runs (signal assignment, report
// finalization) execute as jobs through registered handlers.
package pulse

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/sift/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job represents one durable unit of work.
//
// The infrastructure is domain-agnostic: HandlerName routes the job to a
// registered handler, Payload carries handler-specific JSON, and Source is an
// idempotency key: at most one active job exists per (source, handler) pair.
type Job struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"` // "signal.assign", "report.finalize"
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source"` // idempotency/dedup key
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	ParentJobID string          `json:"parent_job_id,omitempty"` // spawning run, lifecycle-decoupled
	RetryCount  int             `json:"retry_count,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a new queued job with a typed payload.
//
// Example:
//
//	payload, _ := json.Marshal(FinalizePayload{TenantID: "acme", ReportID: id})
//	job, _ := pulse.NewJob("report.finalize", "acme/"+id, payload)
func NewJob(handlerName string, source string, payload json.RawMessage) (*Job, error) {
	return NewChildJob(handlerName, source, payload, "")
}

// NewChildJob creates a new job with an optional parent job ID. Child jobs
// are grouped under the parent for observability but complete independently
// of it (a finished or failed parent never cancels its children).
func NewChildJob(handlerName string, source string, payload json.RawMessage, parentJobID string) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}

	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Payload:     payload,
		Source:      source,
		Status:      JobStatusQueued,
		ParentJobID: parentJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed
func (j *Job) Complete() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}
