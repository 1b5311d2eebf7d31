package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
	"github.com/teranos/sift/pulse"
	"github.com/teranos/sift/signal"
)

// Handler names for job routing
const (
	AssignHandlerName   = "signal.assign"
	FinalizeHandlerName = "report.finalize"
)

// AssignPayload is the signal.assign job payload
type AssignPayload struct {
	Input signal.Input `json:"input"`
}

// FinalizePayload is the report.finalize job payload
type FinalizePayload struct {
	TenantID string `json:"tenant_id"`
	ReportID string `json:"report_id"`
}

// finalizeSource is the idempotency key for a finalization run: one active
// run per (tenant, report)
func finalizeSource(tenantID, reportID string) string {
	return fmt.Sprintf("%s/%s", tenantID, reportID)
}

// EnqueueAssign schedules an assignment run for one producer signal.
// Concurrent duplicates for the same source key collapse into the active
// job; re-submission after completion is caught by the store-level dedup
// inside Assign.
func EnqueueAssign(queue *pulse.Queue, in signal.Input) (*pulse.Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	source := in.SourceKey()
	if active, err := queue.FindActiveJobBySourceAndHandler(source, AssignHandlerName); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}

	payload, err := json.Marshal(AssignPayload{Input: in})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal assign payload")
	}

	job, err := pulse.NewJob(AssignHandlerName, source, payload)
	if err != nil {
		return nil, err
	}
	if err := queue.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueFinalize schedules a finalization run for a report. Duplicate
// starts for the same (tenant, report) are no-ops while a run is active.
// parentJobID links the run to the job that triggered it; the child outlives
// the parent.
func EnqueueFinalize(queue *pulse.Queue, tenantID, reportID, parentJobID string) (*pulse.Job, error) {
	source := finalizeSource(tenantID, reportID)
	if active, err := queue.FindActiveJobBySourceAndHandler(source, FinalizeHandlerName); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}

	payload, err := json.Marshal(FinalizePayload{TenantID: tenantID, ReportID: reportID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal finalize payload")
	}

	job, err := pulse.NewChildJob(FinalizeHandlerName, source, payload, parentJobID)
	if err != nil {
		return nil, err
	}
	if err := queue.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// QueueSpawner starts finalization runs as durable jobs
type QueueSpawner struct {
	Queue *pulse.Queue
}

// StartFinalization implements Spawner
func (s QueueSpawner) StartFinalization(tenantID, reportID, parentJobID string) error {
	_, err := EnqueueFinalize(s.Queue, tenantID, reportID, parentJobID)
	return err
}

// AssignHandler executes signal.assign jobs
type AssignHandler struct {
	assigner *Assigner
	queue    *pulse.Queue
	logger   *zap.SugaredLogger
}

// NewAssignHandler creates the assignment job handler
func NewAssignHandler(assigner *Assigner, queue *pulse.Queue, logger *zap.SugaredLogger) *AssignHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AssignHandler{assigner: assigner, queue: queue, logger: logger}
}

func (h *AssignHandler) Name() string { return AssignHandlerName }

// Execute decodes the payload and runs assignment. Transient failures
// re-queue the job within the retry budget; domain errors fail it outright.
func (h *AssignHandler) Execute(ctx context.Context, job *pulse.Job) error {
	var payload AssignPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "invalid assign payload")
	}

	log := h.logger.With("job_id", job.ID, "source", job.Source)

	outcome, err := h.assigner.Assign(ctx, payload.Input, job.ID)
	if err != nil {
		return pulse.RetryableError(h.queue, job, "signal assignment", err, log)
	}

	log.Infow("Assignment complete",
		"signal_id", outcome.SignalID,
		"report_id", outcome.ReportID,
		"promoted", outcome.Promoted,
		"duplicate", outcome.Duplicate,
	)
	return nil
}

// FinalizeHandler executes report.finalize jobs
type FinalizeHandler struct {
	finalizer *Finalizer
	queue     *pulse.Queue
	logger    *zap.SugaredLogger
}

// NewFinalizeHandler creates the finalization job handler
func NewFinalizeHandler(finalizer *Finalizer, queue *pulse.Queue, logger *zap.SugaredLogger) *FinalizeHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FinalizeHandler{finalizer: finalizer, queue: queue, logger: logger}
}

func (h *FinalizeHandler) Name() string { return FinalizeHandlerName }

func (h *FinalizeHandler) Execute(ctx context.Context, job *pulse.Job) error {
	var payload FinalizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "invalid finalize payload")
	}

	log := h.logger.With("job_id", job.ID, "report_id", payload.ReportID)

	if err := h.finalizer.Finalize(ctx, payload.TenantID, payload.ReportID, job.ID); err != nil {
		// The finalizer already marked the report failed; the retry budget
		// still applies to transient causes so a flaky judge call does not
		// strand the report
		return pulse.RetryableError(h.queue, job, "report finalization", err, log)
	}

	log.Infow("Finalization complete")
	return nil
}

// RegisterHandlers wires both engine handlers into a worker pool registry
func RegisterHandlers(registry *pulse.HandlerRegistry, assigner *Assigner, finalizer *Finalizer, queue *pulse.Queue, logger *zap.SugaredLogger) {
	registry.Register(NewAssignHandler(assigner, queue, logger))
	registry.Register(NewFinalizeHandler(finalizer, queue, logger))
}
