package pulse

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs we'll attempt to
	// recover on startup to prevent overwhelming the system after a crash
	MaxOrphanedJobsToRecover = 1000
)

// RateLimiter gates job execution. Wait blocks until a slot is available or
// the context is cancelled.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// JobExecutor runs a single job
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPool manages a pool of workers that poll the queue and execute jobs
// through registered handlers.
type WorkerPool struct {
	queue         *Queue
	rateLimiter   RateLimiter // optional - can be nil for tests
	db            *sql.DB
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	executor      JobExecutor
	registry      *HandlerRegistry
	activeWorkers int // workers currently executing jobs
	logger        pulseLogger
	mu            sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for new jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 5 * time.Second,
	}
}

// NewWorkerPool creates a new worker pool with an empty handler registry.
// IMPORTANT: Callers must register handlers before calling Start().
//
// The worker context derives from the parent context passed in, so server
// shutdown propagates: workers detect cancellation via ctx.Done() and
// in-flight jobs are re-queued rather than failed.
func NewWorkerPool(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger, rateLimiter RateLimiter) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	registry := NewHandlerRegistry()

	return &WorkerPool{
		queue:       NewQueue(db),
		rateLimiter: rateLimiter,
		db:          db,
		poolConfig:  poolCfg,
		workers:     poolCfg.Workers,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		executor:    NewRegistryExecutor(registry),
		registry:    registry,
		logger:      pulseLogger{logger.Named("pulse")},
	}
}

// Start begins processing jobs with the worker pool.
// ✿ Opening: recover orphaned jobs before starting workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// Check if context was cancelled (after Stop()) - if so, create new one.
	// This must happen BEFORE spawning workers to avoid races.
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.mu.Unlock()

	// Recover jobs orphaned by an ungraceful shutdown (crash, kill -9)
	if err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.SugaredLogger.Warnw("Failed to recover orphaned jobs", "error", err)
		// Continue starting workers even if recovery fails
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.SugaredLogger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedJobs finds jobs stuck in "running" state and re-queues them.
// This is the stuck-run watchdog: a report run left in progress by a crashed
// process is picked up again on the next startup instead of hanging forever.
func (wp *WorkerPool) recoverOrphanedJobs() error {
	runningStatus := JobStatusRunning
	orphanedJobs, err := wp.queue.ListJobs(&runningStatus, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}

	if len(orphanedJobs) == 0 {
		return nil
	}

	wp.logger.Starting("Opening - found orphaned jobs from previous crash", "count", len(orphanedJobs))

	recovered := 0
	for _, job := range orphanedJobs {
		job.Status = JobStatusQueued
		job.Error = "" // Clear any stale error message

		if err := wp.queue.UpdateJob(job); err != nil {
			wp.logger.SugaredLogger.Warnw("Failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	wp.logger.Starting("Orphaned job recovery complete", "recovered", recovered, "total", len(orphanedJobs))
	return nil
}

// Stop gracefully stops the worker pool.
// ❀ Closing: workers exit on context cancellation and in-flight jobs are
// re-queued. Uses a 30-second timeout to avoid blocking shutdown forever.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be finishing", "timeout", timeout)
	}
}

// worker processes jobs from the queue on a poll interval
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	interval := wp.poolConfig.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				// Check if error is due to shutdown (context cancelled or database closed)
				select {
				case <-wp.ctx.Done():
					return
				default:
					if errors.Is(err, sql.ErrConnDone) {
						// Database closed during shutdown - exit silently
						return
					}
					errorCount++
					wp.logger.SugaredLogger.Errorw("Worker error processing job",
						"worker_id", id,
						"error", err,
						"consecutive_errors", errorCount)

					if errorCount >= maxConsecutiveErrors {
						wp.logger.SugaredLogger.Warnw("Worker backing off due to consecutive errors",
							"worker_id", id,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						time.Sleep(backoffDuration)
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
				}
			} else {
				if errorCount > 0 {
					wp.logger.SugaredLogger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}
		}
	}
}

// processNextJob gets the next job from the queue and processes it
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil // Graceful shutdown - don't process new jobs
	default:
	}

	// Rate limit gate BEFORE dequeuing: every job makes model calls, so
	// holding the job in the queue until a slot opens keeps us inside the
	// per-minute call budget without a paused job state.
	if wp.rateLimiter != nil {
		if err := wp.rateLimiter.Wait(wp.ctx); err != nil {
			return nil // Context cancelled while waiting
		}
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return errors.Wrap(err, "failed to dequeue job")
	}

	if job == nil {
		return nil // No jobs available
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	if err := wp.executor.Execute(wp.ctx, job); err != nil {
		// ❀ Closing: context cancelled mid-job means shutdown, not failure.
		// Re-queue so the job resumes on next startup.
		select {
		case <-wp.ctx.Done():
			wp.logger.Closing("Job cancelled during execution, re-queuing", "job_id", job.ID)
			job.Status = JobStatusQueued
			if updateErr := wp.queue.UpdateJob(job); updateErr != nil {
				wp.logger.SugaredLogger.Errorw("Failed to re-queue cancelled job", "job_id", job.ID, "error", updateErr)
			}
			return nil
		default:
		}

		// Handler may have scheduled a retry via RetryableError, which
		// flips the job back to queued. Don't fail it in that case.
		if job.Status == JobStatusQueued {
			return nil
		}

		return wp.queue.FailJob(job.ID, err)
	}

	return wp.queue.CompleteJob(job.ID)
}

// GetQueue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry for registering custom job handlers.
// Use this to register handlers before calling Start():
//
//	pool := pulse.NewWorkerPool(ctx, db, poolCfg, logger, limiter)
//	engine.RegisterHandlers(pool.Registry(), ...)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
