package pulse

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
)

// MaxRetries is the maximum number of retry attempts for failed jobs
const MaxRetries = 2

// RetryableError re-queues the job for another attempt, unless the error is
// terminal or the retry budget is exhausted.
//
// Terminal domain errors (invalid input, schema validation exhaustion, unsafe
// content) are never retried: the same input will produce the same outcome.
// Errors marked ErrNonRetryable are never retried either: the handler already
// committed side effects that a re-run would double-apply.
func RetryableError(queue *Queue, job *Job, operation string, err error, log *zap.SugaredLogger) error {
	if errors.IsDomainError(err) || errors.Is(err, errors.ErrNonRetryable) {
		log.Warnw("Terminal error, not retrying",
			"operation", operation,
			"error", err,
		)
		return errors.Wrapf(err, "%s", operation)
	}

	if job.RetryCount < MaxRetries {
		job.RetryCount++
		job.Error = fmt.Sprintf("%s (retry %d/%d): %v", operation, job.RetryCount, MaxRetries, err)
		job.Status = JobStatusQueued // Re-enqueue for retry
		if updateErr := queue.UpdateJob(job); updateErr != nil {
			log.Warnw("Failed to update job for retry",
				"error", updateErr,
			)
		} else {
			log.Infow("꩜ Retry scheduled",
				"retry_count", job.RetryCount,
				"max_retries", MaxRetries,
				"operation", operation,
			)
		}
		return errors.Wrap(err, "retriable")
	}
	log.Warnw("꩜ Max retries exceeded",
		"max_retries", MaxRetries,
		"operation", operation,
	)
	return errors.Wrapf(err, "%s after %d retries", operation, MaxRetries)
}
