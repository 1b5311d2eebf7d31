package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/ai/judge"
	"github.com/teranos/sift/am"
	"github.com/teranos/sift/errors"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

// Finalizer runs the per-report finalization state machine: fetch signals,
// judge coherence (possibly splitting the report), then judge safety and
// actionability concurrently before the terminal transition.
type Finalizer struct {
	signals *signal.Store
	reports *report.Store
	judges  judges
	spawner Spawner
	logger  *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   am.EngineConfig
}

// UpdateConfig swaps the engine tunables; in-flight runs keep the snapshot
// they started with
func (f *Finalizer) UpdateConfig(cfg am.EngineConfig) {
	f.cfgMu.Lock()
	f.cfg = cfg
	f.cfgMu.Unlock()
}

func (f *Finalizer) config() am.EngineConfig {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

// NewFinalizer wires the finalization engine
func NewFinalizer(signals *signal.Store, reports *report.Store, chat judge.ChatClient, spawner Spawner, cfg am.EngineConfig, logger *zap.SugaredLogger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Finalizer{
		signals: signals,
		reports: reports,
		judges:  judges{chat: chat, logger: logger},
		spawner: spawner,
		cfg:     cfg,
		logger:  logger.Named("finalize"),
	}
}

// Finalize drives one report to a terminal state (or back to potential).
//
// Any error after signals are fetched marks the report failed with the
// error message AND propagates, so the job layer's failure accounting sees
// it too. jobID groups recursively spawned runs under this one.
func (f *Finalizer) Finalize(ctx context.Context, tenantID, reportID, jobID string) error {
	log := f.logger.With("tenant_id", tenantID, "report_id", reportID)
	cfg := f.config()

	// A re-queued job can outlive its report: orphan recovery re-runs a job
	// whose split already committed, and the signals now belong to the
	// children. Re-entering would overwrite the terminal marker, so skip.
	rep, err := f.reports.Get(reportID)
	if err != nil {
		return err
	}
	if rep.Status.IsTerminal() {
		log.Infow("Report already terminal, skipping finalization", "status", rep.Status)
		return nil
	}

	signals, err := f.fetchSignals(ctx, tenantID, reportID, cfg, log)
	if err != nil {
		return err
	}

	if err := f.reports.BeginRun(reportID, len(signals)); err != nil {
		return err
	}
	log.Infow("Finalization run started", "signals", len(signals))

	buckets, err := f.judges.JudgeCoherence(ctx, signals)
	if err != nil {
		return f.fail(reportID, err)
	}

	if len(buckets) > 1 {
		return f.split(ctx, tenantID, reportID, jobID, signals, buckets, cfg, log)
	}
	return f.judged(ctx, reportID, signals, buckets[0], log)
}

// fetchSignals reads the report's signals, retrying on empty results to
// absorb the gap between report counters and signal persistence (assignment
// writes the signal last). Still empty after the retry budget → the report
// fails with a descriptive reason.
func (f *Finalizer) fetchSignals(ctx context.Context, tenantID, reportID string, cfg am.EngineConfig, log *zap.SugaredLogger) ([]*signal.Signal, error) {
	attempts := cfg.FetchMaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		signals, err := f.signals.FetchByReport(tenantID, reportID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to fetch signals")
		}
		if len(signals) > 0 {
			return signals, nil
		}

		log.Warnw("No signals visible yet", "attempt", attempt, "max_attempts", attempts)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.FetchRetryDelay()):
			}
		}
	}

	reason := "No signals found"
	if err := f.reports.MarkFailed(reportID, reason); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(errors.ErrNoSignals, "report %s: %s after %d attempts", reportID, reason, attempts)
}

// judged runs the safety and actionability judges concurrently over the
// single coherent bucket. They are independent classifications of the same
// content; safety takes precedence when both would transition, because an
// unsafe report must never reach pending_input or ready.
func (f *Finalizer) judged(ctx context.Context, reportID string, signals []*signal.Signal, bucket CoherenceBucket, log *zap.SugaredLogger) error {
	var (
		wg            sync.WaitGroup
		safety        SafetyVerdict
		safetyErr     error
		actionability ActionabilityVerdict
		actionErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		safety, safetyErr = f.judges.JudgeSafety(ctx, bucket, signals)
	}()
	go func() {
		defer wg.Done()
		actionability, actionErr = f.judges.JudgeActionability(ctx, bucket, signals)
	}()
	wg.Wait()

	if safetyErr != nil {
		return f.fail(reportID, safetyErr)
	}
	if actionErr != nil {
		return f.fail(reportID, actionErr)
	}

	// Safety first
	if !safety.Safe {
		reason := "unsafe content: " + safety.Explanation
		log.Warnw("Report judged unsafe", "explanation", safety.Explanation)
		return f.reports.MarkFailed(reportID, reason)
	}

	switch actionability.Choice {
	case ActionabilityNotActionable:
		// Back to the pool: weight resets, promotion clears, the report
		// must re-accumulate weight before finalizing again
		log.Infow("Report not actionable, returning to potential", "explanation", actionability.Explanation)
		return f.reports.ResetToPotential(reportID)

	case ActionabilityRequiresHuman:
		log.Infow("Report needs human input", "explanation", actionability.Explanation)
		return f.reports.MarkPendingInput(reportID, bucket.Title, bucket.Summary, actionability.Explanation)

	default:
		log.Infow("Report ready", "title", bucket.Title)
		return f.reports.MarkReady(reportID, bucket.Title, bucket.Summary)
	}
}

// split divides an incoherent report's signals across the coherence buckets.
// Classification calls run in parallel; all persistence (new report rows,
// signal re-assignment, the original's failed marker) commits in one
// transaction so a mid-way failure applies nothing.
func (f *Finalizer) split(ctx context.Context, tenantID, reportID, jobID string, signals []*signal.Signal, buckets []CoherenceBucket, cfg am.EngineConfig, log *zap.SugaredLogger) error {
	log.Infow("Report splitting", "buckets", len(buckets), "signals", len(signals))

	assignments := make([]int, len(signals))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, sig := range signals {
		wg.Add(1)
		go func(i int, sig *signal.Signal) {
			defer wg.Done()
			idx, err := f.judges.ClassifySignal(ctx, sig, buckets)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			assignments[i] = idx
		}(i, sig)
	}
	wg.Wait()
	if firstErr != nil {
		return f.fail(reportID, firstErr)
	}

	// Group signals per bucket; empty buckets are dropped
	bucketSignals := make([][]*signal.Signal, len(buckets))
	for i, sig := range signals {
		bucketSignals[assignments[i]] = append(bucketSignals[assignments[i]], sig)
	}

	now := time.Now()
	type newReport struct {
		row     *report.SignalReport
		signals []*signal.Signal
	}
	var created []newReport
	for i, group := range bucketSignals {
		if len(group) == 0 {
			continue
		}
		var weight float64
		for _, sig := range group {
			weight += sig.Weight
		}
		row := &report.SignalReport{
			ID:          report.NewID(),
			TenantID:    tenantID,
			Status:      report.StatusPotential,
			TotalWeight: weight,
			SignalCount: len(group),
			Title:       buckets[i].Title,
			Summary:     buckets[i].Summary,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if weight >= cfg.WeightThreshold {
			row.Status = report.StatusCandidate
			row.PromotedAt = &now
		}
		created = append(created, newReport{row: row, signals: group})
	}

	if len(created) == 0 {
		// every signal maps to a bucket, so at least one bucket is
		// non-empty whenever signals exist
		return f.fail(reportID, errors.New("split produced no non-empty buckets"))
	}

	tx, err := f.reports.DB().Begin()
	if err != nil {
		return f.fail(reportID, errors.Wrap(err, "failed to begin split transaction"))
	}
	defer tx.Rollback()

	for _, nr := range created {
		if err := f.reports.CreateTx(tx, nr.row); err != nil {
			return f.fail(reportID, err)
		}
		for _, sig := range nr.signals {
			if err := f.signals.SetReportTx(tx, sig.ID, nr.row.ID); err != nil {
				return f.fail(reportID, err)
			}
		}
	}

	reason := fmt.Sprintf("split into %d reports", len(created))
	if err := f.reports.MarkFailedTx(tx, reportID, reason); err != nil {
		return f.fail(reportID, err)
	}

	if err := tx.Commit(); err != nil {
		return f.fail(reportID, errors.Wrap(err, "failed to commit split"))
	}

	log.Infow("Report split committed", "new_reports", len(created))

	// This run ends here; work continues in children, whose lifecycles are
	// independent of this run's completion
	for _, nr := range created {
		if nr.row.Status != report.StatusCandidate {
			continue
		}
		if err := f.spawner.StartFinalization(tenantID, nr.row.ID, jobID); err != nil {
			log.Errorw("Failed to spawn finalization for split report",
				"report_id", nr.row.ID,
				"error", err,
			)
		}
	}

	return nil
}

// fail marks the report failed with the error message and propagates the
// error so the job layer records the failure too
func (f *Finalizer) fail(reportID string, cause error) error {
	if err := f.reports.MarkFailed(reportID, cause.Error()); err != nil {
		f.logger.Errorw("Failed to mark report failed",
			"report_id", reportID,
			"mark_error", err,
			"cause", cause,
		)
	}
	return cause
}
