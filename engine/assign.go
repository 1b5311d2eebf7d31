package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/sift/ai/embedder"
	"github.com/teranos/sift/ai/judge"
	"github.com/teranos/sift/am"
	"github.com/teranos/sift/errors"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

// Embedder turns text into vectors. Satisfied by *embedder.Client; tests
// substitute fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Spawner starts a finalization run for a promoted report. Implemented by
// the job layer; duplicate starts for the same report collapse into one run.
type Spawner interface {
	StartFinalization(tenantID, reportID, parentJobID string) error
}

// Assigner runs the per-signal assignment workflow: embed, generate search
// queries, search in parallel, judge the match, atomically assign, persist,
// and on promotion hand the report to the finalizer.
type Assigner struct {
	signals *signal.Store
	reports *report.Store
	embed   Embedder
	judges  judges
	spawner Spawner
	logger  *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   am.EngineConfig
}

// UpdateConfig swaps the engine tunables; in-flight runs keep the snapshot
// they started with
func (a *Assigner) UpdateConfig(cfg am.EngineConfig) {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()
}

func (a *Assigner) config() am.EngineConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// NewAssigner wires the assignment engine
func NewAssigner(signals *signal.Store, reports *report.Store, embed Embedder, chat judge.ChatClient, spawner Spawner, cfg am.EngineConfig, logger *zap.SugaredLogger) *Assigner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Assigner{
		signals: signals,
		reports: reports,
		embed:   embed,
		judges:  judges{chat: chat, logger: logger},
		spawner: spawner,
		cfg:     cfg,
		logger:  logger.Named("assign"),
	}
}

// AssignOutcome summarizes one assignment run
type AssignOutcome struct {
	SignalID   string `json:"signal_id"`
	ReportID   string `json:"report_id"`
	Promoted   bool   `json:"promoted"`
	Duplicate  bool   `json:"duplicate,omitempty"`   // source already ingested, nothing done
	NewReport  bool   `json:"new_report,omitempty"`  // match judge opened a fresh report
	Candidates int    `json:"candidates,omitempty"`  // deduplicated search hits shown to the judge
}

// Assign processes one incoming signal end to end.
//
// parentJobID groups any spawned finalization under the assignment job for
// observability; lifecycles stay decoupled.
func (a *Assigner) Assign(ctx context.Context, in signal.Input, parentJobID string) (*AssignOutcome, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	// Re-submitting the same source key must not create a duplicate signal.
	// The job idempotency key only suppresses concurrent runs; this check
	// covers re-submission after completion.
	existing, err := a.signals.GetBySource(in.TenantID, in.SourceProduct, in.SourceType, in.SourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		a.logger.Infow("Signal already ingested, skipping",
			"source", in.SourceKey(),
			"signal_id", existing.ID,
			"report_id", existing.ReportID,
		)
		return &AssignOutcome{SignalID: existing.ID, ReportID: existing.ReportID, Duplicate: true}, nil
	}

	sig := signal.New(in)
	cfg := a.config()

	// Embed the rendered content. This vector is both a search probe and
	// the one persisted with the signal.
	contentVec, err := a.embed.Embed(ctx, sig.Content)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed signal content")
	}

	candidates, err := a.searchCandidates(ctx, sig, contentVec, cfg)
	if err != nil {
		return nil, err
	}

	match, err := a.judges.DecideMatch(ctx, sig, candidates)
	if err != nil {
		return nil, err
	}

	var result *report.AssignResult
	var newReport bool
	switch m := match.(type) {
	case ExistingReportMatch:
		result, err = a.reports.AddSignal(m.ReportID, sig.Weight, cfg.WeightThreshold)
	case NewReportMatch:
		newReport = true
		result, err = a.reports.CreateWithSignal(in.TenantID, m.Title, m.Summary, sig.Weight, cfg.WeightThreshold)
	default:
		err = errors.Newf("unhandled match result type %T", match)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to assign signal to report")
	}

	// Persist last: a crash here leaves report counters ahead of the store,
	// which finalization tolerates by re-fetching with retries. The failure
	// is non-retryable: the counters are committed and the source dedup
	// cannot see the unwritten signal, so a re-run would count its weight
	// twice.
	sig.ReportID = result.ReportID
	if err := a.signals.Write(sig, embedder.SerializeVector(contentVec)); err != nil {
		return nil, errors.Wrapf(errors.ErrNonRetryable, "failed to persist assigned signal %s: %v", sig.ID, err)
	}

	a.logger.Infow("Signal assigned",
		"signal_id", sig.ID,
		"report_id", result.ReportID,
		"weight", sig.Weight,
		"new_report", newReport,
		"promoted", result.Promoted,
		"candidates", len(candidates),
	)

	if result.Promoted {
		if err := a.spawner.StartFinalization(in.TenantID, result.ReportID, parentJobID); err != nil {
			// The report stays candidate; the next promotion-adjacent event
			// or an operational sweep can restart finalization
			a.logger.Errorw("Failed to start finalization for promoted report",
				"report_id", result.ReportID,
				"error", err,
			)
		}
	}

	return &AssignOutcome{
		SignalID:   sig.ID,
		ReportID:   result.ReportID,
		Promoted:   result.Promoted,
		NewReport:  newReport,
		Candidates: len(candidates),
	}, nil
}

// searchCandidates generates search queries, embeds them, and runs all
// nearest-neighbor lookups concurrently. Results are joined and
// deduplicated by signal before the match decision; no short-circuiting.
func (a *Assigner) searchCandidates(ctx context.Context, sig *signal.Signal, contentVec []float32, cfg am.EngineConfig) ([]signal.Candidate, error) {
	queries, err := a.judges.GenerateQueries(ctx, sig, cfg.MaxSearchQueries)
	if err != nil {
		return nil, err
	}

	queryVecs, err := a.embed.EmbedBatch(ctx, queries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed search queries")
	}

	// The content vector searches alongside the generated queries
	probes := append([][]float32{contentVec}, queryVecs...)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		all      []signal.Candidate
	)
	for _, vec := range probes {
		wg.Add(1)
		go func(vec []float32) {
			defer wg.Done()
			hits, err := a.signals.Search(sig.TenantID, embedder.SerializeVector(vec), cfg.SearchLimit, cfg.SearchRecencyWindow())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			all = append(all, hits...)
		}(vec)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, errors.Wrap(firstErr, "semantic search failed")
	}

	// Dedup by signal, keeping the best distance
	best := make(map[string]signal.Candidate)
	for _, c := range all {
		if prev, ok := best[c.SignalID]; !ok || c.Distance < prev.Distance {
			best[c.SignalID] = c
		}
	}
	deduped := make([]signal.Candidate, 0, len(best))
	for _, c := range best {
		deduped = append(deduped, c)
	}

	a.logger.Debugw("Candidate search complete",
		"signal_id", sig.ID,
		"queries", len(queries),
		"raw_hits", len(all),
		"deduped", len(deduped),
	)

	return deduped, nil
}
