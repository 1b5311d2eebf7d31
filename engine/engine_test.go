package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/sift/ai/embedder"
	"github.com/teranos/sift/ai/openrouter"
	"github.com/teranos/sift/am"
	"github.com/teranos/sift/errors"
	sifttest "github.com/teranos/sift/internal/testing"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

// scriptedChat routes judge calls to canned responses by system prompt.
// Fields are plain JSON strings; classify can inspect the user prompt.
type scriptedChat struct {
	mu            sync.Mutex
	queries       string
	match         string
	coherence     string
	safety        string
	actionability string
	classify      func(userPrompt string) string
}

func (s *scriptedChat) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var content string
	switch {
	case strings.Contains(req.SystemPrompt, "search queries"):
		content = s.queries
	case strings.Contains(req.SystemPrompt, "cluster product signals"):
		content = s.match
	case strings.Contains(req.SystemPrompt, "coherent topic"):
		content = s.coherence
	case strings.Contains(req.SystemPrompt, "must not reach downstream"):
		content = s.safety
	case strings.Contains(req.SystemPrompt, "actionable by an autonomous agent"):
		content = s.actionability
	case strings.Contains(req.SystemPrompt, "classify a signal"):
		content = s.classify(req.UserPrompt)
	default:
		return nil, errors.Newf("scriptedChat: unrecognized system prompt: %s", req.SystemPrompt)
	}
	return &openrouter.ChatResponse{Content: content}, nil
}

// fakeEmbedder returns deterministic vectors derived from text length
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 768)
	for i := range v {
		v[i] = 0.001
	}
	v[len(text)%768] = 1.0
	return v, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, _ := f.Embed(ctx, t)
		out[i] = vec
	}
	return out, nil
}

// recordingSpawner captures finalization starts
type recordingSpawner struct {
	mu     sync.Mutex
	starts []string // "tenant/report"
}

func (s *recordingSpawner) StartFinalization(tenantID, reportID, parentJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, tenantID+"/"+reportID)
	return nil
}

func (s *recordingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func testEngineConfig() am.EngineConfig {
	return am.EngineConfig{
		WeightThreshold:        1.0,
		SearchLimit:            10,
		SearchRecencyDays:      30,
		MaxSearchQueries:       3,
		FetchMaxRetries:        3,
		FetchRetryDelaySeconds: 0,
	}
}

type engineFixture struct {
	signals   *signal.Store
	reports   *report.Store
	chat      *scriptedChat
	spawner   *recordingSpawner
	assigner  *Assigner
	finalizer *Finalizer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db := sifttest.CreateTestDB(t)
	signals := signal.NewStore(db, nil)
	reports := report.NewStore(db, nil)
	chat := &scriptedChat{
		queries: `{"queries": ["checkout slow", "payment latency"]}`,
	}
	spawner := &recordingSpawner{}
	cfg := testEngineConfig()

	return &engineFixture{
		signals:   signals,
		reports:   reports,
		chat:      chat,
		spawner:   spawner,
		assigner:  NewAssigner(signals, reports, fakeEmbedder{}, chat, spawner, cfg, nil),
		finalizer: NewFinalizer(signals, reports, chat, spawner, cfg, nil),
	}
}

func testInput(sourceID, description string, weight float64) signal.Input {
	return signal.Input{
		TenantID:      "acme",
		SourceProduct: "support",
		SourceType:    "ticket",
		SourceID:      sourceID,
		Description:   description,
		Weight:        weight,
	}
}

// First signal: no candidates, judge opens a new report below the threshold
func TestAssignCreatesNewReport(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chat.match = `{"decision": "new", "title": "Checkout latency", "summary": "Checkout is slow", "reasoning": "no candidates"}`

	outcome, err := fx.assigner.Assign(context.Background(), testInput("t1", "checkout page times out", 0.6), "")
	require.NoError(t, err)

	assert.True(t, outcome.NewReport)
	assert.False(t, outcome.Promoted)
	assert.NotEmpty(t, outcome.ReportID)

	r, err := fx.reports.Get(outcome.ReportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusPotential, r.Status)
	assert.Equal(t, 0.6, r.TotalWeight)
	assert.Equal(t, "Checkout latency", r.Title)

	signals, err := fx.signals.FetchByReport("acme", outcome.ReportID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, outcome.SignalID, signals[0].ID)

	assert.Equal(t, 0, fx.spawner.count(), "below-threshold report must not spawn finalization")
}

// A 0.6 signal creates a report, a matching 0.5 signal promotes it and
// triggers exactly one finalization run
func TestAssignMatchPromotes(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chat.match = `{"decision": "new", "title": "Checkout latency", "summary": "", "reasoning": ""}`

	first, err := fx.assigner.Assign(context.Background(), testInput("t1", "checkout page times out", 0.6), "")
	require.NoError(t, err)
	require.False(t, first.Promoted)

	fx.chat.mu.Lock()
	fx.chat.match = fmt.Sprintf(`{"decision": "existing", "report_id": "%s", "reasoning": "same topic"}`, first.ReportID)
	fx.chat.mu.Unlock()

	second, err := fx.assigner.Assign(context.Background(), testInput("t2", "payments hang at checkout step", 0.5), "")
	require.NoError(t, err)

	assert.Equal(t, first.ReportID, second.ReportID)
	assert.True(t, second.Promoted)
	assert.Greater(t, second.Candidates, 0, "the first signal must surface as a candidate")

	r, err := fx.reports.Get(first.ReportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusCandidate, r.Status)
	assert.InDelta(t, 1.1, r.TotalWeight, 1e-9)
	assert.NotNil(t, r.PromotedAt)

	require.Equal(t, 1, fx.spawner.count())
	assert.Equal(t, "acme/"+first.ReportID, fx.spawner.starts[0])
}

// Re-submitting the same source key is a no-op
func TestAssignDeduplicatesBySource(t *testing.T) {
	fx := newEngineFixture(t)
	fx.chat.match = `{"decision": "new", "title": "Checkout latency", "summary": "", "reasoning": ""}`

	first, err := fx.assigner.Assign(context.Background(), testInput("t1", "checkout page times out", 0.6), "")
	require.NoError(t, err)

	again, err := fx.assigner.Assign(context.Background(), testInput("t1", "checkout page times out", 0.6), "")
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.SignalID, again.SignalID)

	r, err := fx.reports.Get(first.ReportID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, r.TotalWeight, "duplicate must not accumulate weight")
	assert.Equal(t, 1, r.SignalCount)
}

func TestAssignRejectsInvalidInput(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.assigner.Assign(context.Background(), testInput("t1", "desc", 1.5), "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidInputError(err))
}

// seedReport writes a candidate report with the given signals directly
func seedReport(t *testing.T, fx *engineFixture, descriptions []string, weights []float64) (string, []*signal.Signal) {
	t.Helper()

	var total float64
	for _, w := range weights {
		total += w
	}
	r := &report.SignalReport{
		ID:          report.NewID(),
		TenantID:    "acme",
		Status:      report.StatusCandidate,
		TotalWeight: total,
		SignalCount: len(descriptions),
	}
	tx, err := fx.reports.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, fx.reports.CreateTx(tx, r))
	require.NoError(t, tx.Commit())

	signals := make([]*signal.Signal, len(descriptions))
	for i, desc := range descriptions {
		sig := signal.New(testInput(fmt.Sprintf("seed-%d", i), desc, weights[i]))
		sig.ReportID = r.ID
		vec, _ := fakeEmbedder{}.Embed(context.Background(), sig.Content)
		require.NoError(t, fx.signals.Write(sig, embedder.SerializeVector(vec)))
		signals[i] = sig
	}
	return r.ID, signals
}

// Five signals, two topics: the original fails with a split marker, two new
// reports carry the regrouped signals, and only the bucket over the
// threshold spawns a recursive run
func TestFinalizeSplit(t *testing.T) {
	fx := newEngineFixture(t)

	reportID, _ := seedReport(t, fx,
		[]string{
			"checkout times out",
			"checkout spinner forever",
			"checkout 504 errors",
			"emails bounce for gmail users",
			"email digest never arrives",
		},
		[]float64{0.3, 0.3, 0.3, 0.5, 0.6},
	)

	fx.chat.coherence = `{"buckets": [
		{"title": "Checkout failures", "summary": "Checkout is broken"},
		{"title": "Email delivery", "summary": "Emails not delivered"}
	]}`
	fx.chat.classify = func(userPrompt string) string {
		if strings.Contains(userPrompt, "checkout") {
			return `{"bucket_index": 0}`
		}
		return `{"bucket_index": 1}`
	}

	require.NoError(t, fx.finalizer.Finalize(context.Background(), "acme", reportID, "job-1"))

	original, err := fx.reports.Get(reportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, original.Status)
	assert.Contains(t, original.Error, "split into 2 reports")

	potential := report.StatusPotential
	candidate := report.StatusCandidate
	potentials, err := fx.reports.List("acme", &potential, 10)
	require.NoError(t, err)
	candidates, err := fx.reports.List("acme", &candidate, 10)
	require.NoError(t, err)
	require.Len(t, potentials, 1, "checkout bucket (0.9) stays potential")
	require.Len(t, candidates, 1, "email bucket (1.1) promotes")

	checkout, email := potentials[0], candidates[0]
	assert.Equal(t, "Checkout failures", checkout.Title)
	assert.InDelta(t, 0.9, checkout.TotalWeight, 1e-9)
	assert.Equal(t, 3, checkout.SignalCount)
	assert.Equal(t, "Email delivery", email.Title)
	assert.InDelta(t, 1.1, email.TotalWeight, 1e-9)
	assert.Equal(t, 2, email.SignalCount)

	// Round-trip: each new report owns exactly its bucket's signals
	checkoutSignals, err := fx.signals.FetchByReport("acme", checkout.ID)
	require.NoError(t, err)
	assert.Len(t, checkoutSignals, 3)
	for _, sig := range checkoutSignals {
		assert.Contains(t, sig.Content, "checkout")
	}
	emailSignals, err := fx.signals.FetchByReport("acme", email.ID)
	require.NoError(t, err)
	assert.Len(t, emailSignals, 2)

	// The original keeps nothing
	orphans, err := fx.signals.FetchByReport("acme", reportID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Only the promoted bucket recurses
	require.Equal(t, 1, fx.spawner.count())
	assert.Equal(t, "acme/"+email.ID, fx.spawner.starts[0])
}

// Unsafe content fails the report regardless of actionability
func TestFinalizeUnsafe(t *testing.T) {
	fx := newEngineFixture(t)

	reportID, _ := seedReport(t, fx, []string{"ticket contains leaked api keys"}, []float64{1.0})

	fx.chat.coherence = `{"buckets": [{"title": "Leaked credentials", "summary": "API keys in tickets"}]}`
	fx.chat.safety = `{"safe": false, "explanation": "content embeds live credentials"}`
	fx.chat.actionability = `{"choice": "immediately_actionable", "explanation": "irrelevant"}`

	err := fx.finalizer.Finalize(context.Background(), "acme", reportID, "job-1")
	require.NoError(t, err)

	r, err := fx.reports.Get(reportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, r.Status)
	assert.Contains(t, r.Error, "content embeds live credentials")
}

// Not actionable sends the report back to the pool with weight reset
func TestFinalizeNotActionable(t *testing.T) {
	fx := newEngineFixture(t)

	reportID, _ := seedReport(t, fx, []string{"users dislike the new font"}, []float64{1.2})

	fx.chat.coherence = `{"buckets": [{"title": "Font complaints", "summary": "Aesthetic feedback"}]}`
	fx.chat.safety = `{"safe": true}`
	fx.chat.actionability = `{"choice": "not_actionable", "explanation": "pure preference, no fix"}`

	require.NoError(t, fx.finalizer.Finalize(context.Background(), "acme", reportID, "job-1"))

	r, err := fx.reports.Get(reportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusPotential, r.Status)
	assert.Equal(t, 0.0, r.TotalWeight)
	assert.Nil(t, r.PromotedAt)
}

func TestFinalizeRequiresHumanInput(t *testing.T) {
	fx := newEngineFixture(t)

	reportID, _ := seedReport(t, fx, []string{"pricing page confuses enterprise buyers"}, []float64{1.0})

	fx.chat.coherence = `{"buckets": [{"title": "Pricing confusion", "summary": "Enterprise buyers confused"}]}`
	fx.chat.safety = `{"safe": true}`
	fx.chat.actionability = `{"choice": "requires_human_input", "explanation": "pricing changes need approval"}`

	require.NoError(t, fx.finalizer.Finalize(context.Background(), "acme", reportID, "job-1"))

	r, err := fx.reports.Get(reportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusPendingInput, r.Status)
	assert.Equal(t, "Pricing confusion", r.Title)
	assert.Equal(t, "pricing changes need approval", r.Error)
}

func TestFinalizeReady(t *testing.T) {
	fx := newEngineFixture(t)

	reportID, _ := seedReport(t, fx, []string{"checkout times out", "checkout 504s"}, []float64{0.6, 0.5})

	fx.chat.coherence = `{"buckets": [{"title": "Checkout failures", "summary": "Checkout consistently failing"}]}`
	fx.chat.safety = `{"safe": true}`
	fx.chat.actionability = `{"choice": "immediately_actionable", "explanation": "clear engineering fix"}`

	require.NoError(t, fx.finalizer.Finalize(context.Background(), "acme", reportID, "job-1"))

	r, err := fx.reports.Get(reportID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusReady, r.Status)
	assert.Equal(t, "Checkout failures", r.Title)
	assert.Equal(t, "Checkout consistently failing", r.Summary)
	assert.Equal(t, 2, r.SignalsAtRun)
	assert.NotNil(t, r.LastRunAt)
}

// A report with no visible signals fails only after the full retry budget
// A run re-queued after a committed split finds the report terminal and its
// signals reassigned; it must exit without touching the split marker
func TestFinalizeSkipsTerminalReport(t *testing.T) {
	fx := newEngineFixture(t)

	r := &report.SignalReport{
		ID:       report.NewID(),
		TenantID: "acme",
		Status:   report.StatusFailed,
		Error:    "split into 2 reports",
	}
	tx, err := fx.reports.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, fx.reports.CreateTx(tx, r))
	require.NoError(t, tx.Commit())

	err = fx.finalizer.Finalize(context.Background(), "acme", r.ID, "job-1")
	require.NoError(t, err)

	stored, err := fx.reports.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, stored.Status)
	assert.Equal(t, "split into 2 reports", stored.Error)
	assert.Equal(t, 0, fx.spawner.count())
}

func TestFinalizeNoSignals(t *testing.T) {
	fx := newEngineFixture(t)

	r := &report.SignalReport{
		ID:       report.NewID(),
		TenantID: "acme",
		Status:   report.StatusCandidate,
	}
	tx, err := fx.reports.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, fx.reports.CreateTx(tx, r))
	require.NoError(t, tx.Commit())

	err = fx.finalizer.Finalize(context.Background(), "acme", r.ID, "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoSignals))
	assert.Contains(t, err.Error(), "after 3 attempts")

	stored, err := fx.reports.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "No signals found")
}
