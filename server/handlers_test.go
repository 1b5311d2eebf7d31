package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/sift/ai/embedder"
	"github.com/teranos/sift/am"
	"github.com/teranos/sift/engine"
	sifttest "github.com/teranos/sift/internal/testing"
	"github.com/teranos/sift/pulse"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

func newTestServer(t *testing.T) *SiftServer {
	t.Helper()

	db := sifttest.CreateTestDB(t)
	logger := zap.NewNop().Sugar()
	daemon := pulse.NewWorkerPool(context.Background(), db, pulse.DefaultWorkerPoolConfig(), logger, pulse.NewCallLimiter(0))
	signals := signal.NewStore(db, logger)
	reports := report.NewStore(db, logger)

	return NewServer(db, daemon, signals, reports, am.ServerConfig{Port: 0}, logger)
}

func doRequest(t *testing.T, s *SiftServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleSignalsAcceptsValidInput(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/signals", `{
		"tenant_id": "acme",
		"source_product": "support",
		"source_type": "ticket",
		"source_id": "t1",
		"description": "checkout page times out",
		"weight": 0.6
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "job_id")

	jobs, err := s.queue.ListActiveJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, engine.AssignHandlerName, jobs[0].HandlerName)
}

func TestHandleSignalsRejectsInvalidWeight(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/signals", `{
		"tenant_id": "acme",
		"source_product": "support",
		"source_type": "ticket",
		"source_id": "t1",
		"description": "checkout page times out",
		"weight": 1.5
	}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSignalsRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/signals", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReportsRequiresTenant(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/reports", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReportsFiltersByStatus(t *testing.T) {
	s := newTestServer(t)

	_, err := s.reports.CreateWithSignal("acme", "Checkout latency", "", 0.6, 1.0)
	require.NoError(t, err)
	_, err = s.reports.CreateWithSignal("acme", "Email delivery", "", 1.2, 1.0)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/reports?tenant_id=acme&status=candidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Email delivery")
	assert.NotContains(t, rec.Body.String(), "Checkout latency")

	rec = doRequest(t, s, http.MethodGet, "/api/reports?tenant_id=acme&status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReportNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/reports/rpt_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReportReturnsDetails(t *testing.T) {
	s := newTestServer(t)

	result, err := s.reports.CreateWithSignal("acme", "Checkout latency", "Checkout is slow", 0.6, 1.0)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/reports/"+result.ReportID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Checkout latency")
	assert.Contains(t, rec.Body.String(), `"potential"`)
}

// The report detail payload carries the assigned signals alongside the row
func TestHandleReportIncludesSignals(t *testing.T) {
	s := newTestServer(t)

	result, err := s.reports.CreateWithSignal("acme", "Checkout latency", "Checkout is slow", 0.6, 1.0)
	require.NoError(t, err)

	sig := signal.New(signal.Input{
		TenantID:      "acme",
		SourceProduct: "support",
		SourceType:    "ticket",
		SourceID:      "t-detail",
		Description:   "checkout page times out on submit",
		Weight:        0.6,
	})
	sig.ReportID = result.ReportID
	vec := make([]float32, 768)
	vec[0] = 1.0
	require.NoError(t, s.signals.Write(sig, embedder.SerializeVector(vec)))

	rec := doRequest(t, s, http.MethodGet, "/api/reports/"+result.ReportID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"report"`)
	assert.Contains(t, rec.Body.String(), `"signals"`)
	assert.Contains(t, rec.Body.String(), sig.ID)
	assert.Contains(t, rec.Body.String(), "checkout page times out on submit")
}

func TestHandleJobChildren(t *testing.T) {
	s := newTestServer(t)

	parent, err := pulse.NewJob(engine.AssignHandlerName, "acme/support/ticket/t1", nil)
	require.NoError(t, err)
	require.NoError(t, s.queue.Enqueue(parent))

	child, err := engine.EnqueueFinalize(s.queue, "acme", "rpt_1", parent.ID)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+parent.ID+"/children", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), child.ID)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
