package server

import (
	"net/http"

	"github.com/teranos/sift/engine"
	"github.com/teranos/sift/pulse"
	"github.com/teranos/sift/report"
	"github.com/teranos/sift/signal"
)

const (
	// Default and max limits for listing queries
	defaultListLimit = 50
	maxListLimit     = 200
)

// HandleSignals handles requests to /api/signals
// POST: Submit a signal for asynchronous assignment
func (s *SiftServer) HandleSignals(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var in signal.Input
	if err := readJSON(w, r, &in); err != nil {
		return
	}

	job, err := engine.EnqueueAssign(s.queue, in)
	if err != nil {
		handleError(w, s.logger, err, "failed to enqueue signal")
		return
	}

	s.logger.Infow("Signal accepted",
		"source", in.SourceKey(),
		"job_id", job.ID,
		"remote", r.RemoteAddr,
	)

	// Assignment is asynchronous; the job resource tracks progress
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// HandleReports handles requests to /api/reports
// GET: List reports for a tenant, optionally filtered by status
func (s *SiftServer) HandleReports(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "Missing tenant_id")
		return
	}

	var status *report.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := report.Status(raw)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
		status = &st
	}

	limit := parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)

	reports, err := s.reports.List(tenantID, status, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list reports")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

// HandleReport handles requests to /api/reports/{id}
// GET: Get report details with its assigned signals
func (s *SiftServer) HandleReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	pathParts := extractPathParts(r.URL.Path, "/api/reports/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing report ID")
		return
	}

	rep, err := s.reports.Get(pathParts[0])
	if err != nil {
		handleError(w, s.logger, err, "failed to get report")
		return
	}

	signals, err := s.signals.FetchByReport(rep.TenantID, rep.ID)
	if err != nil {
		handleError(w, s.logger, err, "failed to fetch report signals")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report":  rep,
		"signals": signals,
	})
}

// HandleJobs handles requests to /api/jobs
// GET: List jobs (active, completed, failed)
func (s *SiftServer) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)

	var allJobs []*pulse.Job

	activeJobs, err := s.queue.ListActiveJobs(limit)
	if err != nil {
		s.logger.Warnw("Failed to list active jobs", "error", err)
	} else {
		allJobs = append(allJobs, activeJobs...)
	}

	completed := pulse.JobStatusCompleted
	completedJobs, err := s.queue.ListJobs(&completed, limit)
	if err != nil {
		s.logger.Warnw("Failed to list completed jobs", "error", err)
	} else {
		allJobs = append(allJobs, completedJobs...)
	}

	failed := pulse.JobStatusFailed
	failedJobs, err := s.queue.ListJobs(&failed, limit)
	if err != nil {
		s.logger.Warnw("Failed to list failed jobs", "error", err)
	} else {
		allJobs = append(allJobs, failedJobs...)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  allJobs,
		"count": len(allJobs),
	})
}

// HandleJob handles requests to /api/jobs/{id}
// GET: Get job details
// Sub-resources: /api/jobs/{id}/children
func (s *SiftServer) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	if len(pathParts) > 1 && pathParts[1] == "children" {
		children, err := s.queue.ListJobsByParent(jobID)
		if err != nil {
			handleError(w, s.logger, err, "failed to list child jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  children,
			"count": len(children),
		})
		return
	}

	job, err := s.queue.GetJob(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// HandleStats handles requests to /api/stats
// GET: Queue and system metrics
func (s *SiftServer) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, http.StatusOK, s.daemon.GetSystemMetrics())
}

// HandleHealth handles requests to /api/health
func (s *SiftServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
