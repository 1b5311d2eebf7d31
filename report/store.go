package report

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
)

// Store persists SignalReport rows. Every read-modify-write runs inside an
// immediate transaction (see db.Open), which is SQLite's equivalent of
// SELECT ... FOR UPDATE: the row is never updated from a stale read.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a report store
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle so the split path can run report and
// signal writes in one transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

const reportSelectColumns = `id, tenant_id, status, total_weight, signal_count,
	signals_at_run, title, summary, error, promoted_at, last_run_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*SignalReport, error) {
	var r SignalReport
	var promotedAt, lastRunAt sql.NullTime

	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.Status,
		&r.TotalWeight,
		&r.SignalCount,
		&r.SignalsAtRun,
		&r.Title,
		&r.Summary,
		&r.Error,
		&promotedAt,
		&lastRunAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if promotedAt.Valid {
		r.PromotedAt = &promotedAt.Time
	}
	if lastRunAt.Valid {
		r.LastRunAt = &lastRunAt.Time
	}
	return &r, nil
}

// Get retrieves a report by ID
func (s *Store) Get(reportID string) (*SignalReport, error) {
	row := s.db.QueryRow(`SELECT `+reportSelectColumns+` FROM signal_reports WHERE id = ?`, reportID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("report not found: %s", reportID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get report %s", reportID)
	}
	return r, nil
}

// List returns reports for a tenant, optionally filtered by status,
// newest first
func (s *Store) List(tenantID string, status *Status, limit int) ([]*SignalReport, error) {
	var rows *sql.Rows
	var err error

	base := `SELECT ` + reportSelectColumns + ` FROM signal_reports WHERE tenant_id = ?`
	if status != nil {
		rows, err = s.db.Query(base+` AND status = ? ORDER BY created_at DESC LIMIT ?`, tenantID, *status, limit)
	} else {
		rows, err = s.db.Query(base+` ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reports")
	}
	defer rows.Close()

	var reports []*SignalReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan report")
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating reports")
	}
	return reports, nil
}

// AssignResult is the outcome of attaching one signal's weight to a report
type AssignResult struct {
	ReportID string
	Promoted bool
}

// AddSignal increments an existing report's weight and count under a locked
// transaction, then checks promotion in the same transaction: a potential
// report whose total weight reaches the threshold becomes a candidate.
//
// Accumulation is commutative, so concurrent assignments in any interleaving
// converge on the exact sum of weights.
func (s *Store) AddSignal(reportID string, weight float64, threshold float64) (*AssignResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin assignment transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+reportSelectColumns+` FROM signal_reports WHERE id = ?`, reportID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("report not found: %s", reportID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read report %s for assignment", reportID)
	}

	now := time.Now()
	newWeight := r.TotalWeight + weight
	newCount := r.SignalCount + 1

	promoted := r.Status == StatusPotential && newWeight >= threshold
	if promoted {
		_, err = tx.Exec(`
			UPDATE signal_reports
			SET total_weight = ?, signal_count = ?, status = ?, promoted_at = ?, updated_at = ?
			WHERE id = ?`,
			newWeight, newCount, StatusCandidate, now, now, reportID)
	} else {
		_, err = tx.Exec(`
			UPDATE signal_reports
			SET total_weight = ?, signal_count = ?, updated_at = ?
			WHERE id = ?`,
			newWeight, newCount, now, reportID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update report %s", reportID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit assignment")
	}

	if promoted {
		s.logger.Infow("Report promoted",
			"report_id", reportID,
			"total_weight", newWeight,
			"threshold", threshold,
		)
	}

	return &AssignResult{ReportID: reportID, Promoted: promoted}, nil
}

// CreateWithSignal creates a new report seeded with one signal's weight.
// Promotion is checked in the same transaction: a first signal heavy enough
// to cross the threshold yields a candidate immediately.
func (s *Store) CreateWithSignal(tenantID, title, summary string, weight float64, threshold float64) (*AssignResult, error) {
	now := time.Now()
	r := &SignalReport{
		ID:          NewID(),
		TenantID:    tenantID,
		Status:      StatusPotential,
		TotalWeight: weight,
		SignalCount: 1,
		Title:       title,
		Summary:     summary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	promoted := weight >= threshold
	if promoted {
		r.Status = StatusCandidate
		r.PromotedAt = &now
	}

	if err := s.insert(s.db, r); err != nil {
		return nil, err
	}

	s.logger.Infow("Created report",
		"report_id", r.ID,
		"tenant_id", tenantID,
		"total_weight", weight,
		"promoted", promoted,
	)

	return &AssignResult{ReportID: r.ID, Promoted: promoted}, nil
}

// CreateTx inserts a fully-populated report inside an existing transaction.
// The split path uses this so new reports commit atomically with signal
// re-assignment and the original report's failed marker.
func (s *Store) CreateTx(tx *sql.Tx, r *SignalReport) error {
	return s.insert(tx, r)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insert(ex execer, r *SignalReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	_, err := ex.Exec(`
		INSERT INTO signal_reports (
			id, tenant_id, status, total_weight, signal_count,
			signals_at_run, title, summary, error,
			promoted_at, last_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Status, r.TotalWeight, r.SignalCount,
		r.SignalsAtRun, r.Title, r.Summary, r.Error,
		r.PromotedAt, r.LastRunAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create report %s", r.ID)
	}
	return nil
}

// BeginRun transitions a report to in_progress and records the run snapshot:
// signals_at_run detects growth during processing, last_run_at marks when
// finalization started.
func (s *Store) BeginRun(reportID string, signalCount int) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE signal_reports
		SET status = ?, signals_at_run = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusInProgress, signalCount, now, now, reportID)
	if err != nil {
		return errors.Wrapf(err, "failed to begin run for report %s", reportID)
	}
	return nil
}

// MarkReady records the terminal ready state with final title and summary
func (s *Store) MarkReady(reportID, title, summary string) error {
	return s.terminal(reportID, StatusReady, title, summary, "")
}

// MarkFailed records the terminal failed state with a human-readable reason
func (s *Store) MarkFailed(reportID, reason string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE signal_reports
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		StatusFailed, reason, now, reportID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark report %s failed", reportID)
	}
	return nil
}

// MarkFailedTx is MarkFailed inside an existing transaction (split path)
func (s *Store) MarkFailedTx(tx *sql.Tx, reportID, reason string) error {
	now := time.Now()
	_, err := tx.Exec(`
		UPDATE signal_reports
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		StatusFailed, reason, now, reportID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark report %s failed", reportID)
	}
	return nil
}

// MarkPendingInput records the pending_input state: draft title/summary plus
// the reason a human is needed. The reason lives in error to distinguish it
// from ready; the status separates it from failed.
func (s *Store) MarkPendingInput(reportID, title, summary, reason string) error {
	return s.terminal(reportID, StatusPendingInput, title, summary, reason)
}

func (s *Store) terminal(reportID string, status Status, title, summary, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE signal_reports
		SET status = ?, title = ?, summary = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		status, title, summary, errMsg, now, reportID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark report %s %s", reportID, status)
	}
	return nil
}

// ResetToPotential sends a not-actionable report back to the pool: weight
// zeroed, promotion cleared. It must re-accumulate weight to finalize again.
func (s *Store) ResetToPotential(reportID string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE signal_reports
		SET status = ?, total_weight = 0, promoted_at = NULL, updated_at = ?
		WHERE id = ?`,
		StatusPotential, now, reportID)
	if err != nil {
		return errors.Wrapf(err, "failed to reset report %s to potential", reportID)
	}
	return nil
}
