package signal

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
)

// Store persists signals and their embeddings and answers nearest-neighbor
// queries. Writes go to two tables: the signals row (fact + metadata) and
// the vec_signals virtual table (vector index).
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a signal store
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

// execer abstracts *sql.DB and *sql.Tx so split-path writes can join the
// report transaction
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Write persists a signal and its embedding blob.
// The embedding is the little-endian float32 blob sqlite-vec expects.
func (s *Store) Write(sig *Signal, embedding []byte) error {
	return s.writeTo(s.db, sig, embedding)
}

func (s *Store) writeTo(ex execer, sig *Signal, embedding []byte) error {
	extraJSON, err := marshalExtra(sig.Extra)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO signals (
			signal_id, tenant_id, report_id, content,
			source_product, source_type, source_id,
			weight, extra, embedding, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ex.Exec(query,
		sig.ID,
		sig.TenantID,
		sig.ReportID,
		sig.Content,
		sig.SourceProduct,
		sig.SourceType,
		sig.SourceID,
		sig.Weight,
		extraJSON,
		embedding,
		sig.Timestamp,
		sig.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to write signal %s", sig.ID)
	}

	// Virtual tables don't support UPSERT, so delete then insert
	_, _ = ex.Exec("DELETE FROM vec_signals WHERE signal_id = ?", sig.ID)

	_, err = ex.Exec("INSERT INTO vec_signals (signal_id, embedding) VALUES (?, ?)", sig.ID, embedding)
	if err != nil {
		return errors.Wrapf(err, "failed to write signal %s to vector index", sig.ID)
	}

	s.logger.Debugw("Wrote signal",
		"signal_id", sig.ID,
		"tenant_id", sig.TenantID,
		"report_id", sig.ReportID,
		"weight", sig.Weight,
	)

	return nil
}

// Search runs a nearest-neighbor lookup by cosine distance, restricted to
// assigned signals (report_id != '') within the recency window. Recency
// bounds the candidate pool and favors currently-active topics.
func (s *Store) Search(tenantID string, embedding []byte, limit int, recencyWindow time.Duration) ([]Candidate, error) {
	if len(embedding) == 0 {
		return nil, errors.NewInvalidInputError("query embedding is empty")
	}
	if limit <= 0 {
		limit = 10
	}

	cutoff := time.Now().Add(-recencyWindow)

	query := `
		SELECT
			v.signal_id,
			s.report_id,
			s.content,
			s.source_product,
			s.source_type,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_signals v
		JOIN signals s ON s.signal_id = v.signal_id
		WHERE s.tenant_id = ?
		  AND s.report_id != ''
		  AND s.timestamp >= ?
		ORDER BY distance
		LIMIT ?
	`

	rows, err := s.db.Query(query, embedding, tenantID, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "semantic search failed")
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.SignalID, &c.ReportID, &c.Content, &c.SourceProduct, &c.SourceType, &c.Distance); err != nil {
			return nil, errors.Wrap(err, "failed to scan search result")
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating search results")
	}

	s.logger.Debugw("Semantic search completed",
		"tenant_id", tenantID,
		"results", len(candidates),
		"limit", limit,
	)

	return candidates, nil
}

const signalSelectColumns = `signal_id, tenant_id, report_id, content,
	source_product, source_type, source_id, weight, extra, timestamp, created_at`

// FetchByReport returns all signals assigned to a report, ordered by
// timestamp. Empty result is not an error; finalization's fetch stage owns
// the retry policy for that.
func (s *Store) FetchByReport(tenantID, reportID string) ([]*Signal, error) {
	query := `SELECT ` + signalSelectColumns + `
		FROM signals
		WHERE tenant_id = ? AND report_id = ?
		ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, tenantID, reportID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch signals for report %s", reportID)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating signals")
	}

	return signals, nil
}

// GetBySource looks up a signal by its producer-defined origin.
// Returns nil if none exists. This is the ingestion dedup check.
func (s *Store) GetBySource(tenantID, sourceProduct, sourceType, sourceID string) (*Signal, error) {
	query := `SELECT ` + signalSelectColumns + `
		FROM signals
		WHERE tenant_id = ? AND source_product = ? AND source_type = ? AND source_id = ?`

	rows, err := s.db.Query(query, tenantID, sourceProduct, sourceType, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up signal by source")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "failed to look up signal by source")
		}
		return nil, nil
	}

	return scanSignal(rows)
}

// SetReport records the report assignment on an already-written signal
func (s *Store) SetReport(signalID, reportID string) error {
	return s.setReportTo(s.db, signalID, reportID)
}

// SetReportTx is SetReport inside an existing transaction. The split path
// uses this so signal re-assignment commits atomically with the new report
// rows and the original report's failed marker.
func (s *Store) SetReportTx(tx *sql.Tx, signalID, reportID string) error {
	return s.setReportTo(tx, signalID, reportID)
}

func (s *Store) setReportTo(ex execer, signalID, reportID string) error {
	result, err := ex.Exec("UPDATE signals SET report_id = ? WHERE signal_id = ?", reportID, signalID)
	if err != nil {
		return errors.Wrapf(err, "failed to re-assign signal %s", signalID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("signal not found: %s", signalID)
	}
	return nil
}

// scanSignal scans one signal row; works for both Row and Rows via the
// shared Scan signature
func scanSignal(rows *sql.Rows) (*Signal, error) {
	var sig Signal
	var extraJSON sql.NullString

	err := rows.Scan(
		&sig.ID,
		&sig.TenantID,
		&sig.ReportID,
		&sig.Content,
		&sig.SourceProduct,
		&sig.SourceType,
		&sig.SourceID,
		&sig.Weight,
		&extraJSON,
		&sig.Timestamp,
		&sig.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan signal")
	}

	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &sig.Extra); err != nil {
			return nil, errors.Wrapf(err, "failed to decode extra for signal %s", sig.ID)
		}
	}

	return &sig, nil
}

func marshalExtra(extra map[string]string) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to encode extra")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
