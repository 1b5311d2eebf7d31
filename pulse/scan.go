package pulse

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns scanned from a pulse_jobs row
type jobScanArgs struct {
	HandlerName sql.NullString
	Payload     sql.NullString
	ErrorMsg    sql.NullString
	ParentJobID sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// jobSelectColumns is the standard column list for job SELECT queries
const jobSelectColumns = `id, handler_name, source, status,
	error, payload, parent_job_id, retry_count,
	created_at, started_at, completed_at, updated_at`

// scanTargets returns scan destinations in jobSelectColumns order
func (a *jobScanArgs) scanTargets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&a.HandlerName,
		&job.Source,
		&job.Status,
		&a.ErrorMsg,
		&a.Payload,
		&a.ParentJobID,
		&job.RetryCount,
		&job.CreatedAt,
		&a.StartedAt,
		&a.CompletedAt,
		&job.UpdatedAt,
	}
}

// apply copies scanned nullable values into the job struct
func (a *jobScanArgs) apply(job *Job) {
	if a.HandlerName.Valid {
		job.HandlerName = a.HandlerName.String
	}
	if a.Payload.Valid {
		job.Payload = []byte(a.Payload.String)
	}
	if a.ErrorMsg.Valid {
		job.Error = a.ErrorMsg.String
	}
	if a.ParentJobID.Valid {
		job.ParentJobID = a.ParentJobID.String
	}
	if a.StartedAt.Valid {
		job.StartedAt = &a.StartedAt.Time
	}
	if a.CompletedAt.Valid {
		job.CompletedAt = &a.CompletedAt.Time
	}
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, job *Job) error {
	var args jobScanArgs
	if err := row.Scan(args.scanTargets(job)...); err != nil {
		return err
	}
	args.apply(job)
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	var args jobScanArgs
	if err := rows.Scan(args.scanTargets(job)...); err != nil {
		return err
	}
	args.apply(job)
	return nil
}
