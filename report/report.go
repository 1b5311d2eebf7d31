// Package report holds the SignalReport aggregate and its transactional
// store. A report is an evolving cluster of signals with accumulated weight
// and a lifecycle status; every mutation happens inside a locked
// read-modify-write transaction.
package report

import (
	"time"

	"github.com/google/uuid"
)

// Status is the report lifecycle state
type Status string

const (
	// StatusPotential: accumulating weight, below threshold
	StatusPotential Status = "potential"
	// StatusCandidate: weight crossed the threshold, finalization pending
	StatusCandidate Status = "candidate"
	// StatusInProgress: a finalization run has started
	StatusInProgress Status = "in_progress"
	// StatusReady: finalized, coherent, safe, immediately actionable
	StatusReady Status = "ready"
	// StatusPendingInput: finalized but needs a human decision
	StatusPendingInput Status = "pending_input"
	// StatusFailed: terminal failure (unsafe, no signals, split, or error)
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status ends the report's lifecycle.
// potential is not terminal even after a not_actionable reset: the report
// re-enters the pool and must re-accumulate weight.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusPendingInput || s == StatusFailed
}

// IsValid reports whether the string is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPotential, StatusCandidate, StatusInProgress,
		StatusReady, StatusPendingInput, StatusFailed:
		return true
	default:
		return false
	}
}

// SignalReport is the mutable report aggregate
type SignalReport struct {
	ID           string     `json:"report_id"`
	TenantID     string     `json:"tenant_id"`
	Status       Status     `json:"status"`
	TotalWeight  float64    `json:"total_weight"`
	SignalCount  int        `json:"signal_count"`
	SignalsAtRun int        `json:"signals_at_run"` // snapshot when finalization last started
	Title        string     `json:"title,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Error        string     `json:"error,omitempty"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewID generates a report identifier
func NewID() string {
	return "rpt_" + uuid.NewString()
}
