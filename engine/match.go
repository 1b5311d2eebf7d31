// Package engine implements the signal clustering core: the per-signal
// assignment workflow and the per-report finalization state machine.
package engine

// MatchResult is the match judge's decision: attach the signal to an
// existing report, or open a new one. Closed sum type; every consumer
// switches exhaustively.
type MatchResult interface {
	isMatchResult()
}

// ExistingReportMatch attaches the signal to an already-known report
type ExistingReportMatch struct {
	ReportID  string
	Reasoning string
}

func (ExistingReportMatch) isMatchResult() {}

// NewReportMatch opens a fresh report seeded with the signal. The judge
// drafts the initial title and summary.
type NewReportMatch struct {
	Title     string
	Summary   string
	Reasoning string
}

func (NewReportMatch) isMatchResult() {}

// CoherenceBucket is one topic the coherence judge identified. A single
// bucket means the report is coherent; multiple buckets trigger a split.
type CoherenceBucket struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// SafetyVerdict is the safety judge's output
type SafetyVerdict struct {
	Safe        bool   `json:"safe"`
	Explanation string `json:"explanation,omitempty"`
}

// Actionability choices
const (
	ActionabilityImmediate     = "immediately_actionable"
	ActionabilityRequiresHuman = "requires_human_input"
	ActionabilityNotActionable = "not_actionable"
)

// ActionabilityVerdict is the actionability judge's output
type ActionabilityVerdict struct {
	Choice      string `json:"choice"`
	Explanation string `json:"explanation,omitempty"`
}
