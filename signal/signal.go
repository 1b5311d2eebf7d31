// Package signal defines the immutable signal fact and its semantic store.
//
// A signal is one weighted observation emitted by a product subsystem. Its
// content is rendered once at ingestion and never mutated; only the report
// link in metadata is re-written when a report splits.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/sift/errors"
)

// Input is what producers submit. Description becomes the rendered content.
type Input struct {
	TenantID      string            `json:"tenant_id"`
	SourceProduct string            `json:"source_product"`
	SourceType    string            `json:"source_type"`
	SourceID      string            `json:"source_id"`
	Description   string            `json:"description"`
	Weight        float64           `json:"weight"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Validate checks producer input before it enters the pipeline
func (in Input) Validate() error {
	if in.TenantID == "" {
		return errors.NewInvalidInputError("tenant_id is required")
	}
	if in.SourceProduct == "" || in.SourceType == "" || in.SourceID == "" {
		return errors.NewInvalidInputError("source_product, source_type and source_id are required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return errors.NewInvalidInputError("description is required")
	}
	if in.Weight < 0 || in.Weight > 1 {
		return errors.NewInvalidInputError("weight must be in [0, 1], got %v", in.Weight)
	}
	return nil
}

// SourceKey identifies the producer-side origin of a signal. At most one
// signal exists per key within a tenant.
func (in Input) SourceKey() string {
	return fmt.Sprintf("%s/%s/%s/%s", in.TenantID, in.SourceProduct, in.SourceType, in.SourceID)
}

// Signal is the persisted, immutable fact
type Signal struct {
	ID            string            `json:"signal_id"`
	TenantID      string            `json:"tenant_id"`
	ReportID      string            `json:"report_id"` // empty until assigned
	Content       string            `json:"content"`
	SourceProduct string            `json:"source_product"`
	SourceType    string            `json:"source_type"`
	SourceID      string            `json:"source_id"`
	Weight        float64           `json:"weight"`
	Extra         map[string]string `json:"extra,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CreatedAt     time.Time         `json:"created_at"`
}

// New builds a Signal from producer input. Content is rendered here, once;
// the same text feeds the embedder and every judge prompt.
func New(in Input) *Signal {
	now := time.Now()
	return &Signal{
		ID:            uuid.NewString(),
		TenantID:      in.TenantID,
		Content:       RenderContent(in.SourceProduct, in.SourceType, in.Description),
		SourceProduct: in.SourceProduct,
		SourceType:    in.SourceType,
		SourceID:      in.SourceID,
		Weight:        in.Weight,
		Extra:         in.Extra,
		Timestamp:     now,
		CreatedAt:     now,
	}
}

// RenderContent produces the canonical text form of a signal. Source
// attribution is prepended so semantically similar text from different
// subsystems still embeds distinguishably.
func RenderContent(sourceProduct, sourceType, description string) string {
	return fmt.Sprintf("[%s/%s] %s", sourceProduct, sourceType, strings.TrimSpace(description))
}

// Candidate is one nearest-neighbor search hit, grouped by report before
// being shown to the match judge. Distance is advisory context only; the
// judge makes the final call.
type Candidate struct {
	SignalID      string  `json:"signal_id"`
	ReportID      string  `json:"report_id"`
	Content       string  `json:"content"`
	SourceProduct string  `json:"source_product"`
	SourceType    string  `json:"source_type"`
	Distance      float64 `json:"distance"`
}
