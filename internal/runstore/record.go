// Package runstore persists one denormalized record per verification
// run. The complete record document is the source of truth; projection
// fields exist for listing and SQL filtering. Backends: fs (JSON files),
// db (Postgres via lib/pq), dual (both, DB-first reads with FS
// fallback).
package runstore

import (
	"encoding/json"
	"time"
)

// SchemaVersion tags run record documents.
const SchemaVersion = "MagicLinkRunRecord.v1"

// Verification status colors.
const (
	StatusGreen = "green"
	StatusAmber = "amber"
	StatusRed   = "red"
)

// Record is the projection of one run plus its full document.
type Record struct {
	SchemaVersion      string           `json:"schemaVersion"`
	TenantID           string           `json:"tenantId"`
	Token              string           `json:"token"`
	CreatedAt          time.Time        `json:"createdAt"`
	VerificationStatus string           `json:"verificationStatus"`
	EvidenceCount      int              `json:"evidenceCount"`
	ActiveEvidence     int              `json:"activeEvidenceCount"`
	SlaCompliancePct   int              `json:"slaCompliancePct"`
	TemplateID         string           `json:"templateId,omitempty"`
	TemplateConfigHash string           `json:"templateConfigHash,omitempty"`
	Decision           *DecisionSummary `json:"decision,omitempty"`

	// Document is the verifier's complete record_json (close pack
	// summary, evidence, SLA evaluations). The projection above is
	// derived from it; it is carried opaquely and never rewritten
	// except for additive decision merges.
	Document json.RawMessage `json:"document,omitempty"`
}

// DecisionSummary is the decision triple merged into a record.
type DecisionSummary struct {
	Decision       string    `json:"decision"` // approve | hold
	DecidedAt      time.Time `json:"decidedAt"`
	DecidedByEmail string    `json:"decidedByEmail"`
}

// ComputeStatus maps a verification outcome to the status color:
// green is ok with no warnings, amber is ok with warnings, red is
// everything else.
func ComputeStatus(ok bool, warningCount int) string {
	switch {
	case ok && warningCount == 0:
		return StatusGreen
	case ok:
		return StatusAmber
	default:
		return StatusRed
	}
}

// SlaCompliancePct is max(0, 100 - failingClauses).
func SlaCompliancePct(failingClauses int) int {
	if failingClauses >= 100 {
		return 0
	}
	return 100 - failingClauses
}

// backend is the storage contract shared by fs and db. get returns
// (nil, nil) when the record is absent.
type backend interface {
	put(r *Record) error
	get(tenantID, token string) (*Record, error)
	delete(tenantID, token string) error
	list(tenantID string, limit int) ([]*Record, error)
}
