package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionInProgress    SessionStatus = "in_progress"
	SessionPendingReview SessionStatus = "pending_review"
	SessionApproved      SessionStatus = "approved"
	SessionRejected      SessionStatus = "rejected"
)

// Session is one reconciliation run for a property and period.
type Session struct {
	ID          string        `json:"id"`
	PropertyID  int64         `json:"property_id"`
	PeriodID    int64         `json:"period_id"`
	Status      SessionStatus `json:"status"`
	Summary     Summary       `json:"summary"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	ReviewedBy  string        `json:"reviewed_by,omitempty"`
	ReviewNotes string        `json:"review_notes,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Summary struct {
	TotalMatches         int                   `json:"total_matches"`
	PerStrategyCounts    map[MatchType]int     `json:"per_strategy_counts"`
	DiscrepancyCount     int                   `json:"discrepancy_count"`
	OpenDiscrepancyCount int                   `json:"open_discrepancy_count"`
	AutoResolvedCount    int                   `json:"auto_resolved_count"`
	TierCounts           map[ExceptionTier]int `json:"tier_counts,omitempty"`
	RuleStatusCounts     map[RuleStatus]int    `json:"rule_status_counts,omitempty"`
	UnmatchedSource      int                   `json:"unmatched_source"`
	UnmatchedTarget      int                   `json:"unmatched_target"`
	ConflictCount        int                   `json:"conflict_count"`
	HealthScore          float64               `json:"health_score"`
	InputFingerprint     string                `json:"input_fingerprint,omitempty"`
}

type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchCalculated MatchType = "calculated"
	MatchFuzzy      MatchType = "fuzzy"
	MatchInferred   MatchType = "inferred"
)

// MatchTypes in strategy priority order.
var MatchTypes = []MatchType{MatchExact, MatchCalculated, MatchFuzzy, MatchInferred}

// Priority ranks strategies for tie-breaking; lower wins.
func (m MatchType) Priority() int {
	for i, t := range MatchTypes {
		if t == m {
			return i
		}
	}
	return len(MatchTypes)
}

type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchApproved MatchStatus = "approved"
	MatchRejected MatchStatus = "rejected"
	MatchModified MatchStatus = "modified"
)

// Match is a proposed correspondence between two line items.
type Match struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	Source              LineItemRef     `json:"source"`
	Target              LineItemRef     `json:"target"`
	MatchType           MatchType       `json:"match_type"`
	ConfidenceScore     float64         `json:"confidence_score"`
	AmountDifference    decimal.Decimal `json:"amount_difference"`
	RelationshipType    string          `json:"relationship_type,omitempty"`
	RelationshipFormula string          `json:"relationship_formula,omitempty"`
	PatternID           int64           `json:"pattern_id,omitempty"`
	Status              MatchStatus     `json:"status"`
	AuditorOverride     bool            `json:"auditor_override"`
	OverrideReason      string          `json:"override_reason,omitempty"`
	ReviewedBy          string          `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Decided reports whether the match already carries a human verdict.
func (m Match) Decided() bool {
	return m.Status == MatchApproved || m.Status == MatchRejected
}

type DiscrepancyType string

const (
	LowConfidenceMatch DiscrepancyType = "low_confidence_match"
	AmountMismatch     DiscrepancyType = "amount_mismatch"
	RuleFailure        DiscrepancyType = "rule_failure"
	MissingTarget      DiscrepancyType = "missing_target"
	MissingSource      DiscrepancyType = "missing_source"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Escalates reports whether an unhandled discrepancy of this severity goes to tier 3.
func (s Severity) Escalates() bool {
	return s == SeverityCritical || s == SeverityHigh
}

type ExceptionTier string

const (
	Tier0 ExceptionTier = "tier_0"
	Tier1 ExceptionTier = "tier_1"
	Tier2 ExceptionTier = "tier_2"
	Tier3 ExceptionTier = "tier_3"
)

type DiscrepancyStatus string

const (
	DiscrepancyOpen          DiscrepancyStatus = "open"
	DiscrepancyInvestigating DiscrepancyStatus = "investigating"
	DiscrepancyResolved      DiscrepancyStatus = "resolved"
	DiscrepancyAccepted      DiscrepancyStatus = "accepted"
)

// Discrepancy is a detected inconsistency. MatchID is a foreign key into the
// session's matches; it is empty for rule failures and unmatched items.
type Discrepancy struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	PropertyID       int64             `json:"property_id"`
	MatchID          string            `json:"match_id,omitempty"`
	MatchType        MatchType         `json:"match_type,omitempty"`
	RuleID           string            `json:"rule_id,omitempty"`
	RuleVersion      int               `json:"rule_version,omitempty"`
	Type             DiscrepancyType   `json:"discrepancy_type"`
	Severity         Severity          `json:"severity"`
	ExceptionTier    ExceptionTier     `json:"exception_tier"`
	Status           DiscrepancyStatus `json:"status"`
	StatementType    DocumentType      `json:"statement_type,omitempty"`
	AccountCode      string            `json:"account_code,omitempty"`
	SourceRecordID   int64             `json:"source_record_id,omitempty"`
	TargetRecordID   int64             `json:"target_record_id,omitempty"`
	Expected         decimal.Decimal   `json:"expected"`
	Actual           decimal.Decimal   `json:"actual"`
	Difference       decimal.Decimal   `json:"difference"`
	Confidence       float64           `json:"confidence"`
	Description      string            `json:"description"`
	SuggestedMapping json.RawMessage   `json:"suggested_mapping,omitempty"`
	AutoRuleID       int64             `json:"auto_rule_id,omitempty"`
	ResolutionNotes  string            `json:"resolution_notes,omitempty"`
	ResolvedBy       string            `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// IsOpen reports whether the discrepancy still needs handling.
func (d Discrepancy) IsOpen() bool {
	return d.Status == DiscrepancyOpen || d.Status == DiscrepancyInvestigating
}

type RuleStatus string

const (
	RulePass    RuleStatus = "PASS"
	RuleWarning RuleStatus = "WARNING"
	RuleFail    RuleStatus = "FAIL"
	RuleSkip    RuleStatus = "SKIP"
)

// RuleResult is the outcome of one calculated rule for a property/period.
type RuleResult struct {
	RuleID     string          `json:"rule_id"`
	Version    int             `json:"version"`
	Name       string          `json:"name,omitempty"`
	Formula    string          `json:"formula"`
	Status     RuleStatus      `json:"status"`
	Actual     decimal.Decimal `json:"actual"`
	Expected   decimal.Decimal `json:"expected"`
	Difference decimal.Decimal `json:"difference"`
	Tolerance  decimal.Decimal `json:"tolerance"`
	Severity   Severity        `json:"severity"`
	Statement  DocumentType    `json:"statement,omitempty"`
	Field      string          `json:"field,omitempty"`
	Missing    []string        `json:"missing,omitempty"`
}

// AuditEntry records one status transition in the append-only audit log.
type AuditEntry struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	FromStatus string          `json:"from_status,omitempty"`
	ToStatus   string          `json:"to_status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
