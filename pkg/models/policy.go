package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CalculatedRule is one version of a cross-statement formula. Rows are
// immutable once effective; a new version closes the prior one's ExpiresAt.
type CalculatedRule struct {
	ID                 int64            `json:"id"`
	RuleID             string           `json:"rule_id"`
	Version            int              `json:"version"`
	Name               string           `json:"name"`
	Formula            string           `json:"formula"`
	ToleranceAbsolute  *decimal.Decimal `json:"tolerance_absolute,omitempty"`
	TolerancePercent   *decimal.Decimal `json:"tolerance_percent,omitempty"`
	Severity           Severity         `json:"severity"`
	EffectiveDate      time.Time        `json:"effective_date"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	IsActive           bool             `json:"is_active"`
	DeactivationReason string           `json:"deactivation_reason,omitempty"`
}

// EffectiveAt reports whether the rule's window contains t.
func (r CalculatedRule) EffectiveAt(t time.Time) bool {
	return inWindow(r.EffectiveDate, r.ExpiresAt, t)
}

type MaterialityScope string

const (
	ScopeGlobal    MaterialityScope = "global"
	ScopeProperty  MaterialityScope = "property"
	ScopeStatement MaterialityScope = "statement"
	ScopeAccount   MaterialityScope = "account"
)

// Rank orders scopes by specificity; account is the most specific.
func (s MaterialityScope) Rank() int {
	switch s {
	case ScopeAccount:
		return 3
	case ScopeStatement:
		return 2
	case ScopeProperty:
		return 1
	default:
		return 0
	}
}

// MaterialityConfig is a scoped tolerance policy with an effective window.
type MaterialityConfig struct {
	ID                   int64            `json:"id"`
	Scope                MaterialityScope `json:"scope"`
	PropertyID           *int64           `json:"property_id,omitempty"`
	StatementType        DocumentType     `json:"statement_type,omitempty"`
	AccountCode          string           `json:"account_code,omitempty"`
	AbsoluteThreshold    decimal.Decimal  `json:"absolute_threshold"`
	RelativeThresholdPct decimal.Decimal  `json:"relative_threshold_pct"`
	RiskClass            string           `json:"risk_class"`
	ToleranceType        string           `json:"tolerance_type"`
	EffectiveDate        time.Time        `json:"effective_date"`
	ExpiresAt            *time.Time       `json:"expires_at,omitempty"`
}

// EffectiveAt reports whether the config's window contains t.
func (c MaterialityConfig) EffectiveAt(t time.Time) bool {
	return inWindow(c.EffectiveDate, c.ExpiresAt, t)
}

// AccountRiskClass is the code-pattern default used when no config applies.
type AccountRiskClass struct {
	ID                   int64           `json:"id"`
	CodePattern          string          `json:"code_pattern"`
	RiskClass            string          `json:"risk_class"`
	AbsoluteThreshold    decimal.Decimal `json:"absolute_threshold"`
	RelativeThresholdPct decimal.Decimal `json:"relative_threshold_pct"`
}

type ActionType string

const (
	ActionAutoClose    ActionType = "auto_close"
	ActionSuggestFix   ActionType = "suggest_fix"
	ActionRouteToQueue ActionType = "route_to_queue"
)

// AutoResolutionRule is an externally authored triage rule. ConditionJSON is
// matched structurally, never executed.
type AutoResolutionRule struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	PatternType         string          `json:"pattern_type"`
	ConditionJSON       json.RawMessage `json:"condition_json,omitempty"`
	ActionType          ActionType      `json:"action_type"`
	ConfidenceThreshold float64         `json:"confidence_threshold"`
	Priority            int             `json:"priority"`
	SuggestedMapping    json.RawMessage `json:"suggested_mapping,omitempty"`
	IsActive            bool            `json:"is_active"`
}

type PatternKind string

const (
	PatternMatch      PatternKind = "match"
	PatternResolution PatternKind = "resolution"
)

// LearnedMatchPattern accumulates outcomes of a matching or resolution decision.
// Version is bumped by every increment and guards concurrent writers.
type LearnedMatchPattern struct {
	ID                 int64        `json:"id"`
	Kind               PatternKind  `json:"kind"`
	SourceDocumentType DocumentType `json:"source_document_type"`
	TargetDocumentType DocumentType `json:"target_document_type"`
	SourceAccountCode  string       `json:"source_account_code"`
	SourceAccountName  string       `json:"source_account_name,omitempty"`
	TargetAccountCode  string       `json:"target_account_code"`
	TargetAccountName  string       `json:"target_account_name,omitempty"`
	MatchCount         int          `json:"match_count"`
	SuccessCount       int          `json:"success_count"`
	SuccessRate        float64      `json:"success_rate"`
	IsValidated        bool         `json:"is_validated"`
	Version            int64        `json:"version"`
	LastOutcomeAt      *time.Time   `json:"last_outcome_at,omitempty"`
}

// PatternKey identifies one learned pattern row. Resolution patterns leave
// the document types empty and key on the discrepancy type (source code) and
// the auto-resolution rule id (target code).
type PatternKey struct {
	Kind               PatternKind  `json:"kind"`
	SourceDocumentType DocumentType `json:"source_document_type"`
	TargetDocumentType DocumentType `json:"target_document_type"`
	SourceAccountCode  string       `json:"source_account_code"`
	TargetAccountCode  string       `json:"target_account_code"`
	SourceAccountName  string       `json:"source_account_name,omitempty"`
	TargetAccountName  string       `json:"target_account_name,omitempty"`
}

// NameIdentity returns the account names that tell k apart from other
// patterns. Pairs keyed by both account codes ignore names.
func (k PatternKey) NameIdentity() (string, string) {
	if k.SourceAccountCode != "" && k.TargetAccountCode != "" {
		return "", ""
	}
	return k.SourceAccountName, k.TargetAccountName
}

// Key returns the identifying columns of p.
func (p LearnedMatchPattern) Key() PatternKey {
	return PatternKey{
		Kind:               p.Kind,
		SourceDocumentType: p.SourceDocumentType,
		TargetDocumentType: p.TargetDocumentType,
		SourceAccountCode:  p.SourceAccountCode,
		TargetAccountCode:  p.TargetAccountCode,
		SourceAccountName:  p.SourceAccountName,
		TargetAccountName:  p.TargetAccountName,
	}
}

// AccountCodeSynonym declares that two codes in different statements denote the same account.
type AccountCodeSynonym struct {
	ID                 int64        `json:"id"`
	SourceDocumentType DocumentType `json:"source_document_type"`
	TargetDocumentType DocumentType `json:"target_document_type"`
	SourceCode         string       `json:"source_code"`
	TargetCode         string       `json:"target_code"`
	SuccessRate        float64      `json:"success_rate"`
	IsValidated        bool         `json:"is_validated"`
}

// Policy is the read-mostly configuration snapshot taken at session start.
type Policy struct {
	Materiality     []MaterialityConfig  `json:"materiality"`
	RiskClasses     []AccountRiskClass   `json:"risk_classes"`
	CalculatedRules []CalculatedRule     `json:"calculated_rules"`
	AutoResolution  []AutoResolutionRule `json:"auto_resolution"`
}

func inWindow(from time.Time, until *time.Time, t time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if until != nil && !t.Before(*until) {
		return false
	}
	return true
}
