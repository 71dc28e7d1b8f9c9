// Package resolution triages discrepancies with externally authored
// auto-resolution rules. Rules are matched structurally; the first
// satisfying rule in priority order fires.
package resolution

import (
	"encoding/json"
	"sort"
	"time"

	"reims/pkg/logging"
	"reims/pkg/models"
	"reims/pkg/recerr"

	"go.uber.org/zap"
)

// AutoActor is recorded as resolved_by on automatic closes.
const AutoActor = "auto-resolution"

type Outcome struct {
	RuleID   int64             `json:"rule_id,omitempty"`
	RuleName string            `json:"rule_name,omitempty"`
	Action   models.ActionType `json:"action,omitempty"`
	Fired    bool              `json:"fired"`
}

// Invalid is an active rule dropped because its definition is unusable.
type Invalid struct {
	Rule models.AutoResolutionRule
	Err  error
}

type entry struct {
	rule models.AutoResolutionRule
	cond Condition
}

type Router struct {
	rules   []entry
	invalid []Invalid
	now     func() time.Time
	log     *zap.Logger
}

// NewRouter keeps the active, well-formed rules ordered by priority
// descending then id ascending.
func NewRouter(rules []models.AutoResolutionRule, log *zap.Logger) *Router {
	r := &Router{now: time.Now, log: logging.OrNop(log)}
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		cond, err := validate(rule)
		if err != nil {
			r.invalid = append(r.invalid, Invalid{Rule: rule, Err: err})
			r.log.Warn("auto-resolution rule ignored",
				zap.Int64("rule_id", rule.ID), zap.String("name", rule.Name), zap.Error(err))
			continue
		}
		r.rules = append(r.rules, entry{rule: rule, cond: cond})
	}
	sort.SliceStable(r.rules, func(i, j int) bool {
		a, b := r.rules[i].rule, r.rules[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return r
}

// WithClock sets the clock stamped on auto-closed discrepancies.
func (r *Router) WithClock(fn func() time.Time) *Router {
	if fn != nil {
		r.now = fn
	}
	return r
}

func validate(rule models.AutoResolutionRule) (Condition, error) {
	switch rule.ActionType {
	case models.ActionAutoClose, models.ActionSuggestFix, models.ActionRouteToQueue:
	default:
		return Condition{}, recerr.New(recerr.ErrInvalidInput, "unknown action_type %q", rule.ActionType)
	}
	if rule.ConfidenceThreshold < 0 || rule.ConfidenceThreshold > 100 {
		return Condition{}, recerr.New(recerr.ErrInvalidInput, "confidence_threshold %v outside [0,100]", rule.ConfidenceThreshold)
	}
	if len(rule.SuggestedMapping) > 0 && !json.Valid(rule.SuggestedMapping) {
		return Condition{}, recerr.New(recerr.ErrInvalidInput, "suggested_mapping is not valid JSON")
	}
	return DecodeCondition(rule.ConditionJSON)
}

// Invalid lists active rules that were dropped at construction.
func (r *Router) Invalid() []Invalid { return r.invalid }

// FirstMatch returns the rule that would fire for d.
func (r *Router) FirstMatch(d models.Discrepancy) (models.AutoResolutionRule, bool) {
	for _, e := range r.rules {
		if e.rule.PatternType != "" && e.rule.PatternType != "*" && e.rule.PatternType != string(d.Type) {
			continue
		}
		if e.rule.ConfidenceThreshold > d.Confidence {
			continue
		}
		if !e.cond.Matches(d) {
			continue
		}
		return e.rule, true
	}
	return models.AutoResolutionRule{}, false
}

// Apply fires the first satisfying rule on an open discrepancy.
func (r *Router) Apply(d *models.Discrepancy) Outcome {
	if !d.IsOpen() {
		return Outcome{}
	}
	rule, ok := r.FirstMatch(*d)
	if !ok {
		return Outcome{}
	}
	out := Outcome{RuleID: rule.ID, RuleName: rule.Name, Action: rule.ActionType, Fired: true}
	switch rule.ActionType {
	case models.ActionAutoClose:
		at := r.now().UTC()
		d.Status = models.DiscrepancyResolved
		d.ResolutionNotes = "auto: " + rule.Name
		d.ResolvedBy = AutoActor
		d.ResolvedAt = &at
		d.AutoRuleID = rule.ID
		d.ExceptionTier = models.Tier0
	case models.ActionSuggestFix:
		d.SuggestedMapping = suggestion(rule, *d)
		d.AutoRuleID = rule.ID
		d.ExceptionTier = models.Tier1
	case models.ActionRouteToQueue:
	}
	return out
}

// ApplyAll routes every discrepancy in place and returns outcomes by index.
func (r *Router) ApplyAll(ds []models.Discrepancy) []Outcome {
	out := make([]Outcome, len(ds))
	for i := range ds {
		out[i] = r.Apply(&ds[i])
	}
	return out
}

func suggestion(rule models.AutoResolutionRule, d models.Discrepancy) json.RawMessage {
	if len(rule.SuggestedMapping) > 0 {
		return append(json.RawMessage(nil), rule.SuggestedMapping...)
	}
	m := map[string]any{
		"discrepancy_type": d.Type,
		"statement_type":   d.StatementType,
		"account_code":     d.AccountCode,
		"adjust_by":        d.Difference.Neg().String(),
	}
	if d.MatchID != "" {
		m["match_id"] = d.MatchID
		m["source_record_id"] = d.SourceRecordID
		m["target_record_id"] = d.TargetRecordID
	}
	if d.RuleID != "" {
		m["rule_id"] = d.RuleID
		m["rule_version"] = d.RuleVersion
	}
	raw, _ := json.Marshal(m)
	return raw
}

// Tier maps the first matching rule, if any, and the severity to an
// exception tier.
func Tier(rule models.AutoResolutionRule, matched bool, sev models.Severity) models.ExceptionTier {
	if matched {
		switch rule.ActionType {
		case models.ActionAutoClose:
			return models.Tier0
		case models.ActionSuggestFix:
			return models.Tier1
		}
	}
	if sev.Escalates() {
		return models.Tier3
	}
	return models.Tier2
}
