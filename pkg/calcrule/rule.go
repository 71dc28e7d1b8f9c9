package calcrule

import (
	"sort"
	"strings"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// RuleSpec is the author-supplied content of a new rule.
type RuleSpec struct {
	RuleID            string
	Name              string
	Formula           string
	ToleranceAbsolute *decimal.Decimal
	TolerancePercent  *decimal.Decimal
	Severity          models.Severity
	EffectiveDate     time.Time
}

// NewRule validates spec and returns version 1 of the rule.
func NewRule(spec RuleSpec) (models.CalculatedRule, error) {
	rule := models.CalculatedRule{
		RuleID:            strings.TrimSpace(spec.RuleID),
		Version:           1,
		Name:              spec.Name,
		Formula:           strings.TrimSpace(spec.Formula),
		ToleranceAbsolute: spec.ToleranceAbsolute,
		TolerancePercent:  spec.TolerancePercent,
		Severity:          spec.Severity,
		EffectiveDate:     spec.EffectiveDate,
		IsActive:          true,
	}
	if rule.Severity == "" {
		rule.Severity = models.SeverityMedium
	}
	if err := Validate(rule); err != nil {
		return models.CalculatedRule{}, err
	}
	return rule, nil
}

// Validate is the rule-creation check. Formula errors keep the
// ErrFormulaParse marker; everything else is ErrInvalidInput.
func Validate(rule models.CalculatedRule) error {
	if rule.RuleID == "" {
		return recerr.New(recerr.ErrInvalidInput, "rule_id is required")
	}
	if rule.Version < 1 {
		return recerr.New(recerr.ErrInvalidInput, "rule %s: version must be positive", rule.RuleID)
	}
	if !rule.Severity.Valid() {
		return recerr.New(recerr.ErrInvalidInput, "rule %s: unknown severity %q", rule.RuleID, rule.Severity)
	}
	if rule.ToleranceAbsolute != nil && rule.ToleranceAbsolute.IsNegative() {
		return recerr.New(recerr.ErrInvalidInput, "rule %s: negative absolute tolerance", rule.RuleID)
	}
	if rule.TolerancePercent != nil && rule.TolerancePercent.IsNegative() {
		return recerr.New(recerr.ErrInvalidInput, "rule %s: negative percent tolerance", rule.RuleID)
	}
	if rule.ExpiresAt != nil && !rule.ExpiresAt.After(rule.EffectiveDate) {
		return recerr.New(recerr.ErrInvalidInput, "rule %s: expires_at must be after effective_date", rule.RuleID)
	}
	if _, err := Parse(rule.Formula); err != nil {
		return errors.Wrapf(err, "rule %s v%d", rule.RuleID, rule.Version)
	}
	return nil
}

// Supersede closes prior at effective and returns it together with the next
// version carrying formula. Neither the prior formula nor its start change.
func Supersede(prior models.CalculatedRule, formula string, effective time.Time) (closed, next models.CalculatedRule, err error) {
	if !effective.After(prior.EffectiveDate) {
		return prior, models.CalculatedRule{}, recerr.New(recerr.ErrInvalidInput,
			"rule %s: new version must start after v%d", prior.RuleID, prior.Version)
	}
	if prior.ExpiresAt != nil && !effective.Before(*prior.ExpiresAt) {
		return prior, models.CalculatedRule{}, recerr.New(recerr.ErrInvalidInput,
			"rule %s v%d is already closed", prior.RuleID, prior.Version)
	}
	next = prior
	next.ID = 0
	next.Version = prior.Version + 1
	next.Formula = strings.TrimSpace(formula)
	next.EffectiveDate = effective
	next.ExpiresAt = nil
	next.IsActive = true
	next.DeactivationReason = ""
	if err := Validate(next); err != nil {
		return prior, models.CalculatedRule{}, err
	}
	closed = prior
	end := effective
	closed.ExpiresAt = &end
	return closed, next, nil
}

// Compiled pairs a stored rule with its parsed formula.
type Compiled struct {
	Rule    models.CalculatedRule
	Formula *Formula
}

// Rejection is a stored rule whose formula no longer parses.
type Rejection struct {
	Rule models.CalculatedRule
	Err  error
}

// Compile parses every active rule effective at asOf. When several versions
// of one rule are effective the highest version is used. Rules that fail to
// parse are returned as rejections and never evaluated.
func Compile(rules []models.CalculatedRule, asOf time.Time) ([]Compiled, []Rejection) {
	latest := make(map[string]models.CalculatedRule)
	for _, r := range rules {
		if !r.IsActive || !r.EffectiveAt(asOf) {
			continue
		}
		if cur, ok := latest[r.RuleID]; !ok || r.Version > cur.Version {
			latest[r.RuleID] = r
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var (
		out      []Compiled
		rejected []Rejection
	)
	for _, id := range ids {
		r := latest[id]
		f, err := Parse(r.Formula)
		if err != nil {
			rejected = append(rejected, Rejection{Rule: r, Err: err})
			continue
		}
		out = append(out, Compiled{Rule: r, Formula: f})
	}
	return out, rejected
}

// EqualityLinks returns the field pairs tied by equality rules, used by
// calculated matching.
func EqualityLinks(rules []Compiled) []Link {
	var out []Link
	for _, c := range rules {
		if c.Formula.Kind != KindEquality {
			continue
		}
		out = append(out, Link{
			RuleID:  c.Rule.RuleID,
			Version: c.Rule.Version,
			Formula: c.Formula.String(),
			Left:    c.Formula.Left,
			Right:   c.Formula.Terms[0].Ref,
		})
	}
	return out
}

// Link ties two statement fields that must carry the same value.
type Link struct {
	RuleID  string
	Version int
	Formula string
	Left    Ref
	Right   Ref
}

// Connects reports whether the link joins a and b in either orientation.
func (l Link) Connects(a, b Ref) bool {
	return (l.Left == a && l.Right == b) || (l.Left == b && l.Right == a)
}
