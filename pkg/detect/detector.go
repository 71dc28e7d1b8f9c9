// Package detect turns matches, rule results and unmatched items into
// discrepancies with a severity and an initial exception tier.
package detect

import (
	"fmt"
	"time"

	"reims/pkg/logging"
	"reims/pkg/materiality"
	"reims/pkg/models"
	"reims/pkg/resolution"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Triage reports the auto-resolution rule that would fire for a discrepancy.
type Triage interface {
	FirstMatch(d models.Discrepancy) (models.AutoResolutionRule, bool)
}

type ThresholdResolver interface {
	Resolve(propertyID int64, statement models.DocumentType, accountCode string, asOf time.Time) materiality.Threshold
}

type Config struct {
	LowConfidence float64
	AsOf          time.Time
}

func DefaultConfig() Config { return Config{LowConfidence: 70} }

// Input is everything one session produced before triage.
type Input struct {
	SessionID       string
	PropertyID      int64
	Matches         []models.Match
	RuleResults     []models.RuleResult
	UnmatchedSource []models.LineItem
	UnmatchedTarget []models.LineItem
}

type Detector struct {
	cfg       Config
	threshold ThresholdResolver
	triage    Triage
	newID     func() string
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Detector)

func WithIDs(fn func() string) Option      { return func(d *Detector) { d.newID = fn } }
func WithClock(fn func() time.Time) Option { return func(d *Detector) { d.now = fn } }
func WithLogger(l *zap.Logger) Option      { return func(d *Detector) { d.log = logging.OrNop(l) } }

// New builds a detector. triage may be nil, in which case tiers follow
// severity alone.
func New(cfg Config, threshold ThresholdResolver, triage Triage, opts ...Option) *Detector {
	d := &Detector{
		cfg:       cfg,
		threshold: threshold,
		triage:    triage,
		newID:     uuid.NewString,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect emits discrepancies in a stable order: per match, then per failed
// rule, then unmatched sources and targets.
func (d *Detector) Detect(in Input) []models.Discrepancy {
	var out []models.Discrepancy
	created := d.now().UTC()
	emit := func(x models.Discrepancy) {
		x.ID = d.newID()
		x.SessionID = in.SessionID
		x.PropertyID = in.PropertyID
		x.Status = models.DiscrepancyOpen
		x.CreatedAt = created
		x.ExceptionTier = d.tier(x)
		out = append(out, x)
	}
	for _, m := range in.Matches {
		for _, x := range d.forMatch(in.PropertyID, m) {
			emit(x)
		}
	}
	for _, r := range in.RuleResults {
		if r.Status != models.RuleFail {
			continue
		}
		emit(models.Discrepancy{
			RuleID:        r.RuleID,
			RuleVersion:   r.Version,
			Type:          models.RuleFailure,
			Severity:      r.Severity,
			StatementType: r.Statement,
			Expected:      r.Expected,
			Actual:        r.Actual,
			Difference:    r.Difference,
			Confidence:    100,
			Description:   fmt.Sprintf("rule %s v%d failed: %s (difference %s, tolerance %s)", r.RuleID, r.Version, r.Formula, r.Difference, r.Tolerance),
		})
	}
	for _, li := range in.UnmatchedSource {
		emit(d.missing(in.PropertyID, li, models.MissingTarget))
	}
	for _, li := range in.UnmatchedTarget {
		emit(d.missing(in.PropertyID, li, models.MissingSource))
	}
	d.log.Debug("discrepancies detected", zap.String("session_id", in.SessionID), zap.Int("count", len(out)))
	return out
}

func (d *Detector) resolve(propertyID int64, ref models.LineItemRef) materiality.Threshold {
	if d.threshold == nil {
		return materiality.SystemDefault()
	}
	return d.threshold.Resolve(propertyID, ref.DocumentType, ref.AccountCode, d.cfg.AsOf)
}

func (d *Detector) forMatch(propertyID int64, m models.Match) []models.Discrepancy {
	base := models.Discrepancy{
		MatchID:        m.ID,
		MatchType:      m.MatchType,
		StatementType:  m.Source.DocumentType,
		AccountCode:    m.Source.AccountCode,
		SourceRecordID: m.Source.RecordID,
		TargetRecordID: m.Target.RecordID,
		Expected:       m.Source.Amount,
		Actual:         m.Target.Amount,
		Difference:     m.AmountDifference,
		Confidence:     m.ConfidenceScore,
	}
	var out []models.Discrepancy
	if m.ConfidenceScore < d.cfg.LowConfidence {
		x := base
		x.Type = models.LowConfidenceMatch
		x.Severity = LowConfidenceSeverity(d.cfg.LowConfidence - m.ConfidenceScore)
		x.Description = fmt.Sprintf("%s match %s/%s -> %s/%s has confidence %.2f",
			m.MatchType, m.Source.DocumentType.Code(), m.Source.AccountCode, m.Target.DocumentType.Code(), m.Target.AccountCode, m.ConfidenceScore)
		out = append(out, x)
	}
	th := d.resolve(propertyID, m.Source)
	if th.Exceeds(m.AmountDifference, m.Source.Amount) {
		x := base
		x.Type = models.AmountMismatch
		x.Severity = MismatchSeverity(m.AmountDifference, th.Absolute)
		x.Description = fmt.Sprintf("amounts differ by %s (absolute threshold %s, relative %s%%)",
			m.AmountDifference, th.Absolute, th.RelativePct)
		out = append(out, x)
	}
	return out
}

func (d *Detector) missing(propertyID int64, li models.LineItem, typ models.DiscrepancyType) models.Discrepancy {
	th := d.resolve(propertyID, li.Ref())
	x := models.Discrepancy{
		Type:          typ,
		Severity:      MissingSeverity(li.Amount, th.Absolute),
		StatementType: li.DocumentType,
		AccountCode:   li.AccountCode,
		Confidence:    0,
	}
	if typ == models.MissingTarget {
		x.SourceRecordID = li.RecordID
		x.Expected = li.Amount
		x.Difference = li.Amount.Neg()
		x.Description = fmt.Sprintf("%s %s %q (%s) has no counterpart", li.DocumentType.Code(), li.AccountCode, li.AccountName, li.Amount)
	} else {
		x.TargetRecordID = li.RecordID
		x.Actual = li.Amount
		x.Difference = li.Amount
		x.Description = fmt.Sprintf("%s %s %q (%s) has no source item", li.DocumentType.Code(), li.AccountCode, li.AccountName, li.Amount)
	}
	return x
}

func (d *Detector) tier(x models.Discrepancy) models.ExceptionTier {
	if d.triage == nil {
		return resolution.Tier(models.AutoResolutionRule{}, false, x.Severity)
	}
	rule, ok := d.triage.FirstMatch(x)
	return resolution.Tier(rule, ok, x.Severity)
}

// LowConfidenceSeverity grades how far a match fell below the floor.
func LowConfidenceSeverity(gap float64) models.Severity {
	switch {
	case gap > 40:
		return models.SeverityCritical
	case gap > 25:
		return models.SeverityHigh
	case gap > 10:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// MismatchSeverity grades an amount difference against the absolute threshold.
func MismatchSeverity(diff, absolute decimal.Decimal) models.Severity {
	d := diff.Abs()
	switch {
	case d.GreaterThan(absolute.Mul(decimal.NewFromInt(10))):
		return models.SeverityCritical
	case d.GreaterThan(absolute.Mul(decimal.NewFromInt(3))):
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

// MissingSeverity grades an unmatched amount against the absolute threshold.
func MissingSeverity(amount, absolute decimal.Decimal) models.Severity {
	a := amount.Abs()
	switch {
	case a.LessThanOrEqual(absolute):
		return models.SeverityLow
	case a.LessThanOrEqual(absolute.Mul(decimal.NewFromInt(3))):
		return models.SeverityMedium
	case a.LessThanOrEqual(absolute.Mul(decimal.NewFromInt(10))):
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}
