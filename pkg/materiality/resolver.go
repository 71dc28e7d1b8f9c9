// Package materiality resolves the tolerance that applies to a property,
// statement and account at a point in time.
package materiality

import (
	"path"
	"sort"
	"time"

	"reims/pkg/logging"
	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Source string

const (
	SourceConfig    Source = "config"
	SourceRiskClass Source = "risk_class"
	SourceDefault   Source = "default"
)

var hundred = decimal.NewFromInt(100)

// Threshold is the effective tolerance for one lookup.
type Threshold struct {
	Absolute      decimal.Decimal `json:"absolute"`
	RelativePct   decimal.Decimal `json:"relative_pct"`
	RiskClass     string          `json:"risk_class"`
	ToleranceType string          `json:"tolerance_type"`
	Source        Source          `json:"source"`
	SourceID      int64           `json:"source_id,omitempty"`
}

// Relative returns relative_pct percent of |base|.
func (t Threshold) Relative(base decimal.Decimal) decimal.Decimal {
	return base.Abs().Mul(t.RelativePct).Div(hundred)
}

// Tolerance is the larger of the absolute and the relative threshold for base.
func (t Threshold) Tolerance(base decimal.Decimal) decimal.Decimal {
	return decimal.Max(t.Absolute, t.Relative(base))
}

// Exceeds reports whether |diff| is above both the absolute and the relative
// threshold computed on base.
func (t Threshold) Exceeds(diff, base decimal.Decimal) bool {
	d := diff.Abs()
	return d.GreaterThan(t.Absolute) && d.GreaterThan(t.Relative(base))
}

// SystemDefault is used when neither a config nor a risk class applies.
func SystemDefault() Threshold {
	return Threshold{
		Absolute:      decimal.NewFromInt(1000),
		RelativePct:   decimal.RequireFromString("1.0"),
		RiskClass:     "medium",
		ToleranceType: "absolute",
		Source:        SourceDefault,
	}
}

type Option func(*Resolver)

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.log = logging.OrNop(l) }
}

// WithDefault replaces the system default threshold.
func WithDefault(t Threshold) Option {
	return func(r *Resolver) {
		t.Source = SourceDefault
		r.fallback = t
	}
}

// WithFallbackObserver is notified every time a lookup falls back to the default.
func WithFallbackObserver(fn func(statement models.DocumentType, accountCode string)) Option {
	return func(r *Resolver) { r.onFallback = fn }
}

// Resolver answers threshold lookups from a policy snapshot. It is safe for
// concurrent use once built.
type Resolver struct {
	configs    []models.MaterialityConfig
	classes    []models.AccountRiskClass
	fallback   Threshold
	log        *zap.Logger
	onFallback func(models.DocumentType, string)
}

// NewResolver snapshots the materiality configs and risk classes. The input
// slices are copied and ordered so results never depend on insertion order.
func NewResolver(configs []models.MaterialityConfig, classes []models.AccountRiskClass, opts ...Option) *Resolver {
	r := &Resolver{
		configs:  append([]models.MaterialityConfig(nil), configs...),
		classes:  append([]models.AccountRiskClass(nil), classes...),
		fallback: SystemDefault(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	sort.SliceStable(r.configs, func(i, j int) bool { return moreSpecific(r.configs[i], r.configs[j]) })
	sort.SliceStable(r.classes, func(i, j int) bool {
		a, b := r.classes[i], r.classes[j]
		if len(a.CodePattern) != len(b.CodePattern) {
			return len(a.CodePattern) > len(b.CodePattern)
		}
		return a.ID < b.ID
	})
	return r
}

// FromPolicy builds a resolver over a policy snapshot.
func FromPolicy(p models.Policy, opts ...Option) *Resolver {
	return NewResolver(p.Materiality, p.RiskClasses, opts...)
}

func moreSpecific(a, b models.MaterialityConfig) bool {
	if a.Scope.Rank() != b.Scope.Rank() {
		return a.Scope.Rank() > b.Scope.Rank()
	}
	if (a.PropertyID != nil) != (b.PropertyID != nil) {
		return a.PropertyID != nil
	}
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	return a.ID > b.ID
}

func applies(c models.MaterialityConfig, propertyID int64, statement models.DocumentType, accountCode string) bool {
	if c.PropertyID != nil && *c.PropertyID != propertyID {
		return false
	}
	switch c.Scope {
	case models.ScopeAccount:
		if c.AccountCode == "" || c.AccountCode != accountCode {
			return false
		}
		return c.StatementType == "" || c.StatementType == statement
	case models.ScopeStatement:
		return c.StatementType != "" && c.StatementType == statement
	case models.ScopeProperty:
		return c.PropertyID != nil
	case models.ScopeGlobal:
		return true
	}
	return false
}

// Lookup returns the most specific threshold. When only the system default
// applies the default is returned together with an ErrConfigNotFound error.
func (r *Resolver) Lookup(propertyID int64, statement models.DocumentType, accountCode string, asOf time.Time) (Threshold, error) {
	for _, c := range r.configs {
		if !c.EffectiveAt(asOf) || !applies(c, propertyID, statement, accountCode) {
			continue
		}
		return Threshold{
			Absolute:      c.AbsoluteThreshold,
			RelativePct:   c.RelativeThresholdPct,
			RiskClass:     c.RiskClass,
			ToleranceType: c.ToleranceType,
			Source:        SourceConfig,
			SourceID:      c.ID,
		}, nil
	}
	if accountCode != "" {
		for _, rc := range r.classes {
			ok, err := path.Match(rc.CodePattern, accountCode)
			if err != nil || !ok {
				continue
			}
			return Threshold{
				Absolute:      rc.AbsoluteThreshold,
				RelativePct:   rc.RelativeThresholdPct,
				RiskClass:     rc.RiskClass,
				ToleranceType: "absolute",
				Source:        SourceRiskClass,
				SourceID:      rc.ID,
			}, nil
		}
	}
	return r.fallback, recerr.New(recerr.ErrConfigNotFound,
		"no materiality for property %d statement %s account %q", propertyID, statement, accountCode)
}

// Resolve is Lookup with the ConfigNotFound fallback logged and swallowed.
func (r *Resolver) Resolve(propertyID int64, statement models.DocumentType, accountCode string, asOf time.Time) Threshold {
	t, err := r.Lookup(propertyID, statement, accountCode, asOf)
	if err != nil {
		r.log.Warn("materiality fallback to system default",
			zap.String("reason", string(recerr.ReasonConfigNotFound)),
			zap.Int64("property_id", propertyID),
			zap.String("statement_type", string(statement)),
			zap.String("account_code", accountCode))
		if r.onFallback != nil {
			r.onFallback(statement, accountCode)
		}
	}
	return t
}
