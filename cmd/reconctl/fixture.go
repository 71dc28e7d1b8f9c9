package main

import (
	"os"
	"strings"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fixture is a self-contained property/period: extracted line items plus the
// policy the run should see. Amounts are strings so no float ever touches them.
type fixture struct {
	PropertyID  int64             `yaml:"property_id"`
	PeriodID    int64             `yaml:"period_id"`
	AsOf        time.Time         `yaml:"as_of"`
	LineItems   []fixtureItem     `yaml:"line_items"`
	Rules       []fixtureRule     `yaml:"rules"`
	Materiality []fixtureConfig   `yaml:"materiality"`
	RiskClasses []fixtureRisk     `yaml:"risk_classes"`
	Synonyms    []fixtureSynonym  `yaml:"synonyms"`
	AutoRules   []fixtureAutoRule `yaml:"auto_resolution"`
}

type fixtureItem struct {
	Statement   string `yaml:"statement"`
	RecordID    int64  `yaml:"record_id"`
	AccountCode string `yaml:"account_code"`
	AccountName string `yaml:"account_name"`
	Field       string `yaml:"field"`
	Amount      string `yaml:"amount"`
}

type fixtureRule struct {
	RuleID            string `yaml:"rule_id"`
	Version           int    `yaml:"version"`
	Name              string `yaml:"name"`
	Formula           string `yaml:"formula"`
	ToleranceAbsolute string `yaml:"tolerance_absolute"`
	TolerancePercent  string `yaml:"tolerance_percent"`
	Severity          string `yaml:"severity"`
}

type fixtureConfig struct {
	Scope       string `yaml:"scope"`
	PropertyID  *int64 `yaml:"property_id"`
	Statement   string `yaml:"statement"`
	AccountCode string `yaml:"account_code"`
	Absolute    string `yaml:"absolute"`
	RelativePct string `yaml:"relative_pct"`
	RiskClass   string `yaml:"risk_class"`
}

type fixtureRisk struct {
	Pattern     string `yaml:"pattern"`
	RiskClass   string `yaml:"risk_class"`
	Absolute    string `yaml:"absolute"`
	RelativePct string `yaml:"relative_pct"`
}

type fixtureSynonym struct {
	Source      string  `yaml:"source"`
	Target      string  `yaml:"target"`
	SourceCode  string  `yaml:"source_code"`
	TargetCode  string  `yaml:"target_code"`
	SuccessRate float64 `yaml:"success_rate"`
	Validated   bool    `yaml:"validated"`
}

type fixtureAutoRule struct {
	Name       string  `yaml:"name"`
	Pattern    string  `yaml:"pattern_type"`
	Action     string  `yaml:"action"`
	Confidence float64 `yaml:"confidence_threshold"`
	Priority   int     `yaml:"priority"`
}

func loadFixture(path string) (fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, recerr.Wrap(err, "read fixture")
	}
	var f fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fixture{}, recerr.Mark(err, recerr.ErrInvalidInput, "decode fixture %s", path)
	}
	if f.PropertyID <= 0 || f.PeriodID <= 0 {
		return fixture{}, recerr.New(recerr.ErrInvalidInput, "fixture %s: property_id and period_id must be positive", path)
	}
	return f, nil
}

// statement accepts a formula code (BS) or a document type name (balance_sheet).
func statement(s string) (models.DocumentType, error) {
	if dt, ok := models.DocumentTypeFromCode(s); ok {
		return dt, nil
	}
	dt := models.DocumentType(strings.ToLower(strings.TrimSpace(s)))
	if !dt.Valid() {
		return "", recerr.New(recerr.ErrInvalidInput, "unknown statement %q", s)
	}
	return dt, nil
}

func amount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, recerr.Mark(err, recerr.ErrInvalidInput, "%s %q", field, s)
	}
	return d, nil
}

func optionalAmount(field, s string) (*decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := amount(field, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (f fixture) items() ([]models.LineItem, error) {
	out := make([]models.LineItem, 0, len(f.LineItems))
	for i, it := range f.LineItems {
		dt, err := statement(it.Statement)
		if err != nil {
			return nil, recerr.Wrapf(err, "line item %d", i)
		}
		amt, err := amount("amount", it.Amount)
		if err != nil {
			return nil, recerr.Wrapf(err, "line item %d", i)
		}
		id := it.RecordID
		if id == 0 {
			id = int64(i + 1)
		}
		out = append(out, models.LineItem{
			PropertyID: f.PropertyID,
			PeriodID:   f.PeriodID,
			LineItemRef: models.LineItemRef{
				DocumentType: dt,
				Table:        string(dt) + "_data",
				RecordID:     id,
				AccountCode:  it.AccountCode,
				AccountName:  it.AccountName,
				Amount:       amt,
				FieldName:    it.Field,
			},
		})
	}
	return out, nil
}

func (f fixture) policy() (models.Policy, error) {
	var p models.Policy
	for i, r := range f.Rules {
		abs, err := optionalAmount("tolerance_absolute", r.ToleranceAbsolute)
		if err != nil {
			return p, recerr.Wrapf(err, "rule %s", r.RuleID)
		}
		pct, err := optionalAmount("tolerance_percent", r.TolerancePercent)
		if err != nil {
			return p, recerr.Wrapf(err, "rule %s", r.RuleID)
		}
		sev := models.Severity(r.Severity)
		if sev == "" {
			sev = models.SeverityMedium
		}
		version := r.Version
		if version == 0 {
			version = 1
		}
		p.CalculatedRules = append(p.CalculatedRules, models.CalculatedRule{
			ID:                int64(i + 1),
			RuleID:            r.RuleID,
			Version:           version,
			Name:              r.Name,
			Formula:           r.Formula,
			ToleranceAbsolute: abs,
			TolerancePercent:  pct,
			Severity:          sev,
			IsActive:          true,
		})
	}
	for i, c := range f.Materiality {
		abs, err := amount("absolute", c.Absolute)
		if err != nil {
			return p, recerr.Wrapf(err, "materiality %d", i)
		}
		rel, err := amount("relative_pct", c.RelativePct)
		if err != nil {
			return p, recerr.Wrapf(err, "materiality %d", i)
		}
		cfg := models.MaterialityConfig{
			ID:                   int64(i + 1),
			Scope:                models.MaterialityScope(c.Scope),
			PropertyID:           c.PropertyID,
			AccountCode:          c.AccountCode,
			AbsoluteThreshold:    abs,
			RelativeThresholdPct: rel,
			RiskClass:            c.RiskClass,
			ToleranceType:        "absolute",
		}
		if c.Statement != "" {
			if cfg.StatementType, err = statement(c.Statement); err != nil {
				return p, recerr.Wrapf(err, "materiality %d", i)
			}
		}
		p.Materiality = append(p.Materiality, cfg)
	}
	for i, rc := range f.RiskClasses {
		abs, err := amount("absolute", rc.Absolute)
		if err != nil {
			return p, recerr.Wrapf(err, "risk class %s", rc.Pattern)
		}
		rel, err := amount("relative_pct", rc.RelativePct)
		if err != nil {
			return p, recerr.Wrapf(err, "risk class %s", rc.Pattern)
		}
		p.RiskClasses = append(p.RiskClasses, models.AccountRiskClass{
			ID:                   int64(i + 1),
			CodePattern:          rc.Pattern,
			RiskClass:            rc.RiskClass,
			AbsoluteThreshold:    abs,
			RelativeThresholdPct: rel,
		})
	}
	for i, a := range f.AutoRules {
		p.AutoResolution = append(p.AutoResolution, models.AutoResolutionRule{
			ID:                  int64(i + 1),
			Name:                a.Name,
			PatternType:         a.Pattern,
			ActionType:          models.ActionType(a.Action),
			ConfidenceThreshold: a.Confidence,
			Priority:            a.Priority,
			IsActive:            true,
		})
	}
	return p, nil
}

func (f fixture) synonyms() ([]models.AccountCodeSynonym, error) {
	out := make([]models.AccountCodeSynonym, 0, len(f.Synonyms))
	for i, s := range f.Synonyms {
		src, err := statement(s.Source)
		if err != nil {
			return nil, recerr.Wrapf(err, "synonym %d", i)
		}
		dst, err := statement(s.Target)
		if err != nil {
			return nil, recerr.Wrapf(err, "synonym %d", i)
		}
		out = append(out, models.AccountCodeSynonym{
			ID:                 int64(i + 1),
			SourceDocumentType: src,
			TargetDocumentType: dst,
			SourceCode:         s.SourceCode,
			TargetCode:         s.TargetCode,
			SuccessRate:        s.SuccessRate,
			IsValidated:        s.Validated,
		})
	}
	return out, nil
}
