package calcrule

import (
	"context"
	"time"

	"reims/pkg/logging"
	"reims/pkg/materiality"
	"reims/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Field is the value behind a statement field.
type Field struct {
	Amount      decimal.Decimal
	AccountCode string
}

// FieldSource resolves formula references to values.
type FieldSource interface {
	Lookup(ref Ref) (Field, bool)
}

// Index is an in-memory FieldSource over a session's line items. Items that
// share a statement and field name are summed.
type Index map[Ref]Field

func NewIndex(items []models.LineItem) Index {
	idx := make(Index)
	for _, it := range items {
		if it.FieldName == "" {
			continue
		}
		key := Ref{Statement: it.DocumentType, Field: it.FieldName}
		cur, ok := idx[key]
		if !ok {
			idx[key] = Field{Amount: it.Amount, AccountCode: it.AccountCode}
			continue
		}
		cur.Amount = cur.Amount.Add(it.Amount)
		idx[key] = cur
	}
	return idx
}

func (i Index) Lookup(ref Ref) (Field, bool) {
	f, ok := i[ref]
	return f, ok
}

// ThresholdResolver supplies tolerances for rules without their own.
type ThresholdResolver interface {
	Resolve(propertyID int64, statement models.DocumentType, accountCode string, asOf time.Time) materiality.Threshold
}

type Evaluator struct {
	Source    FieldSource
	Threshold ThresholdResolver
	Log       *zap.Logger
}

func NewEvaluator(src FieldSource, th ThresholdResolver, log *zap.Logger) *Evaluator {
	return &Evaluator{Source: src, Threshold: th, Log: logging.OrNop(log)}
}

// Evaluate runs every compiled rule against the field source. actual is the
// left-hand value, expected the signed sum of the right-hand side.
func (e *Evaluator) Evaluate(ctx context.Context, propertyID, periodID int64, asOf time.Time, rules []Compiled) ([]models.RuleResult, error) {
	out := make([]models.RuleResult, 0, len(rules))
	for _, c := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := e.evaluate(propertyID, asOf, c)
		if res.Status == models.RuleFail {
			e.Log.Info("calculated rule failed",
				zap.String("rule_id", res.RuleID),
				zap.Int("version", res.Version),
				zap.Int64("property_id", propertyID),
				zap.Int64("period_id", periodID),
				zap.String("difference", res.Difference.String()))
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *Evaluator) evaluate(propertyID int64, asOf time.Time, c Compiled) models.RuleResult {
	res := models.RuleResult{
		RuleID:    c.Rule.RuleID,
		Version:   c.Rule.Version,
		Name:      c.Rule.Name,
		Formula:   c.Rule.Formula,
		Severity:  c.Rule.Severity,
		Statement: c.Formula.Left.Statement,
		Field:     c.Formula.Left.Field,
	}
	left, ok := e.Source.Lookup(c.Formula.Left)
	if !ok {
		res.Missing = append(res.Missing, c.Formula.Left.String())
	}
	expected := decimal.Zero
	for _, t := range c.Formula.Terms {
		f, ok := e.Source.Lookup(t.Ref)
		if !ok {
			res.Missing = append(res.Missing, t.Ref.String())
			continue
		}
		if t.Negative {
			expected = expected.Sub(f.Amount)
		} else {
			expected = expected.Add(f.Amount)
		}
	}
	if len(res.Missing) > 0 {
		res.Status = models.RuleSkip
		return res
	}
	res.Actual = left.Amount
	res.Expected = expected
	res.Difference = left.Amount.Sub(expected)
	res.Tolerance = e.tolerance(propertyID, asOf, c, left.AccountCode, expected)
	diff := res.Difference.Abs()
	switch {
	case diff.LessThanOrEqual(res.Tolerance):
		res.Status = models.RulePass
	case diff.LessThanOrEqual(res.Tolerance.Mul(decimal.NewFromInt(2))):
		res.Status = models.RuleWarning
	default:
		res.Status = models.RuleFail
	}
	return res
}

func (e *Evaluator) tolerance(propertyID int64, asOf time.Time, c Compiled, accountCode string, expected decimal.Decimal) decimal.Decimal {
	abs, pct := c.Rule.ToleranceAbsolute, c.Rule.TolerancePercent
	if abs == nil && pct == nil {
		if e.Threshold == nil {
			return materiality.SystemDefault().Tolerance(expected)
		}
		return e.Threshold.Resolve(propertyID, c.Formula.Left.Statement, accountCode, asOf).Tolerance(expected)
	}
	tol := decimal.Zero
	if abs != nil {
		tol = *abs
	}
	if pct != nil {
		tol = decimal.Max(tol, expected.Abs().Mul(*pct).Div(hundred))
	}
	return tol
}
