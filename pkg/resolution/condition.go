package resolution

import (
	"bytes"
	"encoding/json"
	"path"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/shopspring/decimal"
)

// Condition is the structural form of an AutoResolutionRule's condition_json.
// An empty list means "any".
type Condition struct {
	DiscrepancyTypes []models.DiscrepancyType `json:"discrepancy_types,omitempty"`
	Severities       []models.Severity        `json:"severities,omitempty"`
	PropertyIDs      []int64                  `json:"property_ids,omitempty"`
	StatementTypes   []models.DocumentType    `json:"statement_types,omitempty"`
	AccountCodes     []string                 `json:"account_codes,omitempty"`
	MatchTypes       []models.MatchType       `json:"match_types,omitempty"`
	MaxDifference    *decimal.Decimal         `json:"max_difference,omitempty"`
}

// DecodeCondition decodes raw strictly: unknown keys, trailing data and
// malformed globs are errors.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	var c Condition
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return c, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Condition{}, recerr.Mark(err, recerr.ErrInvalidInput, "condition_json")
	}
	if dec.More() {
		return Condition{}, recerr.New(recerr.ErrInvalidInput, "condition_json: trailing data")
	}
	for _, g := range c.AccountCodes {
		if _, err := path.Match(g, ""); err != nil {
			return Condition{}, recerr.Mark(err, recerr.ErrInvalidInput, "condition_json: account code glob %q", g)
		}
	}
	if c.MaxDifference != nil && c.MaxDifference.IsNegative() {
		return Condition{}, recerr.New(recerr.ErrInvalidInput, "condition_json: negative max_difference")
	}
	return c, nil
}

// Matches tests d against every populated field.
func (c Condition) Matches(d models.Discrepancy) bool {
	if len(c.DiscrepancyTypes) > 0 && !contains(c.DiscrepancyTypes, d.Type) {
		return false
	}
	if len(c.Severities) > 0 && !contains(c.Severities, d.Severity) {
		return false
	}
	if len(c.PropertyIDs) > 0 && !contains(c.PropertyIDs, d.PropertyID) {
		return false
	}
	if len(c.StatementTypes) > 0 && !contains(c.StatementTypes, d.StatementType) {
		return false
	}
	if len(c.MatchTypes) > 0 && !contains(c.MatchTypes, d.MatchType) {
		return false
	}
	if len(c.AccountCodes) > 0 {
		hit := false
		for _, g := range c.AccountCodes {
			if ok, _ := path.Match(g, d.AccountCode); ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if c.MaxDifference != nil && d.Difference.Abs().GreaterThan(*c.MaxDifference) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
