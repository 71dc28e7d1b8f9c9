package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DocumentType identifies which extracted financial statement a line item came from.
type DocumentType string

const (
	BalanceSheet      DocumentType = "balance_sheet"
	IncomeStatement   DocumentType = "income_statement"
	CashFlow          DocumentType = "cash_flow"
	RentRoll          DocumentType = "rent_roll"
	MortgageStatement DocumentType = "mortgage_statement"
)

// DocumentTypes lists every statement the engine knows, in load order.
var DocumentTypes = []DocumentType{BalanceSheet, IncomeStatement, CashFlow, RentRoll, MortgageStatement}

var statementCodes = map[DocumentType]string{
	BalanceSheet:      "BS",
	IncomeStatement:   "IS",
	CashFlow:          "CF",
	RentRoll:          "RR",
	MortgageStatement: "MS",
}

// Code returns the short statement code used in calculated-rule formulas.
func (d DocumentType) Code() string {
	return statementCodes[d]
}

// Valid reports whether d is one of the five supported statements.
func (d DocumentType) Valid() bool {
	_, ok := statementCodes[d]
	return ok
}

// Namespace groups statements that share one chart of accounts. Exact code
// matching is only meaningful inside a namespace.
func (d DocumentType) Namespace() string {
	switch d {
	case BalanceSheet, IncomeStatement, CashFlow:
		return "gl"
	case RentRoll:
		return "rent_roll"
	case MortgageStatement:
		return "mortgage"
	default:
		return ""
	}
}

// DocumentTypeFromCode maps a formula statement code (BS, IS, ...) back to its document type.
func DocumentTypeFromCode(code string) (DocumentType, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for dt, c := range statementCodes {
		if c == code {
			return dt, true
		}
	}
	return "", false
}

// LineItemRef points at one extracted row in a statement table.
type LineItemRef struct {
	DocumentType DocumentType    `json:"document_type"`
	Table        string          `json:"table"`
	RecordID     int64           `json:"record_id"`
	AccountCode  string          `json:"account_code"`
	AccountName  string          `json:"account_name"`
	Amount       decimal.Decimal `json:"amount"`
	FieldName    string          `json:"field_name,omitempty"`
}

// LineItem is a normalized line item as supplied by the extraction layer.
type LineItem struct {
	PropertyID int64 `json:"property_id"`
	PeriodID   int64 `json:"period_id"`
	LineItemRef
}

// Ref drops the property/period scope.
func (li LineItem) Ref() LineItemRef {
	return li.LineItemRef
}

// DocumentPair is one source/target statement combination reconciled in a run.
type DocumentPair struct {
	Source DocumentType `json:"source" mapstructure:"source"`
	Target DocumentType `json:"target" mapstructure:"target"`
}

func (p DocumentPair) String() string {
	return p.Source.Code() + "->" + p.Target.Code()
}

// DefaultDocumentPairs are the statement combinations reconciled when none are configured.
func DefaultDocumentPairs() []DocumentPair {
	return []DocumentPair{
		{Source: BalanceSheet, Target: IncomeStatement},
		{Source: IncomeStatement, Target: CashFlow},
		{Source: RentRoll, Target: IncomeStatement},
		{Source: MortgageStatement, Target: BalanceSheet},
	}
}

// ItemsByDocument buckets items by statement, preserving input order.
func ItemsByDocument(items []LineItem) map[DocumentType][]LineItem {
	out := make(map[DocumentType][]LineItem, len(DocumentTypes))
	for _, it := range items {
		out[it.DocumentType] = append(out[it.DocumentType], it)
	}
	return out
}
