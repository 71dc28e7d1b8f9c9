package calcrule

import (
	"strings"
	"testing"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/cockroachdb/errors"
)

func TestParseKinds(t *testing.T) {
	cases := []struct {
		in    string
		kind  Kind
		terms int
		canon string
	}{
		{"BS.current_period_earnings = IS.net_income", KindEquality, 1, "BS.current_period_earnings = IS.net_income"},
		{"IS.total_revenue=RR.base_rent+RR.recoveries+IS.other_income", KindSum, 3, "IS.total_revenue = RR.base_rent + RR.recoveries + IS.other_income"},
		{"  CF.net_change = CF.ending_cash - CF.beginning_cash ", KindDifference, 2, "CF.net_change = CF.ending_cash - CF.beginning_cash"},
		{"MS.principal_balance = BS.mortgage_payable_2", KindEquality, 1, "MS.principal_balance = BS.mortgage_payable_2"},
	}
	for _, tc := range cases {
		f, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if f.Kind != tc.kind || len(f.Terms) != tc.terms {
			t.Fatalf("%q: got kind %s with %d terms", tc.in, f.Kind, len(f.Terms))
		}
		if f.String() != tc.canon {
			t.Fatalf("%q: canonical form %q", tc.in, f.String())
		}
	}
	f, _ := Parse("BS.current_period_earnings = IS.net_income")
	if f.Left.Statement != models.BalanceSheet || f.Terms[0].Ref.Statement != models.IncomeStatement {
		t.Fatalf("unexpected statements %+v", f)
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"BS.cash",
		"BS.cash = ",
		"BS.cash == IS.cash",
		"GL.cash = IS.cash",
		"bs.cash = IS.cash",
		"BS.Cash = IS.cash",
		"BS.1cash = IS.cash",
		"BS.cash = IS.cash * 2",
		"BS.cash = -IS.cash",
		"BS.cash = IS.cash +",
		"BS.cash = IS.cash IS.other",
		"BS.cash = 100",
		"BS.cash = IS.cash; drop table rules",
		"BS.cash = os.exit",
	}
	for _, in := range bad {
		_, err := Parse(in)
		if err == nil {
			t.Fatalf("%q: expected parse error", in)
		}
		if !recerr.Is(err, recerr.ErrFormulaParse) {
			t.Fatalf("%q: missing formula parse marker: %v", in, err)
		}
	}
}

func TestParseTermLimit(t *testing.T) {
	terms := make([]string, MaxTerms)
	for i := range terms {
		terms[i] = "IS.line_" + string(rune('a'+i))
	}
	ok := "IS.total = " + strings.Join(terms, " + ")
	if _, err := Parse(ok); err != nil {
		t.Fatalf("%d terms must parse: %v", MaxTerms, err)
	}
	_, err := Parse(ok + " + IS.line_z")
	var pe *ParseError
	if !errors.As(err, &pe) || !strings.Contains(pe.Msg, "more than") {
		t.Fatalf("expected term limit error, got %v", err)
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse("BS.cash = IS.cash ? 3")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Pos != 18 {
		t.Fatalf("expected error at 18, got %d", pe.Pos)
	}
}
