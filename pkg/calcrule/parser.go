// Package calcrule parses and evaluates cross-statement calculated rules such
// as "BS.current_period_earnings = IS.net_income". Formulas use a restricted
// grammar and are never evaluated dynamically:
//
//	formula := ref "=" expr
//	expr    := ref { ("+" | "-") ref }
//	ref     := STATEMENT "." FIELD
package calcrule

import (
	"fmt"
	"strings"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/cockroachdb/errors"
)

// MaxTerms bounds the right-hand side of a formula.
const MaxTerms = 8

type Kind string

const (
	KindEquality   Kind = "equality"
	KindSum        Kind = "sum"
	KindDifference Kind = "difference"
)

// Ref names one field of one statement.
type Ref struct {
	Statement models.DocumentType
	Field     string
}

func (r Ref) String() string {
	return r.Statement.Code() + "." + r.Field
}

// Term is a signed reference on the right-hand side.
type Term struct {
	Negative bool
	Ref      Ref
}

// Formula is a parsed rule body.
type Formula struct {
	Left  Ref
	Terms []Term
	Kind  Kind
}

// Refs lists every referenced field, left side first.
func (f *Formula) Refs() []Ref {
	out := make([]Ref, 0, len(f.Terms)+1)
	out = append(out, f.Left)
	for _, t := range f.Terms {
		out = append(out, t.Ref)
	}
	return out
}

// String renders the formula in canonical spacing.
func (f *Formula) String() string {
	var b strings.Builder
	b.WriteString(f.Left.String())
	b.WriteString(" = ")
	for i, t := range f.Terms {
		switch {
		case i == 0:
		case t.Negative:
			b.WriteString(" - ")
		default:
			b.WriteString(" + ")
		}
		b.WriteString(t.Ref.String())
	}
	return b.String()
}

// ParseError reports where a formula deviates from the grammar.
type ParseError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("formula %q: at %d: %s", e.Formula, e.Pos, e.Msg)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokDot
	tokEq
	tokPlus
	tokMinus
)

func (k tokenKind) String() string {
	switch k {
	case tokIdent:
		return "identifier"
	case tokDot:
		return "'.'"
	case tokEq:
		return "'='"
	case tokPlus:
		return "'+'"
	case tokMinus:
		return "'-'"
	default:
		return "end of formula"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '.':
			out = append(out, token{kind: tokDot, text: ".", pos: i})
			i++
		case ch == '=':
			out = append(out, token{kind: tokEq, text: "=", pos: i})
			i++
		case ch == '+':
			out = append(out, token{kind: tokPlus, text: "+", pos: i})
			i++
		case ch == '-':
			out = append(out, token{kind: tokMinus, text: "-", pos: i})
			i++
		case isIdentStart(ch):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			return nil, &ParseError{Formula: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", ch)}
		}
	}
	return append(out, token{kind: tokEOF, pos: len(src)}), nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

func validField(s string) bool {
	if s == "" || !(s[0] == '_' || (s[0] >= 'a' && s[0] <= 'z')) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// Parse parses a formula. Every failure is marked recerr.ErrFormulaParse.
func Parse(formula string) (*Formula, error) {
	f, err := parse(strings.TrimSpace(formula))
	if err != nil {
		return nil, errors.Mark(err, recerr.ErrFormulaParse)
	}
	return f, nil
}

func parse(src string) (*Formula, error) {
	if src == "" {
		return nil, &ParseError{Formula: src, Msg: "empty formula"}
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	left, err := p.ref()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokEq); err != nil {
		return nil, err
	}
	f := &Formula{Left: left}
	neg := false
	for {
		r, err := p.ref()
		if err != nil {
			return nil, err
		}
		f.Terms = append(f.Terms, Term{Negative: neg, Ref: r})
		if len(f.Terms) > MaxTerms {
			return nil, p.errorf(p.peek().pos, "more than %d terms", MaxTerms)
		}
		switch p.peek().kind {
		case tokPlus:
			neg = false
		case tokMinus:
			neg = true
		case tokEOF:
			f.Kind = kindOf(f.Terms)
			return f, nil
		default:
			t := p.peek()
			return nil, p.errorf(t.pos, "expected '+', '-' or end of formula, got %s", t.kind)
		}
		p.next()
	}
}

func kindOf(terms []Term) Kind {
	if len(terms) == 1 {
		return KindEquality
	}
	for _, t := range terms {
		if t.Negative {
			return KindDifference
		}
	}
	return KindSum
}

func (p *parser) ref() (Ref, error) {
	stmt, err := p.expect(tokIdent)
	if err != nil {
		return Ref{}, err
	}
	dt, ok := models.DocumentTypeFromCode(stmt.text)
	if !ok || stmt.text != dt.Code() {
		return Ref{}, p.errorf(stmt.pos, "unknown statement %q (want BS, IS, CF, RR or MS)", stmt.text)
	}
	if _, err := p.expect(tokDot); err != nil {
		return Ref{}, err
	}
	field, err := p.expect(tokIdent)
	if err != nil {
		return Ref{}, err
	}
	if !validField(field.text) {
		return Ref{}, p.errorf(field.pos, "invalid field name %q", field.text)
	}
	return Ref{Statement: dt, Field: field.text}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.errorf(t.pos, "expected %s, got %s", kind, t.kind)
	}
	return t, nil
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &ParseError{Formula: p.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
