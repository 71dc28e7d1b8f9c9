// Package matching proposes correspondences between line items of two
// statements. Every source/target pair is scored by the exact, calculated,
// fuzzy and inferred strategies; the best claim per pair is then committed
// greedily so each item takes part in at most one match.
package matching

import (
	"context"
	"math"
	"sort"
	"time"

	"reims/pkg/calcrule"
	"reims/pkg/logging"
	"reims/pkg/materiality"
	"reims/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ExactConfidence      = 100.0
	CalculatedConfidence = 95.0
)

// Inference is a learned correspondence between two account codes.
type Inference struct {
	PatternID   int64
	SuccessRate float64
	Validated   bool
	Via         string
}

// Inferrer is the learned-pattern snapshot taken at session start.
type Inferrer interface {
	Infer(source, target models.LineItemRef) (Inference, bool)
}

// ThresholdResolver supplies the materiality used to score amount closeness.
type ThresholdResolver interface {
	Resolve(propertyID int64, statement models.DocumentType, accountCode string, asOf time.Time) materiality.Threshold
}

type Config struct {
	FuzzyFloor    float64
	InferredFloor float64
	AsOf          time.Time
}

func DefaultConfig() Config {
	return Config{FuzzyFloor: 60, InferredFloor: 80}
}

// Conflict records a pair claimed by more than one strategy.
type Conflict struct {
	Source           models.LineItemRef `json:"source"`
	Target           models.LineItemRef `json:"target"`
	Winner           models.MatchType   `json:"winner"`
	WinnerConfidence float64            `json:"winner_confidence"`
	Loser            models.MatchType   `json:"loser"`
	LoserConfidence  float64            `json:"loser_confidence"`
}

type Result struct {
	Matches         []models.Match
	UnmatchedSource []models.LineItem
	UnmatchedTarget []models.LineItem
	Conflicts       []Conflict
}

type Engine struct {
	cfg       Config
	links     []calcrule.Link
	threshold ThresholdResolver
	patterns  Inferrer
	sim       NameSimilarity
	newID     func() string
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Engine)

func WithSimilarity(fn NameSimilarity) Option { return func(e *Engine) { e.sim = fn } }
func WithLogger(l *zap.Logger) Option         { return func(e *Engine) { e.log = logging.OrNop(l) } }
func WithIDs(fn func() string) Option         { return func(e *Engine) { e.newID = fn } }
func WithClock(fn func() time.Time) Option    { return func(e *Engine) { e.now = fn } }

// NewEngine builds an engine over the session's compiled rules, materiality
// and learned-pattern snapshot. patterns may be nil.
func NewEngine(cfg Config, rules []calcrule.Compiled, threshold ThresholdResolver, patterns Inferrer, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		links:     calcrule.EqualityLinks(rules),
		threshold: threshold,
		patterns:  patterns,
		sim:       TokenDice,
		newID:     uuid.NewString,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type candidate struct {
	src, dst     int
	kind         models.MatchType
	confidence   float64
	relationship string
	formula      string
	patternID    int64
}

type itemKey struct {
	doc   models.DocumentType
	table string
	id    int64
}

func keyOf(li models.LineItem) itemKey {
	return itemKey{doc: li.DocumentType, table: li.Table, id: li.RecordID}
}

// Match scores and commits matches between source and target items.
func (e *Engine) Match(ctx context.Context, sessionID string, source, target []models.LineItem) (Result, error) {
	var (
		cands     []candidate
		conflicts []Conflict
	)
	for i := range source {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for j := range target {
			claims := e.score(source[i], target[j])
			if len(claims) == 0 {
				continue
			}
			best := claims[0]
			for _, c := range claims[1:] {
				conflicts = append(conflicts, Conflict{
					Source:           source[i].Ref(),
					Target:           target[j].Ref(),
					Winner:           best.kind,
					WinnerConfidence: best.confidence,
					Loser:            c.kind,
					LoserConfidence:  c.confidence,
				})
			}
			best.src, best.dst = i, j
			cands = append(cands, best)
		}
	}
	if len(conflicts) > 0 {
		e.log.Debug("strategy conflicts resolved by priority",
			zap.String("session_id", sessionID), zap.Int("conflicts", len(conflicts)))
	}

	sort.SliceStable(cands, func(a, b int) bool {
		x, y := cands[a], cands[b]
		if x.confidence != y.confidence {
			return x.confidence > y.confidence
		}
		if x.kind.Priority() != y.kind.Priority() {
			return x.kind.Priority() < y.kind.Priority()
		}
		if source[x.src].RecordID != source[y.src].RecordID {
			return source[x.src].RecordID < source[y.src].RecordID
		}
		return target[x.dst].RecordID < target[y.dst].RecordID
	})

	usedSrc := make(map[itemKey]bool, len(source))
	usedDst := make(map[itemKey]bool, len(target))
	res := Result{Conflicts: conflicts}
	created := e.now().UTC()
	for _, c := range cands {
		s, t := source[c.src], target[c.dst]
		if usedSrc[keyOf(s)] || usedDst[keyOf(t)] {
			continue
		}
		usedSrc[keyOf(s)] = true
		usedDst[keyOf(t)] = true
		res.Matches = append(res.Matches, models.Match{
			ID:                  e.newID(),
			SessionID:           sessionID,
			Source:              s.Ref(),
			Target:              t.Ref(),
			MatchType:           c.kind,
			ConfidenceScore:     c.confidence,
			AmountDifference:    t.Amount.Sub(s.Amount),
			RelationshipType:    c.relationship,
			RelationshipFormula: c.formula,
			PatternID:           c.patternID,
			Status:              models.MatchPending,
			CreatedAt:           created,
		})
	}
	for _, s := range source {
		if !usedSrc[keyOf(s)] {
			res.UnmatchedSource = append(res.UnmatchedSource, s)
		}
	}
	for _, t := range target {
		if !usedDst[keyOf(t)] {
			res.UnmatchedTarget = append(res.UnmatchedTarget, t)
		}
	}
	return res, nil
}

// score returns every strategy's claim on the pair in priority order.
func (e *Engine) score(s, t models.LineItem) []candidate {
	var out []candidate
	if c, ok := e.exact(s, t); ok {
		out = append(out, c)
	}
	if c, ok := e.calculated(s, t); ok {
		out = append(out, c)
	}
	if c, ok := e.fuzzy(s, t); ok {
		out = append(out, c)
	}
	if c, ok := e.inferred(s, t); ok {
		out = append(out, c)
	}
	return out
}

func (e *Engine) exact(s, t models.LineItem) (candidate, bool) {
	if s.AccountCode == "" || s.AccountCode != t.AccountCode {
		return candidate{}, false
	}
	if s.DocumentType.Namespace() == "" || s.DocumentType.Namespace() != t.DocumentType.Namespace() {
		return candidate{}, false
	}
	return candidate{kind: models.MatchExact, confidence: ExactConfidence, relationship: "same_account"}, true
}

func (e *Engine) calculated(s, t models.LineItem) (candidate, bool) {
	if s.FieldName == "" || t.FieldName == "" {
		return candidate{}, false
	}
	a := calcrule.Ref{Statement: s.DocumentType, Field: s.FieldName}
	b := calcrule.Ref{Statement: t.DocumentType, Field: t.FieldName}
	for _, l := range e.links {
		if l.Connects(a, b) {
			return candidate{
				kind:         models.MatchCalculated,
				confidence:   CalculatedConfidence,
				relationship: string(calcrule.KindEquality),
				formula:      l.Formula,
			}, true
		}
	}
	return candidate{}, false
}

func (e *Engine) fuzzy(s, t models.LineItem) (candidate, bool) {
	if s.AccountName == "" || t.AccountName == "" {
		return candidate{}, false
	}
	sim := clamp01(e.sim(s.AccountName, t.AccountName))
	conf := round2((sim*0.5 + e.closeness(s, t)*0.5) * 100)
	if conf < e.cfg.FuzzyFloor {
		return candidate{}, false
	}
	return candidate{kind: models.MatchFuzzy, confidence: conf, relationship: "similar_name"}, true
}

func (e *Engine) closeness(s, t models.LineItem) float64 {
	th := materiality.SystemDefault()
	if e.threshold != nil {
		th = e.threshold.Resolve(s.PropertyID, s.DocumentType, s.AccountCode, e.cfg.AsOf)
	}
	tol := th.Tolerance(s.Amount)
	diff := t.Amount.Sub(s.Amount).Abs()
	if !tol.IsPositive() {
		if diff.IsZero() {
			return 1
		}
		return 0
	}
	ratio, _ := decimal.NewFromInt(1).Sub(diff.Div(tol)).Float64()
	return clamp01(ratio)
}

func (e *Engine) inferred(s, t models.LineItem) (candidate, bool) {
	if e.patterns == nil {
		return candidate{}, false
	}
	inf, ok := e.patterns.Infer(s.Ref(), t.Ref())
	if !ok {
		return candidate{}, false
	}
	if !inf.Validated && inf.SuccessRate < e.cfg.InferredFloor {
		return candidate{}, false
	}
	return candidate{
		kind:         models.MatchInferred,
		confidence:   round2(math.Min(100, math.Max(0, inf.SuccessRate))),
		relationship: inf.Via,
		patternID:    inf.PatternID,
	}, true
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
