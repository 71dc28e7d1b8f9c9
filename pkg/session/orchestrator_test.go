package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reims/pkg/events"
	"reims/pkg/learning"
	"reims/pkg/metrics"
	"reims/pkg/models"
	"reims/pkg/recerr"
	"reims/pkg/resolution"
	"reims/pkg/store"

	"github.com/shopspring/decimal"
)

var fixed = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, e)
	return nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evts {
		if e.Type == t {
			n++
		}
	}
	return n
}

func item(dt models.DocumentType, id int64, code, name, field, amount string) models.LineItem {
	return models.LineItem{
		PropertyID: 7,
		PeriodID:   3,
		LineItemRef: models.LineItemRef{
			DocumentType: dt,
			Table:        string(dt) + "_data",
			RecordID:     id,
			AccountCode:  code,
			AccountName:  name,
			Amount:       decimal.RequireFromString(amount),
			FieldName:    field,
		},
	}
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func cashItems() []models.LineItem {
	return []models.LineItem{
		item(models.BalanceSheet, 1, "1000", "Cash", "", "50000"),
		item(models.IncomeStatement, 2, "1000", "Cash", "", "50000"),
	}
}

// earningsItems disagree by 1000 under a rule that tolerates 100.
func earningsItems() []models.LineItem {
	return []models.LineItem{
		item(models.BalanceSheet, 11, "3900", "Retained Earnings", "retained_earnings", "120000"),
		item(models.IncomeStatement, 12, "4999", "Net Income", "net_income", "119000"),
	}
}

func earningsRule() models.CalculatedRule {
	return models.CalculatedRule{
		RuleID:            "BS_IS_EARNINGS",
		Version:           1,
		Name:              "Retained earnings tie to net income",
		Formula:           "BS.retained_earnings = IS.net_income",
		ToleranceAbsolute: decPtr("100"),
		Severity:          models.SeverityHigh,
		IsActive:          true,
	}
}

type fixture struct {
	mem   *store.Memory
	orch  *Orchestrator
	rec   *recorder
	ctx   context.Context
	learn *learning.Learner
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	var seq atomic.Int64
	learn := learning.New(mem, learning.DefaultConfig(), learning.WithClock(func() time.Time { return fixed }))
	base := []Option{
		WithPublisher(rec),
		WithLearner(learn),
		WithClock(func() time.Time { return fixed }),
		WithIDs(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	}
	return &fixture{
		mem:   mem,
		orch:  New(mem, cfg, append(base, opts...)...),
		rec:   rec,
		ctx:   context.Background(),
		learn: learn,
	}
}

func (f *fixture) run(t *testing.T) models.Session {
	t.Helper()
	s, err := f.orch.Run(f.ctx, 7, 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return s
}

func (f *fixture) matchOf(t *testing.T, sessionID string, typ models.MatchType) models.Match {
	t.Helper()
	ms, err := f.orch.Matches(f.ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range ms {
		if m.MatchType == typ {
			return m
		}
	}
	t.Fatalf("no %s match in %+v", typ, ms)
	return models.Match{}
}

func TestCleanRunApprovesItself(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)

	s := f.run(t)
	if s.Status != models.SessionApproved {
		t.Fatalf("expected approved, got %s", s.Status)
	}
	if s.CompletedAt == nil || !s.CompletedAt.Equal(fixed) || !s.StartedAt.Equal(fixed) {
		t.Fatalf("unexpected timestamps %+v", s)
	}
	sum := s.Summary
	if sum.TotalMatches != 1 || sum.PerStrategyCounts[models.MatchExact] != 1 || sum.OpenDiscrepancyCount != 0 || sum.HealthScore != 100 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.InputFingerprint == "" {
		t.Fatal("expected input fingerprint")
	}
	stored, err := f.orch.Get(f.ctx, s.ID)
	if err != nil || stored.Status != models.SessionApproved {
		t.Fatalf("stored session %+v, %v", stored, err)
	}
	if f.rec.count(events.SessionCompleted) != 1 || f.rec.count(events.DiscrepancyEscalated) != 0 {
		t.Fatalf("unexpected events %+v", f.rec.evts)
	}
}

func TestRuleFailureNeedsReviewAndEscalates(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(earningsItems()...)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})

	s := f.run(t)
	if s.Status != models.SessionPendingReview {
		t.Fatalf("expected pending_review, got %s", s.Status)
	}
	sum := s.Summary
	if sum.PerStrategyCounts[models.MatchCalculated] != 1 || sum.RuleStatusCounts[models.RuleFail] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.OpenDiscrepancyCount != 1 || sum.TierCounts[models.Tier3] != 1 || sum.HealthScore != 95 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	ds, err := f.orch.Discrepancies(f.ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].Type != models.RuleFailure || ds[0].RuleID != "BS_IS_EARNINGS" || !ds[0].Difference.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected discrepancies %+v", ds)
	}
	if f.rec.count(events.DiscrepancyEscalated) != 1 {
		t.Fatalf("expected one escalation, got %+v", f.rec.evts)
	}
}

func TestSummaryCountsAreConsistent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	f.mem.AddLineItems(earningsItems()...)
	f.mem.AddLineItems(item(models.RentRoll, 21, "R100", "Parking Income", "", "500"))
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})

	sum := f.run(t).Summary
	total := 0
	for _, typ := range models.MatchTypes {
		n, ok := sum.PerStrategyCounts[typ]
		if !ok {
			t.Fatalf("missing strategy %s in %+v", typ, sum.PerStrategyCounts)
		}
		total += n
	}
	if total != sum.TotalMatches {
		t.Fatalf("strategy counts sum to %d, total is %d", total, sum.TotalMatches)
	}
	tiers := 0
	for _, n := range sum.TierCounts {
		tiers += n
	}
	if tiers != sum.DiscrepancyCount {
		t.Fatalf("tier counts sum to %d, discrepancies %d", tiers, sum.DiscrepancyCount)
	}
	if sum.UnmatchedSource != 1 || sum.UnmatchedTarget != 0 {
		t.Fatalf("expected the rent roll item unmatched, got %+v", sum)
	}
}

func TestAutoClosedDiscrepancyDoesNotBlockApproval(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	f.mem.AddLineItems(item(models.RentRoll, 21, "R100", "Parking Income", "", "500"))
	f.mem.SetPolicy(models.Policy{AutoResolution: []models.AutoResolutionRule{{
		Name:        "small missing items",
		PatternType: string(models.MissingTarget),
		ActionType:  models.ActionAutoClose,
		Priority:    10,
		IsActive:    true,
	}}})

	s := f.run(t)
	if s.Status != models.SessionApproved || s.Summary.AutoResolvedCount != 1 || s.Summary.TierCounts[models.Tier0] != 1 {
		t.Fatalf("unexpected session %+v", s)
	}
	ds, _ := f.orch.Discrepancies(f.ctx, s.ID)
	if len(ds) != 1 || ds[0].ResolvedBy != resolution.AutoActor || ds[0].ResolvedAt == nil || ds[0].AutoRuleID == 0 {
		t.Fatalf("unexpected discrepancies %+v", ds)
	}
	entries, _ := f.orch.AuditLog(f.ctx, s.ID)
	found := false
	for _, e := range entries {
		if e.EntityType == "discrepancy" && e.Action == string(models.ActionAutoClose) && e.Actor == resolution.AutoActor {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected auto-close audit entry, got %+v", entries)
	}
}

func TestSelfApprovedRunRecordsResolutionOutcomes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	f.mem.AddLineItems(item(models.RentRoll, 21, "R100", "Parking Income", "", "500"))
	f.mem.SetPolicy(models.Policy{AutoResolution: []models.AutoResolutionRule{{
		Name:        "small missing items",
		PatternType: string(models.MissingTarget),
		ActionType:  models.ActionAutoClose,
		IsActive:    true,
	}}})

	s := f.run(t)
	if s.Status != models.SessionApproved {
		t.Fatalf("expected self-approval, got %s", s.Status)
	}
	ds, _ := f.orch.Discrepancies(f.ctx, s.ID)
	if len(ds) != 1 || ds[0].AutoRuleID == 0 {
		t.Fatalf("unexpected discrepancies %+v", ds)
	}
	p, err := f.mem.Pattern(f.ctx, learning.ResolutionKey(ds[0].AutoRuleID, models.MissingTarget))
	if err != nil {
		t.Fatal(err)
	}
	if p.MatchCount != 1 || p.SuccessCount != 1 {
		t.Fatalf("expected one accepted resolution outcome, got %+v", p)
	}
}

func TestRerunProducesSameMatches(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	f.mem.AddLineItems(earningsItems()...)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})

	first := f.run(t)
	if _, err := f.orch.Approve(f.ctx, first.ID, "alice", "ok"); err != nil {
		t.Fatal(err)
	}
	second := f.run(t)
	if second.ID == first.ID {
		t.Fatal("expected a new session after the first was closed")
	}
	triples := func(id string) map[string]bool {
		ms, err := f.orch.Matches(f.ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		out := map[string]bool{}
		for _, m := range ms {
			out[fmt.Sprintf("%s/%d>%s/%d:%s", m.Source.DocumentType, m.Source.RecordID, m.Target.DocumentType, m.Target.RecordID, m.MatchType)] = true
		}
		return out
	}
	a, b := triples(first.ID), triples(second.ID)
	if len(a) != len(b) || len(a) == 0 {
		t.Fatalf("match sets differ: %v vs %v", a, b)
	}
	for k := range a {
		if !b[k] {
			t.Fatalf("match %s missing from re-run", k)
		}
	}
	if first.Summary.InputFingerprint != second.Summary.InputFingerprint {
		t.Fatal("fingerprint changed for identical inputs")
	}
}

func TestParallelMatchingAgreesWithSequential(t *testing.T) {
	seed := func(f *fixture) {
		f.mem.AddLineItems(cashItems()...)
		f.mem.AddLineItems(earningsItems()...)
		f.mem.AddLineItems(item(models.RentRoll, 21, "R100", "Parking Income", "", "500"))
		f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})
	}
	seq := newFixture(t, DefaultConfig())
	seed(seq)
	cfg := DefaultConfig()
	cfg.Parallel = true
	par := newFixture(t, cfg)
	seed(par)

	a, b := seq.run(t).Summary, par.run(t).Summary
	if a.TotalMatches != b.TotalMatches || a.DiscrepancyCount != b.DiscrepancyCount || a.UnmatchedSource != b.UnmatchedSource || a.HealthScore != b.HealthScore {
		t.Fatalf("parallel summary %+v differs from sequential %+v", b, a)
	}
}

func TestPersistenceFailureLeavesSessionResumable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(earningsItems()...)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})
	f.mem.FailNext("SaveRun", errors.New("connection reset"))

	failed, err := f.orch.Run(f.ctx, 7, 3)
	if err == nil {
		t.Fatal("expected run failure")
	}
	if recerr.ReasonOf(err) != recerr.ReasonSessionFailed || !recerr.Is(err, recerr.ErrPersistence) || recerr.SessionIDOf(err) != failed.ID {
		t.Fatalf("unexpected error %v", err)
	}
	stored, err := f.orch.Get(f.ctx, failed.ID)
	if err != nil || stored.Status != models.SessionInProgress {
		t.Fatalf("expected in_progress, got %+v, %v", stored, err)
	}
	if ms, _ := f.orch.Matches(f.ctx, failed.ID); len(ms) != 0 {
		t.Fatalf("failed run must not persist matches, got %d", len(ms))
	}
	if f.rec.count(events.SessionCompleted) != 0 {
		t.Fatal("failed run must not publish completion")
	}

	resumed := f.run(t)
	if resumed.ID != failed.ID || resumed.Status != models.SessionPendingReview {
		t.Fatalf("expected resumed session %s pending_review, got %+v", failed.ID, resumed)
	}
}

func TestRunLockContention(t *testing.T) {
	locker := store.NewMemoryLocker()
	f := newFixture(t, DefaultConfig(), WithLocker(locker))
	f.mem.AddLineItems(cashItems()...)

	release, ok, err := locker.Acquire(f.ctx, store.RunLockKey(7, 3), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if _, err := f.orch.Run(f.ctx, 7, 3); !recerr.Is(err, recerr.ErrRunLocked) {
		t.Fatalf("expected run locked, got %v", err)
	}
	if err := release(f.ctx); err != nil {
		t.Fatal(err)
	}
	f.run(t)
}

func TestRunRejectsInvalidIDs(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if _, err := f.orch.Run(f.ctx, 0, 3); !recerr.Is(err, recerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUnparseableRuleIsDeactivated(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{{
		RuleID:   "BROKEN",
		Version:  1,
		Formula:  "BS.cash = eval(IS.cash)",
		Severity: models.SeverityMedium,
		IsActive: true,
	}}})

	s := f.run(t)
	if s.Status != models.SessionApproved {
		t.Fatalf("a broken rule must not fail the run, got %s", s.Status)
	}
	p, err := f.mem.LoadPolicy(f.ctx, 7)
	if err != nil || len(p.CalculatedRules) != 0 {
		t.Fatalf("expected rule deactivated, got %+v, %v", p.CalculatedRules, err)
	}
	entries, _ := f.orch.AuditLog(f.ctx, s.ID)
	found := false
	for _, e := range entries {
		if e.EntityType == "calculated_rule" && e.EntityID == "BROKEN" && e.Action == "deactivate" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deactivate audit entry, got %+v", entries)
	}
}

func TestRuleDeactivationCommitsWithRun(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{{
		RuleID:   "BROKEN",
		Version:  1,
		Formula:  "BS.cash = eval(IS.cash)",
		Severity: models.SeverityMedium,
		IsActive: true,
	}}})
	f.mem.FailNext("SaveRun", errors.New("connection reset"))

	if _, err := f.orch.Run(f.ctx, 7, 3); err == nil {
		t.Fatal("expected run failure")
	}
	p, err := f.mem.LoadPolicy(f.ctx, 7)
	if err != nil || len(p.CalculatedRules) != 1 {
		t.Fatalf("failed run must leave the rule active, got %+v, %v", p.CalculatedRules, err)
	}

	s := f.run(t)
	p, _ = f.mem.LoadPolicy(f.ctx, 7)
	if len(p.CalculatedRules) != 0 {
		t.Fatalf("expected rule deactivated by the retry, got %+v", p.CalculatedRules)
	}
	entries, _ := f.orch.AuditLog(f.ctx, s.ID)
	n := 0
	for _, e := range entries {
		if e.EntityType == "calculated_rule" && e.EntityID == "BROKEN" && e.Action == "deactivate" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one deactivate audit entry, got %+v", entries)
	}
}

func TestEveryStageIsTimed(t *testing.T) {
	reg := metrics.NewRegistry()
	f := newFixture(t, DefaultConfig(), WithMetrics(reg))
	f.mem.AddLineItems(cashItems()...)
	f.run(t)

	for _, name := range []string{"load", "matching", "evaluate", "detect", "route", "persist", "run"} {
		if n := reg.Histograms.Get("stage:" + name).Snapshot().Count; n != 1 {
			t.Fatalf("stage %s: expected one observation, got %d", name, n)
		}
	}
}

func TestApproveAndRejectGuards(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(earningsItems()...)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})
	s := f.run(t)

	if _, err := f.orch.Reject(f.ctx, s.ID, "alice", "  "); !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for reasonless reject, got %v", err)
	}
	if _, err := f.orch.Approve(f.ctx, s.ID, "", "ok"); !recerr.Is(err, recerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input without reviewer, got %v", err)
	}
	if got, _ := f.orch.Get(f.ctx, s.ID); got.Status != models.SessionPendingReview {
		t.Fatalf("refused decisions must not change status, got %s", got.Status)
	}

	rejected, err := f.orch.Reject(f.ctx, s.ID, "alice", "earnings do not tie")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != models.SessionRejected || rejected.ReviewedBy != "alice" || rejected.ReviewNotes != "earnings do not tie" {
		t.Fatalf("unexpected session %+v", rejected)
	}
	if _, err := f.orch.Approve(f.ctx, s.ID, "bob", "ok"); !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after reject, got %v", err)
	}
	if f.rec.count(events.SessionRejected) != 1 || f.rec.count(events.SessionApproved) != 0 {
		t.Fatalf("unexpected events %+v", f.rec.evts)
	}
	entries, _ := f.orch.AuditLog(f.ctx, s.ID)
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	if !actions["complete"] || !actions["reject"] || actions["approve"] {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestReviewMatchFeedsLearnerOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(earningsItems()...)
	f.mem.AddLineItems(
		item(models.BalanceSheet, 31, "1010", "Cash - Operating", "", "50000"),
		item(models.IncomeStatement, 32, "1011", "Operating Cash", "", "50050"),
	)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})
	s := f.run(t)
	fz := f.matchOf(t, s.ID, models.MatchFuzzy)

	m, err := f.orch.ReviewMatch(f.ctx, Review{MatchID: fz.ID, Decision: models.MatchApproved, Reviewer: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != models.MatchApproved || m.ReviewedBy != "alice" {
		t.Fatalf("unexpected match %+v", m)
	}
	if _, err := f.orch.ReviewMatch(f.ctx, Review{MatchID: fz.ID, Decision: models.MatchRejected, Reviewer: "bob"}); !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected decided match to need an override, got %v", err)
	}
	m, err = f.orch.ReviewMatch(f.ctx, Review{MatchID: fz.ID, Decision: models.MatchRejected, Reviewer: "bob", Override: true, Reason: "wrong account"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != models.MatchRejected || !m.AuditorOverride {
		t.Fatalf("unexpected override %+v", m)
	}
	if _, err := f.orch.Approve(f.ctx, s.ID, "carol", "reviewed"); err != nil {
		t.Fatal(err)
	}

	p, err := f.mem.Pattern(f.ctx, learning.MatchKey(fz))
	if err != nil {
		t.Fatal(err)
	}
	if p.MatchCount != 1 || p.SuccessCount != 1 {
		t.Fatalf("expected one successful outcome, got %+v", p)
	}
	if f.rec.count(events.MatchReviewed) != 2 {
		t.Fatalf("expected two review events, got %+v", f.rec.evts)
	}
}

func TestApproveConfirmsPendingLearnableMatches(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(earningsItems()...)
	f.mem.AddLineItems(
		item(models.BalanceSheet, 31, "1010", "Cash - Operating", "", "50000"),
		item(models.IncomeStatement, 32, "1011", "Operating Cash", "", "50050"),
	)
	f.mem.SetPolicy(models.Policy{CalculatedRules: []models.CalculatedRule{earningsRule()}})
	s := f.run(t)
	fz := f.matchOf(t, s.ID, models.MatchFuzzy)
	calc := f.matchOf(t, s.ID, models.MatchCalculated)

	if _, err := f.orch.Approve(f.ctx, s.ID, "carol", "fine"); err != nil {
		t.Fatal(err)
	}
	p, err := f.mem.Pattern(f.ctx, learning.MatchKey(fz))
	if err != nil || p.MatchCount != 1 || p.SuccessCount != 1 {
		t.Fatalf("expected fuzzy match confirmed, got %+v, %v", p, err)
	}
	if _, err := f.mem.Pattern(f.ctx, learning.MatchKey(calc)); !recerr.Is(err, recerr.ErrNotFound) {
		t.Fatalf("calculated matches must not be learned, got %v", err)
	}
}

func TestRejectScoresAutoResolutions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(earningsItems()...)
	f.mem.AddLineItems(item(models.RentRoll, 21, "R100", "Parking Income", "", "500"))
	f.mem.SetPolicy(models.Policy{
		CalculatedRules: []models.CalculatedRule{earningsRule()},
		AutoResolution: []models.AutoResolutionRule{{
			Name:        "small missing items",
			PatternType: string(models.MissingTarget),
			ActionType:  models.ActionAutoClose,
			IsActive:    true,
		}},
	})
	s := f.run(t)
	ds, _ := f.orch.Discrepancies(f.ctx, s.ID)
	var ruleID int64
	for _, d := range ds {
		if d.AutoRuleID != 0 {
			ruleID = d.AutoRuleID
		}
	}
	if ruleID == 0 {
		t.Fatalf("expected an auto-resolved discrepancy, got %+v", ds)
	}

	if _, err := f.orch.Reject(f.ctx, s.ID, "alice", "earnings do not tie"); err != nil {
		t.Fatal(err)
	}
	p, err := f.mem.Pattern(f.ctx, learning.ResolutionKey(ruleID, models.MissingTarget))
	if err != nil {
		t.Fatal(err)
	}
	if p.MatchCount != 1 || p.SuccessCount != 0 {
		t.Fatalf("expected one failed resolution outcome, got %+v", p)
	}
}

func TestReviewMatchRequiresPendingReview(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mem.AddLineItems(cashItems()...)
	s := f.run(t)
	m := f.matchOf(t, s.ID, models.MatchExact)

	if _, err := f.orch.ReviewMatch(f.ctx, Review{MatchID: m.ID, Decision: models.MatchRejected, Reviewer: "alice"}); !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on an approved session, got %v", err)
	}
	if _, err := f.orch.ReviewMatch(f.ctx, Review{MatchID: "missing", Decision: models.MatchApproved, Reviewer: "alice"}); !recerr.Is(err, recerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
