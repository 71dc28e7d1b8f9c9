//go:build integration

package store

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 180s ./pkg/store/...
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("recon"),
		postgres.WithUsername("recon"),
		postgres.WithPassword("recon"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	})
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("migrations not found: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sqlBytes)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}
	return pool
}

func TestPostgresRunLifecycle(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := NewPostgres(pool)

	if _, err := pool.Exec(ctx, `
		INSERT INTO financial_line_items (document_type, source_table, record_id, property_id, period_id, account_code, account_name, amount)
		VALUES ('balance_sheet','bs_lines',1,1,7,'1010','Cash',50000.00),
		       ('income_statement','is_lines',2,1,7,'1011','Cash',50050.00)
	`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var ruleID int64
	if err := pool.QueryRow(ctx, `
		INSERT INTO calculated_rules (rule_id, version, formula, severity, effective_date)
		VALUES ('BROKEN', 1, 'BS.cash = eval(IS.cash)', 'medium', '2020-01-01') RETURNING id
	`).Scan(&ruleID); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	items, err := repo.LineItems(ctx, 1, 7)
	if err != nil || len(items) != 2 {
		t.Fatalf("line items: %v %d", err, len(items))
	}

	candidate := models.Session{ID: uuid.NewString(), PropertyID: 1, PeriodID: 7, StartedAt: time.Now().UTC()}
	s, created, err := repo.BeginSession(ctx, candidate)
	if err != nil || !created {
		t.Fatalf("begin: %v created=%v", err, created)
	}
	again, created, err := repo.BeginSession(ctx, models.Session{ID: uuid.NewString(), PropertyID: 1, PeriodID: 7, StartedAt: time.Now().UTC()})
	if err != nil || created || again.ID != s.ID {
		t.Fatalf("expected reuse: %v created=%v id=%s", err, created, again.ID)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	match := models.Match{
		ID: uuid.NewString(), SessionID: s.ID,
		Source:    items[0].Ref(),
		Target:    items[1].Ref(),
		MatchType: models.MatchFuzzy, ConfidenceScore: 92.5,
		AmountDifference: decimal.RequireFromString("50.00"),
		Status:           models.MatchPending, CreatedAt: now,
	}
	disc := models.Discrepancy{
		ID: uuid.NewString(), SessionID: s.ID, PropertyID: 1, MatchID: match.ID, MatchType: models.MatchFuzzy,
		Type: models.AmountMismatch, Severity: models.SeverityMedium, ExceptionTier: models.Tier1, Status: models.DiscrepancyOpen,
		Expected: decimal.RequireFromString("50000"), Actual: decimal.RequireFromString("50050"), Difference: decimal.RequireFromString("50"),
		Confidence: 92.5, SuggestedMapping: json.RawMessage(`{"adjust_by":"-50"}`), CreatedAt: now,
	}
	completed := now
	s.Status = models.SessionPendingReview
	s.CompletedAt = &completed
	s.UpdatedAt = now
	s.Summary = models.Summary{TotalMatches: 1, PerStrategyCounts: map[models.MatchType]int{models.MatchFuzzy: 1}, DiscrepancyCount: 1, OpenDiscrepancyCount: 1, HealthScore: 95}
	err = repo.SaveRun(ctx, Run{
		Session: s, Matches: []models.Match{match}, Discrepancies: []models.Discrepancy{disc},
		Audit:         []models.AuditEntry{{SessionID: s.ID, EntityType: "session", EntityID: s.ID, Action: "complete", Actor: "reconciler", FromStatus: "in_progress", ToStatus: "pending_review"}},
		Deactivations: []RuleDeactivation{{ID: ruleID, Reason: "unknown function eval"}},
	})
	if err != nil {
		t.Fatalf("save run: %v", err)
	}
	var active bool
	var reason string
	if err := pool.QueryRow(ctx, `SELECT is_active, deactivation_reason FROM calculated_rules WHERE id=$1`, ruleID).Scan(&active, &reason); err != nil || active || reason == "" {
		t.Fatalf("expected rule deactivated with the run, active=%v reason=%q err=%v", active, reason, err)
	}
	if err := repo.SaveRun(ctx, Run{Session: s}); !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected completed session to refuse save, got %v", err)
	}

	got, err := repo.Session(ctx, s.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Status != models.SessionPendingReview || got.Summary.PerStrategyCounts[models.MatchFuzzy] != 1 {
		t.Fatalf("unexpected session %+v", got)
	}
	ms, err := repo.Matches(ctx, s.ID)
	if err != nil || len(ms) != 1 || !ms[0].AmountDifference.Equal(decimal.RequireFromString("50")) || ms[0].ConfidenceScore != 92.5 {
		t.Fatalf("unexpected matches %+v err=%v", ms, err)
	}
	ds, err := repo.Discrepancies(ctx, s.ID)
	if err != nil || len(ds) != 1 || ds[0].MatchID != match.ID || string(ds[0].SuggestedMapping) == "" {
		t.Fatalf("unexpected discrepancies %+v err=%v", ds, err)
	}

	if _, err := repo.ReviewMatch(ctx, MatchReview{MatchID: match.ID, Status: models.MatchApproved, Reviewer: "jane", At: now,
		Audit: models.AuditEntry{SessionID: s.ID, EntityType: "match", EntityID: match.ID, Action: "review", Actor: "jane", ToStatus: "approved"}}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := repo.ReviewMatch(ctx, MatchReview{MatchID: match.ID, Status: models.MatchRejected, Reviewer: "joe", At: now}); !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected once-only review, got %v", err)
	}

	_, err = repo.TransitionSession(ctx, Transition{SessionID: s.ID, From: models.SessionPendingReview, To: models.SessionApproved, Reviewer: "jane", At: now,
		Audit: models.AuditEntry{SessionID: s.ID, EntityType: "session", EntityID: s.ID, Action: "approve", Actor: "jane"}})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = repo.TransitionSession(ctx, Transition{SessionID: s.ID, From: models.SessionPendingReview, To: models.SessionRejected, At: now})
	if !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	trail, err := repo.AuditLog(ctx, s.ID)
	if err != nil || len(trail) != 3 {
		t.Fatalf("expected 3 audit entries, got %d err=%v", len(trail), err)
	}
	if trail[1].FromStatus != "pending" {
		t.Fatalf("expected review audit from pending, got %+v", trail[1])
	}
}

func TestPostgresPatternIncrementsAreNotLost(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := NewPostgres(pool)
	key := models.PatternKey{Kind: models.PatternMatch, SourceDocumentType: models.BalanceSheet, TargetDocumentType: models.IncomeStatement, SourceAccountCode: "3900", TargetAccountCode: "9000"}
	promo := Promotion{MinMatches: 5, MinSuccessRate: 80}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.EnsurePattern(ctx, key); err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			for {
				p, err := repo.Pattern(ctx, key)
				if err != nil {
					t.Errorf("pattern: %v", err)
					return
				}
				ok, err := repo.IncrementPattern(ctx, p.ID, p.Version, true, promo, time.Now().UTC())
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
				if ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	p, err := repo.Pattern(ctx, key)
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	if p.MatchCount != writers || p.SuccessCount != writers || p.SuccessRate != 100 || !p.IsValidated {
		t.Fatalf("unexpected pattern %+v", p)
	}
	all, err := repo.Patterns(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected single row, got %d err=%v", len(all), err)
	}
}
