package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args ...any) pgx.Row
	rows       [][]any
	queryErr   error
	execSQL    []string
	tx         *fakeTx
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	if f.execFn != nil {
		return f.execFn(sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{values: f.rows, idx: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args...)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{db: f}
	return f.tx, nil
}

type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	values [][]any
	idx    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.values[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.values)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.values[r.idx])
}

// assign copies values into scan destinations; a nil value leaves the zero
// value, which matches how pgx scans NULL into pointer destinations.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		target := reflect.ValueOf(dest[i]).Elem()
		if values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("column %d: cannot assign %T to %s", i, values[i], target.Type())
		}
		target.Set(v)
	}
	return nil
}

func TestPostgresLineItemsDecodesNumericText(t *testing.T) {
	db := &fakeDB{rows: [][]any{
		{"balance_sheet", "bs_lines", int64(11), int64(1), int64(7), "1010", "Cash - Operating", "50000.00", ""},
		{"income_statement", "is_lines", int64(3), int64(1), int64(7), "", "Net Income", "-119500.25", "net_income"},
	}}
	items, err := NewPostgres(db).LineItems(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("line items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].DocumentType != models.BalanceSheet || items[0].Amount.String() != "50000" {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[1].FieldName != "net_income" || items[1].Amount.String() != "-119500.25" {
		t.Fatalf("unexpected second item %+v", items[1])
	}
}

func TestPostgresLineItemsRejectsCorruptNumeric(t *testing.T) {
	db := &fakeDB{rows: [][]any{
		{"balance_sheet", "bs_lines", int64(11), int64(1), int64(7), "1010", "Cash", "NaN?", ""},
	}}
	_, err := NewPostgres(db).LineItems(context.Background(), 1, 7)
	if !recerr.Is(err, recerr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestPostgresSessionRejectsMalformedID(t *testing.T) {
	_, err := NewPostgres(&fakeDB{}).Session(context.Background(), "not-a-uuid")
	if !recerr.Is(err, recerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresSessionMissingRow(t *testing.T) {
	_, err := NewPostgres(&fakeDB{}).Session(context.Background(), uuid.NewString())
	if !recerr.Is(err, recerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresTransitionSessionWrongState(t *testing.T) {
	id := uuid.NewString()
	db := &fakeDB{
		execFn: func(sql string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		queryRowFn: func(sql string, _ ...any) pgx.Row {
			return fakeRow{values: []any{"approved"}}
		},
	}
	_, err := NewPostgres(db).TransitionSession(context.Background(), Transition{
		SessionID: id,
		From:      models.SessionPendingReview,
		To:        models.SessionRejected,
		At:        time.Now(),
		Audit:     models.AuditEntry{SessionID: id, EntityType: "session", Action: "reject"},
	})
	if !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if !db.tx.rolledBack || db.tx.committed {
		t.Fatal("expected rollback without commit")
	}
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "reconciliation_audit_log") {
			t.Fatal("audit must not be written on a refused transition")
		}
	}
}

func TestPostgresReviewMatchRefusesSecondVerdict(t *testing.T) {
	db := &fakeDB{
		queryRowFn: func(sql string, _ ...any) pgx.Row {
			return fakeRow{values: []any{"approved"}}
		},
	}
	_, err := NewPostgres(db).ReviewMatch(context.Background(), MatchReview{
		MatchID: uuid.NewString(), Status: models.MatchRejected, Reviewer: "joe", At: time.Now(),
	})
	if !recerr.Is(err, recerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(db.execSQL) != 0 {
		t.Fatalf("expected no writes, got %v", db.execSQL)
	}
}

func TestPostgresIncrementPatternReportsLostRace(t *testing.T) {
	var gotArgs []any
	db := &fakeDB{execFn: func(sql string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	ok, err := NewPostgres(db).IncrementPattern(context.Background(), 4, 9, true, Promotion{MinMatches: 5, MinSuccessRate: 80}, time.Now())
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if ok {
		t.Fatal("expected version conflict to report false")
	}
	if gotArgs[0] != int64(4) || gotArgs[1] != int64(9) || gotArgs[2] != 1 || gotArgs[3] != 5 || gotArgs[4] != 80.0 {
		t.Fatalf("unexpected args %v", gotArgs)
	}

	db.execFn = func(string, ...any) (pgconn.CommandTag, error) { return pgconn.CommandTag{}, errors.New("timeout") }
	if _, err := NewPostgres(db).IncrementPattern(context.Background(), 4, 9, false, Promotion{}, time.Now()); !recerr.Is(err, recerr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestPostgresBeginSessionReusesExisting(t *testing.T) {
	existing := uuid.NewString()
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{
		execFn: func(string, ...any) (pgconn.CommandTag, error) { return pgconn.NewCommandTag("INSERT 0 0"), nil },
		queryRowFn: func(string, ...any) pgx.Row {
			return fakeRow{values: []any{existing, int64(1), int64(7), "in_progress", "{}", started, nil, "", "", started}}
		},
	}
	s, created, err := NewPostgres(db).BeginSession(context.Background(), newSession(1, 7))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if created || s.ID != existing || s.Status != models.SessionInProgress {
		t.Fatalf("expected existing in-progress session, got %+v created=%v", s, created)
	}
}
