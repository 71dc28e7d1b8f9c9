// Package store persists reconciliation sessions, their matches and
// discrepancies, the policy snapshot and learned patterns. Postgres is the
// system of record; Memory implements the same surface for tests and the CLI.
package store

import (
	"context"
	"math"
	"time"

	"reims/pkg/models"
)

// Run is everything one orchestrator pass writes. It is committed as a
// single unit of work.
type Run struct {
	Session       models.Session
	Matches       []models.Match
	Discrepancies []models.Discrepancy
	Audit         []models.AuditEntry
	// Deactivations retire calculated rules that no longer parse, in the
	// same unit of work as the audit entries recording them.
	Deactivations []RuleDeactivation
}

type RuleDeactivation struct {
	ID     int64
	Reason string
}

// Transition moves a session out of From. Zero rows updated means the
// session is missing or not in From.
type Transition struct {
	SessionID string
	From      models.SessionStatus
	To        models.SessionStatus
	Reviewer  string
	Notes     string
	At        time.Time
	Audit     models.AuditEntry
}

// MatchReview records a human verdict on one match.
type MatchReview struct {
	MatchID  string
	Status   models.MatchStatus
	Reviewer string
	Override bool
	Reason   string
	At       time.Time
	Audit    models.AuditEntry
}

// Promotion is the validation threshold applied inside pattern increments.
type Promotion struct {
	MinMatches     int
	MinSuccessRate float64
}

// Validated reports whether lifetime counts satisfy p.
func (p Promotion) Validated(matchCount int, rate float64) bool {
	return matchCount >= p.MinMatches && rate >= p.MinSuccessRate
}

// SuccessRate is the lifetime percentage rounded to two places.
func SuccessRate(success, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(success)*10000/float64(total)) / 100
}

// SessionRepository is the storage surface the orchestrator depends on.
type SessionRepository interface {
	LineItems(ctx context.Context, propertyID, periodID int64) ([]models.LineItem, error)
	LoadPolicy(ctx context.Context, propertyID int64) (models.Policy, error)
	BeginSession(ctx context.Context, candidate models.Session) (models.Session, bool, error)
	SaveRun(ctx context.Context, run Run) error
	Session(ctx context.Context, id string) (models.Session, error)
	Matches(ctx context.Context, sessionID string) ([]models.Match, error)
	Match(ctx context.Context, id string) (models.Match, error)
	Discrepancies(ctx context.Context, sessionID string) ([]models.Discrepancy, error)
	TransitionSession(ctx context.Context, t Transition) (models.Session, error)
	ReviewMatch(ctx context.Context, r MatchReview) (models.Match, error)
	AuditLog(ctx context.Context, sessionID string) ([]models.AuditEntry, error)
}

// PatternStore is the storage surface of the pattern learner.
type PatternStore interface {
	EnsurePattern(ctx context.Context, key models.PatternKey) error
	Pattern(ctx context.Context, key models.PatternKey) (models.LearnedMatchPattern, error)
	IncrementPattern(ctx context.Context, id, version int64, success bool, promo Promotion, at time.Time) (bool, error)
	Patterns(ctx context.Context) ([]models.LearnedMatchPattern, error)
	Synonyms(ctx context.Context) ([]models.AccountCodeSynonym, error)
}
