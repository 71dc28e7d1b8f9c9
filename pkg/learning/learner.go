// Package learning accumulates the outcomes of match reviews and
// auto-resolutions into learned patterns, and hands the matching engine an
// immutable snapshot of them at session start.
package learning

import (
	"context"
	"strconv"
	"time"

	"reims/pkg/logging"
	"reims/pkg/matching"
	"reims/pkg/models"
	"reims/pkg/recerr"
	"reims/pkg/store"

	"go.uber.org/zap"
)

type Config struct {
	MinMatches     int
	MinSuccessRate float64
	MaxRetries     int
}

func DefaultConfig() Config {
	return Config{MinMatches: 5, MinSuccessRate: 80, MaxRetries: 5}
}

// Learner writes pattern outcomes through version-guarded increments only.
type Learner struct {
	store store.PatternStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Learner)

func WithLogger(l *zap.Logger) Option      { return func(x *Learner) { x.log = logging.OrNop(l) } }
func WithClock(fn func() time.Time) Option { return func(x *Learner) { x.now = fn } }

func New(ps store.PatternStore, cfg Config, opts ...Option) *Learner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	l := &Learner{store: ps, cfg: cfg, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MatchKey is the pattern identity for a reviewed match.
func MatchKey(m models.Match) models.PatternKey {
	k := models.PatternKey{
		Kind:               models.PatternMatch,
		SourceDocumentType: m.Source.DocumentType,
		TargetDocumentType: m.Target.DocumentType,
		SourceAccountCode:  m.Source.AccountCode,
		TargetAccountCode:  m.Target.AccountCode,
		SourceAccountName:  m.Source.AccountName,
		TargetAccountName:  m.Target.AccountName,
	}
	if k.SourceAccountCode == "" || k.TargetAccountCode == "" {
		// Names identify the pair, so spelling variants must share a row.
		k.SourceAccountName = matching.Normalize(k.SourceAccountName)
		k.TargetAccountName = matching.Normalize(k.TargetAccountName)
	}
	return k
}

// ResolutionKey is the pattern identity for an auto-resolution rule applied
// to one discrepancy type.
func ResolutionKey(ruleID int64, dtype models.DiscrepancyType) models.PatternKey {
	return models.PatternKey{
		Kind:              models.PatternResolution,
		SourceAccountCode: string(dtype),
		TargetAccountCode: strconv.FormatInt(ruleID, 10),
	}
}

// RecordMatch adds one review outcome for key.
func (l *Learner) RecordMatch(ctx context.Context, key models.PatternKey, success bool) (models.LearnedMatchPattern, error) {
	return l.record(ctx, key, success)
}

// RecordResolution adds one outcome for an auto-resolution rule.
func (l *Learner) RecordResolution(ctx context.Context, ruleID int64, dtype models.DiscrepancyType, accepted bool) (models.LearnedMatchPattern, error) {
	return l.record(ctx, ResolutionKey(ruleID, dtype), accepted)
}

func (l *Learner) record(ctx context.Context, key models.PatternKey, success bool) (models.LearnedMatchPattern, error) {
	if err := l.store.EnsurePattern(ctx, key); err != nil {
		return models.LearnedMatchPattern{}, err
	}
	promo := store.Promotion{MinMatches: l.cfg.MinMatches, MinSuccessRate: l.cfg.MinSuccessRate}
	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.LearnedMatchPattern{}, err
		}
		cur, err := l.store.Pattern(ctx, key)
		if err != nil {
			return models.LearnedMatchPattern{}, err
		}
		ok, err := l.store.IncrementPattern(ctx, cur.ID, cur.Version, success, promo, l.now().UTC())
		if err != nil {
			return models.LearnedMatchPattern{}, err
		}
		if ok {
			updated, err := l.store.Pattern(ctx, key)
			if err != nil {
				return models.LearnedMatchPattern{}, err
			}
			if updated.IsValidated && !cur.IsValidated {
				l.log.Info("pattern promoted",
					zap.Int64("pattern_id", updated.ID),
					zap.String("kind", string(key.Kind)),
					zap.String("source_code", key.SourceAccountCode),
					zap.String("target_code", key.TargetAccountCode),
					zap.Float64("success_rate", updated.SuccessRate))
			}
			return updated, nil
		}
		l.log.Debug("pattern version conflict, retrying",
			zap.Int64("pattern_id", cur.ID),
			zap.Int64("version", cur.Version),
			zap.Int("attempt", attempt+1))
	}
	return models.LearnedMatchPattern{}, recerr.New(recerr.ErrPersistence,
		"pattern %s/%s: version conflict after %d attempts", key.SourceAccountCode, key.TargetAccountCode, l.cfg.MaxRetries)
}

// Snapshot reads every match pattern and synonym once. The result is never
// updated, so concurrent sessions cannot see each other's outcomes mid-run.
func (l *Learner) Snapshot(ctx context.Context) (*Snapshot, error) {
	patterns, err := l.store.Patterns(ctx)
	if err != nil {
		return nil, err
	}
	synonyms, err := l.store.Synonyms(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(patterns, synonyms), nil
}
