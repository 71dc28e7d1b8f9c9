package session

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reims/pkg/calcrule"
	"reims/pkg/learning"
	"reims/pkg/materiality"
	"reims/pkg/matching"
	"reims/pkg/models"
	"reims/pkg/recerr"
)

type matchOutcome struct {
	matches         []models.Match
	unmatchedSource []models.LineItem
	unmatchedTarget []models.LineItem
	conflicts       int
}

type itemKey struct {
	doc   models.DocumentType
	table string
	id    int64
}

func keyOf(ref models.LineItemRef) itemKey {
	return itemKey{doc: ref.DocumentType, table: ref.Table, id: ref.RecordID}
}

// match runs every configured document pair and merges the results in pair
// order. An item matched in any pair is never reported as unmatched, and an
// unmatched item is reported once even when it appears in several pairs.
func (o *Orchestrator) match(ctx context.Context, sessionID string, items []models.LineItem, compiled []calcrule.Compiled,
	resolver *materiality.Resolver, snap *learning.Snapshot, asOf time.Time, log *zap.Logger) (matchOutcome, error) {
	cfg := o.cfg.Matching
	cfg.AsOf = asOf
	engine := matching.NewEngine(cfg, compiled, resolver, snap,
		matching.WithLogger(log), matching.WithIDs(o.newID), matching.WithClock(o.now))

	byDoc := models.ItemsByDocument(items)
	pairs := o.cfg.Pairs
	results := make([]matching.Result, len(pairs))
	run := func(ctx context.Context, i int) error {
		p := pairs[i]
		res, err := engine.Match(ctx, sessionID, byDoc[p.Source], byDoc[p.Target])
		if err != nil {
			return recerr.Wrap(err, "match "+p.String())
		}
		results[i] = res
		log.Debug("pair matched",
			zap.String("pair", p.String()),
			zap.Int("matches", len(res.Matches)),
			zap.Int("conflicts", len(res.Conflicts)))
		return nil
	}
	if o.cfg.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i := range pairs {
			i := i
			g.Go(func() error { return run(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return matchOutcome{}, err
		}
	} else {
		for i := range pairs {
			if err := run(ctx, i); err != nil {
				return matchOutcome{}, err
			}
		}
	}

	var out matchOutcome
	matched := map[itemKey]bool{}
	for _, r := range results {
		out.matches = append(out.matches, r.Matches...)
		out.conflicts += len(r.Conflicts)
		for _, m := range r.Matches {
			matched[keyOf(m.Source)] = true
			matched[keyOf(m.Target)] = true
		}
	}
	reported := map[itemKey]bool{}
	claim := func(li models.LineItem) bool {
		k := keyOf(li.Ref())
		if matched[k] || reported[k] {
			return false
		}
		reported[k] = true
		return true
	}
	for _, r := range results {
		for _, li := range r.UnmatchedSource {
			if claim(li) {
				out.unmatchedSource = append(out.unmatchedSource, li)
			}
		}
	}
	for _, r := range results {
		for _, li := range r.UnmatchedTarget {
			if claim(li) {
				out.unmatchedTarget = append(out.unmatchedTarget, li)
			}
		}
	}
	return out, nil
}
