// Package session drives one reconciliation run end to end and owns the
// session lifecycle that follows it.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reims/pkg/calcrule"
	"reims/pkg/detect"
	"reims/pkg/events"
	"reims/pkg/learning"
	"reims/pkg/logging"
	"reims/pkg/materiality"
	"reims/pkg/matching"
	"reims/pkg/metrics"
	"reims/pkg/models"
	"reims/pkg/recerr"
	"reims/pkg/resolution"
	"reims/pkg/store"
	"reims/pkg/telemetry"
)

// SystemActor is recorded on audit entries written by the engine itself.
const SystemActor = "reconciler"

type Config struct {
	Pairs    []models.DocumentPair
	Matching matching.Config
	Detect   detect.Config
	// Parallel matches the document pairs concurrently.
	Parallel bool
	LockTTL  time.Duration
	Timeout  time.Duration
	// Default replaces the system materiality default when set.
	Default *materiality.Threshold
}

func DefaultConfig() Config {
	return Config{
		Pairs:    models.DefaultDocumentPairs(),
		Matching: matching.DefaultConfig(),
		Detect:   detect.DefaultConfig(),
		LockTTL:  5 * time.Minute,
		Timeout:  2 * time.Minute,
	}
}

type Orchestrator struct {
	repo    store.SessionRepository
	learner *learning.Learner
	locker  store.Locker
	pub     events.Publisher
	metrics *metrics.Registry
	health  HealthPolicy
	cfg     Config
	newID   func() string
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Orchestrator)

func WithLocker(l store.Locker) Option        { return func(o *Orchestrator) { o.locker = l } }
func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.pub = p } }
func WithMetrics(m *metrics.Registry) Option  { return func(o *Orchestrator) { o.metrics = m } }
func WithHealth(h HealthPolicy) Option        { return func(o *Orchestrator) { o.health = h } }
func WithIDs(fn func() string) Option         { return func(o *Orchestrator) { o.newID = fn } }
func WithClock(fn func() time.Time) Option    { return func(o *Orchestrator) { o.now = fn } }
func WithLogger(l *zap.Logger) Option         { return func(o *Orchestrator) { o.log = logging.OrNop(l) } }
func WithLearner(l *learning.Learner) Option  { return func(o *Orchestrator) { o.learner = l } }

// New builds an orchestrator over repo. Without a learner no patterns are
// inferred or recorded.
func New(repo store.SessionRepository, cfg Config, opts ...Option) *Orchestrator {
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = models.DefaultDocumentPairs()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	o := &Orchestrator{
		repo:   repo,
		cfg:    cfg,
		pub:    events.Nop,
		health: DefaultHealth(),
		newID:  uuid.NewString,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locker == nil {
		o.locker = store.NewMemoryLocker()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	if o.pub == nil {
		o.pub = events.Nop
	}
	return o
}

// Run reconciles one property and period. A failure after the session row
// exists leaves it in_progress so the next Run resumes it.
func (o *Orchestrator) Run(ctx context.Context, propertyID, periodID int64) (models.Session, error) {
	if propertyID <= 0 || periodID <= 0 {
		return models.Session{}, recerr.New(recerr.ErrInvalidInput, "property_id and period_id must be positive")
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	release, ok, err := o.locker.Acquire(ctx, store.RunLockKey(propertyID, periodID), o.cfg.LockTTL)
	if err != nil {
		return models.Session{}, recerr.Mark(err, recerr.ErrPersistence, "acquire run lock")
	}
	if !ok {
		return models.Session{}, recerr.New(recerr.ErrRunLocked, "property %d period %d", propertyID, periodID)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("release run lock", zap.Int64("property_id", propertyID), zap.Int64("period_id", periodID), zap.Error(err))
		}
	}()

	sess, created, err := o.repo.BeginSession(ctx, models.Session{
		ID:         o.newID(),
		PropertyID: propertyID,
		PeriodID:   periodID,
		StartedAt:  o.now().UTC(),
	})
	if err != nil {
		o.metrics.IncRunFailure(string(recerr.ReasonOf(err)))
		return models.Session{}, recerr.Mark(err, recerr.ErrSessionFailed, "begin session")
	}
	log := o.log.With(logging.Session(sess.ID, propertyID, periodID)...)
	if created {
		o.metrics.IncSession(models.SessionInProgress)
		log.Info("session started")
	} else {
		log.Info("resuming in-progress session")
	}

	started := time.Now()
	ctx, span := telemetry.Start(ctx, "run", telemetry.SessionAttrs(sess.ID, propertyID, periodID)...)
	out, err := o.execute(ctx, sess, log)
	telemetry.End(span, err)
	o.metrics.ObserveStage("run", time.Since(started))
	if err != nil {
		o.metrics.IncRunFailure(string(recerr.ReasonOf(err)))
		log.Error("run failed, session left in_progress", zap.String("reason", string(recerr.ReasonOf(err))), zap.Error(err))
		return sess, recerr.Session(sess.ID, recerr.ReasonSessionFailed, recerr.Mark(err, recerr.ErrSessionFailed, "run"))
	}

	o.metrics.IncSession(out.Status)
	o.metrics.RecordSummary(out.Summary)
	o.metrics.RecordDiscrepancies(out.discrepancies)
	log.Info("session completed",
		zap.String("status", string(out.Status)),
		zap.Int("matches", out.Summary.TotalMatches),
		zap.Int("open_discrepancies", out.Summary.OpenDiscrepancyCount),
		zap.Float64("health_score", out.Summary.HealthScore))
	if out.Status == models.SessionApproved {
		// No reviewer will decide this session, so its outcomes are learned now.
		o.learnFromDecision(ctx, out.Session)
	}

	o.publish(ctx, events.New(events.SessionCompleted, out.Session, o.now(), out.Summary))
	for _, d := range out.discrepancies {
		if d.ExceptionTier == models.Tier3 && d.IsOpen() {
			o.publish(ctx, events.New(events.DiscrepancyEscalated, out.Session, o.now(), d))
		}
	}
	return out.Session, nil
}

type runOutput struct {
	models.Session
	discrepancies []models.Discrepancy
}

// stage runs fn inside a span and records its latency.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	started := time.Now()
	ctx, span := telemetry.Start(ctx, name)
	err := fn(ctx)
	telemetry.End(span, err)
	o.metrics.ObserveStage(name, time.Since(started))
	return err
}

// measure traces a stage that cannot fail.
func (o *Orchestrator) measure(ctx context.Context, name string, fn func(context.Context)) {
	started := time.Now()
	ctx, span := telemetry.Start(ctx, name)
	fn(ctx)
	telemetry.End(span, nil)
	o.metrics.ObserveStage(name, time.Since(started))
}

func (o *Orchestrator) execute(ctx context.Context, sess models.Session, log *zap.Logger) (runOutput, error) {
	// A resumed session keeps its original start, so a re-run sees the same policy windows.
	asOf := sess.StartedAt

	var (
		items  []models.LineItem
		policy models.Policy
		snap   *learning.Snapshot
	)
	err := o.stage(ctx, "load", func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			items, err = o.repo.LineItems(gctx, sess.PropertyID, sess.PeriodID)
			return err
		})
		g.Go(func() error {
			var err error
			policy, err = o.repo.LoadPolicy(gctx, sess.PropertyID)
			return err
		})
		if o.learner != nil {
			g.Go(func() error {
				var err error
				snap, err = o.learner.Snapshot(gctx)
				return err
			})
		}
		return g.Wait()
	})
	if err != nil {
		return runOutput{}, err
	}
	log.Debug("inputs loaded",
		zap.Int("line_items", len(items)),
		zap.Int("calculated_rules", len(policy.CalculatedRules)),
		zap.Int("patterns", snap.Len()))

	compiled, rejected := calcrule.Compile(policy.CalculatedRules, asOf)
	var (
		audit         []models.AuditEntry
		deactivations []store.RuleDeactivation
	)
	for _, r := range rejected {
		log.Warn("deactivating calculated rule",
			zap.String("rule_id", r.Rule.RuleID), zap.Int("version", r.Rule.Version), zap.Error(r.Err))
		deactivations = append(deactivations, store.RuleDeactivation{ID: r.Rule.ID, Reason: r.Err.Error()})
		audit = append(audit, models.AuditEntry{
			SessionID:  sess.ID,
			EntityType: "calculated_rule",
			EntityID:   r.Rule.RuleID,
			Action:     "deactivate",
			Actor:      SystemActor,
			FromStatus: "active",
			ToStatus:   "inactive",
			Reason:     string(recerr.ReasonFormulaParse) + ": " + r.Err.Error(),
		})
	}

	resolverOpts := []materiality.Option{
		materiality.WithLogger(log),
		materiality.WithFallbackObserver(func(models.DocumentType, string) { o.metrics.IncConfigFallback() }),
	}
	if o.cfg.Default != nil {
		resolverOpts = append(resolverOpts, materiality.WithDefault(*o.cfg.Default))
	}
	resolver := materiality.FromPolicy(policy, resolverOpts...)
	router := resolution.NewRouter(policy.AutoResolution, log).WithClock(o.now)

	var mo matchOutcome
	err = o.stage(ctx, "matching", func(ctx context.Context) error {
		var err error
		mo, err = o.match(ctx, sess.ID, items, compiled, resolver, snap, asOf, log)
		return err
	})
	if err != nil {
		return runOutput{}, err
	}

	var results []models.RuleResult
	err = o.stage(ctx, "evaluate", func(ctx context.Context) error {
		var err error
		results, err = calcrule.NewEvaluator(calcrule.NewIndex(items), resolver, log).
			Evaluate(ctx, sess.PropertyID, sess.PeriodID, asOf, compiled)
		return err
	})
	if err != nil {
		return runOutput{}, err
	}

	var ds []models.Discrepancy
	o.measure(ctx, "detect", func(context.Context) {
		dcfg := o.cfg.Detect
		dcfg.AsOf = asOf
		det := detect.New(dcfg, resolver, router,
			detect.WithIDs(o.newID), detect.WithClock(o.now), detect.WithLogger(log))
		ds = det.Detect(detect.Input{
			SessionID:       sess.ID,
			PropertyID:      sess.PropertyID,
			Matches:         mo.matches,
			RuleResults:     results,
			UnmatchedSource: mo.unmatchedSource,
			UnmatchedTarget: mo.unmatchedTarget,
		})
	})

	o.measure(ctx, "route", func(context.Context) {
		for i, outcome := range router.ApplyAll(ds) {
			if !outcome.Fired {
				continue
			}
			audit = append(audit, models.AuditEntry{
				SessionID:  sess.ID,
				EntityType: "discrepancy",
				EntityID:   ds[i].ID,
				Action:     string(outcome.Action),
				Actor:      resolution.AutoActor,
				FromStatus: string(models.DiscrepancyOpen),
				ToStatus:   string(ds[i].Status),
				Reason:     outcome.RuleName,
			})
		}
	})

	summary := summarize(mo, ds, results)
	summary.HealthScore = o.health.Score(ds)
	summary.InputFingerprint = models.InputFingerprint(items)

	event := EventComplete
	if summary.OpenDiscrepancyCount == 0 {
		event = EventCompleteClean
	}
	status, err := Next(models.SessionInProgress, event)
	if err != nil {
		return runOutput{}, err
	}
	completed := o.now().UTC()
	sess.Status = status
	sess.Summary = summary
	sess.CompletedAt = &completed
	sess.UpdatedAt = completed

	payload, _ := json.Marshal(summary)
	audit = append(audit, models.AuditEntry{
		SessionID:  sess.ID,
		EntityType: "session",
		EntityID:   sess.ID,
		Action:     "complete",
		Actor:      SystemActor,
		FromStatus: string(models.SessionInProgress),
		ToStatus:   string(status),
		Payload:    payload,
	})

	err = o.stage(ctx, "persist", func(ctx context.Context) error {
		return o.repo.SaveRun(ctx, store.Run{
			Session:       sess,
			Matches:       mo.matches,
			Discrepancies: ds,
			Audit:         audit,
			Deactivations: deactivations,
		})
	})
	if err != nil {
		return runOutput{}, err
	}
	for range deactivations {
		o.metrics.IncRuleDeactivated()
	}
	return runOutput{Session: sess, discrepancies: ds}, nil
}

// summarize counts a run's output. Per-strategy counts always carry every
// strategy so they sum to TotalMatches.
func summarize(mo matchOutcome, ds []models.Discrepancy, results []models.RuleResult) models.Summary {
	s := models.Summary{
		TotalMatches:      len(mo.matches),
		PerStrategyCounts: make(map[models.MatchType]int, len(models.MatchTypes)),
		DiscrepancyCount:  len(ds),
		TierCounts:        map[models.ExceptionTier]int{},
		RuleStatusCounts:  map[models.RuleStatus]int{},
		UnmatchedSource:   len(mo.unmatchedSource),
		UnmatchedTarget:   len(mo.unmatchedTarget),
		ConflictCount:     mo.conflicts,
	}
	for _, t := range models.MatchTypes {
		s.PerStrategyCounts[t] = 0
	}
	for _, m := range mo.matches {
		s.PerStrategyCounts[m.MatchType]++
	}
	for _, d := range ds {
		s.TierCounts[d.ExceptionTier]++
		if d.IsOpen() {
			s.OpenDiscrepancyCount++
		}
		if d.Status == models.DiscrepancyResolved && d.ResolvedBy == resolution.AutoActor {
			s.AutoResolvedCount++
		}
	}
	for _, r := range results {
		s.RuleStatusCounts[r.Status]++
	}
	return s
}

func (o *Orchestrator) publish(ctx context.Context, evt events.Event) {
	err := o.pub.Publish(ctx, evt)
	o.metrics.IncEvent(string(evt.Type), err == nil)
	if err != nil {
		o.log.Warn("publish event", zap.String("type", string(evt.Type)), zap.String("session_id", evt.SessionID), zap.Error(err))
	}
}
