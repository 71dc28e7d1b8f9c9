package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"reims/pkg/events"
	"reims/pkg/learning"
	"reims/pkg/models"
	"reims/pkg/recerr"
	"reims/pkg/store"
)

// Approve closes a pending_review session as accepted.
func (o *Orchestrator) Approve(ctx context.Context, sessionID, reviewer, notes string) (models.Session, error) {
	if strings.TrimSpace(reviewer) == "" {
		return models.Session{}, recerr.Session(sessionID, "", recerr.New(recerr.ErrInvalidInput, "reviewer required"))
	}
	return o.decide(ctx, sessionID, EventApprove, reviewer, notes)
}

// Reject closes a pending_review session as refused. A rejection without a
// reason is refused before anything is written.
func (o *Orchestrator) Reject(ctx context.Context, sessionID, reviewer, reason string) (models.Session, error) {
	if strings.TrimSpace(reason) == "" {
		return models.Session{}, recerr.Session(sessionID, "", recerr.New(recerr.ErrInvalidTransition, "rejection requires a reason"))
	}
	if strings.TrimSpace(reviewer) == "" {
		return models.Session{}, recerr.Session(sessionID, "", recerr.New(recerr.ErrInvalidInput, "reviewer required"))
	}
	return o.decide(ctx, sessionID, EventReject, reviewer, reason)
}

func (o *Orchestrator) decide(ctx context.Context, sessionID string, event Event, reviewer, notes string) (models.Session, error) {
	to, err := Next(models.SessionPendingReview, event)
	if err != nil {
		return models.Session{}, recerr.Session(sessionID, "", err)
	}
	at := o.now().UTC()
	action := "approve"
	evtType := events.SessionApproved
	if to == models.SessionRejected {
		action = "reject"
		evtType = events.SessionRejected
	}
	sess, err := o.repo.TransitionSession(ctx, store.Transition{
		SessionID: sessionID,
		From:      models.SessionPendingReview,
		To:        to,
		Reviewer:  reviewer,
		Notes:     notes,
		At:        at,
		Audit: models.AuditEntry{
			SessionID:  sessionID,
			EntityType: "session",
			EntityID:   sessionID,
			Action:     action,
			Actor:      reviewer,
			FromStatus: string(models.SessionPendingReview),
			ToStatus:   string(to),
			Reason:     notes,
			CreatedAt:  at,
		},
	})
	if err != nil {
		return models.Session{}, recerr.Session(sessionID, "", err)
	}
	o.metrics.IncSession(to)
	o.log.Info("session reviewed",
		zap.String("session_id", sessionID),
		zap.String("status", string(to)),
		zap.String("reviewer", reviewer))
	o.learnFromDecision(ctx, sess)
	o.publish(ctx, events.New(evtType, sess, at, map[string]string{"reviewer": reviewer, "notes": notes}))
	return sess, nil
}

// learnable reports whether a match came from a strategy that learned
// patterns can influence.
func learnable(m models.Match) bool {
	return m.MatchType == models.MatchFuzzy || m.MatchType == models.MatchInferred
}

// learnFromDecision feeds a session verdict to the pattern learner. Approval
// confirms matches nobody reviewed individually; both verdicts score the
// auto-resolutions applied in the run. Failures are logged, never returned:
// the verdict is already committed.
func (o *Orchestrator) learnFromDecision(ctx context.Context, sess models.Session) {
	if o.learner == nil {
		return
	}
	approved := sess.Status == models.SessionApproved
	log := o.log.With(zap.String("session_id", sess.ID))
	if approved {
		ms, err := o.repo.Matches(ctx, sess.ID)
		if err != nil {
			log.Warn("load matches for learning", zap.Error(err))
		}
		for _, m := range ms {
			if m.Status != models.MatchPending || !learnable(m) {
				continue
			}
			if _, err := o.learner.RecordMatch(ctx, learning.MatchKey(m), true); err != nil {
				log.Warn("record match outcome", zap.String("match_id", m.ID), zap.Error(err))
			}
		}
	}
	ds, err := o.repo.Discrepancies(ctx, sess.ID)
	if err != nil {
		log.Warn("load discrepancies for learning", zap.Error(err))
		return
	}
	for _, d := range ds {
		if d.AutoRuleID == 0 {
			continue
		}
		if _, err := o.learner.RecordResolution(ctx, d.AutoRuleID, d.Type, approved); err != nil {
			log.Warn("record resolution outcome", zap.String("discrepancy_id", d.ID), zap.Error(err))
		}
	}
}

// Review is a human verdict on one match.
type Review struct {
	MatchID  string             `json:"match_id"`
	Decision models.MatchStatus `json:"decision"`
	Reviewer string             `json:"reviewer"`
	Override bool               `json:"auditor_override"`
	Reason   string             `json:"reason"`
}

// ReviewMatch records a verdict while the owning session awaits review. A
// decided match changes again only through an auditor override with a reason.
// Only the first verdict on a match feeds the learner.
func (o *Orchestrator) ReviewMatch(ctx context.Context, r Review) (models.Match, error) {
	if strings.TrimSpace(r.Reviewer) == "" {
		return models.Match{}, recerr.New(recerr.ErrInvalidInput, "reviewer required")
	}
	cur, err := o.repo.Match(ctx, r.MatchID)
	if err != nil {
		return models.Match{}, err
	}
	sess, err := o.repo.Session(ctx, cur.SessionID)
	if err != nil {
		return models.Match{}, recerr.Session(cur.SessionID, "", err)
	}
	if sess.Status != models.SessionPendingReview {
		return models.Match{}, recerr.Session(sess.ID, "",
			recerr.New(recerr.ErrInvalidTransition, "session is %s; matches are reviewed while pending_review", sess.Status))
	}
	at := o.now().UTC()
	action := "review"
	if r.Override {
		action = "override"
	}
	m, err := o.repo.ReviewMatch(ctx, store.MatchReview{
		MatchID:  r.MatchID,
		Status:   r.Decision,
		Reviewer: r.Reviewer,
		Override: r.Override,
		Reason:   r.Reason,
		At:       at,
		Audit: models.AuditEntry{
			SessionID:  cur.SessionID,
			EntityType: "match",
			EntityID:   r.MatchID,
			Action:     action,
			Actor:      r.Reviewer,
			ToStatus:   string(r.Decision),
			Reason:     r.Reason,
			CreatedAt:  at,
		},
	})
	if err != nil {
		return models.Match{}, recerr.Session(cur.SessionID, "", err)
	}
	if o.learner != nil && cur.Status == models.MatchPending && learnable(m) {
		if _, err := o.learner.RecordMatch(ctx, learning.MatchKey(m), m.Status == models.MatchApproved); err != nil {
			o.log.Warn("record match outcome", zap.String("match_id", m.ID), zap.Error(err))
		}
	}
	o.publish(ctx, events.New(events.MatchReviewed, sess, at, m))
	return m, nil
}

func (o *Orchestrator) Get(ctx context.Context, sessionID string) (models.Session, error) {
	s, err := o.repo.Session(ctx, sessionID)
	return s, recerr.Session(sessionID, "", err)
}

func (o *Orchestrator) Matches(ctx context.Context, sessionID string) ([]models.Match, error) {
	ms, err := o.repo.Matches(ctx, sessionID)
	return ms, recerr.Session(sessionID, "", err)
}

func (o *Orchestrator) Discrepancies(ctx context.Context, sessionID string) ([]models.Discrepancy, error) {
	ds, err := o.repo.Discrepancies(ctx, sessionID)
	return ds, recerr.Session(sessionID, "", err)
}

func (o *Orchestrator) AuditLog(ctx context.Context, sessionID string) ([]models.AuditEntry, error) {
	entries, err := o.repo.AuditLog(ctx, sessionID)
	return entries, recerr.Session(sessionID, "", err)
}
