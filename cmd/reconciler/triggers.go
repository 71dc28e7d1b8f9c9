package main

import (
	"context"
	"time"

	"reims/pkg/events"
	"reims/pkg/models"
	"reims/pkg/recerr"

	"go.uber.org/zap"
)

type triggerSource interface {
	Next(ctx context.Context) (events.Trigger, error)
}

type runner interface {
	Run(ctx context.Context, propertyID, periodID int64) (models.Session, error)
}

// consumeTriggers runs one session per trigger until ctx ends. Triggers for a
// run already in progress are dropped; that run reads the same line items.
func consumeTriggers(ctx context.Context, src triggerSource, r runner, log *zap.Logger, backoff time.Duration) {
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		t, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if recerr.Is(err, recerr.ErrInvalidInput) {
				log.Warn("skipping malformed trigger", zap.Error(err))
				continue
			}
			log.Error("read trigger", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		sess, err := r.Run(ctx, t.PropertyID, t.PeriodID)
		switch {
		case recerr.Is(err, recerr.ErrRunLocked):
			log.Info("trigger ignored, run in progress", zap.String("trigger", t.String()))
		case err != nil:
			log.Error("triggered run failed", zap.String("trigger", t.String()),
				zap.String("session_id", recerr.SessionIDOf(err)), zap.Error(err))
		default:
			log.Info("triggered run finished", zap.String("trigger", t.String()),
				zap.String("session_id", sess.ID), zap.String("status", string(sess.Status)))
		}
	}
}
