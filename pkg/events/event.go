// Package events carries session lifecycle notifications to in-process
// subscribers and, when configured, to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"reims/pkg/logging"
	"reims/pkg/models"
)

type Type string

const (
	SessionCompleted     Type = "session.completed"
	SessionApproved      Type = "session.approved"
	SessionRejected      Type = "session.rejected"
	MatchReviewed        Type = "match.reviewed"
	DiscrepancyEscalated Type = "discrepancy.escalated"
)

type Event struct {
	Type       Type            `json:"type"`
	SessionID  string          `json:"session_id"`
	PropertyID int64           `json:"property_id,omitempty"`
	PeriodID   int64           `json:"period_id,omitempty"`
	At         time.Time       `json:"at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event for s. A data value that cannot be encoded is dropped.
func New(t Type, s models.Session, at time.Time, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{
		Type:       t,
		SessionID:  s.ID,
		PropertyID: s.PropertyID,
		PeriodID:   s.PeriodID,
		At:         at.UTC(),
		Data:       raw,
	}
}

// Publisher delivers events. Publishing happens after the owning transaction
// commits, so a failure never rolls a session back.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// Nop discards every event.
var Nop Publisher = nopPublisher{}

// Fanout delivers to every non-nil publisher. Failures are logged and do not
// stop delivery to the rest; the first one is returned.
type Fanout struct {
	pubs []Publisher
	log  *zap.Logger
}

func NewFanout(log *zap.Logger, pubs ...Publisher) *Fanout {
	f := &Fanout{log: logging.OrNop(log)}
	for _, p := range pubs {
		if p != nil {
			f.pubs = append(f.pubs, p)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range f.pubs {
		if err := p.Publish(ctx, evt); err != nil {
			f.log.Warn("event publish failed",
				zap.String("type", string(evt.Type)),
				zap.String("session_id", evt.SessionID),
				zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
