package audit

import (
	"context"
	"encoding/json"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends to reconciliation_audit_log. DB is usually the transaction
// that carries the status change being recorded.
type Writer struct {
	DB    auditDB
	Clock func() time.Time
}

// Append inserts one entry. ID and CreatedAt are filled in when unset.
func (w *Writer) Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	if e.SessionID == "" || e.EntityType == "" || e.Action == "" {
		return e, recerr.New(recerr.ErrInvalidInput, "audit entry requires session_id, entity_type and action")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now()
	}
	var payload any
	if len(e.Payload) > 0 {
		if !json.Valid(e.Payload) {
			return e, recerr.New(recerr.ErrInvalidInput, "audit payload is not valid json")
		}
		payload = string(e.Payload)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO reconciliation_audit_log
		(id, session_id, entity_type, entity_id, action, actor, from_status, to_status, reason, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.SessionID, e.EntityType, e.EntityID, e.Action, e.Actor, e.FromStatus, e.ToStatus, e.Reason, payload, e.CreatedAt)
	if err != nil {
		return e, recerr.Mark(err, recerr.ErrPersistence, "append audit %s/%s", e.EntityType, e.Action)
	}
	return e, nil
}

// List returns a session's audit trail in insertion order.
func (w *Writer) List(ctx context.Context, sessionID string) ([]models.AuditEntry, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT id::text, session_id::text, entity_type, entity_id, action, actor, from_status, to_status, reason, COALESCE(payload::text, ''), created_at
		FROM reconciliation_audit_log WHERE session_id=$1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "list audit for %s", sessionID)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &e.FromStatus, &e.ToStatus, &e.Reason, &payload, &e.CreatedAt); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan audit row")
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate audit rows")
	}
	return out, nil
}

func (w *Writer) now() time.Time {
	if w.Clock != nil {
		return w.Clock().UTC()
	}
	return time.Now().UTC()
}
