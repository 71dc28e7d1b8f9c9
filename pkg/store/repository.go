package store

import (
	"context"
	"encoding/json"
	"time"

	"reims/pkg/audit"
	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// Postgres implements SessionRepository and PatternStore over pgx.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

var (
	_ SessionRepository = (*Postgres)(nil)
	_ PatternStore      = (*Postgres)(nil)
)

func (p *Postgres) LineItems(ctx context.Context, propertyID, periodID int64) ([]models.LineItem, error) {
	rows, err := p.db.Query(ctx, `
		SELECT document_type, source_table, record_id, property_id, period_id, account_code, account_name, amount::text, field_name
		FROM financial_line_items
		WHERE property_id=$1 AND period_id=$2
		ORDER BY document_type, source_table, record_id
	`, propertyID, periodID)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query line items")
	}
	defer rows.Close()
	var out []models.LineItem
	for rows.Next() {
		var li models.LineItem
		var dt, amount string
		if err := rows.Scan(&dt, &li.Table, &li.RecordID, &li.PropertyID, &li.PeriodID, &li.AccountCode, &li.AccountName, &amount, &li.FieldName); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan line item")
		}
		li.DocumentType = models.DocumentType(dt)
		if li.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate line items")
	}
	return out, nil
}

// LoadPolicy reads every policy table once. Materiality rows are limited to
// global ones and those scoped to propertyID; window filtering happens in the
// resolver and rule compiler against the session's as-of time.
func (p *Postgres) LoadPolicy(ctx context.Context, propertyID int64) (models.Policy, error) {
	var pol models.Policy
	var err error
	if pol.Materiality, err = p.materiality(ctx, propertyID); err != nil {
		return pol, err
	}
	if pol.RiskClasses, err = p.riskClasses(ctx); err != nil {
		return pol, err
	}
	if pol.CalculatedRules, err = p.calculatedRules(ctx); err != nil {
		return pol, err
	}
	if pol.AutoResolution, err = p.autoResolution(ctx); err != nil {
		return pol, err
	}
	return pol, nil
}

func (p *Postgres) materiality(ctx context.Context, propertyID int64) ([]models.MaterialityConfig, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, scope, property_id, statement_type, account_code, absolute_threshold::text, relative_threshold_pct::text,
		       risk_class, tolerance_type, effective_date, expires_at
		FROM materiality_configs
		WHERE property_id IS NULL OR property_id=$1
		ORDER BY id
	`, propertyID)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query materiality configs")
	}
	defer rows.Close()
	var out []models.MaterialityConfig
	for rows.Next() {
		var c models.MaterialityConfig
		var scope, statement, abs, rel string
		if err := rows.Scan(&c.ID, &scope, &c.PropertyID, &statement, &c.AccountCode, &abs, &rel, &c.RiskClass, &c.ToleranceType, &c.EffectiveDate, &c.ExpiresAt); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan materiality config")
		}
		c.Scope = models.MaterialityScope(scope)
		c.StatementType = models.DocumentType(statement)
		if c.AbsoluteThreshold, err = parseDecimal(abs); err != nil {
			return nil, err
		}
		if c.RelativeThresholdPct, err = parseDecimal(rel); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate materiality configs")
	}
	return out, nil
}

func (p *Postgres) riskClasses(ctx context.Context) ([]models.AccountRiskClass, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, code_pattern, risk_class, absolute_threshold::text, relative_threshold_pct::text
		FROM account_risk_classes ORDER BY id
	`)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query risk classes")
	}
	defer rows.Close()
	var out []models.AccountRiskClass
	for rows.Next() {
		var rc models.AccountRiskClass
		var abs, rel string
		if err := rows.Scan(&rc.ID, &rc.CodePattern, &rc.RiskClass, &abs, &rel); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan risk class")
		}
		if rc.AbsoluteThreshold, err = parseDecimal(abs); err != nil {
			return nil, err
		}
		if rc.RelativeThresholdPct, err = parseDecimal(rel); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate risk classes")
	}
	return out, nil
}

func (p *Postgres) calculatedRules(ctx context.Context) ([]models.CalculatedRule, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, rule_id, version, name, formula, tolerance_absolute::text, tolerance_percent::text,
		       severity, effective_date, expires_at, is_active, deactivation_reason
		FROM calculated_rules
		WHERE is_active
		ORDER BY rule_id, version
	`)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query calculated rules")
	}
	defer rows.Close()
	var out []models.CalculatedRule
	for rows.Next() {
		var r models.CalculatedRule
		var abs, pct *string
		var severity string
		if err := rows.Scan(&r.ID, &r.RuleID, &r.Version, &r.Name, &r.Formula, &abs, &pct, &severity, &r.EffectiveDate, &r.ExpiresAt, &r.IsActive, &r.DeactivationReason); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan calculated rule")
		}
		r.Severity = models.Severity(severity)
		if r.ToleranceAbsolute, err = parseNullDecimal(abs); err != nil {
			return nil, err
		}
		if r.TolerancePercent, err = parseNullDecimal(pct); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate calculated rules")
	}
	return out, nil
}

func (p *Postgres) autoResolution(ctx context.Context) ([]models.AutoResolutionRule, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, name, pattern_type, COALESCE(condition_json::text, ''), action_type, confidence_threshold,
		       priority, COALESCE(suggested_mapping::text, ''), is_active
		FROM auto_resolution_rules
		WHERE is_active
		ORDER BY priority DESC, id
	`)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query auto-resolution rules")
	}
	defer rows.Close()
	var out []models.AutoResolutionRule
	for rows.Next() {
		var r models.AutoResolutionRule
		var cond, action, mapping string
		if err := rows.Scan(&r.ID, &r.Name, &r.PatternType, &cond, &action, &r.ConfidenceThreshold, &r.Priority, &mapping, &r.IsActive); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan auto-resolution rule")
		}
		r.ActionType = models.ActionType(action)
		r.ConditionJSON = rawJSON(cond)
		r.SuggestedMapping = rawJSON(mapping)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate auto-resolution rules")
	}
	return out, nil
}

// BeginSession inserts candidate as in_progress unless the property/period
// already has a retryable session, in which case that one is returned with
// created=false.
func (p *Postgres) BeginSession(ctx context.Context, candidate models.Session) (models.Session, bool, error) {
	tag, err := p.db.Exec(ctx, `
		INSERT INTO reconciliation_sessions (id, property_id, period_id, status, summary, started_at, updated_at)
		VALUES ($1,$2,$3,'in_progress','{}',$4,$4)
		ON CONFLICT (property_id, period_id) WHERE status = 'in_progress' DO NOTHING
	`, candidate.ID, candidate.PropertyID, candidate.PeriodID, candidate.StartedAt)
	if err != nil {
		return models.Session{}, false, recerr.Mark(err, recerr.ErrPersistence, "insert session")
	}
	if tag.RowsAffected() == 1 {
		candidate.Status = models.SessionInProgress
		candidate.UpdatedAt = candidate.StartedAt
		return candidate, true, nil
	}
	row := p.db.QueryRow(ctx, sessionSelect+`
		WHERE property_id=$1 AND period_id=$2 AND status='in_progress'
	`, candidate.PropertyID, candidate.PeriodID)
	s, err := scanSession(row)
	if err != nil {
		return models.Session{}, false, err
	}
	return s, false, nil
}

// SaveRun replaces the session's match and discrepancy rows, appends the
// run's audit entries and moves the session to run.Session.Status in one
// transaction. The session must still be in_progress.
func (p *Postgres) SaveRun(ctx context.Context, run Run) (err error) {
	id := run.Session.ID
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return recerr.Mark(err, recerr.ErrPersistence, "begin run tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	if err = tx.QueryRow(ctx, `SELECT status FROM reconciliation_sessions WHERE id=$1 FOR UPDATE`, id).Scan(&status); err != nil {
		return notFoundOr(err, "session %s", id)
	}
	if models.SessionStatus(status) != models.SessionInProgress {
		err = recerr.New(recerr.ErrInvalidTransition, "session %s is %s, not in_progress", id, status)
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM reconciliation_discrepancies WHERE session_id=$1`, id); err != nil {
		return recerr.Mark(err, recerr.ErrPersistence, "purge discrepancies")
	}
	if _, err = tx.Exec(ctx, `DELETE FROM reconciliation_matches WHERE session_id=$1`, id); err != nil {
		return recerr.Mark(err, recerr.ErrPersistence, "purge matches")
	}

	batch := &pgx.Batch{}
	for _, m := range run.Matches {
		queueMatch(batch, m)
	}
	for _, d := range run.Discrepancies {
		if err = queueDiscrepancy(batch, d); err != nil {
			return err
		}
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err = br.Exec(); err != nil {
				_ = br.Close()
				return recerr.Mark(err, recerr.ErrPersistence, "insert run row %d", i)
			}
		}
		if err = br.Close(); err != nil {
			return recerr.Mark(err, recerr.ErrPersistence, "close run batch")
		}
	}

	for _, d := range run.Deactivations {
		if _, err = tx.Exec(ctx, `
			UPDATE calculated_rules SET is_active=FALSE, deactivation_reason=$2 WHERE id=$1 AND is_active
		`, d.ID, d.Reason); err != nil {
			return recerr.Mark(err, recerr.ErrPersistence, "deactivate rule %d", d.ID)
		}
	}

	aw := &audit.Writer{DB: tx}
	for _, e := range run.Audit {
		if _, err = aw.Append(ctx, e); err != nil {
			return err
		}
	}

	summary, err := json.Marshal(run.Session.Summary)
	if err != nil {
		return recerr.Mark(err, recerr.ErrInvalidInput, "encode summary")
	}
	if _, err = tx.Exec(ctx, `
		UPDATE reconciliation_sessions
		SET status=$2, summary=$3, completed_at=$4, updated_at=$5
		WHERE id=$1
	`, id, string(run.Session.Status), string(summary), run.Session.CompletedAt, run.Session.UpdatedAt); err != nil {
		return recerr.Mark(err, recerr.ErrPersistence, "complete session")
	}
	if err = tx.Commit(ctx); err != nil {
		return recerr.Mark(err, recerr.ErrPersistence, "commit run")
	}
	return nil
}

const matchInsert = `
	INSERT INTO reconciliation_matches
	(id, session_id,
	 source_document_type, source_table, source_record_id, source_account_code, source_account_name, source_amount, source_field_name,
	 target_document_type, target_table, target_record_id, target_account_code, target_account_name, target_amount, target_field_name,
	 match_type, confidence_score, amount_difference, relationship_type, relationship_formula, pattern_id, status, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
`

func queueMatch(b *pgx.Batch, m models.Match) {
	b.Queue(matchInsert,
		m.ID, m.SessionID,
		string(m.Source.DocumentType), m.Source.Table, m.Source.RecordID, m.Source.AccountCode, m.Source.AccountName, m.Source.Amount.String(), m.Source.FieldName,
		string(m.Target.DocumentType), m.Target.Table, m.Target.RecordID, m.Target.AccountCode, m.Target.AccountName, m.Target.Amount.String(), m.Target.FieldName,
		string(m.MatchType), m.ConfidenceScore, m.AmountDifference.String(), m.RelationshipType, m.RelationshipFormula,
		nullInt(m.PatternID), string(m.Status), m.CreatedAt,
	)
}

const discrepancyInsert = `
	INSERT INTO reconciliation_discrepancies
	(id, session_id, property_id, match_id, match_type, rule_id, rule_version, discrepancy_type, severity, exception_tier, status,
	 statement_type, account_code, source_record_id, target_record_id, expected, actual, difference, confidence, description,
	 suggested_mapping, auto_rule_id, resolution_notes, resolved_by, resolved_at, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
`

func queueDiscrepancy(b *pgx.Batch, d models.Discrepancy) error {
	var mapping any
	if len(d.SuggestedMapping) > 0 {
		if !json.Valid(d.SuggestedMapping) {
			return recerr.New(recerr.ErrInvalidInput, "discrepancy %s: suggested mapping is not valid json", d.ID)
		}
		mapping = string(d.SuggestedMapping)
	}
	b.Queue(discrepancyInsert,
		d.ID, d.SessionID, d.PropertyID, nullString(d.MatchID), string(d.MatchType), d.RuleID, d.RuleVersion,
		string(d.Type), string(d.Severity), string(d.ExceptionTier), string(d.Status),
		string(d.StatementType), d.AccountCode, nullInt(d.SourceRecordID), nullInt(d.TargetRecordID),
		d.Expected.String(), d.Actual.String(), d.Difference.String(), d.Confidence, d.Description,
		mapping, nullInt(d.AutoRuleID), d.ResolutionNotes, d.ResolvedBy, d.ResolvedAt, d.CreatedAt,
	)
	return nil
}

const sessionSelect = `
	SELECT id::text, property_id, period_id, status, summary::text, started_at, completed_at, reviewed_by, review_notes, updated_at
	FROM reconciliation_sessions
`

func (p *Postgres) Session(ctx context.Context, id string) (models.Session, error) {
	if !validID(id) {
		return models.Session{}, recerr.New(recerr.ErrNotFound, "session %s", id)
	}
	return scanSession(p.db.QueryRow(ctx, sessionSelect+` WHERE id=$1`, id))
}

func scanSession(row scanner) (models.Session, error) {
	var s models.Session
	var status, summary string
	if err := row.Scan(&s.ID, &s.PropertyID, &s.PeriodID, &status, &summary, &s.StartedAt, &s.CompletedAt, &s.ReviewedBy, &s.ReviewNotes, &s.UpdatedAt); err != nil {
		return s, notFoundOr(err, "session")
	}
	s.Status = models.SessionStatus(status)
	if summary != "" {
		if err := json.Unmarshal([]byte(summary), &s.Summary); err != nil {
			return s, recerr.Mark(err, recerr.ErrPersistence, "decode summary of %s", s.ID)
		}
	}
	return s, nil
}

const matchSelect = `
	SELECT id::text, session_id::text,
	       source_document_type, source_table, source_record_id, source_account_code, source_account_name, source_amount::text, source_field_name,
	       target_document_type, target_table, target_record_id, target_account_code, target_account_name, target_amount::text, target_field_name,
	       match_type, confidence_score, amount_difference::text, relationship_type, relationship_formula, pattern_id, status,
	       auditor_override, override_reason, reviewed_by, reviewed_at, created_at
	FROM reconciliation_matches
`

func (p *Postgres) Matches(ctx context.Context, sessionID string) ([]models.Match, error) {
	if !validID(sessionID) {
		return nil, recerr.New(recerr.ErrNotFound, "session %s", sessionID)
	}
	rows, err := p.db.Query(ctx, matchSelect+`
		WHERE session_id=$1
		ORDER BY source_document_type, source_record_id, target_document_type, target_record_id
	`, sessionID)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query matches")
	}
	defer rows.Close()
	var out []models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate matches")
	}
	return out, nil
}

func (p *Postgres) Match(ctx context.Context, id string) (models.Match, error) {
	if !validID(id) {
		return models.Match{}, recerr.New(recerr.ErrNotFound, "match %s", id)
	}
	return scanMatch(p.db.QueryRow(ctx, matchSelect+` WHERE id=$1`, id))
}

func scanMatch(row scanner) (models.Match, error) {
	var m models.Match
	var srcDT, tgtDT, srcAmt, tgtAmt, diff, matchType, status string
	var patternID *int64
	err := row.Scan(&m.ID, &m.SessionID,
		&srcDT, &m.Source.Table, &m.Source.RecordID, &m.Source.AccountCode, &m.Source.AccountName, &srcAmt, &m.Source.FieldName,
		&tgtDT, &m.Target.Table, &m.Target.RecordID, &m.Target.AccountCode, &m.Target.AccountName, &tgtAmt, &m.Target.FieldName,
		&matchType, &m.ConfidenceScore, &diff, &m.RelationshipType, &m.RelationshipFormula, &patternID, &status,
		&m.AuditorOverride, &m.OverrideReason, &m.ReviewedBy, &m.ReviewedAt, &m.CreatedAt)
	if err != nil {
		return m, notFoundOr(err, "match")
	}
	m.Source.DocumentType = models.DocumentType(srcDT)
	m.Target.DocumentType = models.DocumentType(tgtDT)
	m.MatchType = models.MatchType(matchType)
	m.Status = models.MatchStatus(status)
	if patternID != nil {
		m.PatternID = *patternID
	}
	if m.Source.Amount, err = parseDecimal(srcAmt); err != nil {
		return m, err
	}
	if m.Target.Amount, err = parseDecimal(tgtAmt); err != nil {
		return m, err
	}
	if m.AmountDifference, err = parseDecimal(diff); err != nil {
		return m, err
	}
	return m, nil
}

func (p *Postgres) Discrepancies(ctx context.Context, sessionID string) ([]models.Discrepancy, error) {
	if !validID(sessionID) {
		return nil, recerr.New(recerr.ErrNotFound, "session %s", sessionID)
	}
	rows, err := p.db.Query(ctx, `
		SELECT id::text, session_id::text, property_id, COALESCE(match_id::text, ''), match_type, rule_id, rule_version,
		       discrepancy_type, severity, exception_tier, status, statement_type, account_code,
		       source_record_id, target_record_id, expected::text, actual::text, difference::text, confidence, description,
		       COALESCE(suggested_mapping::text, ''), auto_rule_id, resolution_notes, resolved_by, resolved_at, created_at
		FROM reconciliation_discrepancies
		WHERE session_id=$1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query discrepancies")
	}
	defer rows.Close()
	var out []models.Discrepancy
	for rows.Next() {
		var d models.Discrepancy
		var matchType, typ, severity, tier, status, statement, expected, actual, diff, mapping string
		var srcID, tgtID, autoRule *int64
		if err := rows.Scan(&d.ID, &d.SessionID, &d.PropertyID, &d.MatchID, &matchType, &d.RuleID, &d.RuleVersion,
			&typ, &severity, &tier, &status, &statement, &d.AccountCode,
			&srcID, &tgtID, &expected, &actual, &diff, &d.Confidence, &d.Description,
			&mapping, &autoRule, &d.ResolutionNotes, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan discrepancy")
		}
		d.MatchType = models.MatchType(matchType)
		d.Type = models.DiscrepancyType(typ)
		d.Severity = models.Severity(severity)
		d.ExceptionTier = models.ExceptionTier(tier)
		d.Status = models.DiscrepancyStatus(status)
		d.StatementType = models.DocumentType(statement)
		d.SourceRecordID = derefInt(srcID)
		d.TargetRecordID = derefInt(tgtID)
		d.AutoRuleID = derefInt(autoRule)
		d.SuggestedMapping = rawJSON(mapping)
		if d.Expected, err = parseDecimal(expected); err != nil {
			return nil, err
		}
		if d.Actual, err = parseDecimal(actual); err != nil {
			return nil, err
		}
		if d.Difference, err = parseDecimal(diff); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate discrepancies")
	}
	return out, nil
}

// TransitionSession applies a conditional status update and its audit entry
// atomically. Nothing is written when the session is not in t.From.
func (p *Postgres) TransitionSession(ctx context.Context, t Transition) (s models.Session, err error) {
	if !validID(t.SessionID) {
		return s, recerr.New(recerr.ErrNotFound, "session %s", t.SessionID)
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return s, recerr.Mark(err, recerr.ErrPersistence, "begin transition tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	tag, err := tx.Exec(ctx, `
		UPDATE reconciliation_sessions
		SET status=$3, reviewed_by=$4, review_notes=$5, updated_at=$6
		WHERE id=$1 AND status=$2
	`, t.SessionID, string(t.From), string(t.To), t.Reviewer, t.Notes, t.At)
	if err != nil {
		return s, recerr.Mark(err, recerr.ErrPersistence, "update session status")
	}
	if tag.RowsAffected() == 0 {
		var current string
		if err = tx.QueryRow(ctx, `SELECT status FROM reconciliation_sessions WHERE id=$1`, t.SessionID).Scan(&current); err != nil {
			return s, notFoundOr(err, "session %s", t.SessionID)
		}
		err = recerr.New(recerr.ErrInvalidTransition, "session %s is %s, cannot move to %s", t.SessionID, current, t.To)
		return s, err
	}
	if t.Audit.Action != "" {
		if _, err = (&audit.Writer{DB: tx}).Append(ctx, t.Audit); err != nil {
			return s, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return s, recerr.Mark(err, recerr.ErrPersistence, "commit transition")
	}
	return p.Session(ctx, t.SessionID)
}

// ReviewMatch records a verdict. A match that already carries an approve or
// reject verdict only changes under an auditor override.
func (p *Postgres) ReviewMatch(ctx context.Context, r MatchReview) (m models.Match, err error) {
	if !validID(r.MatchID) {
		return m, recerr.New(recerr.ErrNotFound, "match %s", r.MatchID)
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return m, recerr.Mark(err, recerr.ErrPersistence, "begin review tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	var current string
	if err = tx.QueryRow(ctx, `SELECT status FROM reconciliation_matches WHERE id=$1 FOR UPDATE`, r.MatchID).Scan(&current); err != nil {
		return m, notFoundOr(err, "match %s", r.MatchID)
	}
	if err = checkReview(models.MatchStatus(current), r); err != nil {
		return m, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE reconciliation_matches
		SET status=$2, reviewed_by=$3, reviewed_at=$4, auditor_override=$5, override_reason=$6
		WHERE id=$1
	`, r.MatchID, string(r.Status), r.Reviewer, r.At, r.Override, r.Reason); err != nil {
		return m, recerr.Mark(err, recerr.ErrPersistence, "update match review")
	}
	if r.Audit.Action != "" {
		if r.Audit.FromStatus == "" {
			r.Audit.FromStatus = current
		}
		if _, err = (&audit.Writer{DB: tx}).Append(ctx, r.Audit); err != nil {
			return m, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return m, recerr.Mark(err, recerr.ErrPersistence, "commit match review")
	}
	return p.Match(ctx, r.MatchID)
}

func checkReview(current models.MatchStatus, r MatchReview) error {
	switch r.Status {
	case models.MatchApproved, models.MatchRejected, models.MatchModified:
	default:
		return recerr.New(recerr.ErrInvalidInput, "unknown match decision %q", r.Status)
	}
	if r.Override && r.Reason == "" {
		return recerr.New(recerr.ErrInvalidInput, "auditor override requires a reason")
	}
	if (current == models.MatchApproved || current == models.MatchRejected) && !r.Override {
		return recerr.New(recerr.ErrInvalidTransition, "match %s already %s", r.MatchID, current)
	}
	return nil
}

func (p *Postgres) AuditLog(ctx context.Context, sessionID string) ([]models.AuditEntry, error) {
	if !validID(sessionID) {
		return nil, recerr.New(recerr.ErrNotFound, "session %s", sessionID)
	}
	return (&audit.Writer{DB: p.db}).List(ctx, sessionID)
}

// EnsurePattern creates the zero-count row for key if it is missing.
func (p *Postgres) EnsurePattern(ctx context.Context, key models.PatternKey) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO learned_match_patterns
		(kind, source_document_type, target_document_type, source_account_code, source_account_name, target_account_code, target_account_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (kind, source_document_type, target_document_type, source_account_code, target_account_code, source_name_key, target_name_key) DO NOTHING
	`, string(key.Kind), string(key.SourceDocumentType), string(key.TargetDocumentType), key.SourceAccountCode, key.SourceAccountName, key.TargetAccountCode, key.TargetAccountName)
	if err != nil {
		return recerr.Mark(err, recerr.ErrPersistence, "ensure pattern")
	}
	return nil
}

const patternSelect = `
	SELECT id, kind, source_document_type, target_document_type, source_account_code, source_account_name,
	       target_account_code, target_account_name, match_count, success_count, success_rate, is_validated, version, last_outcome_at
	FROM learned_match_patterns
`

func (p *Postgres) Pattern(ctx context.Context, key models.PatternKey) (models.LearnedMatchPattern, error) {
	srcName, tgtName := key.NameIdentity()
	row := p.db.QueryRow(ctx, patternSelect+`
		WHERE kind=$1 AND source_document_type=$2 AND target_document_type=$3 AND source_account_code=$4 AND target_account_code=$5
		  AND source_name_key=$6 AND target_name_key=$7
	`, string(key.Kind), string(key.SourceDocumentType), string(key.TargetDocumentType), key.SourceAccountCode, key.TargetAccountCode, srcName, tgtName)
	return scanPattern(row)
}

func scanPattern(row scanner) (models.LearnedMatchPattern, error) {
	var lp models.LearnedMatchPattern
	var kind, src, tgt string
	if err := row.Scan(&lp.ID, &kind, &src, &tgt, &lp.SourceAccountCode, &lp.SourceAccountName,
		&lp.TargetAccountCode, &lp.TargetAccountName, &lp.MatchCount, &lp.SuccessCount, &lp.SuccessRate, &lp.IsValidated, &lp.Version, &lp.LastOutcomeAt); err != nil {
		return lp, notFoundOr(err, "pattern")
	}
	lp.Kind = models.PatternKind(kind)
	lp.SourceDocumentType = models.DocumentType(src)
	lp.TargetDocumentType = models.DocumentType(tgt)
	return lp, nil
}

// IncrementPattern adds one outcome to the row iff its version is still
// version. The rate and promotion flag are recomputed in the same statement
// from lifetime counts.
func (p *Postgres) IncrementPattern(ctx context.Context, id, version int64, success bool, promo Promotion, at time.Time) (bool, error) {
	inc := 0
	if success {
		inc = 1
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE learned_match_patterns SET
			match_count     = match_count + 1,
			success_count   = success_count + $3,
			success_rate    = ROUND((success_count + $3) * 100.0 / (match_count + 1), 2),
			is_validated    = (match_count + 1) >= $4 AND ROUND((success_count + $3) * 100.0 / (match_count + 1), 2) >= $5,
			version         = version + 1,
			last_outcome_at = $6
		WHERE id=$1 AND version=$2
	`, id, version, inc, promo.MinMatches, promo.MinSuccessRate, at)
	if err != nil {
		return false, recerr.Mark(err, recerr.ErrPersistence, "increment pattern %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Patterns(ctx context.Context) ([]models.LearnedMatchPattern, error) {
	rows, err := p.db.Query(ctx, patternSelect+` ORDER BY id`)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query patterns")
	}
	defer rows.Close()
	var out []models.LearnedMatchPattern
	for rows.Next() {
		lp, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate patterns")
	}
	return out, nil
}

func (p *Postgres) Synonyms(ctx context.Context) ([]models.AccountCodeSynonym, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, source_document_type, target_document_type, source_code, target_code, success_rate, is_validated
		FROM account_code_synonyms ORDER BY id
	`)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "query synonyms")
	}
	defer rows.Close()
	var out []models.AccountCodeSynonym
	for rows.Next() {
		var s models.AccountCodeSynonym
		var src, tgt string
		if err := rows.Scan(&s.ID, &src, &tgt, &s.SourceCode, &s.TargetCode, &s.SuccessRate, &s.IsValidated); err != nil {
			return nil, recerr.Mark(err, recerr.ErrPersistence, "scan synonym")
		}
		s.SourceDocumentType = models.DocumentType(src)
		s.TargetDocumentType = models.DocumentType(tgt)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, recerr.Mark(err, recerr.ErrPersistence, "iterate synonyms")
	}
	return out, nil
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return recerr.Mark(err, recerr.ErrNotFound, format, args...)
	}
	return recerr.Mark(err, recerr.ErrPersistence, format, args...)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, recerr.Mark(err, recerr.ErrPersistence, "decode numeric %q", s)
	}
	return d, nil
}

func parseNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
