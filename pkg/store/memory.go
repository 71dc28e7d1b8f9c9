package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/google/uuid"
)

// Memory is an in-process repository with the same transactional behaviour
// as Postgres: every mutating call either applies fully or not at all.
type Memory struct {
	mu            sync.Mutex
	items         []models.LineItem
	policy        models.Policy
	sessions      map[string]models.Session
	matches       map[string][]models.Match
	discrepancies map[string][]models.Discrepancy
	audit         []models.AuditEntry
	patterns      []models.LearnedMatchPattern
	synonyms      []models.AccountCodeSynonym
	nextID        int64
	faults        map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]models.Session),
		matches:       make(map[string][]models.Match),
		discrepancies: make(map[string][]models.Discrepancy),
		faults:        make(map[string]error),
	}
}

var (
	_ SessionRepository = (*Memory)(nil)
	_ PatternStore      = (*Memory)(nil)
)

// AddLineItems seeds extracted line items.
func (m *Memory) AddLineItems(items ...models.LineItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
}

// SetPolicy replaces the policy tables. Rows without an id get one.
func (m *Memory) SetPolicy(p models.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range p.CalculatedRules {
		if p.CalculatedRules[i].ID == 0 {
			m.nextID++
			p.CalculatedRules[i].ID = m.nextID
		}
	}
	for i := range p.AutoResolution {
		if p.AutoResolution[i].ID == 0 {
			m.nextID++
			p.AutoResolution[i].ID = m.nextID
		}
	}
	m.policy = p
}

// AddSynonyms seeds account code synonyms.
func (m *Memory) AddSynonyms(s ...models.AccountCodeSynonym) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synonyms = append(m.synonyms, s...)
}

// AddPattern seeds a learned pattern row.
func (m *Memory) AddPattern(p models.LearnedMatchPattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.patterns = append(m.patterns, p)
}

// FailNext makes the next call of op (a method name) return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

func (m *Memory) fault(op string) error {
	err, ok := m.faults[op]
	if !ok {
		return nil
	}
	delete(m.faults, op)
	return recerr.Mark(err, recerr.ErrPersistence, "%s", op)
}

func (m *Memory) LineItems(ctx context.Context, propertyID, periodID int64) ([]models.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("LineItems"); err != nil {
		return nil, err
	}
	var out []models.LineItem
	for _, it := range m.items {
		if it.PropertyID == propertyID && it.PeriodID == periodID {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DocumentType != b.DocumentType {
			return a.DocumentType < b.DocumentType
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.RecordID < b.RecordID
	})
	return out, nil
}

func (m *Memory) LoadPolicy(ctx context.Context, propertyID int64) (models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("LoadPolicy"); err != nil {
		return models.Policy{}, err
	}
	var out models.Policy
	for _, c := range m.policy.Materiality {
		if c.PropertyID == nil || *c.PropertyID == propertyID {
			out.Materiality = append(out.Materiality, c)
		}
	}
	out.RiskClasses = append(out.RiskClasses, m.policy.RiskClasses...)
	for _, r := range m.policy.CalculatedRules {
		if r.IsActive {
			out.CalculatedRules = append(out.CalculatedRules, r)
		}
	}
	for _, r := range m.policy.AutoResolution {
		if r.IsActive {
			out.AutoResolution = append(out.AutoResolution, r)
		}
	}
	return out, nil
}

func (m *Memory) BeginSession(ctx context.Context, candidate models.Session) (models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("BeginSession"); err != nil {
		return models.Session{}, false, err
	}
	for _, s := range m.sessions {
		if s.PropertyID == candidate.PropertyID && s.PeriodID == candidate.PeriodID && s.Status == models.SessionInProgress {
			return s, false, nil
		}
	}
	candidate.Status = models.SessionInProgress
	candidate.UpdatedAt = candidate.StartedAt
	candidate.Summary = models.Summary{}
	m.sessions[candidate.ID] = candidate
	return candidate, true, nil
}

func (m *Memory) SaveRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("SaveRun"); err != nil {
		return err
	}
	id := run.Session.ID
	cur, ok := m.sessions[id]
	if !ok {
		return recerr.New(recerr.ErrNotFound, "session %s", id)
	}
	if cur.Status != models.SessionInProgress {
		return recerr.New(recerr.ErrInvalidTransition, "session %s is %s, not in_progress", id, cur.Status)
	}
	entries, err := stampAudit(run.Audit)
	if err != nil {
		return err
	}
	for _, d := range run.Deactivations {
		for i := range m.policy.CalculatedRules {
			if r := &m.policy.CalculatedRules[i]; r.ID == d.ID && r.IsActive {
				r.IsActive = false
				r.DeactivationReason = d.Reason
			}
		}
	}
	cur.Status = run.Session.Status
	cur.Summary = run.Session.Summary
	cur.CompletedAt = run.Session.CompletedAt
	cur.UpdatedAt = run.Session.UpdatedAt
	m.sessions[id] = cur
	m.matches[id] = append([]models.Match(nil), run.Matches...)
	m.discrepancies[id] = append([]models.Discrepancy(nil), run.Discrepancies...)
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *Memory) Session(ctx context.Context, id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Session"); err != nil {
		return models.Session{}, err
	}
	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, recerr.New(recerr.ErrNotFound, "session %s", id)
	}
	return s, nil
}

func (m *Memory) Matches(ctx context.Context, sessionID string) ([]models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, recerr.New(recerr.ErrNotFound, "session %s", sessionID)
	}
	out := append([]models.Match(nil), m.matches[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source.DocumentType != b.Source.DocumentType {
			return a.Source.DocumentType < b.Source.DocumentType
		}
		if a.Source.RecordID != b.Source.RecordID {
			return a.Source.RecordID < b.Source.RecordID
		}
		if a.Target.DocumentType != b.Target.DocumentType {
			return a.Target.DocumentType < b.Target.DocumentType
		}
		return a.Target.RecordID < b.Target.RecordID
	})
	return out, nil
}

func (m *Memory) Match(ctx context.Context, id string) (models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, i := m.findMatch(id)
	if i < 0 {
		return models.Match{}, recerr.New(recerr.ErrNotFound, "match %s", id)
	}
	return m.matches[sid][i], nil
}

func (m *Memory) findMatch(id string) (string, int) {
	for sid, ms := range m.matches {
		for i := range ms {
			if ms[i].ID == id {
				return sid, i
			}
		}
	}
	return "", -1
}

func (m *Memory) Discrepancies(ctx context.Context, sessionID string) ([]models.Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, recerr.New(recerr.ErrNotFound, "session %s", sessionID)
	}
	return append([]models.Discrepancy(nil), m.discrepancies[sessionID]...), nil
}

func (m *Memory) TransitionSession(ctx context.Context, t Transition) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("TransitionSession"); err != nil {
		return models.Session{}, err
	}
	s, ok := m.sessions[t.SessionID]
	if !ok {
		return models.Session{}, recerr.New(recerr.ErrNotFound, "session %s", t.SessionID)
	}
	if s.Status != t.From {
		return models.Session{}, recerr.New(recerr.ErrInvalidTransition, "session %s is %s, cannot move to %s", t.SessionID, s.Status, t.To)
	}
	var entries []models.AuditEntry
	if t.Audit.Action != "" {
		var err error
		if entries, err = stampAudit([]models.AuditEntry{t.Audit}); err != nil {
			return models.Session{}, err
		}
	}
	s.Status = t.To
	s.ReviewedBy = t.Reviewer
	s.ReviewNotes = t.Notes
	s.UpdatedAt = t.At
	m.sessions[t.SessionID] = s
	m.audit = append(m.audit, entries...)
	return s, nil
}

func (m *Memory) ReviewMatch(ctx context.Context, r MatchReview) (models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("ReviewMatch"); err != nil {
		return models.Match{}, err
	}
	sid, i := m.findMatch(r.MatchID)
	if i < 0 {
		return models.Match{}, recerr.New(recerr.ErrNotFound, "match %s", r.MatchID)
	}
	cur := m.matches[sid][i]
	if err := checkReview(cur.Status, r); err != nil {
		return models.Match{}, err
	}
	var entries []models.AuditEntry
	if r.Audit.Action != "" {
		if r.Audit.FromStatus == "" {
			r.Audit.FromStatus = string(cur.Status)
		}
		var err error
		if entries, err = stampAudit([]models.AuditEntry{r.Audit}); err != nil {
			return models.Match{}, err
		}
	}
	at := r.At
	cur.Status = r.Status
	cur.ReviewedBy = r.Reviewer
	cur.ReviewedAt = &at
	cur.AuditorOverride = r.Override
	cur.OverrideReason = r.Reason
	m.matches[sid][i] = cur
	m.audit = append(m.audit, entries...)
	return cur, nil
}

func (m *Memory) AuditLog(ctx context.Context, sessionID string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.audit {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) EnsurePattern(ctx context.Context, key models.PatternKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("EnsurePattern"); err != nil {
		return err
	}
	if m.patternIndex(key) >= 0 {
		return nil
	}
	m.nextID++
	m.patterns = append(m.patterns, models.LearnedMatchPattern{
		ID:                 m.nextID,
		Kind:               key.Kind,
		SourceDocumentType: key.SourceDocumentType,
		TargetDocumentType: key.TargetDocumentType,
		SourceAccountCode:  key.SourceAccountCode,
		SourceAccountName:  key.SourceAccountName,
		TargetAccountCode:  key.TargetAccountCode,
		TargetAccountName:  key.TargetAccountName,
	})
	return nil
}

func (m *Memory) patternIndex(key models.PatternKey) int {
	srcName, tgtName := key.NameIdentity()
	for i, p := range m.patterns {
		k := p.Key()
		ks, kt := k.NameIdentity()
		if k.Kind == key.Kind && k.SourceDocumentType == key.SourceDocumentType && k.TargetDocumentType == key.TargetDocumentType &&
			k.SourceAccountCode == key.SourceAccountCode && k.TargetAccountCode == key.TargetAccountCode &&
			ks == srcName && kt == tgtName {
			return i
		}
	}
	return -1
}

func (m *Memory) Pattern(ctx context.Context, key models.PatternKey) (models.LearnedMatchPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.patternIndex(key)
	if i < 0 {
		return models.LearnedMatchPattern{}, recerr.New(recerr.ErrNotFound, "pattern %s/%s", key.SourceAccountCode, key.TargetAccountCode)
	}
	return m.patterns[i], nil
}

func (m *Memory) IncrementPattern(ctx context.Context, id, version int64, success bool, promo Promotion, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("IncrementPattern"); err != nil {
		return false, err
	}
	for i := range m.patterns {
		p := &m.patterns[i]
		if p.ID != id {
			continue
		}
		if p.Version != version {
			return false, nil
		}
		p.MatchCount++
		if success {
			p.SuccessCount++
		}
		p.SuccessRate = SuccessRate(p.SuccessCount, p.MatchCount)
		p.IsValidated = promo.Validated(p.MatchCount, p.SuccessRate)
		p.Version++
		t := at
		p.LastOutcomeAt = &t
		return true, nil
	}
	return false, nil
}

func (m *Memory) Patterns(ctx context.Context) ([]models.LearnedMatchPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Patterns"); err != nil {
		return nil, err
	}
	return append([]models.LearnedMatchPattern(nil), m.patterns...), nil
}

func (m *Memory) Synonyms(ctx context.Context) ([]models.AccountCodeSynonym, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AccountCodeSynonym(nil), m.synonyms...), nil
}

func stampAudit(in []models.AuditEntry) ([]models.AuditEntry, error) {
	out := make([]models.AuditEntry, 0, len(in))
	for _, e := range in {
		if e.SessionID == "" || e.EntityType == "" || e.Action == "" {
			return nil, recerr.New(recerr.ErrInvalidInput, "audit entry requires session_id, entity_type and action")
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		out = append(out, e)
	}
	return out, nil
}
