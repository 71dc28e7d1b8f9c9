package learning

import (
	"reims/pkg/matching"
	"reims/pkg/models"
)

const (
	ViaPattern = "learned_pattern"
	ViaSynonym = "account_synonym"
)

type codeKey struct {
	src, tgt         models.DocumentType
	srcCode, tgtCode string
}

type nameKey struct {
	src, tgt         models.DocumentType
	srcName, tgtName string
}

// Snapshot is an immutable lookup over learned patterns and synonyms.
type Snapshot struct {
	byCode map[codeKey]matching.Inference
	byName map[nameKey]matching.Inference
	count  int
}

var _ matching.Inferrer = (*Snapshot)(nil)

func NewSnapshot(patterns []models.LearnedMatchPattern, synonyms []models.AccountCodeSynonym) *Snapshot {
	s := &Snapshot{
		byCode: make(map[codeKey]matching.Inference),
		byName: make(map[nameKey]matching.Inference),
	}
	for _, p := range patterns {
		if p.Kind != models.PatternMatch {
			continue
		}
		inf := matching.Inference{PatternID: p.ID, SuccessRate: p.SuccessRate, Validated: p.IsValidated, Via: ViaPattern}
		if p.SourceAccountCode != "" && p.TargetAccountCode != "" {
			k := codeKey{p.SourceDocumentType, p.TargetDocumentType, p.SourceAccountCode, p.TargetAccountCode}
			s.byCode[k] = better(s.byCode[k], inf)
		}
		srcName, tgtName := matching.Normalize(p.SourceAccountName), matching.Normalize(p.TargetAccountName)
		if srcName != "" && tgtName != "" {
			k := nameKey{p.SourceDocumentType, p.TargetDocumentType, srcName, tgtName}
			s.byName[k] = better(s.byName[k], inf)
		}
		s.count++
	}
	for _, syn := range synonyms {
		inf := matching.Inference{SuccessRate: syn.SuccessRate, Validated: syn.IsValidated, Via: ViaSynonym}
		k := codeKey{syn.SourceDocumentType, syn.TargetDocumentType, syn.SourceCode, syn.TargetCode}
		s.byCode[k] = better(s.byCode[k], inf)
		s.count++
	}
	return s
}

// Infer looks the pair up by account codes, then by normalized names.
func (s *Snapshot) Infer(source, target models.LineItemRef) (matching.Inference, bool) {
	if s == nil {
		return matching.Inference{}, false
	}
	if source.AccountCode != "" && target.AccountCode != "" {
		if inf, ok := s.byCode[codeKey{source.DocumentType, target.DocumentType, source.AccountCode, target.AccountCode}]; ok {
			return inf, true
		}
	}
	srcName, tgtName := matching.Normalize(source.AccountName), matching.Normalize(target.AccountName)
	if srcName == "" || tgtName == "" {
		return matching.Inference{}, false
	}
	inf, ok := s.byName[nameKey{source.DocumentType, target.DocumentType, srcName, tgtName}]
	return inf, ok
}

// Len is the number of patterns and synonyms indexed.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return s.count
}

func better(cur, next matching.Inference) matching.Inference {
	if cur.Via == "" {
		return next
	}
	if next.Validated != cur.Validated {
		if next.Validated {
			return next
		}
		return cur
	}
	if next.SuccessRate > cur.SuccessRate {
		return next
	}
	return cur
}
