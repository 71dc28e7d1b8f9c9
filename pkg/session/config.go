package session

import (
	"reims/pkg/config"
	"reims/pkg/learning"
	"reims/pkg/materiality"
)

// Tuning is everything the binaries derive from loaded settings to build an
// orchestrator and its learner.
type Tuning struct {
	Session  Config
	Learning learning.Config
	Health   FlatPenalty
}

func FromSettings(c config.Config) (Tuning, error) {
	pairs, err := c.DocumentPairs()
	if err != nil {
		return Tuning{}, err
	}
	abs, rel, err := c.Materiality.Threshold()
	if err != nil {
		return Tuning{}, err
	}
	cfg := DefaultConfig()
	cfg.Pairs = pairs
	cfg.Parallel = c.Matching.Parallel
	cfg.Matching.FuzzyFloor = c.Matching.FuzzyFloor
	cfg.Matching.InferredFloor = c.Matching.InferredFloor
	cfg.Detect.LowConfidence = c.Detection.LowConfidence
	if c.Session.Timeout > 0 {
		cfg.Timeout = c.Session.Timeout
	}
	if c.Session.LockTTL > 0 {
		cfg.LockTTL = c.Session.LockTTL
	}
	def := materiality.SystemDefault()
	def.Absolute, def.RelativePct = abs, rel
	if c.Materiality.RiskClass != "" {
		def.RiskClass = c.Materiality.RiskClass
	}
	cfg.Default = &def

	return Tuning{
		Session: cfg,
		Learning: learning.Config{
			MinMatches:     c.Learning.MinMatches,
			MinSuccessRate: c.Learning.MinSuccessRate,
			MaxRetries:     c.Learning.MaxRetries,
		},
		Health: FlatPenalty{Penalty: c.Health.Penalty},
	}, nil
}
