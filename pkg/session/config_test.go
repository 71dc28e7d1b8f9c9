package session

import (
	"testing"
	"time"

	"reims/pkg/config"
	"reims/pkg/models"
)

func TestFromSettings(t *testing.T) {
	c := config.Config{}
	c.Matching.FuzzyFloor = 65
	c.Matching.InferredFloor = 85
	c.Matching.Pairs = []string{"BS:IS", "RR:IS"}
	c.Matching.Parallel = true
	c.Detection.LowConfidence = 75
	c.Learning.MinMatches = 3
	c.Learning.MinSuccessRate = 90
	c.Learning.MaxRetries = 4
	c.Health.Penalty = 2.5
	c.Materiality.Absolute = "250"
	c.Materiality.RelativePct = "0.5"
	c.Session.Timeout = 30 * time.Second

	tn, err := FromSettings(c)
	if err != nil {
		t.Fatal(err)
	}
	s := tn.Session
	if len(s.Pairs) != 2 || s.Pairs[1].Source != models.RentRoll || !s.Parallel {
		t.Fatalf("unexpected pairs %+v", s)
	}
	if s.Matching.FuzzyFloor != 65 || s.Matching.InferredFloor != 85 || s.Detect.LowConfidence != 75 {
		t.Fatalf("unexpected floors %+v", s)
	}
	if s.Timeout != 30*time.Second || s.LockTTL != DefaultConfig().LockTTL {
		t.Fatalf("unexpected timings %+v", s)
	}
	if s.Default == nil || s.Default.Absolute.String() != "250" || s.Default.RelativePct.String() != "0.5" {
		t.Fatalf("unexpected default threshold %+v", s.Default)
	}
	if tn.Learning.MinMatches != 3 || tn.Learning.MaxRetries != 4 || tn.Health.Penalty != 2.5 {
		t.Fatalf("unexpected tuning %+v", tn)
	}
}

func TestFromSettingsRejectsBadValues(t *testing.T) {
	c := config.Config{}
	c.Matching.Pairs = []string{"BS:BS"}
	if _, err := FromSettings(c); err == nil {
		t.Fatal("expected bad pair rejected")
	}
	c.Matching.Pairs = nil
	c.Materiality.Absolute = "lots"
	c.Materiality.RelativePct = "1"
	if _, err := FromSettings(c); err == nil {
		t.Fatal("expected bad threshold rejected")
	}
}
