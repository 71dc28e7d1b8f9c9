package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Matching.FuzzyFloor != 60 || cfg.Detection.LowConfidence != 70 || cfg.Matching.InferredFloor != 80 {
		t.Fatalf("unexpected matching defaults: %+v %+v", cfg.Matching, cfg.Detection)
	}
	if cfg.Learning.MinMatches != 5 || cfg.Learning.MinSuccessRate != 80 {
		t.Fatalf("unexpected learner defaults: %+v", cfg.Learning)
	}
	if cfg.Health.Penalty != 5 {
		t.Fatalf("unexpected health penalty %v", cfg.Health.Penalty)
	}
	abs, rel, err := cfg.Materiality.Threshold()
	if err != nil || abs.String() != "1000" || rel.String() != "1" {
		t.Fatalf("unexpected default threshold %s %s %v", abs, rel, err)
	}
	pairs, err := cfg.DocumentPairs()
	if err != nil {
		t.Fatal(err)
	}
	want := models.DefaultDocumentPairs()
	if len(pairs) != len(want) {
		t.Fatalf("expected %d pairs, got %d", len(want), len(pairs))
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d: got %s want %s", i, pairs[i], want[i])
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/recon")
	t.Setenv("RECON_HEALTH_PENALTY", "2.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RECON_SESSION_TIMEOUT", "45s")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL != "postgres://u:p@db/recon" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if cfg.Health.Penalty != 2.5 {
		t.Fatalf("unexpected penalty %v", cfg.Health.Penalty)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Session.Timeout != 45*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Session.Timeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	body := []byte(`
matching:
  fuzzy_floor: 65
  pairs: ["BS:IS", "RR:IS"]
materiality:
  absolute: "250.50"
  relative_pct: "0.5"
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Matching.FuzzyFloor != 65 {
		t.Fatalf("unexpected fuzzy floor %v", cfg.Matching.FuzzyFloor)
	}
	pairs, _ := cfg.DocumentPairs()
	if len(pairs) != 2 || pairs[1].Source != models.RentRoll {
		t.Fatalf("unexpected pairs %v", pairs)
	}
	abs, _, _ := cfg.Materiality.Threshold()
	if abs.String() != "250.5" {
		t.Fatalf("unexpected absolute %s", abs)
	}
}

func TestValidateRejectsBadPairs(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"BS", "BS:XX", "IS:IS"} {
		cfg.Matching.Pairs = []string{bad}
		if err := cfg.Validate(); !recerr.Is(err, recerr.ErrInvalidInput) {
			t.Fatalf("pair %q: expected invalid input, got %v", bad, err)
		}
	}
}

func TestHTTPDefaults(t *testing.T) {
	t.Setenv("RECON_HTTP_CORS_ORIGINS", "https://review.example.com")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.ReadHeaderTimeout != 5*time.Second || cfg.HTTP.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected http timeouts %+v", cfg.HTTP)
	}
	if cfg.HTTP.CORSOrigins != "https://review.example.com" {
		t.Fatalf("unexpected cors origins %q", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.RunsPerMinute != 30 || !cfg.Strict {
		t.Fatalf("unexpected admission defaults: runs=%d strict=%v", cfg.HTTP.RunsPerMinute, cfg.Strict)
	}
}

func TestEnvironmentAlias(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected APP_ENV to set environment, got %q", cfg.Environment)
	}

	t.Setenv("RECON_HTTP_RUNS_PER_MINUTE", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected negative run cap rejected")
	}
}
