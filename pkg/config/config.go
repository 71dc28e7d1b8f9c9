// Package config loads reconciler settings from an optional YAML file and the
// environment. Every tuning knob has a default so an empty environment runs.
package config

import (
	"strings"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	Strict      bool            `mapstructure:"strict_security"`
	Addr        string          `mapstructure:"addr"`
	DatabaseURL string          `mapstructure:"database_url"`
	RedisAddr   string          `mapstructure:"redis_addr"`
	RedisPass   string          `mapstructure:"redis_password"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Log         LogConfig       `mapstructure:"log"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Matching    MatchingConfig  `mapstructure:"matching"`
	Detection   DetectionConfig `mapstructure:"detection"`
	Learning    LearningConfig  `mapstructure:"learning"`
	Health      HealthConfig    `mapstructure:"health"`
	Materiality DefaultsConfig  `mapstructure:"materiality"`
	Session     SessionConfig   `mapstructure:"session"`
}

type HTTPConfig struct {
	CORSOrigins       string        `mapstructure:"cors_origins"`
	WSOrigins         []string      `mapstructure:"ws_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	// RunsPerMinute caps run requests per property. Zero disables the cap.
	RunsPerMinute int `mapstructure:"runs_per_minute"`
}

// AuthConfig selects how bearer tokens are verified: off, hs256 or rs256.
type AuthConfig struct {
	Mode     string `mapstructure:"mode"`
	Secret   string `mapstructure:"secret"`
	JWKSURL  string `mapstructure:"jwks_url"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	EventsTopic  string   `mapstructure:"events_topic"`
	TriggerTopic string   `mapstructure:"trigger_topic"`
	GroupID      string   `mapstructure:"group_id"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type MatchingConfig struct {
	FuzzyFloor    float64  `mapstructure:"fuzzy_floor"`
	InferredFloor float64  `mapstructure:"inferred_floor"`
	Pairs         []string `mapstructure:"pairs"`
	Parallel      bool     `mapstructure:"parallel"`
}

type DetectionConfig struct {
	LowConfidence float64 `mapstructure:"low_confidence"`
}

type LearningConfig struct {
	MinMatches     int     `mapstructure:"min_matches"`
	MinSuccessRate float64 `mapstructure:"min_success_rate"`
	MaxRetries     int     `mapstructure:"max_retries"`
}

type HealthConfig struct {
	Penalty float64 `mapstructure:"penalty"`
}

// DefaultsConfig is the last-resort materiality threshold. Amounts stay
// strings here and are parsed into decimals by Threshold.
type DefaultsConfig struct {
	Absolute    string `mapstructure:"absolute"`
	RelativePct string `mapstructure:"relative_pct"`
	RiskClass   string `mapstructure:"risk_class"`
}

type SessionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "")
	v.SetDefault("strict_security", true)
	v.SetDefault("addr", ":8090")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("http.cors_origins", "")
	v.SetDefault("http.ws_origins", []string{})
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.runs_per_minute", 30)
	v.SetDefault("auth.mode", "off")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "reconciler")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.level", "info")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.events_topic", "reconciliation.events")
	v.SetDefault("kafka.trigger_topic", "line_items.ready")
	v.SetDefault("kafka.group_id", "reconciler")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "reconciler")
	v.SetDefault("matching.fuzzy_floor", 60.0)
	v.SetDefault("matching.inferred_floor", 80.0)
	v.SetDefault("matching.pairs", []string{"BS:IS", "IS:CF", "RR:IS", "MS:BS"})
	v.SetDefault("matching.parallel", true)
	v.SetDefault("detection.low_confidence", 70.0)
	v.SetDefault("learning.min_matches", 5)
	v.SetDefault("learning.min_success_rate", 80.0)
	v.SetDefault("learning.max_retries", 5)
	v.SetDefault("health.penalty", 5.0)
	v.SetDefault("materiality.absolute", "1000")
	v.SetDefault("materiality.relative_pct", "1.0")
	v.SetDefault("materiality.risk_class", "medium")
	v.SetDefault("session.timeout", 2*time.Minute)
	v.SetDefault("session.lock_ttl", 5*time.Minute)
}

// Load reads path (when non-empty) and overlays RECON_* variables. The
// unprefixed DATABASE_URL, REDIS_ADDR, ADDR and KAFKA_* names are honoured too.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range map[string]string{
		"environment":    "APP_ENV",
		"addr":           "ADDR",
		"database_url":   "DATABASE_URL",
		"redis_addr":     "REDIS_ADDR",
		"redis_password": "REDIS_PASSWORD",
		"kafka.enabled":  "KAFKA_ENABLED",
		"kafka.brokers":  "KAFKA_BROKERS",
		"kafka.group_id": "KAFKA_GROUP_ID",
	} {
		envKey := "RECON_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return Config{}, recerr.Wrap(err, "bind env")
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, recerr.Wrap(err, "read config file")
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, recerr.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if _, err := c.DocumentPairs(); err != nil {
		return err
	}
	if _, _, err := c.Materiality.Threshold(); err != nil {
		return err
	}
	if c.Learning.MaxRetries < 1 {
		return recerr.New(recerr.ErrInvalidInput, "learning.max_retries must be positive")
	}
	if c.HTTP.RunsPerMinute < 0 {
		return recerr.New(recerr.ErrInvalidInput, "http.runs_per_minute must not be negative")
	}
	if c.Health.Penalty < 0 {
		return recerr.New(recerr.ErrInvalidInput, "health.penalty must not be negative")
	}
	return nil
}

// DocumentPairs parses entries such as "BS:IS" into statement pairs.
func (c Config) DocumentPairs() ([]models.DocumentPair, error) {
	if len(c.Matching.Pairs) == 0 {
		return models.DefaultDocumentPairs(), nil
	}
	out := make([]models.DocumentPair, 0, len(c.Matching.Pairs))
	for _, raw := range c.Matching.Pairs {
		src, dst, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			return nil, recerr.New(recerr.ErrInvalidInput, "document pair %q: want SRC:DST", raw)
		}
		s, okS := models.DocumentTypeFromCode(src)
		d, okD := models.DocumentTypeFromCode(dst)
		if !okS || !okD || s == d {
			return nil, recerr.New(recerr.ErrInvalidInput, "document pair %q: unknown or identical statements", raw)
		}
		out = append(out, models.DocumentPair{Source: s, Target: d})
	}
	return out, nil
}

// Threshold returns the parsed default absolute and relative thresholds.
func (d DefaultsConfig) Threshold() (decimal.Decimal, decimal.Decimal, error) {
	abs, err := decimal.NewFromString(d.Absolute)
	if err != nil {
		return decimal.Zero, decimal.Zero, recerr.Mark(err, recerr.ErrInvalidInput, "materiality.absolute")
	}
	rel, err := decimal.NewFromString(d.RelativePct)
	if err != nil {
		return decimal.Zero, decimal.Zero, recerr.Mark(err, recerr.ErrInvalidInput, "materiality.relative_pct")
	}
	if abs.IsNegative() || rel.IsNegative() {
		return decimal.Zero, decimal.Zero, recerr.New(recerr.ErrInvalidInput, "default materiality must not be negative")
	}
	return abs, rel, nil
}
