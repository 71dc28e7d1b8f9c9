package store

import (
	"context"
	"net/url"
	"strings"
	"time"

	"reims/pkg/recerr"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	DSN            string
	RequireTLS     bool
	MaxConns       int32
	ConnectRetries int
	RetryDelay     time.Duration
	PingTimeout    time.Duration
}

const defaultPostgresURL = "postgres://reconciler@localhost:5432/reconciler?sslmode=disable"

// NewPostgresPool connects with retries so the reconciler can start before
// the database is ready.
func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		dsn = defaultPostgresURL
	}
	if opts.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrInvalidInput, "parse database url")
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	retries := opts.ConnectRetries
	if retries <= 0 {
		retries = 30
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(delay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(delay)
	}
	return nil, recerr.Mark(lastErr, recerr.ErrPersistence, "db ping retries exhausted")
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return recerr.Mark(err, recerr.ErrInvalidInput, "invalid database url")
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return errors.Newf("database TLS required but sslmode=%q is insecure", sslmode)
	default:
		return errors.New("database TLS required: set sslmode=require|verify-ca|verify-full")
	}
}
