// Command migrator applies the SQL files in the migrations directory in name
// order. Each file runs in its own transaction and is recorded in
// schema_migrations, so re-running only applies what is new.
package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"reims/pkg/config"
	"reims/pkg/logging"
	"reims/pkg/store"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var (
	exitFn     = os.Exit
	loadConfig = config.Load
	openDBFn   = func(ctx context.Context, cfg config.Config) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresOptions{DSN: cfg.DatabaseURL, ConnectRetries: 10})
	}
)

func main() {
	if err := run(context.Background(), os.Getenv("RECON_CONFIG"), migrationsDir()); err != nil {
		exitFn(1)
	}
}

func migrationsDir() string {
	if dir := strings.TrimSpace(os.Getenv("RECON_MIGRATIONS_DIR")); dir != "" {
		return dir
	}
	return "migrations"
}

func run(ctx context.Context, configPath, dir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		zap.L().Error("config", zap.Error(err))
		return err
	}
	log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	pool, err := openDBFn(ctx, cfg)
	if err != nil {
		log.Error("connect database", zap.Error(err))
		return err
	}
	defer pool.Close()

	applied, err := runMigrations(ctx, pool, dir, nil, nil, log)
	if err != nil {
		log.Error("migration failed", zap.Error(err))
		return err
	}
	log.Info("migrations complete", zap.String("dir", dir), zap.Int("applied", applied))
	return nil
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", errors.Newf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// runMigrations returns the number of files applied in this call.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	log *zap.Logger,
) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	log = logging.OrNop(log)

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, errors.Wrap(err, "create schema_migrations")
	}

	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return 0, errors.Wrap(err, "glob migrations")
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		cleanFile, err := validateMigrationPath(migrationsDir, file)
		if err != nil {
			return applied, err
		}
		name := filepath.Base(cleanFile)
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return applied, errors.Wrapf(err, "lookup %s", name)
		}
		if exists {
			log.Debug("migration already applied", zap.String("file", name))
			continue
		}
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return applied, errors.Wrapf(err, "read %s", name)
		}
		if err := apply(ctx, db, name, string(sqlBytes)); err != nil {
			return applied, err
		}
		applied++
		log.Info("applied migration", zap.String("file", name))
	}
	return applied, nil
}

func apply(ctx context.Context, db migrationDB, name, sql string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return errors.Wrapf(err, "begin %s", name)
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return errors.Wrapf(err, "apply %s", name)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return errors.Wrapf(err, "mark %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit %s", name)
	}
	return nil
}
