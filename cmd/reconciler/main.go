// Command reconciler serves the reconciliation API. With Kafka enabled it
// also runs a session for every line-items-ready trigger and exports
// lifecycle events.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reims/pkg/auth"
	"reims/pkg/config"
	"reims/pkg/events"
	"reims/pkg/hardening"
	"reims/pkg/learning"
	"reims/pkg/logging"
	"reims/pkg/metrics"
	"reims/pkg/ratelimit"
	"reims/pkg/session"
	"reims/pkg/store"
	"reims/pkg/stream"
	"reims/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type dbCloser interface {
	store.DB
	Close()
}

type (
	initTelemetryFunc func(ctx context.Context, opts telemetry.Options, log *zap.Logger) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context, cfg config.Config) (dbCloser, error)
	openRedisFunc     func(ctx context.Context, addr, password string) (*redis.Client, error)
	listenFunc        func(server *http.Server) error
)

// deps are the process boundaries run reaches through; tests replace them.
type deps struct {
	initTelemetry initTelemetryFunc
	openDB        openDBFunc
	openRedis     openRedisFunc
	listen        listenFunc
}

var (
	exitFn      = os.Exit
	defaultDeps = deps{
		initTelemetry: telemetry.Init,
		openDB: func(ctx context.Context, cfg config.Config) (dbCloser, error) {
			return store.NewPostgresPool(ctx, store.PostgresOptions{DSN: cfg.DatabaseURL})
		},
		openRedis: store.NewRedis,
		listen:    func(server *http.Server) error { return server.ListenAndServe() },
	}
)

func main() {
	cfg, err := config.Load(os.Getenv("RECON_CONFIG"))
	if err != nil {
		zap.NewExample().Error("config", zap.Error(err))
		exitFn(1)
		return
	}
	log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		exitFn(1)
		return
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log, defaultDeps); err != nil {
		log.Error("reconciler stopped", zap.Error(err))
		exitFn(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger, d deps) error {
	if err := hardening.ValidateProduction(hardening.FromConfig("reconciler", cfg)); err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Secret:   cfg.Auth.Secret,
		JWKSURL:  cfg.Auth.JWKSURL,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}
	telOpts := telemetry.OptionsFromEnv(cfg.Telemetry.ServiceName)
	if !cfg.Telemetry.Enabled {
		telOpts.Endpoint = ""
	}
	shutdownTel, err := d.initTelemetry(ctx, telOpts, log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTel(context.WithoutCancel(ctx)) }()

	pool, err := d.openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	rc, err := d.openRedis(ctx, cfg.RedisAddr, cfg.RedisPass)
	if err != nil {
		log.Warn("redis unavailable, run locks are process-local", zap.Error(err))
		rc = nil
	}
	if rc != nil {
		defer rc.Close()
	}

	tuning, err := session.FromSettings(cfg)
	if err != nil {
		return err
	}
	repo := store.NewPostgres(pool)
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	pubs := []events.Publisher{hub}
	if cfg.Kafka.Enabled {
		producer, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.EventsTopic})
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		pubs = append(pubs, producer)
	}

	orch := session.New(repo, tuning.Session,
		session.WithLocker(store.NewLocker(ctx, rc)),
		session.WithPublisher(events.NewFanout(log, pubs...)),
		session.WithMetrics(reg),
		session.WithHealth(tuning.Health),
		session.WithLearner(learning.New(repo, tuning.Learning, learning.WithLogger(log))),
		session.WithLogger(log))

	if cfg.Kafka.Enabled {
		consumer, err := events.NewTriggerConsumer(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TriggerTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
		go consumeTriggers(ctx, consumer, orch, log, time.Second)
	}

	srv := &Server{
		Recon:       orch,
		Hub:         hub,
		Metrics:     reg,
		Log:         log,
		ServiceName: cfg.Telemetry.ServiceName,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		WSOrigins:   cfg.HTTP.WSOrigins,

		Limiter:       ratelimit.New(rc, time.Minute, log),
		RunsPerMinute: cfg.HTTP.RunsPerMinute,
		Auth:          verifier,
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	return serve(ctx, server, d.listen, cfg.HTTP.ShutdownTimeout, log)
}

// serve blocks until the listener fails or ctx ends, then drains in-flight
// requests for up to grace.
func serve(ctx context.Context, server *http.Server, listen listenFunc, grace time.Duration, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	log.Info("reconciler listening", zap.String("addr", server.Addr))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	log.Info("shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
