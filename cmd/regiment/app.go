package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/EdwinShiels/TheRegiment/pkg/aggregate"
	"github.com/EdwinShiels/TheRegiment/pkg/alert"
	"github.com/EdwinShiels/TheRegiment/pkg/archive"
	"github.com/EdwinShiels/TheRegiment/pkg/config"
	"github.com/EdwinShiels/TheRegiment/pkg/delivery"
	"github.com/EdwinShiels/TheRegiment/pkg/observability"
	"github.com/EdwinShiels/TheRegiment/pkg/retry"
	"github.com/EdwinShiels/TheRegiment/pkg/scheduler"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
	"github.com/EdwinShiels/TheRegiment/pkg/store/ledger"
	"github.com/EdwinShiels/TheRegiment/pkg/transport"
)

// app is the wired process. Every command builds one and closes it.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	store      *store.SQLStore
	ledger     *ledger.SQLLedger
	redis      *redis.Client
	receiver   transport.Receiver
	alerts     alert.Sink
	telemetry  *observability.Provider
	queue      *retry.Queue
	registry   *delivery.Registry
	dispatcher *scheduler.Dispatcher
	aggregator *aggregate.Engine
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// openDB selects lite mode (SQLite under the data dir) or Postgres.
func openDB(cfg *config.Config) (*sql.DB, store.Dialect, error) {
	if !cfg.LiteMode() {
		log.Printf("[regiment] server mode: using postgres")
		db, err := store.Open(store.Postgres, cfg.DatabaseURL)
		return db, store.Postgres, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, store.SQLite, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "regiment.db")
	log.Printf("[regiment] lite mode: using sqlite at %s", dbPath)
	db, err := store.Open(store.SQLite, dbPath)
	return db, store.SQLite, err
}

// openStorage opens the database and ensures both schemas exist.
func openStorage(ctx context.Context, cfg *config.Config) (*sql.DB, *store.SQLStore, *ledger.SQLLedger, error) {
	db, dialect, err := openDB(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.NewSQLStore(db, dialect)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init store: %w", err)
	}
	led := ledger.NewSQLLedger(db, dialect)
	if err := led.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init ledger: %w", err)
	}
	return db, st, led, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	var err error

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceName = cfg.ServiceName
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	if a.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if a.db, a.store, a.ledger, err = openStorage(ctx, cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}

	templates, err := config.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var sender transport.Sender
	var limiter transport.Limiter
	sinks := alert.Fanout{alert.NewLogSink()}
	if cfg.RedisAddr != "" {
		a.redis = transport.NewRedisClient(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		host, _ := os.Hostname()
		rt := transport.NewRedisTransport(a.redis, "regiment-"+host)
		sender, a.receiver = rt, rt
		limiter = transport.NewRedisLimiter(a.redis, "regiment:send", cfg.SendRate, cfg.SendBurst)
		sinks = append(sinks, alert.NewRedisSink(a.redis))
		log.Printf("[regiment] transport: redis streams at %s", cfg.RedisAddr)
	} else {
		sender = transport.NewLogTransport()
		limiter = transport.NewLocalLimiter(cfg.SendRate, cfg.SendBurst)
		log.Printf("[regiment] transport: log only (REDIS_ADDR not set)")
	}
	a.alerts = sinks

	policy := retry.DefaultSendPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	a.queue = retry.NewQueue(transport.NewLimited(sender, limiter), a.ledger, a.alerts, retry.Options{
		Policy:      policy,
		SendTimeout: cfg.SendTimeout,
		Lease:       cfg.LedgerLease,
		Concurrency: cfg.Concurrency,
		Telemetry:   a.telemetry,
	})

	a.registry, err = delivery.Build(templates, delivery.Deps{
		Store:     a.store,
		Ledger:    a.ledger,
		Queue:     a.queue,
		Alerts:    a.alerts,
		Telemetry: a.telemetry,
		Lease:     cfg.LedgerLease,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.dispatcher = scheduler.NewDispatcher(a.store, a.registry.All(), scheduler.Options{
		Concurrency: cfg.Concurrency,
		Telemetry:   a.telemetry,
	})

	var archiver aggregate.Archiver
	if cfg.ArchiveURL != "" {
		arc, err := archive.Open(ctx, cfg.ArchiveURL)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		archiver = arc
		log.Printf("[regiment] archive: %s", cfg.ArchiveURL)
	}
	a.aggregator = aggregate.NewEngine(a.store, a.ledger, a.alerts, aggregate.Options{
		Ladder:      aggregate.DefaultLadder(cfg.PublicCallouts),
		Archiver:    archiver,
		Concurrency: cfg.Concurrency,
		Lease:       cfg.LedgerLease,
		Telemetry:   a.telemetry,
	})
	return a, nil
}

// Close releases everything newApp opened. It is safe on a partial app.
func (a *app) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		log.Printf("[regiment] shutdown: %v", err)
	}
}
