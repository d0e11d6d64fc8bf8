package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/garnizeh/bountycast/api"
	dbfs "github.com/garnizeh/bountycast/db"
	"github.com/garnizeh/bountycast/internal/bounty"
	"github.com/garnizeh/bountycast/internal/config"
	"github.com/garnizeh/bountycast/internal/db"
	"github.com/garnizeh/bountycast/internal/eligibility"
	"github.com/garnizeh/bountycast/internal/jobs"
	"github.com/garnizeh/bountycast/internal/metrics"
	"github.com/garnizeh/bountycast/internal/notify"
	"github.com/garnizeh/bountycast/internal/ratelimit"
	"github.com/garnizeh/bountycast/internal/repository/sqlstore"
	"github.com/garnizeh/bountycast/internal/settlement"
	"github.com/garnizeh/bountycast/pkg/farcaster"
	"github.com/garnizeh/bountycast/pkg/ledger"
	"github.com/garnizeh/bountycast/pkg/neynar"
)

// app holds everything the commands share. Fields are nil when the
// configuration leaves the matching component disabled.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *db.DB
	store   *sqlstore.Store
	metrics *metrics.Metrics
	neynar  *neynar.Client
	ledger  *ledger.Client
	queue   *jobs.Repository
	notify  *notify.Dispatcher
	engine  *settlement.Engine

	closers []func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openDB connects to the configured database and, when migrate is set,
// brings the schema up to date.
func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*db.DB, error) {
	conn, err := db.New(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if migrate {
		if err := db.Migrate(ctx, conn, dbfs.Migrations); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return conn, nil
}

// newApp wires the store, clients and settlement engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	api.SetLogger(logger)
	bounty.SetLogger(logger)
	settlement.SetLogger(logger)
	notify.SetLogger(logger)
	eligibility.SetLogger(logger)
	neynar.SetLogger(logger)
	ledger.SetLogger(logger)

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	a.db, err = openDB(ctx, cfg, logger, cfg.Database.MigrateOnStart)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.db.Close(); err != nil {
			logger.Error("close database", slog.Any("err", err))
		}
	})
	a.metrics.RegisterDB(a.db.GetConn(), "bountycast")
	a.store = sqlstore.New(a.db, logger)
	a.queue = jobs.NewRepository(a.db)

	a.neynar, err = neynar.NewDefaultClient(cfg.Eligibility)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("neynar client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.neynar.Close() })
	if !a.neynar.HasAPIKey() {
		logger.Warn("neynar api key missing; eligibility checks fail open and profiles are omitted")
	}

	if cfg.Ledger.Enabled() {
		a.ledger, err = ledger.Dial(ctx, cfg.Ledger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ledger: %w", err)
		}
		a.closers = append(a.closers, a.ledger.Close)
	} else {
		logger.Warn("ledger not configured; awards stay pending until it is")
	}

	a.notify = notify.New(a.store, cfg.Server.PublicURL,
		notify.WithQueue(a.queue),
		notify.WithRecorder(a.metrics),
		notify.WithHTTPClient(&http.Client{Timeout: cfg.Notifications.PushTimeout}),
		notify.WithURLPolicy(a.tokenPolicy()),
	)

	opts := []settlement.Option{
		settlement.WithNotifier(a.notify),
		settlement.WithQueue(a.queue),
		settlement.WithRecorder(a.metrics),
	}
	if a.ledger != nil {
		opts = append(opts, settlement.WithLedger(a.ledger))
	}
	a.engine = settlement.New(a.store, settlement.Config{
		LeaseDuration:  cfg.Settlement.LeaseDuration,
		LazyBudget:     cfg.Settlement.LazyBudget,
		BatchSize:      cfg.Settlement.BatchSize,
		JobMaxAttempts: cfg.Settlement.JobMaxAttempts,
		DropAfter:      cfg.Settlement.DropAfter,
	}, opts...)
	return a, nil
}

// limiter builds the configured rate limit backend. The returned stop
// function releases it.
func (a *app) limiter(ctx context.Context) (ratelimit.Limiter, func(), error) {
	if a.cfg.RateLimit.Backend == "redis" {
		client, err := ratelimit.NewRedisClient(a.cfg.RateLimit.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return ratelimit.NewRedis(client), func() { closeRedis(a.logger, client) }, nil
	}
	mem := ratelimit.NewMemory(a.cfg.RateLimit.CleanupInterval, a.logger)
	mem.Start(ctx)
	return mem, mem.Stop, nil
}

func closeRedis(logger *slog.Logger, c *redis.Client) {
	if err := c.Close(); err != nil {
		logger.Error("close redis", slog.Any("err", err))
	}
}

// service builds the bounty use cases on top of the app.
func (a *app) service(limiter ratelimit.Limiter) *bounty.Service {
	var source eligibility.Source
	if a.neynar.HasAPIKey() {
		source = eligibility.NeynarSource{Client: a.neynar}
	}
	gate := eligibility.New(source, a.cfg.Eligibility.MinScore, a.metrics)

	opts := []bounty.Option{
		bounty.WithGate(gate),
		bounty.WithSettler(a.engine),
		bounty.WithNotifier(a.notify),
		bounty.WithRateLimit(limiter, bounty.RulesFrom(a.cfg.RateLimit)),
		bounty.WithRateRecorder(a.metrics),
		bounty.WithTokenPolicy(a.tokenPolicy()),
	}
	if a.neynar.HasAPIKey() {
		opts = append(opts, bounty.WithProfiles(a.neynar))
	}
	return bounty.New(a.store, a.cfg.Bounty, opts...)
}

func (a *app) tokenPolicy() notify.URLPolicy {
	return notify.URLPolicy{Hosts: a.cfg.Notifications.AllowedHosts}
}

func (a *app) webhookParser() (*farcaster.Parser, error) {
	var verify farcaster.AppKeyVerifier
	if a.neynar.HasAPIKey() {
		verify = a.neynar.VerifyAppKey
	}
	return farcaster.NewParser(verify)
}

// workers runs settlement and push jobs from the queue.
func (a *app) workers() *jobs.WorkerPool {
	handlers := map[string]jobs.Handler{
		jobs.TypeSettlementAward: a.engine.HandleAwardJob,
		jobs.TypeNotifyPush:      a.notify.HandlePush,
	}
	return jobs.NewWorkerPool(a.queue, handlers, a.logger, a.cfg.Settlement.Workers,
		jobs.WithPollInterval(a.cfg.Settlement.JobPollInterval),
		jobs.WithObserver(a.metrics),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
