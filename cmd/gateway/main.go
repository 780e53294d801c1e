// Command gateway is the AI Orchestration Gateway process entrypoint.
//
// It wires config → store → codec → registry → router → ledger → quota →
// cache → facade → health, then serves the ops HTTP surface (/healthz,
// /readyz, /metrics) on the configured port. There is no request-routing layer here:
// the core's single operation is internal/orchestrator.Facade.Generate,
// called directly by an embedding application.
//
// Quick-start (in-memory cache, sqlite, no Redis required):
//
//	ENCRYPTION_SECRET=dev-secret PROVIDER_DEFAULT_API_KEY=... ./gateway
//
// See config.example.yaml for all available configuration variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/credcodec"
	"github.com/nulpointcorp/ai-gateway/internal/health"
	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/logging"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/orchestrator"
	"github.com/nulpointcorp/ai-gateway/internal/quota"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/router"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// defaultPricing is the static pricing table (spec.md §3's "static
// configuration"), keyed by tier. Operators running this in anger should
// replace it with a table sourced from their own billing data; this set
// only needs to keep Router.New's per-tier coverage invariant satisfied.
var defaultPricing = []router.PricingRow{
	{ModelID: "gpt-4o-mini", Tier: router.FastTier, Priority: 10, Enabled: true, InputCostMicroPerTok: 150, OutputCostMicroPerTok: 600},
	{ModelID: "claude-3-5-haiku-20241022", Tier: router.FastTier, Priority: 5, Enabled: true, InputCostMicroPerTok: 800, OutputCostMicroPerTok: 4000},
	{ModelID: "gemini-2.0-flash", Tier: router.FastTier, Priority: 1, Enabled: true, InputCostMicroPerTok: 100, OutputCostMicroPerTok: 400},
	{ModelID: "gpt-4o", Tier: router.QualityTier, Priority: 10, Enabled: true, InputCostMicroPerTok: 2500, OutputCostMicroPerTok: 10000},
	{ModelID: "claude-sonnet-4-5", Tier: router.QualityTier, Priority: 5, Enabled: true, InputCostMicroPerTok: 3000, OutputCostMicroPerTok: 15000},
}

// defaultPolicy is the static quota policy table (spec.md §3).
var defaultPolicy = quota.PolicyTable{
	router.PlanFreemium:   {DailyTokenLimit: 50_000, MonthlyTokenLimit: 500_000, HourlyCallLimit: 20},
	router.PlanPaygo:      {DailyTokenLimit: 2_000_000, MonthlyTokenLimit: 40_000_000, HourlyCallLimit: 600},
	router.PlanProMonthly: {DailyTokenLimit: 1_000_000, MonthlyTokenLimit: 20_000_000, HourlyCallLimit: 300},
	router.PlanProAnnual:  {DailyTokenLimit: 1_000_000, MonthlyTokenLimit: 20_000_000, HourlyCallLimit: 300},
}

var (
	errRedisRequired    = errors.New("main: CACHE_MODE=redis requires REDIS_URL")
	errUnknownCacheMode = errors.New("main: unknown cache mode")
)

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error if required vars are missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// gateway bundles every wired component an embedding application needs:
// Facade.Generate is the core operation, the rest exist to serve the ops
// HTTP surface and clean shutdown.
type gateway struct {
	facade  *orchestrator.Facade
	checker *health.Checker
	metrics *metrics.Registry
	ledger  *ledger.Ledger
	redis   *redis.Client
}

func (g *gateway) Close() {
	g.checker.Close()
	if err := g.ledger.Close(); err != nil {
		slog.Error("ledger_close_failed", slog.String("error", err.Error()))
	}
	if g.redis != nil {
		_ = g.redis.Close()
	}
}

// run performs the staged wiring and blocks serving the ops HTTP surface
// until ctx is cancelled.
//
//  1. store: open the database connection, auto-migrate.
//  2. credcodec: the AES-256-GCM codec over provider credentials at rest.
//  3. registry: the Provider Registry, seeded with the env fallback.
//  4. router: the Model Router over the static pricing table.
//  5. ledger: the Usage Ledger, optionally mirrored to ClickHouse.
//  6. quota: the Quota Manager over the ledger and (optional) Redis.
//  7. cache: the Cache Layer over the selected backend.
//  8. orchestrator: the Facade tying 3–7 together around one generate() call.
//  9. health: background readiness probes over the registry/db/redis.
//  10. ops listener: /healthz, /readyz and /metrics.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	g, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	return serveOps(ctx, cfg.Port, g, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}

	codec, err := credcodec.New(cfg.Encryption.Secret)
	if err != nil {
		return nil, err
	}

	reg := registry.New(db, codec, registry.EnvFallback{
		APIKey:       cfg.ProviderEnvFallback.APIKey,
		ModelFast:    cfg.ProviderEnvFallback.ModelFast,
		ModelQuality: cfg.ProviderEnvFallback.ModelQuality,
	})

	rtr, err := router.New(defaultPricing, func(plan router.Plan, task router.Task) {
		logger.Warn("router_fallback_to_fast_tier", slog.String("plan", string(plan)), slog.String("task", string(task)))
	})
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = newRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if cfg.LedgerAnalyticsDSN != "" {
		sink, err := ledger.NewClickHouseSink(ctx, cfg.LedgerAnalyticsDSN)
		if err != nil {
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithAnalyticsSink(sink))
	}
	led, err := ledger.New(ctx, db, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	q := quota.New(led, rdb, defaultPolicy)

	backend, err := newCacheBackend(ctx, cfg.Cache, rdb)
	if err != nil {
		return nil, err
	}
	exclusions, err := cache.NewExclusionList(cfg.Cache.ExcludeExact, cfg.Cache.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	scoped := cache.NewScopedStore(backend, db, exclusions, router.PlanFreemium)

	cb := orchestrator.NewCircuitBreakerWithConfig(cfg.CircuitBreaker.ErrorThreshold, cfg.CircuitBreaker.TimeWindow, cfg.CircuitBreaker.HalfOpenTimeout)
	met := metrics.New()
	met.SetBuildInfo(version)

	facade := orchestrator.New(reg, rtr, q, scoped, led,
		orchestrator.WithTimeout(cfg.Orchestrator.ProviderTimeout),
		orchestrator.WithCredentialTimeout(cfg.Orchestrator.CredentialTimeout),
		orchestrator.WithMaxAttempts(cfg.Orchestrator.MaxAttempts),
		orchestrator.WithCircuitBreaker(cb),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(met),
	)

	checker := health.New(ctx, reg, orchestrator.DefaultAdapterFactory, db, rdb, met)

	return &gateway{facade: facade, checker: checker, metrics: met, ledger: led, redis: rdb}, nil
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return cli, nil
}

func newCacheBackend(ctx context.Context, cfg config.CacheConfig, rdb *redis.Client) (cache.Cache, error) {
	switch cfg.Mode {
	case "redis":
		if rdb == nil {
			return nil, errRedisRequired
		}
		return cache.NewExactCacheFromClient(rdb), nil
	case "memory":
		return cache.NewMemoryCache(ctx), nil
	case "none":
		return cache.NopCache{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCacheMode, cfg.Mode)
	}
}

// serveOps runs the ops HTTP listener (/healthz, /readyz, /metrics) until ctx is
// cancelled, then shuts it down gracefully.
func serveOps(ctx context.Context, port int, g *gateway, logger *slog.Logger) error {
	metricsHandler := g.metrics.Handler()

	srv := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			switch string(rc.Path()) {
			case "/healthz":
				handleHealthz(rc, g.checker)
			case "/readyz":
				handleReadyz(rc, g.checker)
			case "/metrics":
				metricsHandler(rc)
			default:
				rc.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", port)
		logger.Info("ops_listener_started", slog.String("addr", addr))
		errCh <- srv.ListenAndServe(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.ShutdownWithContext(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func handleHealthz(rc *fasthttp.RequestCtx, checker *health.Checker) {
	snap := checker.Snapshot()
	rc.SetContentType("application/json")
	if snap.Status != "ok" {
		rc.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(rc).Encode(snap)
}

func handleReadyz(rc *fasthttp.RequestCtx, checker *health.Checker) {
	if checker.ReadinessOK() {
		rc.SetStatusCode(fasthttp.StatusOK)
		return
	}
	rc.SetStatusCode(fasthttp.StatusServiceUnavailable)
}
