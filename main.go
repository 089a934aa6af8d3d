package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/berserk3142-max/fraud-risk-engine/blocklist"
	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/config"
	"github.com/berserk3142-max/fraud-risk-engine/database"
	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/eventstore"
	"github.com/berserk3142-max/fraud-risk-engine/handlers"
	"github.com/berserk3142-max/fraud-risk-engine/indicators"
	"github.com/berserk3142-max/fraud-risk-engine/insights"
	"github.com/berserk3142-max/fraud-risk-engine/kafka"
	"github.com/berserk3142-max/fraud-risk-engine/logging"
	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/middleware"
	"github.com/berserk3142-max/fraud-risk-engine/proxy"
	"github.com/berserk3142-max/fraud-risk-engine/ratelimiter"
	"github.com/berserk3142-max/fraud-risk-engine/repository"
	"github.com/berserk3142-max/fraud-risk-engine/scoring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy := cfg.Policy
	clk := clock.Real{}
	checks := map[string]handlers.Pinger{}

	var (
		counters  ratelimiter.Backend
		events    eventstore.Store
		memCounts *ratelimiter.MemoryBackend
	)
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rb := ratelimiter.NewRedisBackend(client)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout)
		if err := rb.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, actions fall back to their fail policy", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		defer rb.Close()
		counters = rb
		events = eventstore.NewRedisStore(client, cfg.EventRetention)
		checks["redis"] = rb
	default:
		memCounts = ratelimiter.NewMemoryBackend()
		counters = memCounts
		events = eventstore.NewMemoryStore()
		logger.Warn("using in-memory counters; limits are per process")
	}

	blockOpts := []blocklist.Option{
		blocklist.WithClock(clk),
		blocklist.WithDedupWindow(policy.Engine.BlockDedupWindow),
		blocklist.WithTimeout(cfg.BackendTimeout),
		blocklist.WithLogger(logger),
	}
	var (
		archive     engine.Archive
		archiveRepo *repository.ArchiveRepository
	)
	if cfg.PostgresDSN != "" {
		db, err := database.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Warn("postgres unavailable, running without durable storage", "error", err)
		} else {
			defer db.Close()
			if err := db.InitSchema(ctx); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
			blockOpts = append(blockOpts, blocklist.WithStore(repository.NewBlockedEntityRepository(db.Conn())))
			archiveRepo = repository.NewArchiveRepository(db.Conn())
			archive = archiveRepo
			checks["postgres"] = db
			logger.Info("connected to postgres")
		}
	}

	blocks := blocklist.New(blockOpts...)
	if n, err := blocks.Load(ctx); err != nil {
		logger.Warn("could not load blocklist", "error", err)
	} else {
		logger.Info("blocklist loaded", "entities", n)
	}

	extractors, err := indicators.NewDefaultRegistry(policy.Indicators, logger)
	if err != nil {
		return fmt.Errorf("indicators: %w", err)
	}
	scorer, err := scoring.New(policy.Scoring)
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}

	recorder := insights.NewRecorder(0, 0, 0)
	var source insights.Source = recorder
	if archiveRepo != nil {
		source = archiveRepo
	}
	agg := insights.NewAggregator(source, blocks, policy.InsightsConfig())
	cache := insights.NewCache(agg, clk, cfg.InsightsDays, logger)

	var publisher engine.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer
	}

	eng, err := engine.New(policy.EngineConfig(cfg.BackendTimeout), engine.Deps{
		Events:     events,
		RateLimits: counters,
		Blocklist:  blocks,
		Extractors: extractors,
		Lookback:   policy.Indicators.Lookback(),
		Scorer:     scorer,
		Actions:    policy.ActionTable(),
		Insights:   cache,
		Journal:    recorder,
		Archive:    archive,
		Publisher:  publisher,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	api := handlers.New(eng, logger)
	for name, p := range checks {
		api.WithCheck(name, p)
	}
	if archiveRepo != nil {
		api.WithHistory(archiveRepo)
	}

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaReportsTopic, cfg.KafkaGroupID, eng, logger)
		consumer.Start(ctx)
		defer consumer.Close()
	}

	handler, err := routes(cfg, api, eng, logger)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting fraud risk engine", "port", cfg.ServerPort, "backend", cfg.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		blocks.SweepLoop(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		cache.RefreshLoop(gctx, cfg.InsightsRefresh)
		return nil
	})
	g.Go(func() error {
		maintain(gctx, cfg, clk, events, memCounts, recorder, archiveRepo, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if cerr := eng.Close(shutdownCtx); cerr != nil {
			logger.Warn("side effects not drained", "error", cerr)
		}
		return err
	})
	return g.Wait()
}

func routes(cfg *config.Config, api *handlers.Handler, eng *engine.Engine, logger *slog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()
	auth := middleware.NewAuthMiddleware(cfg.JWTSecret)
	api.Register(mux, auth.RequireAdmin, auth.RequireService)
	mux.Handle("GET /metrics", metrics.Handler())

	var upstream http.Handler = http.HandlerFunc(proxy.Unavailable)
	if cfg.BackendURL != "" {
		rp, err := proxy.NewReverseProxy(cfg.BackendURL, logger)
		if err != nil {
			logger.Warn("reverse proxy disabled", "backend_url", cfg.BackendURL, "error", err)
		} else {
			upstream = rp
		}
	}
	guardRoutes := make([]middleware.Route, 0, len(cfg.Policy.Guard))
	for _, r := range cfg.Policy.Guard {
		guardRoutes = append(guardRoutes, middleware.Route{Prefix: r.Prefix, Action: r.Action})
	}
	guard := middleware.NewGuard(eng, guardRoutes)
	mux.Handle("/api/", middleware.Fingerprint(guard.Protect(upstream)))

	clientIP, err := middleware.NewIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	var handler http.Handler = mux
	handler = middleware.CORS(cfg.AllowedOrigins)(handler)
	handler = middleware.SecureHeaders(handler)
	handler = middleware.NewLoggingMiddleware(logger).Log(handler)
	handler = clientIP.Middleware(handler)
	return handler, nil
}

// maintain evicts expired history on the sweep interval: in-process event
// history and counters, and archived action events past their retention.
// With an archive it also flushes rate limit check counts, once more on
// the way out.
func maintain(ctx context.Context, cfg *config.Config, clk clock.Clock, events eventstore.Store,
	counters *ratelimiter.MemoryBackend, recorder *insights.Recorder, archive *repository.ArchiveRepository, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if archive == nil {
			return
		}
		if _, err := insights.FlushChecks(ctx, recorder, archive); err != nil {
			logger.Warn("rate limit check flush failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.BackendTimeout)
			flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
		}

		now := clk.Now()
		if n, err := events.Evict(ctx, now.Add(-cfg.EventRetention)); err != nil {
			logger.Warn("event eviction failed", "error", err)
		} else if n > 0 {
			logger.Debug("evicted events", "count", n)
		}
		if counters != nil {
			if n := counters.Sweep(now); n > 0 {
				logger.Debug("swept rate limit windows", "count", n)
			}
		}
		if archive != nil {
			if n, err := archive.PurgeActionEvents(ctx, now.Add(-cfg.ArchiveRetention)); err != nil {
				logger.Warn("archive purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged archived action events", "count", n)
			}
		}
		flush(ctx)
	}
}
