package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	cfg "github.com/snplmntn/skeptek-sub000/internal/config"
	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/health"
	"github.com/snplmntn/skeptek-sub000/internal/httpapi"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	_ "github.com/snplmntn/skeptek-sub000/internal/metrics" // Import for side effects
	"github.com/snplmntn/skeptek-sub000/internal/orchestrator"
	"github.com/snplmntn/skeptek-sub000/internal/ratecontrol"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/scouts"
	"github.com/snplmntn/skeptek-sub000/internal/streaming"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

func main() {
	// Create a root context for background services
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	conf, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(conf)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Configuration loaded",
		zap.String("path", conf.Path()),
		zap.String("environment", conf.Environment),
		zap.String("database_driver", conf.Database.Driver),
		zap.Bool("redis_enabled", conf.Redis.Enabled),
		zap.Bool("backend_enabled", conf.Backend.Enabled),
	)

	shutdownTracing, err := tracing.Initialize(conf.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health manager and admin endpoints come up first so probes answer
	// while the rest of the service is still starting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	hm.RegisterChecker(health.NewBreakerChecker(circuitbreaker.GlobalMetricsCollector))
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("GET /metrics", promhttp.Handler())
	var adminServer *http.Server
	if conf.Metrics.Enabled {
		adminServer = &http.Server{
			Addr:         ":" + strconv.Itoa(conf.Metrics.Port),
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("Admin HTTP server listening", zap.Int("port", conf.Metrics.Port))
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin HTTP server failed", zap.Error(err))
			}
		}()
	}

	// Initialize database client
	dbClient, err := db.NewClient(ctx, &db.Config{
		Driver:          conf.Database.Driver,
		DSN:             conf.Database.DSN(),
		MaxConnections:  conf.Database.MaxConnections,
		IdleConnections: conf.Database.IdleConnections,
		MaxLifetime:     conf.Database.MaxLifetime,
		QueueSize:       conf.Database.WriteQueueSize,
		Workers:         conf.Database.WriteWorkers,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	hm.RegisterChecker(health.NewDatabaseChecker(dbClient.Wrapper(), true))

	// Redis is the optional front tier of the result cache and the rate
	// limiter's counter store.
	var redisWrapper *circuitbreaker.RedisWrapper
	if conf.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		redisWrapper = circuitbreaker.NewRedisWrapper(rdb, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisWrapper.Ping(pingCtx); err != nil {
			logger.Warn("Redis unreachable at startup; cache front tier and rate limiting degrade", zap.Error(err))
		}
		cancel()
		hm.RegisterChecker(health.NewRedisChecker(redisWrapper))
	}

	var cacheOpts []cache.Option
	if redisWrapper != nil {
		cacheOpts = append(cacheOpts, cache.WithFront(redisWrapper, conf.Redis.KeyPrefix))
	}
	resultCache := cache.New(dbClient, logger, cacheOpts...)

	backendClient := backend.FromConfig(conf.Backend, conf.Retry, logger)
	if backendClient != nil {
		hm.RegisterChecker(health.NewPingChecker("backend", "Scraper backend", backendClient, false))
	}

	model, err := llm.NewGenAI(ctx, conf.Model, logger)
	if err != nil {
		logger.Fatal("Failed to initialize model client", zap.Error(err))
	}

	hostLimiter := ratecontrol.NewHostLimiter(ratecontrol.Limit{RPS: conf.Verifier.HostRPS, Burst: conf.Verifier.HostBurst})
	verifierOpts := verifier.Options{
		Timeout:   conf.Verifier.Timeout,
		BatchSize: conf.Verifier.BatchSize,
		Limiter:   hostLimiter,
	}
	if backendClient != nil {
		verifierOpts.Backend = backendClient
	}
	linkVerifier := verifier.New(verifierOpts, logger)

	retryOpts := retry.Options{
		MaxRetries: conf.Retry.MaxRetries,
		BaseDelay:  conf.Retry.BaseDelay,
		MaxDelay:   conf.Retry.MaxDelay,
	}
	scoutDeps := scouts.Deps{
		Model:    model,
		Verifier: linkVerifier,
		Backend:  backendClient,
		Retry:    retryOpts,
		Logger:   logger,
	}
	deps := orchestrator.Deps{
		Scouts: orchestrator.Scouts{
			Market:    scouts.NewMarket(scoutDeps),
			Community: scouts.NewCommunity(scoutDeps),
			Video:     scouts.NewVideo(scoutDeps, conf.Orchestrator.TranscriptVideos),
			Review:    scouts.NewReview(scoutDeps, nil),
		},
		Model:  model,
		Cache:  resultCache,
		Feed:   dbClient,
		Retry:  retryOpts,
		Logger: logger,
	}
	if backendClient != nil {
		deps.Backend = backendClient
	}
	orch := orchestrator.New(deps, orchestrator.Options{
		Coalesce:     conf.Orchestrator.Coalesce,
		StatusBuffer: conf.Orchestrator.StatusBuffer,
	})

	streams := streaming.NewManager(conf.Streaming.Capacity, conf.Streaming.Retention, logger)
	go streams.Run(ctx, conf.Streaming.SweepInterval)

	apiOpts := httpapi.Options{
		SessionTimeout: conf.HTTP.SessionTimeout,
		WaitTimeout:    conf.HTTP.WaitTimeout,
		AdminToken:     conf.HTTP.AdminToken,
	}
	var limiter *httpapi.RateLimiter
	if conf.RateLimit.Enabled && redisWrapper != nil {
		limiter = httpapi.NewRateLimiter(redisWrapper, conf.Redis.KeyPrefix, conf.RateLimit.Requests, conf.RateLimit.Window, logger)
		apiOpts.Limiter = limiter
	} else if conf.RateLimit.Enabled {
		logger.Warn("Rate limiting requires Redis; requests are not limited")
	}
	api := httpapi.NewHandler(orch, streams, dbClient, apiOpts, logger)

	// Hot-reload of tunables from the config file.
	var cfgMgr *cfg.Manager
	if conf.Path() != "" {
		cfgMgr, err = cfg.NewManager(conf.Path(), conf.Tunables(), logger)
		if err != nil {
			logger.Warn("Config manager init failed", zap.Error(err))
		} else {
			cfgMgr.RegisterHandler(func(ev cfg.ChangeEvent) error {
				linkVerifier.SetBatchSize(ev.New.VerifierBatchSize)
				orch.SetCoalesce(ev.New.Coalesce)
				if limiter != nil {
					limiter.SetLimits(ev.New.RateLimitRequests, ev.New.RateLimitWindow)
				}
				logger.Info("Tunables reloaded", zap.String("file", ev.File), zap.String("action", ev.Action))
				return nil
			})
			if err := cfgMgr.Start(ctx); err != nil {
				logger.Warn("Config manager start failed", zap.Error(err))
				cfgMgr = nil
			}
		}
	}

	go hm.Run(ctx, 30*time.Second)
	go dbClient.RunCachePurge(ctx, time.Hour)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				circuitbreaker.GlobalMetricsCollector.UpdateMetrics()
			}
		}
	}()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(conf.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       conf.HTTP.ReadTimeout,
		// streams stay open for the whole analysis
		WriteTimeout: conf.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", conf.HTTP.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down analysis service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	// Running sessions finish under their own timeouts; wait for their
	// streams and for background cache and feed writes.
	api.Wait()
	orch.Wait()
	stop()

	if cfgMgr != nil {
		_ = cfgMgr.Stop()
	}
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	if redisWrapper != nil {
		_ = redisWrapper.Close()
	}
	if err := dbClient.Close(); err != nil {
		logger.Error("Failed to close database client", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
}

// newLogger builds a production logger, or a development one outside
// production, at the configured level.
func newLogger(conf *cfg.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if conf.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	if conf.LogLevel != "" {
		level, err := zapcore.ParseLevel(conf.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
