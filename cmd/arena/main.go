package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sammy995/Local-LLM-Arena/internal/api"
	"github.com/sammy995/Local-LLM-Arena/internal/auth"
	"github.com/sammy995/Local-LLM-Arena/internal/cache"
	"github.com/sammy995/Local-LLM-Arena/internal/circuitbreaker"
	"github.com/sammy995/Local-LLM-Arena/internal/config"
	"github.com/sammy995/Local-LLM-Arena/internal/conversation"
	"github.com/sammy995/Local-LLM-Arena/internal/dispatch"
	"github.com/sammy995/Local-LLM-Arena/internal/provider/ollama"
	"github.com/sammy995/Local-LLM-Arena/internal/provider/openai"
	"github.com/sammy995/Local-LLM-Arena/internal/pullguard"
	"github.com/sammy995/Local-LLM-Arena/internal/ratelimit"
	"github.com/sammy995/Local-LLM-Arena/internal/router"
	"github.com/sammy995/Local-LLM-Arena/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting arena", "addr", cfg.Addr(), "version", api.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: api.ServiceName,
		Version:     api.Version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.OTLPSampleRatio,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	providers := make(map[string]router.Provider)

	if cfg.OllamaHost != "" {
		p, err := ollama.New(cfg.OllamaHost, ollama.WithTimeout(cfg.RequestTimeout))
		if err != nil {
			slog.Error("invalid ollama host", "error", err)
			os.Exit(1)
		}
		providers["ollama"] = p
		slog.Info("registered provider", "provider", "ollama", "url", cfg.OllamaHost)
	}

	if cfg.OpenAIBaseURL != "" {
		providers["openai"] = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, openai.WithTimeout(cfg.RequestTimeout))
		slog.Info("registered provider", "provider", "openai", "url", cfg.OpenAIBaseURL)
	}

	var (
		redisClient    *redis.Client
		healthCheckers []api.HealthChecker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to redis")
		healthCheckers = append(healthCheckers, api.NewRedisHealthChecker(redisClient))
	}
	for _, p := range providers {
		healthCheckers = append(healthCheckers, api.NewProviderHealthChecker(p))
	}

	var responseCache cache.Cache
	if cfg.CacheTTL > 0 {
		if redisClient != nil {
			responseCache = cache.NewRedisCache(redisClient)
			slog.Info("using redis cache", "ttl", cfg.CacheTTL)
		} else {
			memCache := cache.NewInMemoryCache()
			defer memCache.Close()
			responseCache = memCache
			slog.Info("using in-memory cache", "ttl", cfg.CacheTTL)
		}
	}

	var rateLimiter ratelimit.RateLimiter
	if cfg.RateLimitRPM > 0 {
		if redisClient != nil {
			rateLimiter = ratelimit.NewRedisRateLimiter(redisClient, time.Minute)
			slog.Info("using redis rate limiter", "rpm", cfg.RateLimitRPM)
		} else {
			rateLimiter = ratelimit.NewInMemoryRateLimiter()
			slog.Info("using in-memory rate limiter", "rpm", cfg.RateLimitRPM)
		}
	}

	var pullGuard pullguard.Guard
	if redisClient != nil {
		pullGuard = pullguard.NewRedisGuard(redisClient, cfg.PullTimeout)
	} else {
		pullGuard = pullguard.NewInMemoryGuard(cfg.PullTimeout)
	}

	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = cfg.CBFailureThreshold
	cbCfg.Timeout = cfg.CBTimeout

	var breakerOpts []circuitbreaker.ManagerOption
	if redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(redisClient))
		slog.Info("using redis circuit breakers")
	}

	providerRouter := router.New(providers, router.Config{
		DefaultProvider: cfg.DefaultProvider,
		CircuitBreaker:  cbCfg,
		BreakerOptions:  breakerOpts,
		Cache:           responseCache,
		CacheTTL:        cfg.CacheTTL,
	})

	authenticator := auth.NewAuthenticator(cfg.ChatToken, cfg.ChatTokenHash)
	if authenticator.Enabled() {
		slog.Info("bearer token required on /api")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Builder: conversation.NewBuilder(conversation.Config{
			SystemPrompt:  cfg.SystemPrompt,
			HistoryLimit:  cfg.HistoryLimit,
			DefaultModel:  cfg.DefaultModel,
			SeedZeroUnset: cfg.SeedZeroUnset,
		}),
		Coordinator: dispatch.New(providerRouter, dispatch.Config{
			MaxConcurrency: cfg.MaxConcurrentRequests,
			BufferSize:     cfg.StreamBuffer,
		}),
		Models:         providerRouter,
		RateLimiter:    rateLimiter,
		RateLimitRPM:   cfg.RateLimitRPM,
		Auth:           authenticator,
		HealthCheckers: healthCheckers,
		DefaultModels:  cfg.DefaultModels,
		CORSOrigins:    cfg.CORSOrigins,
		StaticDir:      cfg.StaticDir,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		PullTimeout:    cfg.PullTimeout,
		PullGuard:      pullGuard,
	})

	// No WriteTimeout: streamed replies can legitimately outlive any fixed bound.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
