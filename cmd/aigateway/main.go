package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/edupro/ai-gateway/internal/api"
	"github.com/edupro/ai-gateway/internal/auth"
	"github.com/edupro/ai-gateway/internal/cache"
	"github.com/edupro/ai-gateway/internal/catalog"
	"github.com/edupro/ai-gateway/internal/config"
	"github.com/edupro/ai-gateway/internal/cost"
	"github.com/edupro/ai-gateway/internal/crypto"
	"github.com/edupro/ai-gateway/internal/notifications"
	"github.com/edupro/ai-gateway/internal/policy"
	"github.com/edupro/ai-gateway/internal/provider"
	"github.com/edupro/ai-gateway/internal/provider/anthropic"
	"github.com/edupro/ai-gateway/internal/provider/bedrock"
	"github.com/edupro/ai-gateway/internal/quota"
	"github.com/edupro/ai-gateway/internal/ratelimit"
	"github.com/edupro/ai-gateway/internal/secrets"
	"github.com/edupro/ai-gateway/internal/telemetry"
	"github.com/edupro/ai-gateway/internal/tier"
	"github.com/edupro/ai-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting AI gateway", "addr", cfg.Addr, "dev_mode", cfg.DevMode)
	if cfg.DevMode {
		slog.Warn("dev mode enabled: free-tier quota is relaxed; never enable in production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, "ai-gateway", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("failed to init telemetry", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		slog.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	apiKey := cfg.AnthropicAPIKey
	if apiKey == "" && cfg.SecretsName != "" && cfg.AWSRegion != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		apiKey, err = secrets.ProviderCredential(ctx, store, cfg.SecretsName)
		if err != nil {
			slog.Error("failed to load provider credential", "error", err)
			os.Exit(1)
		}
		slog.Info("provider credential loaded from secrets manager", "secret", cfg.SecretsName)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			pingCancel()
			slog.Error("failed to reach database", "error", err)
			os.Exit(1)
		}
		pingCancel()
		slog.Info("connected to postgres")
	}

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor = crypto.NewEncryptor(cfg.EncryptionKey)
		slog.Info("usage payload encryption enabled")
	} else {
		slog.Warn("ENCRYPTION_KEY not set, usage payloads stored in plaintext")
	}

	var usageStore usage.Store
	var tierStore tier.Store
	var verifier auth.Verifier
	if db != nil {
		usageStore = usage.NewPostgresStore(db, encryptor)
		tierStore = tier.NewPostgresStore(db)
		verifier = auth.NewPostgresVerifier(db)
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory stores")
		usageStore = usage.NewInMemoryStore()
		tierStore = tier.NewInMemoryStore()
		verifier = devVerifier(cfg.DevMode)
	}

	var rateLimiter ratelimit.Limiter
	var tierCache cache.TierCache
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		rateLimiter = redisLimiter

		redisCache, err := cache.NewRedisTierCache(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis for tier cache", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		tierCache = redisCache
		slog.Info("using redis rate limiter and tier cache")
	} else {
		rateLimiter = ratelimit.NewInMemoryLimiter()
		tierCache = cache.NewInMemoryTierCache()
		slog.Info("using in-memory rate limiter and tier cache")
	}

	var relays []provider.Relay
	if apiKey != "" {
		relays = append(relays, anthropic.New(apiKey, anthropic.WithBaseURL(cfg.AnthropicBaseURL)))
		slog.Info("registered relay", "relay", "anthropic")
	}
	if cfg.BedrockFallback && cfg.AWSRegion != "" {
		bedrockRelay, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init bedrock relay", "error", err)
			os.Exit(1)
		}
		relays = append(relays, bedrockRelay)
		slog.Info("registered relay", "relay", "bedrock", "region", cfg.AWSRegion)
	}
	if len(relays) == 0 {
		slog.Error("no relays configured: set ANTHROPIC_API_KEY, SECRETS_NAME, or BEDROCK_FALLBACK")
		os.Exit(1)
	}

	var sinks []usage.Sink
	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		sink, err := usage.NewSQSSink(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to init usage queue sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, sink)
		slog.Info("usage entries mirrored to queue", "queue", cfg.UsageQueueURL)
	}
	recorder := usage.NewRecorder(usageStore, 256, sinks...)

	var notifier notifications.Notifier
	if cfg.AlertTopicARN != "" && cfg.AWSRegion != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Error("failed to init alert notifier", "error", err)
			os.Exit(1)
		}
		notifier = snsNotifier
		slog.Info("quota alerts enabled", "topic", cfg.AlertTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	limits := quota.DefaultLimits()
	cat := catalog.DefaultWithFallback(cfg.DefaultModel)

	handler := api.NewHandler(api.HandlerConfig{
		Verifier:    verifier,
		Tiers:       tier.NewResolver(tierStore, tierCache, 5*time.Minute),
		Catalog:     cat,
		Policy:      policy.New(cat),
		Quota:       quota.NewLedger(usageStore, limits, cfg.DevMode),
		Limits:      limits,
		RateLimiter: rateLimiter,
		Relays:      relays,
		Recorder:    recorder,
		Monitor:     quota.NewMonitor(usageStore, limits, notifier, quota.DefaultThresholds()),
		Cost:        cost.NewCalculator(),
		MaxTokens:   cfg.MaxTokens,
		HasAPIKey:   apiKey != "",
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	// Drain queued usage entries after in-flight requests have finished.
	recorder.Close()

	slog.Info("server stopped")
}

// devVerifier backs local runs without a database. In dev mode one
// predictable key is issued and printed so requests can be exercised
// immediately; outside dev mode the verifier is empty and every request
// is rejected.
func devVerifier(devMode bool) auth.Verifier {
	v := auth.NewInMemoryVerifier()
	if devMode {
		token, err := v.Issue("dev", "dev-user", "", "dev-secret")
		if err == nil {
			slog.Info("dev API key issued", "token", token)
		}
	}
	return v
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
