// Command server runs the Bearing consistency engine: the Vertex AI
// cached-content lifecycle and consistency-check orchestration behind a
// small HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/bearing-app/consistency-engine/internal/api"
	"github.com/bearing-app/consistency-engine/internal/config"
	"github.com/bearing-app/consistency-engine/internal/sweeper"
	"github.com/bearing-app/consistency-engine/pkg/consistency"
	"github.com/bearing-app/consistency-engine/pkg/contentcache"
	"github.com/bearing-app/consistency-engine/pkg/observability"
	"github.com/bearing-app/consistency-engine/pkg/resilience"
	"github.com/bearing-app/consistency-engine/pkg/retry"
	"github.com/bearing-app/consistency-engine/pkg/tokenizer"
	"github.com/bearing-app/consistency-engine/pkg/vertex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewStandardLogger("server").Error("failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	logger := observability.NewStandardLoggerWithLevel("server", logLevel(cfg.Engine.LogLevel))

	vertexCfg, err := vertex.ResolveConfig()
	if err != nil {
		logger.Error("vertex configuration invalid", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	db, err := connectDatabase(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	var lock contentcache.Lock
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lock = contentcache.NewRedisLock(rdb, 2*time.Minute)
		logger.Info("using redis creation lock", map[string]interface{}{"addr": cfg.Redis.Address})
	} else {
		lock = contentcache.NewAdvisoryLock(db)
		logger.Info("using postgres advisory creation lock", nil)
	}

	tokens := vertex.NewTokenSource(vertexCfg)
	client := vertex.NewClient(vertexCfg, tokens, logger,
		vertex.WithRateLimit(cfg.Engine.ProviderRateLimit, cfg.Engine.ProviderRateBurst))

	policy := retry.NewExponentialBackoff(retry.Config{}, logger)
	breaker := resilience.NewBreaker(resilience.CircuitBreakerConfig{Name: "vertex"}, logger)

	store := contentcache.NewPostgresStore(db)
	cacheManager := contentcache.NewManager(store, lock, client, policy, consistency.SystemPrompt, logger)
	counter := tokenizer.NewCounter(client, logger)
	analyzer := consistency.NewAnalyzer(client, policy, breaker, logger)
	checks := consistency.NewService(analyzer, cacheManager, counter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.New(store, cfg.Engine.SweepInterval, logger).Run(ctx)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: api.NewServer(checks, cacheManager, logger).Handler(),
	}

	go func() {
		logger.Info("listening", map[string]interface{}{"addr": cfg.Server.ListenAddress})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", map[string]interface{}{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// connectDatabase opens the pool and waits for the database to answer,
// backing off while it comes up.
func connectDatabase(cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(db.Ping, b, func(err error, next time.Duration) {
		logger.Warn("database not ready, retrying", map[string]interface{}{
			"error":   err.Error(),
			"next_ms": next.Milliseconds(),
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func logLevel(s string) observability.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return observability.LogLevelDebug
	case "warn":
		return observability.LogLevelWarn
	case "error":
		return observability.LogLevelError
	default:
		return observability.LogLevelInfo
	}
}
