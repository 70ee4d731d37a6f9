/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the zap logger
  3. Initialize SQLite store
  4. Choose the balance cache (Redis when configured, in-process otherwise)
  5. Wire the points engine with cache invalidation and metrics
  6. Start the affiliate feed scheduler when a feed path is configured
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

ENVIRONMENT:
  PORT, DATABASE_PATH, LOG_LEVEL, LOG_FORMAT, JWT_SECRET, JWT_ISSUER,
  REDIS_URL, CACHE_TTL_SECONDS, AFFILIATE_FEED_PATH, AFFILIATE_FEED_SCHEDULE,
  AFFILIATE_ALLOW_OVERRIDE_INCREASE, CORS_ORIGINS (see config/config.go)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the feed scheduler (waits for a running batch)
  2. Stop accepting new connections
  3. Wait for active requests to complete
  4. Close cache and database connections

EXAMPLES:
  JWT_SECRET=change-me-please-32b ./server -db="./data/points.db"
  ./server -config=points.yaml -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/cache"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/feed"
	"github.com/warp/points-engine/logging"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	m := metrics.New()

	// Balance cache
	var (
		balanceCache cache.Store
		cacheKind    = "memory"
	)
	if cfg.Cache.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		balanceCache = cache.NewRedis(client, cfg.Cache.TTL())
		cacheKind = "redis"
	} else {
		balanceCache = cache.NewMemory(cfg.Cache.TTL())
	}

	engine := points.NewEngine(store, points.Options{
		Invalidator:           balanceCache,
		Recorder:              m,
		Logger:                logger.Named("points"),
		AllowOverrideIncrease: cfg.Affiliate.AllowOverrideIncrease,
	})
	balances := cache.NewBalances(engine.Balances, balanceCache, m, cacheKind, logger.Named("cache"))

	handler := api.NewHandler(engine, balances)
	handler.Ping = store.Ping

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:        auth,
		Logger:      logger.Named("http"),
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     m,
	})

	// Affiliate feed
	var scheduler *feed.Scheduler
	if cfg.Feed.Path != "" {
		scheduler = feed.NewScheduler(feed.FileSource{Path: cfg.Feed.Path}, engine.Affiliates, cfg.Feed.Schedule, logger)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Path),
			zap.String("cache", cacheKind),
			zap.Bool("feed", scheduler != nil))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
