package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/tollpricing/fees"
	"github.com/liamcoop/tollpricing/internal/config"
	"github.com/liamcoop/tollpricing/internal/logger"
	"github.com/liamcoop/tollpricing/internal/metrics"
	"github.com/liamcoop/tollpricing/reconcile"
)

// buildServer wires the engines and stores. A nil db selects in-memory stores and a
// nil rdb keeps the active rule cache in process.
func buildServer(cfg *config.Config, db *sql.DB, rdb *redis.Client) (*Server, error) {
	mode, err := fees.ParseResolutionMode(cfg.ResolutionMode)
	if err != nil {
		return nil, err
	}

	engine, err := fees.NewEngine(
		fees.WithFallbackFee(cfg.FallbackFee),
		fees.WithCurrency(cfg.Currency),
		fees.WithResolutionMode(mode),
		fees.WithLocation(cfg.Location),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fee engine: %w", err)
	}

	var (
		ruleStore fees.RuleStore
		ledger    reconcile.LedgerStore
		files     reconcile.FileStore
	)
	if db != nil {
		ruleStore = fees.NewPostgresRuleStore(db)
		ledger = reconcile.NewPostgresLedgerStore(db)
		files = reconcile.NewPostgresFileStore(db)
	} else {
		ruleStore = fees.NewInMemoryRuleStore()
		ledger = reconcile.NewInMemoryLedger()
		files = reconcile.NewInMemoryFileStore()
	}

	cacheConfig := fees.CacheConfig{TTL: cfg.RuleCacheTTL}
	var cache fees.RulesCache
	if rdb != nil {
		cache = fees.NewRedisRulesCache(rdb, cfg.RedisKey, cacheConfig)
	} else {
		cache = fees.NewInMemoryRulesCache(cacheConfig)
	}

	reconcileOpts := []reconcile.Option{
		reconcile.WithTolerance(cfg.ReconcileTolerance),
		reconcile.WithCurrency(cfg.Currency),
	}

	return NewServer(Deps{
		DB:             db,
		Fees:           fees.NewService(engine, ruleStore, cache),
		Reconciler:     reconcile.NewService(ledger, files, reconcileOpts...),
		ReconcileOpts:  reconcileOpts,
		Metrics:        metrics.NewCollector(),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}), nil
}

func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	ctx := context.Background()
	if err := logger.Setup(ctx, logger.Options{
		Level:       cfg.LogLevel,
		OTELEnabled: cfg.OTELEnabled,
		ServiceName: cfg.ServiceName,
	}); err != nil {
		logger.Fatal("Failed to set up logging", "error", err)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStart()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDatabase(startCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, rules and reconciliation files are kept in memory")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = openRedis(startCtx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal("Failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		}
		defer rdb.Close()
	}

	server, err := buildServer(cfg, db, rdb)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}

	httpServer := newHTTPServer(cfg.Addr(), server)

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting",
			"addr", httpServer.Addr,
			"resolution_mode", cfg.ResolutionMode,
			"currency", cfg.Currency,
			"timezone", cfg.Location.String(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Server stopped")
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}
