package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"expenselog/internal/amqp"
	"expenselog/internal/cache"
	"expenselog/internal/cli"
	"expenselog/internal/core"
	apphttp "expenselog/internal/http"
	"expenselog/internal/log"
	"expenselog/internal/services"
)

// replayTTL bounds how long a replayed response is served from memory;
// older request ids are still answered from the store.
const replayTTL = 24 * time.Hour

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, log.ComponentApp)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)

	var publisher services.Publisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			// Creates still succeed without the broker; the mirror sweep
			// catches up from the store.
			logger.Warn("AMQP unavailable, expense events disabled", log.FieldError, err)
		} else {
			publisher = client
			logger.Info("AMQP publisher ready", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	}

	caches := cache.NewManager()
	var replay *cache.LRUCache[core.Expense]
	if cfg.ReplayCacheSize > 0 {
		replay = cache.NewLRUCache[core.Expense](cfg.ReplayCacheSize, replayTTL)
		caches.Register(replay)
		caches.StartCleanup(10 * time.Minute)
	}

	svc := services.NewExpenseService(repo, publisher, replay)
	srv := apphttp.NewServer(":"+cfg.Port, svc, apphttp.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
		Logger:             logger,
	})

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting expenselog server", "port", cfg.Port)
		serveErr <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", log.FieldError, err)
	}

	stats := srv.Stats()
	logger.Info("Request totals",
		"requests", stats.Trace.TotalRequests,
		"server_errors", stats.Trace.ServerErrors,
		"rate_limited", stats.RateLimit.TotalHits,
		"suspicious", stats.Security.SuspiciousRequests)

	caches.Stop()
	if err := svc.Close(); err != nil {
		logger.Error("Failed to close expense service", log.FieldError, err)
	}

	logger.Info("Server stopped gracefully")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
