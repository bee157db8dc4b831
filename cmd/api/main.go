package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bookshelf/api/internal/app"
	"bookshelf/api/internal/config"
	"bookshelf/api/internal/queue"
	"bookshelf/api/internal/store"
	"bookshelf/api/internal/worker"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	backfillQueue, err := queue.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer backfillQueue.Close()

	service := app.NewService(cfg, dataStore, backfillQueue, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool := worker.NewPool(dataStore, backfillQueue, logger, cfg.BackfillWorkers, cfg.SweepInterval)
	workersDone := make(chan struct{})
	go func() {
		pool.Run(workerCtx)
		close(workersDone)
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.OperatorToken, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Bookshelf API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(10 * time.Second):
		logger.Warn("backfill workers did not stop in time")
	}
}
