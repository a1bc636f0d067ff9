package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imhere/internal/attendance"
	"imhere/internal/config"
	"imhere/internal/logging"
	"imhere/internal/notifier"
	"imhere/internal/notify"
	"imhere/internal/queue"
	"imhere/internal/store"
)

const queueKey = "imhere:notifications"

// Worker consumes session-live messages and asks the dispatcher to mail the
// group's members.
func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.Production())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		logger.Error("the worker needs a shared queue, set QUEUE_BACKEND=redis")
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := store.NewDB(startCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will retry", "addr", cfg.RedisAddr)
	}

	repo := attendance.NewRepository(db.Client)
	sender := notify.New(cfg.NotifyURL, cfg.NotifySecret, cfg.NotifySkip, logger)
	q := queue.NewRedisQueue(redisClient.Client, queueKey, logger)

	if err := notifier.New(repo, sender, logger).Run(ctx, q); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
