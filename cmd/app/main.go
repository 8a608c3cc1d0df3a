package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rpg-stars-bot/internal/ai"
	"rpg-stars-bot/internal/cache"
	"rpg-stars-bot/internal/chat"
	"rpg-stars-bot/internal/config"
	"rpg-stars-bot/internal/httpserver"
	"rpg-stars-bot/internal/ledger"
	"rpg-stars-bot/internal/logging"
	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/payments"
	"rpg-stars-bot/internal/repo"
	"rpg-stars-bot/internal/tg"
	"rpg-stars-bot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting rpg-stars-bot", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var store repo.Store
	switch cfg.DatabaseDriver {
	case "postgres":
		store, err = repo.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	default:
		store, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	wallet := ledger.New(store, cfg.InitialBalance, logger, metricRegistry)

	provider := ai.New(ai.Config{
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.OpenAITimeout,
	}, logger, metricRegistry)

	tgClient, err := tg.New(tg.Config{
		Token:   cfg.TelegramToken,
		BaseURL: cfg.TelegramBaseURL,
		Timeout: cfg.TelegramTimeout,
		Metrics: metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telegram client: %w", err)
	}

	var dedup payments.Dedup
	if redisClient != nil {
		dedup = redisClient
	}
	paymentBridge := payments.New(wallet, store, tgClient, dedup, metricRegistry, logger)

	engine := chat.New(wallet, provider, tgClient, paymentBridge, metricRegistry, logger, chat.EngineConfig{
		MessageCost:       cfg.MessageCost,
		MaxPartLength:     cfg.MaxPartLength,
		PartSendDelay:     cfg.PartSendDelay,
		StartDedupWindow:  cfg.StartDedupWindow,
		MessageRateWindow: cfg.MessageRateWindow,
		SystemPrompt:      cfg.SystemPrompt,
		DefaultPrompt:     cfg.DefaultPrompt,
	})
	tgClient.SetUpdateHandler(engine)

	pollCtx, pollCancel := context.WithCancel(ctx)
	defer pollCancel()
	go engine.RunCleanup(pollCtx, time.Hour)
	go func() {
		if err := tgClient.Start(pollCtx); err != nil {
			logger.Error("telegram polling stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store: store,
		Redis: redisClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
