package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ellio/internal/auth"
	"ellio/internal/cache"
	"ellio/internal/config"
	"ellio/internal/httpserver"
	"ellio/internal/ledger"
	"ellio/internal/logging"
	"ellio/internal/metrics"
	"ellio/internal/payment"
	"ellio/internal/presence"
	"ellio/internal/repo"
	"ellio/internal/telegram"
	"ellio/internal/wa"
	"ellio/migrations"
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
	logger.Info("starting ellio", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
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

	var (
		presenceChannel presence.Channel
		limiter         httpserver.RateLimiter
		idempotency     httpserver.IdempotencyStore
	)
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed, presence stays in-process and rate limits are off", "error", err)
		presenceChannel = presence.NewMemoryChannel()
	} else {
		presenceChannel = presence.NewRedisChannel(redisClient.Client(), cfg.PresenceChannel, cfg.PresenceSessionTTL, logger)
		limiter = redisClient
		idempotency = redisClient
	}

	stats := presence.NewStats(repository, metricRegistry, logger)
	if err := stats.Load(ctx); err != nil {
		logger.Warn("failed loading presence stats", "error", err)
	}

	observer := presence.NewObserver(presenceChannel, stats, cfg.PresenceSessionTTL/3, metricRegistry, logger)
	go observer.Run(ctx)

	ledgerSvc := ledger.NewService(repository, ledger.Config{
		WelcomeBonus:  cfg.WelcomeBonus,
		ReferralBonus: cfg.ReferralBonus,
	}, metricRegistry, logger)

	// Channels are added after the service exists because their command handlers need it.
	notifiers := payment.NewMultiNotifier(logger)
	paymentSvc := payment.NewService(repository, notifiers, payment.Config{
		CoinPrice:     cfg.CoinPrice,
		BonusPercent:  cfg.RechargeBonusPct,
		BonusMinCoins: cfg.RechargeBonusMin,
		OperatorPhone: cfg.OperatorPhone,
	}, metricRegistry, logger)

	if cfg.WhatsAppEnabled {
		operatorJIDs, err := wa.ParseJIDs(cfg.OperatorWAJIDs)
		if err != nil {
			return fmt.Errorf("parse operator jids: %w", err)
		}
		operatorSenders := make([]string, 0, len(operatorJIDs))
		for _, jid := range operatorJIDs {
			operatorSenders = append(operatorSenders, jid.String())
		}

		waClient, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		if n := wa.NewOperatorNotifier(waClient, operatorJIDs, metricRegistry, logger); n != nil {
			notifiers.Add(n)
		}
		waClient.SetMessageProcessor(wa.NewRouter(payment.NewCommands(paymentSvc, operatorSenders...), waClient, logger))

		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
			}
		}()
	}

	if cfg.TelegramBotToken != "" {
		bot, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramOperatorIDs, metricRegistry, logger)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		notifiers.Add(bot)
		commands := payment.NewCommands(paymentSvc, telegram.OperatorIDs(cfg.TelegramOperatorIDs)...)
		go func() {
			if err := bot.Run(ctx, commands); err != nil {
				logger.Error("telegram polling stopped", "error", err)
			}
		}()
	}
	logger.Info("operator channels ready", "count", notifiers.Len())

	router := httpserver.NewRouter(httpserver.Dependencies{
		Ledger:   ledgerSvc,
		Payments: paymentSvc,
		Watcher:  payment.NewWatcher(paymentSvc, cfg.PaymentPollEvery, logger),
		Presence: httpserver.PresenceConfig{
			Channel:     presenceChannel,
			Stats:       stats,
			Observer:    observer,
			Heartbeat:   cfg.PresenceHeartbeat,
			MaxAttempts: cfg.PresenceMaxRetries,
			BaseContext: ctx,
		},
		Verifier:     auth.NewVerifier(cfg.SupabaseJWTSecret),
		Operator:     auth.NewOperatorKey(cfg.OperatorKeyHash),
		Limiter:      limiter,
		Idempotency:  idempotency,
		Metrics:      metricRegistry,
		Logger:       logger,
		WaitTimeout:  cfg.PaymentWaitTimeout,
		SubmitLimit:  cfg.SubmitRateLimit,
		SubmitWindow: cfg.SubmitRateWindow,
	})
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, router, cfg.PublicBasePath)

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

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	default:
		r, err := repo.New(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		return r, nil
	}
}
