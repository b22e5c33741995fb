package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"arcanabot/internal/bot"
	"arcanabot/internal/config"
	"arcanabot/internal/ratelimit"
	"arcanabot/internal/servicetoken"
	"arcanabot/internal/util"
	"arcanabot/pkg/ledger"
	"arcanabot/pkg/queue"
	"arcanabot/pkg/storage"
	"arcanabot/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	artifacts, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueRetries,
	})
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}

	var linked ledger.LinkedClient
	if cfg.AccountsURL != "" {
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.AccountsKeyPath,
			Issuer:         cfg.AccountsIssuer,
		})
		if err != nil {
			log.Fatalf("failed to init service token signer: %v", err)
		}
		linked, err = ledger.NewHTTPLinkedClient(cfg.AccountsURL, signer)
		if err != nil {
			log.Fatalf("failed to init accounts client: %v", err)
		}
	}
	credits := ledger.New(dataStore, linked, ledger.Options{
		LinkCacheTTL:       cfg.LinkCacheTTL,
		SignupBonusCredits: cfg.SignupBonusCredits,
	})
	defer credits.Close()

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Fatalf("failed to init telegram api: %v", err)
	}
	logger.Info("bot authorized", slog.String("username", api.Self.UserName))

	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword,
		"arcana:ratelimit", cfg.PhotoRatePerMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	router := bot.NewRouter(bot.NewTelegramTransport(api), dataStore, credits, jobQueue, artifacts).
		WithLimiter(limiter)
	defer router.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := api.GetUpdatesChan(updateCfg)

	logger.Info("bot started")
	router.Run(ctx, updates)
	api.StopReceivingUpdates()
	logger.Info("bot stopped")
}
