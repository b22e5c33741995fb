package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"arcanabot/internal/bot"
	"arcanabot/internal/config"
	"arcanabot/internal/servicetoken"
	"arcanabot/internal/util"
	"arcanabot/internal/worker"
	"arcanabot/pkg/ai"
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

	gemini, err := ai.NewGemini(ai.GeminiConfig{
		APIKey:          cfg.GeminiAPIKey,
		VisionModel:     cfg.VisionModel,
		InterpretModel:  cfg.InterpretModel,
		ClassifierModel: cfg.ClassifierModel,
	})
	if err != nil {
		log.Fatalf("failed to init gemini: %v", err)
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Fatalf("failed to init telegram api: %v", err)
	}
	transport := bot.NewTelegramTransport(api)

	pipeline := worker.NewPipeline(dataStore, credits, artifacts, transport,
		gemini, gemini, gemini, worker.Config{
			RejectionThreshold: cfg.RejectionThreshold,
			RejectionDailyMax:  cfg.RejectionDailyMax,
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	healthSrv := &http.Server{
		Addr:         ":" + cfg.WorkerHealthPort,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		jobQueue.Start(gctx, cfg.WorkerConcurrency, pipeline.Handle)
		<-gctx.Done()
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency)
	if err := group.Wait(); err != nil {
		log.Fatalf("worker exited: %v", err)
	}
	logger.Info("worker stopped")
}
