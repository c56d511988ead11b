package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"referral-engine/internal/config"
	"referral-engine/internal/emr"
	"referral-engine/internal/extract"
	"referral-engine/internal/llm"
	"referral-engine/internal/notify"
	"referral-engine/internal/ocr"
	"referral-engine/internal/payload"
	"referral-engine/internal/queue"
	"referral-engine/internal/store"
	"referral-engine/internal/supervisor"
	"referral-engine/internal/telemetry"
	"referral-engine/internal/validate"
)

func main() {
	cfg := config.Load()
	logger := telemetry.SetupLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	payloads, err := payload.New(ctx, cfg)
	if err != nil {
		logger.Error("init payload store", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)

	ocrClient := ocr.NewExtractor(ocr.Config{
		Tesseract:     cfg.TesseractBin,
		TesseractLang: cfg.TesseractLang,
		Timeout:       cfg.OCRTimeout,
		WorkDir:       cfg.OCRWorkDir,
	}, logger)
	llmClient := llm.NewClient(llm.Config{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: float32(cfg.LLMTemperature),
		Timeout:     cfg.LLMTimeout,
	}, logger)
	extractor := extract.NewAdapter(ocrClient, llmClient, logger)

	notifier := notify.NewEmailNotifier(llmClient, notify.NewMailer(cfg, logger), logger)

	sup := supervisor.New(cfg, supervisor.Deps{
		Queue:     q,
		Store:     st,
		Payloads:  payloads,
		Extractor: extractor,
		Policy:    validate.NewPolicy(cfg.RequiredFields),
		Syncer:    emr.New(cfg, logger),
		Notifier:  notifier,
		Logger:    logger,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker pool starting",
		"workers", cfg.WorkerCount,
		"visibility_timeout", cfg.VisibilityTimeout,
		"max_attempts", cfg.MaxAttempts,
		"backoff_initial", cfg.BackoffInitial)
	sup.Start(ctx)

	<-ctx.Done()
	sup.Stop()
	logger.Info("worker pool stopped")
}
