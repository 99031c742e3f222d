package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/domosclub/clubauth/internal/app"
	"github.com/domosclub/clubauth/internal/config"
	"github.com/domosclub/clubauth/internal/metrics"
	"github.com/domosclub/clubauth/internal/telegram"
	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.ValidateBot(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	var recorder *metrics.Recorder
	var authRecorder auth.Recorder
	var workerRecorder telegram.WorkerRecorder
	if cfg.MetricsEnabled {
		recorder = metrics.New(prometheus.DefaultRegisterer)
		authRecorder = recorder
		workerRecorder = recorder
	}

	tokens := auth.NewTokenService(auth.TokenConfig{
		TTL:          cfg.TokenTTL,
		PollInterval: cfg.PollInterval,
	}, stores.Tokens, authRecorder, logger)

	client := telegram.NewClient(telegram.ClientConfig{
		Token:   cfg.TelegramBotToken,
		BaseURL: cfg.TelegramAPIURL,
	}, &http.Client{Timeout: cfg.TelegramPollTimeout + 10*time.Second}, logger)
	worker := telegram.NewWorker(client, tokens, workerRecorder, cfg.TelegramPollTimeout, logger)

	var metricsServer *http.Server
	if recorder != nil && cfg.BotMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.BotMetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting metrics server", "addr", cfg.BotMetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if err := worker.Run(ctx); err != nil {
		logger.Error("bot worker stopped", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	logger.Info("bot stopped")
}
