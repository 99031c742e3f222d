package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/domosclub/clubauth/clubauth"
	"github.com/domosclub/clubauth/internal/app"
	"github.com/domosclub/clubauth/internal/config"
	"github.com/domosclub/clubauth/internal/telegram"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.ValidateWeb(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	bridgeConfig := clubauth.Config{
		Tokens:             stores.Tokens,
		Codes:              stores.Codes,
		Members:            stores.Members,
		JWTSecret:          cfg.JWTSecret,
		JWTIssuer:          cfg.JWTIssuer,
		SessionTTL:         cfg.SessionTTL,
		BotUsername:        cfg.TelegramBotUsername,
		TokenTTL:           cfg.TokenTTL,
		PollInterval:       cfg.PollInterval,
		CodeTTL:            cfg.CodeTTL,
		CodeDigits:         cfg.CodeDigits,
		CodeMaxAttempts:    cfg.CodeMaxAttempts,
		CodeHashCost:       cfg.CodeHashCost,
		SuccessRedirect:    cfg.AuthSuccessRedirect,
		LoginRedirect:      cfg.AuthLoginRedirect,
		CookieDomain:       cfg.CookieDomain,
		CookieSecure:       cfg.CookieSecure,
		FingerprintEnabled: cfg.SessionSecurity.FingerprintEnabled,
		Health:             stores.Ping,
		RateLimit:          cfg.RateLimit,
		SecurityHeaders:    cfg.SecurityHeaders,
		MaxRequestBodySize: cfg.Validation.MaxRequestBodySize,
		Logger:             logger,
	}

	// Phone login needs the bot to deliver codes
	if cfg.HasTelegramDelivery() {
		bridgeConfig.Sender = telegram.NewClient(telegram.ClientConfig{
			Token:   cfg.TelegramBotToken,
			BaseURL: cfg.TelegramAPIURL,
		}, nil, logger)
		logger.Info("phone login enabled")
	}
	if cfg.MetricsEnabled {
		bridgeConfig.Registerer = prometheus.DefaultRegisterer
	}

	bridge, err := clubauth.New(bridgeConfig)
	if err != nil {
		logger.Error("failed to create login bridge", "error", err)
		os.Exit(1)
	}

	if cfg.SweepInterval > 0 {
		go bridge.RunSweeper(ctx, cfg.SweepInterval, cfg.SweepRetention)
		logger.Info("sweeper enabled", "interval", cfg.SweepInterval, "retention", cfg.SweepRetention)
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      bridge.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "addr", addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
