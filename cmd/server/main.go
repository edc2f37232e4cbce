package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"biosure-backend/app"
	"biosure-backend/config"
	"biosure-backend/service"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Try current directory first, then project root (relative to cmd/server/)
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../../.env"); err != nil {
			logger.Warn("no .env file found, using environment variables")
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go drainAuditErrors(ctx, a.Audit, logger)

	if cfg.Documents.SyncOnStartup {
		go func() {
			report, err := a.Index.Sync(ctx, service.SyncOptions{})
			if err != nil {
				logger.Error("startup sync failed", "error", err)
				return
			}
			logger.Info("startup sync finished",
				"uploaded", report.Uploaded,
				"skipped", report.Skipped,
				"failed", report.Failed,
			)
		}()
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: a.Router(),
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Secs(cfg.Server.ShutdownTimeoutSecs))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// drainAuditErrors surfaces audit sink failures so a broken compliance trail is visible to operators
func drainAuditErrors(ctx context.Context, audit *service.AuditLog, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-audit.OpsErrors():
			logger.Error("compliance audit entry lost",
				"actor", ev.Entry.Actor,
				"action", ev.Entry.Action,
				"entry_id", ev.Entry.ID,
				"error", ev.Err,
			)
		}
	}
}
