package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"biosure-backend/app"
	"biosure-backend/config"
	"biosure-backend/models"
	"biosure-backend/service"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	category := flag.String("category", "", "only sync this category (research, policy, contract, clinical)")
	force := flag.Bool("force", false, "re-upload documents that already have a remote handle")
	wait := flag.Bool("wait", true, "wait for uploaded files to finish processing")
	restore := flag.Bool("restore", false, "first restore indexed documents missing locally from the archive")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var cat models.Category
	if *category != "" {
		cat, err = models.ParseCategory(*category)
		if err != nil {
			logger.Error("invalid category", "error", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		stop()
		os.Exit(1)
	}
	if *restore {
		restoreMissing(ctx, a, cat, logger)
	}
	code := run(ctx, a, cfg, service.SyncOptions{Category: cat, Force: *force}, *wait, logger)
	a.Close()
	stop()
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, cfg *config.Config, opts service.SyncOptions, wait bool, logger *slog.Logger) int {
	if wait {
		opts.AwaitTimeout = config.Secs(cfg.Remote.ProcessingTimeoutSecs)
	}

	report, err := a.Index.Sync(ctx, opts)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return 1
	}

	for _, item := range report.Items {
		fmt.Printf("%-9s %-40s %s %s\n", item.Outcome, item.DisplayName, item.State, item.Reason)
	}
	fmt.Printf("\nuploaded=%d skipped=%d failed=%d\n", report.Uploaded, report.Skipped, report.Failed)
	if report.Failed > 0 {
		return 1
	}
	return 0
}

// restoreMissing is best effort; documents it cannot restore are reported and the sync still runs
func restoreMissing(ctx context.Context, a *app.App, cat models.Category, logger *slog.Logger) {
	restored, err := a.Index.RestoreMissing(ctx, cat)
	for _, rec := range restored {
		fmt.Printf("restored  %-40s %s\n", rec.DisplayName, rec.LocalPath)
	}
	if err != nil {
		logger.Warn("some documents could not be restored", "error", err)
	}
}
