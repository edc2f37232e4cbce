package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"biosure-backend/config"
	"biosure-backend/repository"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	file := flag.String("file", "", "audit file to check instead of the configured one")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	path := *file
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		if cfg.Audit.Sink != "jsonl" {
			logger.Error("only the jsonl audit sink carries a hash chain", "sink", cfg.Audit.Sink)
			os.Exit(2)
		}
		path = cfg.Audit.Path
	}
	os.Exit(run(path, os.Stdout, logger))
}

func run(path string, out io.Writer, logger *slog.Logger) int {
	n, err := repository.VerifyAuditChain(path)
	if err != nil {
		logger.Error("audit chain broken", "path", path, "entries", n, "error", err)
		return 1
	}
	fmt.Fprintf(out, "%s: %d entries, chain intact\n", path, n)
	return 0
}
