package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"biosure-backend/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

var tables = []struct {
	name string
	sql  string
}{
	{"remote_files", `
CREATE TABLE IF NOT EXISTS remote_files (
    remote_id TEXT PRIMARY KEY,
    identity_hash CHAR(64) NOT NULL,
    display_name TEXT NOT NULL,
    category VARCHAR(20) NOT NULL CHECK (category IN ('research', 'policy', 'contract', 'clinical')),
    state VARCHAR(20) NOT NULL CHECK (state IN ('UPLOADING', 'PROCESSING', 'ACTIVE', 'FAILED')),
    remote_uri TEXT NOT NULL DEFAULT '',
    mime_type TEXT NOT NULL DEFAULT 'application/pdf',
    last_state_check TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`},
	{"enrichment_records", `
CREATE TABLE IF NOT EXISTS enrichment_records (
    entity_id TEXT PRIMARY KEY,
    fields JSONB NOT NULL DEFAULT '{}',
    source_provider TEXT NOT NULL,
    last_updated TIMESTAMPTZ NOT NULL,
    confidence VARCHAR(40) NOT NULL
)`},
	{"audit_entries", `
CREATE TABLE IF NOT EXISTS audit_entries (
    id UUID PRIMARY KEY,
    timestamp_utc TIMESTAMPTZ NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    inputs_digest TEXT NOT NULL DEFAULT '',
    outputs_digest TEXT NOT NULL DEFAULT '',
    outcome VARCHAR(10) NOT NULL CHECK (outcome IN ('SUCCESS', 'FAILURE')),
    detail TEXT NOT NULL DEFAULT ''
)`},
	{"hcos", `
CREATE TABLE IF NOT EXISTS hcos (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    state VARCHAR(2) NOT NULL DEFAULT '',
    ghost_patients INTEGER NOT NULL DEFAULT 0,
    treated_patients INTEGER NOT NULL DEFAULT 0,
    street TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    address_state VARCHAR(2) NOT NULL DEFAULT '',
    zip VARCHAR(10) NOT NULL DEFAULT '',
    address_verified_at TIMESTAMPTZ
)`},
}

// columns added after the first release, for databases created before them
var columns = []struct {
	name string
	sql  string
}{
	{"hcos.address_verified_at", `ALTER TABLE hcos ADD COLUMN IF NOT EXISTS address_verified_at TIMESTAMPTZ`},
}

var indexes = []struct {
	name string
	sql  string
}{
	// At most one live handle per document; FAILED handles are kept for history.
	{"remote_files_identity_live_idx", `CREATE UNIQUE INDEX IF NOT EXISTS remote_files_identity_live_idx ON remote_files (identity_hash) WHERE state <> 'FAILED'`},
	{"remote_files_state_idx", `CREATE INDEX IF NOT EXISTS remote_files_state_idx ON remote_files (state)`},
	{"audit_entries_timestamp_idx", `CREATE INDEX IF NOT EXISTS audit_entries_timestamp_idx ON audit_entries (timestamp_utc DESC)`},
	{"hcos_name_idx", `CREATE INDEX IF NOT EXISTS hcos_name_idx ON hcos (lower(name))`},
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
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
	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	for _, t := range tables {
		if _, err := pool.Exec(ctx, t.sql); err != nil {
			logger.Error("failed to create table", "table", t.name, "error", err)
			os.Exit(1)
		}
		logger.Info("created table", "table", t.name)
	}

	for _, c := range columns {
		if _, err := pool.Exec(ctx, c.sql); err != nil {
			logger.Error("failed to add column", "column", c.name, "error", err)
			os.Exit(1)
		}
	}

	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx.sql); err != nil {
			logger.Warn("failed to create index", "index", idx.name, "error", err)
			continue
		}
		logger.Info("created index", "index", idx.name)
	}

	logger.Info("schema created successfully")
}
