// Package app wires configuration into the services shared by every binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"biosure-backend/config"
	"biosure-backend/handlers"
	"biosure-backend/models"
	"biosure-backend/repository"
	"biosure-backend/service"
	"biosure-backend/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/generative-ai-go/genai"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/api/option"
)

// AuditStore is an audit sink that can also read entries back for review
type AuditStore interface {
	service.AuditSink
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// App holds the wired services
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *pgxpool.Pool
	AuditStore AuditStore
	Audit      *service.AuditLog
	Documents  *service.DocumentStore
	Index      *service.RemoteIndexClient
	Enrichment *service.EnrichmentChain
	Dispatcher *service.Dispatcher

	closers []func() error
}

// New connects to the configured backends and builds every service
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Database.URL != "" {
		a.DB, err = initPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { a.DB.Close(); return nil })
		logger.Info("postgres connection established")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
	}

	if err := a.initAudit(); err != nil {
		return nil, err
	}

	archive, err := storage.NewStorage(storage.StorageConfig{
		Type:         storage.StorageType(cfg.Archive.Type),
		LocalPath:    cfg.Archive.LocalPath,
		S3Bucket:     cfg.Archive.S3Bucket,
		S3Region:     cfg.Archive.S3Region,
		AWSAccessKey: cfg.Archive.AWSAccessKey,
		AWSSecretKey: cfg.Archive.AWSSecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}
	logger.Info("document archive initialized", "type", cfg.Archive.Type)

	dirs, err := categoryDirectories(cfg.Documents.Directories)
	if err != nil {
		return nil, err
	}
	a.Documents = service.NewDocumentStore(cfg.Documents.Root,
		service.WithCategoryDirectories(dirs),
		service.WithMaxDocumentBytes(cfg.Documents.MaxUploadBytes),
		service.WithArchive(archive),
		service.WithDocumentLogger(logger),
	)

	geminiClient, err := initGemini(ctx, cfg.Gemini.APIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini: %w", err)
	}
	a.closers = append(a.closers, geminiClient.Close)

	var remoteFiles service.RemoteFileStore = repository.NewMemoryRemoteFileRepository()
	var enrichmentRecords service.EnrichmentStore = repository.NewMemoryEnrichmentRepository()
	var hcos service.HCOReader = repository.NewMemoryHCORepository(nil)
	if a.DB != nil {
		remoteFiles = repository.NewRemoteFileRepository(a.DB)
		enrichmentRecords = repository.NewEnrichmentRepository(a.DB)
		hcos = repository.NewHCORepository(a.DB)
	}

	a.Index = service.NewRemoteIndexClient(
		service.IndexWithDocumentStore(a.Documents),
		service.IndexWithRemoteIndex(service.NewGeminiIndex(geminiClient, cfg.Gemini.Model, cfg.Gemini.Temperature)),
		service.IndexWithRemoteFileStore(remoteFiles),
		service.IndexWithAuditLog(a.Audit),
		service.IndexWithUploadBackoff(service.Backoff{
			Initial:     config.Millis(cfg.Remote.UploadBackoffMillis),
			Max:         config.Millis(cfg.Remote.PollMaxIntervalMillis),
			Multiplier:  2,
			MaxAttempts: cfg.Remote.UploadAttempts,
		}),
		service.IndexWithPollBackoff(service.Backoff{
			Initial:    config.Millis(cfg.Remote.PollIntervalMillis),
			Max:        config.Millis(cfg.Remote.PollMaxIntervalMillis),
			Multiplier: 2,
		}),
		service.IndexWithSyncWorkers(cfg.Documents.SyncWorkers),
		service.IndexWithLogger(logger),
	)

	a.Enrichment = a.buildEnrichmentChain(enrichmentRecords)

	a.Dispatcher, err = a.buildDispatcher(hcos)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initAudit() error {
	switch a.Config.Audit.Sink {
	case "postgres":
		if a.DB == nil {
			return errors.New("audit sink postgres requires a database")
		}
		a.AuditStore = repository.NewAuditRepository(a.DB)
	case "memory":
		a.AuditStore = repository.NewMemoryAuditRepository()
	default:
		jsonl, err := repository.NewJSONLAuditRepository(a.Config.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit log %s: %w", a.Config.Audit.Path, err)
		}
		a.closers = append(a.closers, jsonl.Close)
		a.AuditStore = jsonl
	}
	a.Audit = service.NewAuditLog(a.AuditStore, service.AuditWithLogger(a.Logger))
	a.Logger.Info("audit log initialized", "sink", a.Config.Audit.Sink)
	return nil
}

func (a *App) buildEnrichmentChain(store service.EnrichmentStore) *service.EnrichmentChain {
	opts := []service.EnrichmentChainOption{
		service.ChainWithStore(store),
		service.ChainWithAuditLog(a.Audit),
		service.ChainWithStaleness(a.Config.Staleness()),
		service.ChainWithLogger(a.Logger),
	}
	for _, name := range a.Config.Enrichment.Chain {
		pc := a.Config.Enrichment.Providers[name]
		var p service.Provider
		switch name {
		case config.ProviderCMS:
			p = service.NewCMSRegistryProvider(pc.BaseURL, config.Secs(pc.TimeoutSecs), pc.MaxResults)
		case config.ProviderWebSearch:
			p = service.NewWebSearchProvider(pc.BaseURL, config.Secs(pc.TimeoutSecs), pc.MaxResults)
		default:
			continue
		}
		opts = append(opts, service.ChainWithProvider(p, service.ProviderSettings{
			RatePerSecond: pc.RatePerSecond,
			Burst:         pc.Burst,
			Cooldown:      config.Secs(pc.CooldownSecs),
			MaxCooldown:   config.Secs(pc.MaxCooldownSecs),
		}))
	}
	return service.NewEnrichmentChain(opts...)
}

func (a *App) buildDispatcher(hcos service.HCOReader) (*service.Dispatcher, error) {
	cfg := a.Config.Assistant
	byName := map[string]service.QueryHandler{
		config.IntentTopHCOs:    service.NewStructuredInsightHandler(hcos, cfg.TopLimitDefault, cfg.TopLimitMax),
		config.IntentHCOAddress: service.NewEnrichmentHandler(hcos, a.Enrichment,
			service.EnrichmentHandlerWithWebsites(a.Enrichment),
			service.EnrichmentHandlerWithStaleness(a.Config.Staleness())),
		config.IntentDocumentQA: service.NewDocumentQAHandler(a.Index),
	}

	opts := []service.DispatcherOption{
		service.DispatcherWithFallback(service.NewGeneralHandler()),
		service.DispatcherWithTimeout(a.Config.DispatchTimeout()),
		service.DispatcherWithMaxChars(cfg.MaxMessageChars),
		service.DispatcherWithAuditLog(a.Audit),
		service.DispatcherWithLogger(a.Logger),
	}
	for _, intent := range cfg.Intents {
		handler, ok := byName[intent.Name]
		if !ok {
			return nil, fmt.Errorf("intent %q has no handler", intent.Name)
		}
		match, err := service.RegexMatcher(intent.Name, intent.Patterns)
		if err != nil {
			return nil, err
		}
		opts = append(opts, service.DispatcherWithRoute(intent.Name, match, handler))
	}
	return service.NewDispatcher(opts...), nil
}

// Router builds the HTTP surface
func (a *App) Router() *gin.Engine {
	return handlers.NewRouter(
		handlers.NewDocumentHandler(a.Index, a.Documents, a.Config.Documents.MaxUploadBytes, config.Secs(a.Config.Remote.SyncAwaitSecs), a.Logger),
		handlers.NewAssistantHandler(a.Dispatcher, handlers.NewSessionStore(a.Config.Assistant.HistorySize, 10000), a.Logger),
		handlers.NewAuditHandler(a.AuditStore, a.Logger),
	)
}

// Close releases connections in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func categoryDirectories(raw map[string]string) (map[models.Category]string, error) {
	dirs := make(map[models.Category]string, len(raw))
	for name, dir := range raw {
		c, err := models.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("documents.directories: %w", err)
		}
		dirs[c] = dir
	}
	return dirs, nil
}

func initPostgres(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func initGemini(ctx context.Context, apiKey string, logger *slog.Logger) (*genai.Client, error) {
	if apiKey == "" {
		logger.Warn("GEMINI_API_KEY not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	logger.Info("gemini client initialized")
	return client, nil
}
