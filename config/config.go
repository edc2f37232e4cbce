package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port                string `yaml:"port"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs"`
}

// DatabaseConfig configures Postgres. An empty URL selects in-memory repositories.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// GeminiConfig configures the remote document index
type GeminiConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

// DocumentsConfig configures the local document store
type DocumentsConfig struct {
	Root           string            `yaml:"root"`
	Directories    map[string]string `yaml:"directories"`
	MaxUploadBytes int64             `yaml:"max_upload_bytes"`
	SyncWorkers    int               `yaml:"sync_workers"`
	SyncOnStartup  bool              `yaml:"sync_on_startup"`
}

// RemoteConfig configures retries and polling against the remote index
type RemoteConfig struct {
	UploadAttempts        int `yaml:"upload_attempts"`
	UploadBackoffMillis   int `yaml:"upload_backoff_millis"`
	PollIntervalMillis    int `yaml:"poll_interval_millis"`
	PollMaxIntervalMillis int `yaml:"poll_max_interval_millis"`
	ProcessingTimeoutSecs int `yaml:"processing_timeout_secs"`
	SyncAwaitSecs         int `yaml:"sync_await_secs"`
}

// ProviderConfig configures one enrichment provider
type ProviderConfig struct {
	BaseURL         string  `yaml:"base_url"`
	TimeoutSecs     int     `yaml:"timeout_secs"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Burst           int     `yaml:"burst"`
	CooldownSecs    int     `yaml:"cooldown_secs"`
	MaxCooldownSecs int     `yaml:"max_cooldown_secs"`
	MaxResults      int     `yaml:"max_results"`
}

// EnrichmentConfig configures the provider fallback chain
type EnrichmentConfig struct {
	Chain          []string                  `yaml:"chain"`
	StalenessHours int                       `yaml:"staleness_hours"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

// IntentConfig maps a handler name to the patterns that select it
type IntentConfig struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// AssistantConfig configures the intent dispatcher
type AssistantConfig struct {
	DispatchTimeoutSecs int            `yaml:"dispatch_timeout_secs"`
	HistorySize         int            `yaml:"history_size"`
	MaxMessageChars     int            `yaml:"max_message_chars"`
	TopLimitDefault     int            `yaml:"top_limit_default"`
	TopLimitMax         int            `yaml:"top_limit_max"`
	Intents             []IntentConfig `yaml:"intents"`
}

// AuditConfig selects the compliance audit sink
type AuditConfig struct {
	Sink string `yaml:"sink"` // jsonl, postgres or memory
	Path string `yaml:"path"`
}

// ArchiveConfig selects where content-addressed copies of uploaded documents are kept
type ArchiveConfig struct {
	Type         string `yaml:"type"` // none, local or s3
	LocalPath    string `yaml:"local_path"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Region     string `yaml:"s3_region"`
	AWSAccessKey string `yaml:"-"`
	AWSSecretKey string `yaml:"-"`
}

// Config is the root application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Documents  DocumentsConfig  `yaml:"documents"`
	Remote     RemoteConfig     `yaml:"remote"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	Audit      AuditConfig      `yaml:"audit"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// Provider names understood by the enrichment chain
const (
	ProviderCMS       = "cms_registry"
	ProviderWebSearch = "web_search"
)

// Intent names understood by the dispatcher
const (
	IntentTopHCOs    = "top_hcos"
	IntentHCOAddress = "hco_address"
	IntentDocumentQA = "document_qa"
)

// Load reads the config at path, applies defaults and then environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			applyConfigDefaults(&fileCfg)
			cfg = &fileCfg
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings that cannot work
func (c *Config) Validate() error {
	switch c.Audit.Sink {
	case "jsonl", "postgres", "memory":
	default:
		return fmt.Errorf("unknown audit sink: %s", c.Audit.Sink)
	}
	if c.Audit.Sink == "postgres" && c.Database.URL == "" {
		return errors.New("audit sink postgres requires database.url")
	}
	switch c.Archive.Type {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("unknown archive type: %s", c.Archive.Type)
	}
	if c.Archive.Type == "s3" && c.Archive.S3Bucket == "" {
		return errors.New("archive type s3 requires s3_bucket")
	}
	for _, name := range c.Enrichment.Chain {
		if name != ProviderCMS && name != ProviderWebSearch {
			return fmt.Errorf("unknown enrichment provider: %s", name)
		}
	}
	if c.Assistant.TopLimitDefault > c.Assistant.TopLimitMax {
		return errors.New("top_limit_default exceeds top_limit_max")
	}
	return nil
}

// DispatchTimeout returns the overall deadline for one assistant request
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Assistant.DispatchTimeoutSecs) * time.Second
}

// Staleness returns the enrichment cache staleness threshold
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Enrichment.StalenessHours) * time.Hour
}

// Millis converts a millisecond setting to a duration
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Secs converts a seconds setting to a duration
func Secs(n int) time.Duration { return time.Duration(n) * time.Second }

func defaultConfig() *Config {
	cfg := &Config{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeoutSecs == 0 {
		cfg.Server.ShutdownTimeoutSecs = 10
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.5-flash"
	}
	if cfg.Gemini.Temperature == 0 {
		cfg.Gemini.Temperature = 0.2
	}

	if cfg.Documents.Root == "" {
		cfg.Documents.Root = "./documents"
	}
	if cfg.Documents.Directories == nil {
		cfg.Documents.Directories = map[string]string{}
	}
	for name, dir := range map[string]string{
		"research": "research_papers",
		"policy":   "policies",
		"contract": "contracts",
		"clinical": "clinical",
	} {
		if cfg.Documents.Directories[name] == "" {
			cfg.Documents.Directories[name] = dir
		}
	}
	if cfg.Documents.MaxUploadBytes == 0 {
		cfg.Documents.MaxUploadBytes = 50 * 1024 * 1024
	}
	if cfg.Documents.SyncWorkers == 0 {
		cfg.Documents.SyncWorkers = 4
	}

	if cfg.Remote.UploadAttempts == 0 {
		cfg.Remote.UploadAttempts = 3
	}
	if cfg.Remote.UploadBackoffMillis == 0 {
		cfg.Remote.UploadBackoffMillis = 2000
	}
	if cfg.Remote.PollIntervalMillis == 0 {
		cfg.Remote.PollIntervalMillis = 2000
	}
	if cfg.Remote.PollMaxIntervalMillis == 0 {
		cfg.Remote.PollMaxIntervalMillis = 30000
	}
	if cfg.Remote.ProcessingTimeoutSecs == 0 {
		cfg.Remote.ProcessingTimeoutSecs = 300
	}

	if len(cfg.Enrichment.Chain) == 0 {
		cfg.Enrichment.Chain = []string{ProviderCMS, ProviderWebSearch}
	}
	if cfg.Enrichment.StalenessHours == 0 {
		cfg.Enrichment.StalenessHours = 90 * 24
	}
	if cfg.Enrichment.Providers == nil {
		cfg.Enrichment.Providers = map[string]ProviderConfig{}
	}
	cms := cfg.Enrichment.Providers[ProviderCMS]
	if cms.BaseURL == "" {
		cms.BaseURL = "https://data.cms.gov/data-api/v1/dataset/f6f6505c-e8b0-4d57-b258-e2b94133aaf2/data"
	}
	if cms.MaxResults == 0 {
		cms.MaxResults = 10
	}
	applyProviderDefaults(&cms, 15)
	cfg.Enrichment.Providers[ProviderCMS] = cms

	web := cfg.Enrichment.Providers[ProviderWebSearch]
	if web.BaseURL == "" {
		web.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if web.MaxResults == 0 {
		web.MaxResults = 5
	}
	applyProviderDefaults(&web, 10)
	cfg.Enrichment.Providers[ProviderWebSearch] = web

	if cfg.Assistant.DispatchTimeoutSecs == 0 {
		cfg.Assistant.DispatchTimeoutSecs = 25
	}
	if cfg.Assistant.HistorySize == 0 {
		cfg.Assistant.HistorySize = 20
	}
	if cfg.Assistant.MaxMessageChars == 0 {
		cfg.Assistant.MaxMessageChars = 1000
	}
	if cfg.Assistant.TopLimitDefault == 0 {
		cfg.Assistant.TopLimitDefault = 5
	}
	if cfg.Assistant.TopLimitMax == 0 {
		cfg.Assistant.TopLimitMax = 20
	}
	if len(cfg.Assistant.Intents) == 0 {
		cfg.Assistant.Intents = DefaultIntents()
	}

	if cfg.Audit.Sink == "" {
		cfg.Audit.Sink = "jsonl"
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "./data/audit.jsonl"
	}
	if cfg.Archive.Type == "" {
		cfg.Archive.Type = "none"
	}
	if cfg.Archive.LocalPath == "" {
		cfg.Archive.LocalPath = "./storage/archive"
	}
	if cfg.Archive.S3Region == "" {
		cfg.Archive.S3Region = "us-east-1"
	}
}

func applyProviderDefaults(p *ProviderConfig, timeoutSecs int) {
	if p.TimeoutSecs == 0 {
		p.TimeoutSecs = timeoutSecs
	}
	if p.RatePerSecond == 0 {
		p.RatePerSecond = 1
	}
	if p.Burst == 0 {
		p.Burst = 1
	}
	if p.CooldownSecs == 0 {
		p.CooldownSecs = 30
	}
	if p.MaxCooldownSecs == 0 {
		p.MaxCooldownSecs = 600
	}
}

// DefaultIntents returns the built-in intent table in priority order.
// The general handler is the fallback and is not listed.
func DefaultIntents() []IntentConfig {
	return []IntentConfig{
		{
			Name: IntentTopHCOs,
			Patterns: []string{
				`(?i)\btop\s+(?P<limit>\d+)?\s*hcos?\b.*?(?P<metric>ghost|treated|leakage|patients?)`,
			},
		},
		{
			Name: IntentHCOAddress,
			Patterns: []string{
				`(?i)(?:find|get|show)\s+(?:the\s+)?address\s+(?:of|for)\s+(?P<entity>.+?)\s*(?:\?|$)`,
				`(?i)where\s+is\s+(?P<entity>.+?)\s+(?:located|address)\s*(?:\?|$)`,
				`(?i)(?:what\s+is\s+the\s+)?(?:address|location)(?:\s+of|\s+for)?\s+(?P<entity>.+?)\s*(?:\?|$)`,
			},
		},
		{
			Name: IntentDocumentQA,
			Patterns: []string{
				`(?i)\b(?:according\s+to|documents?|pdfs?|guidelines?|polic(?:y|ies)|research\s+papers?|clinical\s+(?:trials?|stud(?:y|ies)))\b`,
			},
		},
	}
}

// applyEnv overrides config values from the environment, matching the
// variable names used by earlier deployments.
func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Gemini.Model, "GEMINI_MODEL")
	setString(&cfg.Documents.Root, "DOCUMENTS_ROOT")
	setString(&cfg.Audit.Sink, "AUDIT_SINK")
	setString(&cfg.Audit.Path, "AUDIT_PATH")
	setString(&cfg.Archive.Type, "STORAGE_TYPE")
	setString(&cfg.Archive.LocalPath, "STORAGE_LOCAL_PATH")
	setString(&cfg.Archive.S3Bucket, "AWS_S3_BUCKET")
	setString(&cfg.Archive.S3Region, "AWS_REGION")
	setString(&cfg.Archive.AWSAccessKey, "AWS_ACCESS_KEY_ID")
	setString(&cfg.Archive.AWSSecretKey, "AWS_SECRET_ACCESS_KEY")

	if v := os.Getenv("SYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid SYNC_WORKERS: %q", v)
		}
		cfg.Documents.SyncWorkers = n
	}
	if v := os.Getenv("SYNC_ON_STARTUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_ON_STARTUP: %q", v)
		}
		cfg.Documents.SyncOnStartup = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
