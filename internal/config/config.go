// Package config loads service settings from defaults, an optional YAML
// file and the environment, in that order of precedence (env wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

type Config struct {
	Port     string `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// Auth for the HTTP API
	APIKey string `yaml:"api_key"`

	// Claude generation
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	AnthropicModel   string `yaml:"anthropic_model"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`

	// Ollama embeddings
	OllamaHost             string  `yaml:"ollama_host"`
	EmbedModel             string  `yaml:"embed_model"`
	EmbedRequestsPerSecond float64 `yaml:"embed_requests_per_second"`
	EmbedBurst             int     `yaml:"embed_burst"`

	// Chunking and retrieval
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	RetrievalK   int `yaml:"retrieval_k"`
	SummaryK     int `yaml:"summary_k"`
	TokenBudget  int `yaml:"token_budget"`

	// Provider calls
	MaxExtractRetries  int           `yaml:"max_extract_retries"`
	MaxProviderRetries int           `yaml:"max_provider_retries"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`

	// Worker pool
	WorkerCount  int           `yaml:"worker_count"`
	MaxQueueSize int           `yaml:"max_queue_size"`
	JobTTL       time.Duration `yaml:"job_ttl"`

	// Upload limits
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Session retention
	SessionKeepLatest int    `yaml:"session_keep_latest"`
	CleanupSchedule   string `yaml:"cleanup_schedule"`

	// Optional pathstore publication; disabled when PathstoreURL is empty
	PathstoreURL    string        `yaml:"pathstore_url"`
	PathstoreAPIKey string        `yaml:"pathstore_api_key"`
	PathstorePrefix string        `yaml:"pathstore_prefix"`
	PathstoreTTL    time.Duration `yaml:"pathstore_ttl"`

	// PDF
	PDFFallbackPdftotext bool `yaml:"pdf_fallback_pdftotext"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Port:     "8090",
		DataDir:  "data/document_analysis",
		LogLevel: "info",

		AnthropicModel: "claude-sonnet-4-5-20250929",

		OllamaHost: "http://localhost:11434",
		EmbedModel: "nomic-embed-text",
		EmbedBurst: 1,

		ChunkSize:    1000,
		ChunkOverlap: 200,
		RetrievalK:   5,
		SummaryK:     8,
		TokenBudget:  3000,

		MaxExtractRetries:  2,
		MaxProviderRetries: 3,
		ProviderTimeout:    60 * time.Second,

		WorkerCount:  4,
		MaxQueueSize: 100,
		JobTTL:       1 * time.Hour,

		MaxUploadBytes: 52428800, // 50MB

		SessionKeepLatest: 10,
		CleanupSchedule:   "@hourly",

		PathstorePrefix: "docanalyst",

		PDFFallbackPdftotext: true,
	}
}

// Load reads .env (outside production), then the YAML file named by
// DOCANALYST_CONFIG if set, then environment variables.
func Load() (Config, error) {
	if os.Getenv("ENV") != "production" {
		// A missing .env is normal.
		_ = godotenv.Load()
	}

	cfg := Defaults()
	if path := os.Getenv("DOCANALYST_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOr("PORT", c.Port)
	c.DataDir = envOr("DATA_STORAGE_PATH", c.DataDir)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)

	c.APIKey = envOr("DOCANALYST_API_KEY", c.APIKey)

	c.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicModel = envOr("ANTHROPIC_MODEL", c.AnthropicModel)
	c.AnthropicBaseURL = envOr("ANTHROPIC_BASE_URL", c.AnthropicBaseURL)

	c.OllamaHost = envOr("OLLAMA_HOST", c.OllamaHost)
	c.EmbedModel = envOr("EMBED_MODEL", c.EmbedModel)
	c.EmbedRequestsPerSecond = envFloat("EMBED_REQUESTS_PER_SECOND", c.EmbedRequestsPerSecond)
	c.EmbedBurst = envInt("EMBED_BURST", c.EmbedBurst)

	c.ChunkSize = envInt("CHUNK_SIZE", c.ChunkSize)
	c.ChunkOverlap = envInt("CHUNK_OVERLAP", c.ChunkOverlap)
	c.RetrievalK = envInt("RETRIEVAL_K", c.RetrievalK)
	c.SummaryK = envInt("SUMMARY_K", c.SummaryK)
	c.TokenBudget = envInt("TOKEN_BUDGET", c.TokenBudget)

	c.MaxExtractRetries = envInt("MAX_EXTRACT_RETRIES", c.MaxExtractRetries)
	c.MaxProviderRetries = envInt("MAX_PROVIDER_RETRIES", c.MaxProviderRetries)
	c.ProviderTimeout = envDuration("PROVIDER_TIMEOUT", c.ProviderTimeout)

	c.WorkerCount = envInt("WORKER_COUNT", c.WorkerCount)
	c.MaxQueueSize = envInt("MAX_QUEUE_SIZE", c.MaxQueueSize)
	c.JobTTL = envDuration("JOB_TTL", c.JobTTL)

	c.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes)

	c.SessionKeepLatest = envInt("SESSION_KEEP_LATEST", c.SessionKeepLatest)
	c.CleanupSchedule = envOr("CLEANUP_SCHEDULE", c.CleanupSchedule)

	c.PathstoreURL = envOr("PATHSTORE_URL", c.PathstoreURL)
	c.PathstoreAPIKey = envOr("PATHSTORE_API_KEY", c.PathstoreAPIKey)
	c.PathstorePrefix = envOr("PATHSTORE_PREFIX", c.PathstorePrefix)
	c.PathstoreTTL = envDuration("PATHSTORE_TTL", c.PathstoreTTL)

	c.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", c.PDFFallbackPdftotext)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, docerr.Configf(field, format, args...))
	}

	if c.AnthropicAPIKey == "" {
		bad("ANTHROPIC_API_KEY", "is required")
	}
	if c.DataDir == "" {
		bad("DATA_STORAGE_PATH", "is required")
	}
	if c.ChunkSize <= 0 {
		bad("CHUNK_SIZE", "must be > 0, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		bad("CHUNK_OVERLAP", "must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.RetrievalK <= 0 {
		bad("RETRIEVAL_K", "must be > 0, got %d", c.RetrievalK)
	}
	if c.SummaryK <= 0 {
		bad("SUMMARY_K", "must be > 0, got %d", c.SummaryK)
	}
	if c.TokenBudget <= 0 {
		bad("TOKEN_BUDGET", "must be > 0, got %d", c.TokenBudget)
	}
	if c.MaxExtractRetries < 0 {
		bad("MAX_EXTRACT_RETRIES", "must be >= 0, got %d", c.MaxExtractRetries)
	}
	if c.MaxProviderRetries < 0 {
		bad("MAX_PROVIDER_RETRIES", "must be >= 0, got %d", c.MaxProviderRetries)
	}
	if c.ProviderTimeout <= 0 {
		bad("PROVIDER_TIMEOUT", "must be > 0, got %s", c.ProviderTimeout)
	}
	if c.WorkerCount <= 0 {
		bad("WORKER_COUNT", "must be > 0, got %d", c.WorkerCount)
	}
	if c.MaxQueueSize <= 0 {
		bad("MAX_QUEUE_SIZE", "must be > 0, got %d", c.MaxQueueSize)
	}
	if c.JobTTL <= 0 {
		bad("JOB_TTL", "must be > 0, got %s", c.JobTTL)
	}
	if c.MaxUploadBytes <= 0 {
		bad("MAX_UPLOAD_BYTES", "must be > 0, got %d", c.MaxUploadBytes)
	}
	if c.SessionKeepLatest < 0 {
		bad("SESSION_KEEP_LATEST", "must be >= 0, got %d", c.SessionKeepLatest)
	}
	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			bad("CLEANUP_SCHEDULE", "%v", err)
		}
	}
	if c.EmbedRequestsPerSecond < 0 {
		bad("EMBED_REQUESTS_PER_SECOND", "must be >= 0, got %g", c.EmbedRequestsPerSecond)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		bad("LOG_LEVEL", "%v", err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
