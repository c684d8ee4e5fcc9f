// Package config holds operator-level configuration for an Engram
// installation: where state lives, which storage backend to use, and how
// the background lifecycle jobs are scheduled.
//
// Set via env vars (ENGRAM_*) or a config file (engram.config.yaml).
// Agent-supplied data (records, rules, strategies) never lives here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Storage backend identifiers.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Embedder identifiers.
const (
	EmbedderNone   = "none"
	EmbedderLocal  = "local"
	EmbedderOpenAI = "openai"
)

// Viper keys. Each maps to an env var with the ENGRAM_ prefix
// (e.g. "postgres_dsn" → ENGRAM_POSTGRES_DSN) and to a YAML field
// in engram.config.yaml.
const (
	KeyDataDir               = "data_dir"
	KeyBackend               = "backend"
	KeyPostgresDSN           = "postgres_dsn"
	KeyPostgresMaxConns      = "postgres_max_conns"
	KeyMaxRecordsPerAgent    = "max_records_per_agent"
	KeyRetentionDays         = "retention_days"
	KeyVectorThreshold       = "vector_threshold"
	KeyVectorSearch          = "vector_search_enabled"
	KeyFullTextSearch        = "full_text_search_enabled"
	KeyEmbedder              = "embedder"
	KeyOpenAIAPIKey          = "openai_api_key"
	KeyCacheTTL              = "cache_ttl"
	KeyCleanupArchival       = "cleanup_archival"
	KeyConsolidationInterval = "consolidation_interval"
	KeyArchivalInterval      = "archival_interval"
	KeyCleanupInterval       = "cleanup_interval"
	KeyListenAddr            = "listen_addr"
	KeyRateLimitRPS          = "rate_limit_rps"
	KeyOTelEnabled           = "otel_enabled"
)

const (
	DefaultBackend               = BackendSQLite
	DefaultPostgresMaxConns      = 10
	DefaultMaxRecordsPerAgent    = 10000
	DefaultRetentionDays         = 30
	DefaultVectorThreshold       = 0.7
	DefaultEmbedder              = EmbedderLocal
	DefaultCacheTTL              = time.Minute
	DefaultConsolidationInterval = time.Hour
	DefaultArchivalInterval      = 24 * time.Hour
	DefaultCleanupInterval       = time.Hour
	DefaultListenAddr            = ":8321"
	DefaultRateLimitRPS          = 50
)

// Config holds resolved operator-level configuration for an Engram process.
type Config struct {
	DataDir            string        // Base directory for all state (~/.engram)
	Backend            string        // "sqlite" or "postgres"
	PostgresDSN        string        // Connection string; required when Backend is postgres
	PostgresMaxConns   int           // Pool ceiling for the postgres backend
	MaxRecordsPerAgent int           // FIFO eviction cap, 0 disables
	RetentionDays      int           // Cleanup window, 0 disables the aged sweep
	VectorThreshold    float64       // Minimum cosine similarity for vector hits
	VectorSearch       bool          // Vector retrieval path enabled
	FullTextSearch     bool          // Full-text retrieval path enabled
	Embedder           string        // "none", "local" or "openai"
	OpenAIAPIKey       string        // Used when Embedder is openai
	CacheTTL           time.Duration // Retrieval cache lifetime, 0 disables caching
	CleanupArchival    bool          // Archive aged records during cleanup instead of deleting outright

	ConsolidationInterval time.Duration
	ArchivalInterval      time.Duration
	CleanupInterval       time.Duration

	ListenAddr   string // HTTP API bind address
	RateLimitRPS int    // Per-caller request budget for the HTTP API
	OTelEnabled  bool
}

// MemoryDBPath returns the full path to the SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("ENGRAM")
	viper.AutomaticEnv()
	viper.SetDefault(KeyBackend, DefaultBackend)
	viper.SetDefault(KeyPostgresMaxConns, DefaultPostgresMaxConns)
	viper.SetDefault(KeyMaxRecordsPerAgent, DefaultMaxRecordsPerAgent)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	viper.SetDefault(KeyVectorThreshold, DefaultVectorThreshold)
	viper.SetDefault(KeyVectorSearch, true)
	viper.SetDefault(KeyFullTextSearch, true)
	viper.SetDefault(KeyEmbedder, DefaultEmbedder)
	viper.SetDefault(KeyCacheTTL, DefaultCacheTTL)
	viper.SetDefault(KeyConsolidationInterval, DefaultConsolidationInterval)
	viper.SetDefault(KeyArchivalInterval, DefaultArchivalInterval)
	viper.SetDefault(KeyCleanupInterval, DefaultCleanupInterval)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyRateLimitRPS, DefaultRateLimitRPS)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:               resolveDataDir(),
		Backend:               viper.GetString(KeyBackend),
		PostgresDSN:           viper.GetString(KeyPostgresDSN),
		PostgresMaxConns:      viper.GetInt(KeyPostgresMaxConns),
		MaxRecordsPerAgent:    viper.GetInt(KeyMaxRecordsPerAgent),
		RetentionDays:         viper.GetInt(KeyRetentionDays),
		VectorThreshold:       viper.GetFloat64(KeyVectorThreshold),
		VectorSearch:          viper.GetBool(KeyVectorSearch),
		FullTextSearch:        viper.GetBool(KeyFullTextSearch),
		Embedder:              viper.GetString(KeyEmbedder),
		OpenAIAPIKey:          viper.GetString(KeyOpenAIAPIKey),
		CacheTTL:              viper.GetDuration(KeyCacheTTL),
		CleanupArchival:       viper.GetBool(KeyCleanupArchival),
		ConsolidationInterval: viper.GetDuration(KeyConsolidationInterval),
		ArchivalInterval:      viper.GetDuration(KeyArchivalInterval),
		CleanupInterval:       viper.GetDuration(KeyCleanupInterval),
		ListenAddr:            viper.GetString(KeyListenAddr),
		RateLimitRPS:          viper.GetInt(KeyRateLimitRPS),
		OTelEnabled:           viper.GetBool(KeyOTelEnabled),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres backend requires postgres_dsn; set ENGRAM_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("backend must be %q or %q (got %q)", BackendSQLite, BackendPostgres, c.Backend)
	}

	switch c.Embedder {
	case EmbedderNone, EmbedderLocal:
	case EmbedderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai embedder requires an API key; set ENGRAM_OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("embedder must be %q, %q or %q (got %q)",
			EmbedderNone, EmbedderLocal, EmbedderOpenAI, c.Embedder)
	}

	if c.VectorThreshold < -1 || c.VectorThreshold > 1 {
		return fmt.Errorf("vector_threshold must be within [-1, 1] (got %g)", c.VectorThreshold)
	}
	if c.PostgresMaxConns <= 0 {
		return fmt.Errorf("postgres_max_conns must be positive")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive")
	}
	return nil
}
