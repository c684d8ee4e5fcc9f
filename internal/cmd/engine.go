package cmd

import (
	"context"
	"fmt"

	"github.com/dativo-io/engram/internal/config"
	"github.com/dativo-io/engram/internal/embedding"
	"github.com/dativo-io/engram/internal/memory"
)

// buildEngine wires the configured backend and embedder into a memory
// engine. Callers own Close().
func buildEngine(ctx context.Context, cfg *config.Config) (*memory.Engine, error) {
	var backend memory.Backend
	var err error
	switch cfg.Backend {
	case config.BackendPostgres:
		backend, err = memory.NewPostgresStore(ctx, memory.PostgresConfig{
			DSN:      cfg.PostgresDSN,
			MaxConns: int32(cfg.PostgresMaxConns),
		})
	default:
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		backend, err = memory.NewSQLiteStore(cfg.MemoryDBPath())
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}

	opts := []memory.Option{
		memory.WithVectorThreshold(cfg.VectorThreshold),
		memory.WithMaxRecordsPerAgent(cfg.MaxRecordsPerAgent),
		memory.WithRetentionDays(cfg.RetentionDays),
		memory.WithVectorSearch(cfg.VectorSearch),
		memory.WithFullTextSearch(cfg.FullTextSearch),
		memory.WithCacheTTL(cfg.CacheTTL),
		memory.WithCleanupArchival(cfg.CleanupArchival),
	}

	switch cfg.Embedder {
	case config.EmbedderLocal:
		opts = append(opts, memory.WithEmbedder(embedding.NewLocal()))
	case config.EmbedderOpenAI:
		opts = append(opts,
			memory.WithEmbedder(embedding.NewOpenAI(cfg.OpenAIAPIKey)),
			memory.WithSummarizer(embedding.NewOpenAISummarizer(cfg.OpenAIAPIKey)))
	}

	return memory.NewEngine(backend, opts...)
}
