package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper restores the keys a test mutates so tests stay independent.
func resetViper(t *testing.T, keys ...string) {
	t.Helper()
	prev := make(map[string]any, len(keys))
	for _, k := range keys {
		prev[k] = viper.Get(k)
	}
	t.Cleanup(func() {
		for k, v := range prev {
			viper.Set(k, v)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t, KeyDataDir)
	viper.Set(KeyDataDir, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, DefaultMaxRecordsPerAgent, cfg.MaxRecordsPerAgent)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, DefaultVectorThreshold, cfg.VectorThreshold)
	assert.True(t, cfg.VectorSearch)
	assert.True(t, cfg.FullTextSearch)
	assert.Equal(t, EmbedderLocal, cfg.Embedder)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.False(t, cfg.CleanupArchival)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
}

func TestLoad_CleanupArchival(t *testing.T) {
	resetViper(t, KeyDataDir, KeyCleanupArchival)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeyCleanupArchival, true)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.CleanupArchival)
}

func TestLoad_InvalidBackend(t *testing.T) {
	resetViper(t, KeyBackend)
	viper.Set(KeyBackend, "cassette-tape")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	resetViper(t, KeyBackend, KeyPostgresDSN)
	viper.Set(KeyBackend, BackendPostgres)
	viper.Set(KeyPostgresDSN, "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")

	viper.Set(KeyPostgresDSN, "postgres://localhost:5432/engram")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
}

func TestLoad_OpenAIRequiresKey(t *testing.T) {
	resetViper(t, KeyEmbedder, KeyOpenAIAPIKey)
	viper.Set(KeyEmbedder, EmbedderOpenAI)
	viper.Set(KeyOpenAIAPIKey, "")

	_, err := Load()
	require.Error(t, err)

	viper.Set(KeyOpenAIAPIKey, "sk-test")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoad_ThresholdBounds(t *testing.T) {
	resetViper(t, KeyVectorThreshold)
	viper.Set(KeyVectorThreshold, 1.5)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_threshold")
}

func TestMemoryDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/engram"}
	assert.Equal(t, "/var/lib/engram/memory.db", cfg.MemoryDBPath())
}
