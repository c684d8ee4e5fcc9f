// Package testutil provides shared fixtures for the engine's tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dativo-io/engram/internal/memory"
)

// TestAgent is the agent identifier used throughout the tests.
const TestAgent = "agent-1"

// NewTestStore creates a SQLite store in a temp dir and registers t.Cleanup
// to close it.
func NewTestStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewSQLiteStore(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// NewTestEngine creates an engine over a fresh SQLite store with caching
// disabled, so tests observe backend state directly.
func NewTestEngine(t *testing.T, opts ...memory.Option) *memory.Engine {
	t.Helper()
	store := NewTestStore(t)
	opts = append([]memory.Option{memory.WithCacheTTL(0)}, opts...)
	engine, err := memory.NewEngine(store, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

// NewRecord returns a minimal valid record for TestAgent. Mutate fields as
// needed per test.
func NewRecord(content string) *memory.Record {
	return &memory.Record{
		AgentID:    TestAgent,
		Content:    content,
		Importance: 0.5,
		Tier:       memory.TierWorking,
	}
}

// AgedRecord returns a record whose timestamp is the given number of days in
// the past.
func AgedRecord(content string, days int) *memory.Record {
	r := NewRecord(content)
	r.Timestamp = time.Now().UTC().AddDate(0, 0, -days)
	return r
}
