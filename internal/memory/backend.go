package memory

import (
	"context"
	"time"
)

// Capabilities describes what a backend can do beyond raw CRUD. The
// retrieval engine branches on capabilities, never on backend identity.
type Capabilities struct {
	Vector   bool `json:"vector"`
	FullText bool `json:"full_text"`
}

// ScoredRecord pairs a record with its cosine similarity to a query vector.
type ScoredRecord struct {
	Record     Record  `json:"record"`
	Similarity float64 `json:"similarity"`
}

// Backend is the pluggable persistence contract. Implementations own schema
// creation and raw CRUD for records plus the engine's auxiliary state
// (rules, strategies, history, archives, shared pool).
//
// Every read query silently excludes records whose duration is short_term
// and whose expires_at has passed; that exclusion is the sole expiry
// mechanism outside the explicit cleanup sweep.
type Backend interface {
	Capabilities() Capabilities
	Ping(ctx context.Context) error
	Close() error

	// Put is an upsert by id: all mutable fields overwritten, updated_at
	// advanced. Atomic at single-record granularity.
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, agentID, id string) (*Record, error)
	// Delete fails with ErrNotFound when zero rows are affected.
	Delete(ctx context.Context, agentID, id string) error
	// Clear removes all of an agent's records; zero rows is a silent no-op.
	Clear(ctx context.Context, agentID string) error
	Stats(ctx context.Context, agentID string) (*Stats, error)
	DistinctAgents(ctx context.Context) ([]string, error)

	QueryRecent(ctx context.Context, agentID string, limit int) ([]Record, error)
	QueryImportant(ctx context.Context, agentID string, limit int) ([]Record, error)
	QueryByDuration(ctx context.Context, agentID string, d Duration, limit int) ([]Record, error)
	QueryByTier(ctx context.Context, agentID string, tier Tier, limit int) ([]Record, error)
	// QueryOlderThan returns records whose timestamp precedes cutoff,
	// optionally restricted to one tier (empty tier means any).
	QueryOlderThan(ctx context.Context, agentID string, tier Tier, cutoff time.Time, limit int) ([]Record, error)

	// SearchText is ranked full-text search; returns ErrUnsupported when the
	// backend has no full-text index.
	SearchText(ctx context.Context, agentID, query string, limit int) ([]Record, error)
	// MatchSubstring is the lexical fallback: substring and tag containment,
	// ordered by importance then recency. Always available.
	MatchSubstring(ctx context.Context, agentID, query string, limit int) ([]Record, error)
	// SearchBySimilarity returns embedded records whose cosine similarity to
	// the query meets threshold, best first. Returns ErrUnsupported on
	// non-vector backends, never a silent empty list.
	SearchBySimilarity(ctx context.Context, agentID string, query []float32, threshold float64, limit int) ([]ScoredRecord, error)
	CountEmbedded(ctx context.Context, agentID string) (int64, error)

	// UpdateTierCAS sets tier to "to" only while the stored tier still equals
	// "from". ErrConflict when the compare fails, ErrNotFound when the record
	// is gone.
	UpdateTierCAS(ctx context.Context, agentID, id string, from, to Tier) error
	DeleteBatch(ctx context.Context, agentID string, ids []string) (int64, error)
	// DeleteExpired removes short-term records whose expires_at has passed.
	DeleteExpired(ctx context.Context, agentID string) (int64, error)
	// EnforceMaxRecords evicts the oldest records above the cap (FIFO).
	EnforceMaxRecords(ctx context.Context, agentID string, max int) (int64, error)

	SaveRule(ctx context.Context, rule *ConsolidationRule) error
	// Rules returns an agent's rules in insertion order (created_at, id).
	Rules(ctx context.Context, agentID string) ([]ConsolidationRule, error)
	AppendHistory(ctx context.Context, h *HistoryEntry) error
	History(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error)

	SaveStrategy(ctx context.Context, s *ArchivalStrategy) error
	Strategies(ctx context.Context, agentID string) ([]ArchivalStrategy, error)
	SaveArchive(ctx context.Context, a *ArchivedMemory) error
	Archives(ctx context.Context, agentID string, limit int) ([]ArchivedMemory, error)

	SaveShared(ctx context.Context, e *SharedEntry) error
	SharedByMemory(ctx context.Context, memoryID string) (*SharedEntry, error)
	ListShared(ctx context.Context) ([]SharedEntry, error)
	TouchShared(ctx context.Context, ids []string, at time.Time) error
	DeleteShared(ctx context.Context, agentID, memoryID string) error
}
