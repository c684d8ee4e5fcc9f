package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Embedder turns content into a fixed-length vector. Injected so the
// embedding model stays replaceable; the engine calls it only when a stored
// record has content but no embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer produces the archive summary for the summarization strategy.
// External collaborator, injected.
type Summarizer interface {
	Summarize(ctx context.Context, contents []string) (string, error)
}

const (
	defaultVectorThreshold = 0.7
	defaultCacheTTL        = 60 * time.Second
)

// Engine is the facade callers use: store/retrieve/search/delete/clear plus
// the consolidation, archival, and shared-pool operations. Foreground calls
// may run concurrently with the background passes; the backend's row-level
// guarantees (atomic upsert, compare-and-set tier update) carry the
// consistency story.
type Engine struct {
	backend    Backend
	embedder   Embedder
	summarizer Summarizer
	concepts   func(content string) []string

	cache    *ristretto.Cache
	cacheTTL time.Duration
	gens     sync.Map // agentID -> *uint64 generation, bumped on writes

	vectorThreshold float64
	maxRecords      int
	retentionDays   int
	vectorEnabled   bool
	fullTextEnabled bool
	cleanupArchival bool
}

// Option configures the Engine.
type Option func(*Engine)

// WithEmbedder sets the embedding generator used when stored records carry
// content but no vector.
func WithEmbedder(e Embedder) Option {
	return func(eng *Engine) { eng.embedder = e }
}

// WithSummarizer sets the external summarization collaborator.
func WithSummarizer(s Summarizer) Option {
	return func(eng *Engine) { eng.summarizer = s }
}

// WithVectorThreshold overrides the default 0.7 similarity acceptance bound.
func WithVectorThreshold(t float64) Option {
	return func(eng *Engine) { eng.vectorThreshold = t }
}

// WithMaxRecordsPerAgent caps per-agent record counts; the oldest records
// are evicted FIFO after each store. Zero disables the cap.
func WithMaxRecordsPerAgent(n int) Option {
	return func(eng *Engine) { eng.maxRecords = n }
}

// WithRetentionDays sets the default retention window used by Cleanup when
// the caller passes zero.
func WithRetentionDays(days int) Option {
	return func(eng *Engine) { eng.retentionDays = days }
}

// WithVectorSearch toggles vector search; when off, Search always degrades
// to recency retrieval.
func WithVectorSearch(enabled bool) Option {
	return func(eng *Engine) { eng.vectorEnabled = enabled }
}

// WithFullTextSearch toggles ranked full-text retrieval; when off, free-text
// queries use substring/tag matching even on capable backends.
func WithFullTextSearch(enabled bool) Option {
	return func(eng *Engine) { eng.fullTextEnabled = enabled }
}

// WithCacheTTL overrides the 60s retrieval read-cache TTL. Zero disables
// the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(eng *Engine) { eng.cacheTTL = ttl }
}

// WithCleanupArchival makes retention cleanup archive aged records before
// deleting them.
func WithCleanupArchival(enabled bool) Option {
	return func(eng *Engine) { eng.cleanupArchival = enabled }
}

// WithConceptExtractor replaces the tag-rewrite step applied on
// episodic-to-semantic promotion.
func WithConceptExtractor(fn func(content string) []string) Option {
	return func(eng *Engine) { eng.concepts = fn }
}

// NewEngine wraps a backend with the engine facade.
func NewEngine(backend Backend, opts ...Option) (*Engine, error) {
	eng := &Engine{
		backend:         backend,
		concepts:        ExtractConcepts,
		cacheTTL:        defaultCacheTTL,
		vectorThreshold: defaultVectorThreshold,
		vectorEnabled:   true,
		fullTextEnabled: true,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     1 << 24,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("creating retrieval cache: %w", err)
		}
		eng.cache = cache
	}
	return eng, nil
}

// Backend exposes the underlying store, mainly for health checks.
func (e *Engine) Backend() Backend { return e.backend }

// Close releases the backend and cache.
func (e *Engine) Close() error {
	if e.cache != nil {
		e.cache.Close()
	}
	return e.backend.Close()
}

// Store upserts a record: defaults filled, importance clamped into [0, 1],
// embedding generated when absent, and the per-agent cache generation
// bumped. Calling it twice with the same id leaves exactly one record.
func (e *Engine) Store(ctx context.Context, r *Record) error {
	ctx, span := tracer.Start(ctx, "memory.store",
		trace.WithAttributes(attribute.String("agent_id", r.AgentID)))
	defer span.End()

	prepareRecord(r)
	if err := validateRecord(r); err != nil {
		return err
	}

	if e.embedder != nil && len(r.Embedding) == 0 && r.Content != "" {
		emb, err := e.embedder.Embed(ctx, r.Content)
		if err != nil {
			// stored unembedded; vector search simply won't see it
			log.Warn().Err(err).Str("agent_id", r.AgentID).Str("memory_id", r.ID).
				Msg("embedding generation failed")
		} else {
			r.Embedding = emb
		}
	}

	if err := e.backend.Put(ctx, r); err != nil {
		return err
	}
	e.invalidate(r.AgentID)
	storesTotal.Add(ctx, 1)

	if e.maxRecords > 0 {
		if evicted, err := e.backend.EnforceMaxRecords(ctx, r.AgentID, e.maxRecords); err != nil {
			log.Error().Err(err).Str("agent_id", r.AgentID).Msg("max-records enforcement failed")
		} else if evicted > 0 {
			log.Debug().Int64("evicted", evicted).Str("agent_id", r.AgentID).Msg("memory_records_evicted")
		}
	}
	recordCountGauge(ctx, e.backend, r.AgentID)
	span.SetAttributes(attribute.String("memory.id", r.ID))
	return nil
}

// Get returns a copy of one record, ErrNotFound if absent or expired.
func (e *Engine) Get(ctx context.Context, agentID, id string) (*Record, error) {
	rec, err := e.backend.Get(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Delete removes one record; ErrNotFound when it does not exist.
func (e *Engine) Delete(ctx context.Context, agentID, id string) error {
	if err := e.backend.Delete(ctx, agentID, id); err != nil {
		return err
	}
	e.invalidate(agentID)
	recordCountGauge(ctx, e.backend, agentID)
	return nil
}

// Clear removes all of an agent's records. Clearing an empty agent is a
// no-op, not an error.
func (e *Engine) Clear(ctx context.Context, agentID string) error {
	if err := e.backend.Clear(ctx, agentID); err != nil {
		return err
	}
	e.invalidate(agentID)
	recordCountGauge(ctx, e.backend, agentID)
	return nil
}

// Stats aggregates the agent's memory counts.
func (e *Engine) Stats(ctx context.Context, agentID string) (*Stats, error) {
	return e.backend.Stats(ctx, agentID)
}

// History returns the agent's consolidation audit log, newest first.
func (e *Engine) History(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error) {
	return e.backend.History(ctx, agentID, limit)
}

// Archives returns the agent's archived summaries, newest first.
func (e *Engine) Archives(ctx context.Context, agentID string, limit int) ([]ArchivedMemory, error) {
	return e.backend.Archives(ctx, agentID, limit)
}

// cacheKey folds the per-agent generation counter into the key so any write
// for that agent orphans all older cached result sets.
func (e *Engine) cacheKey(agentID, query string, limit int) string {
	return fmt.Sprintf("%s|%d|%s|%d", agentID, e.generation(agentID), query, limit)
}

func (e *Engine) generation(agentID string) uint64 {
	if v, ok := e.gens.Load(agentID); ok {
		return atomic.LoadUint64(v.(*uint64))
	}
	return 0
}

// invalidate bumps the agent's cache generation. Old entries age out via
// ristretto's TTL; they just become unreachable immediately.
func (e *Engine) invalidate(agentID string) {
	if e.cache == nil {
		return
	}
	v, _ := e.gens.LoadOrStore(agentID, new(uint64))
	atomic.AddUint64(v.(*uint64), 1)
}

func (e *Engine) cacheGet(key string) ([]Record, bool) {
	if e.cache == nil {
		return nil, false
	}
	v, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	recs, ok := v.([]Record)
	return recs, ok
}

func (e *Engine) cachePut(key string, recs []Record) {
	if e.cache == nil {
		return
	}
	e.cache.SetWithTTL(key, recs, int64(len(recs)+1), e.cacheTTL)
}
