package memory

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Named queries Retrieve dispatches on before falling through to free-text
// search.
const (
	QueryRecent    = "recent"
	QueryImportant = "important"
	tierPrefix     = "tier:"
)

// Retrieve answers a conventional query for an agent. Dispatch precedence:
//
//  1. "recent" or ""            — timestamp descending
//  2. "important"               — importance descending
//  3. "short_term"/"long_term"  — duration filter, recency / importance order
//  4. "tier:<name>"             — tier filter, timestamp descending
//  5. anything else             — full-text search when the backend supports
//     it, substring/tag matching otherwise
//
// Results are copies; callers may mutate them freely.
func (e *Engine) Retrieve(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.retrieve",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("query", query),
			attribute.Int("limit", limit),
		))
	defer span.End()
	retrievalsTotal.Add(ctx, 1)

	key := e.cacheKey(agentID, query, limit)
	if cached, ok := e.cacheGet(key); ok {
		cacheHits.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("memory.cache_hit", true))
		return cloneAll(cached), nil
	}

	recs, err := e.dispatch(ctx, agentID, query, limit)
	if err != nil {
		return nil, err
	}
	e.cachePut(key, recs)
	span.SetAttributes(attribute.Int("memory.results", len(recs)))
	return cloneAll(recs), nil
}

func (e *Engine) dispatch(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	switch {
	case query == "" || query == QueryRecent:
		return e.backend.QueryRecent(ctx, agentID, limit)
	case query == QueryImportant:
		return e.backend.QueryImportant(ctx, agentID, limit)
	case query == string(DurationShortTerm):
		return e.backend.QueryByDuration(ctx, agentID, DurationShortTerm, limit)
	case query == string(DurationLongTerm):
		return e.backend.QueryByDuration(ctx, agentID, DurationLongTerm, limit)
	case strings.HasPrefix(query, tierPrefix):
		tier := Tier(strings.TrimPrefix(query, tierPrefix))
		if !ValidTier(tier) {
			return nil, &ValidationError{Field: "query", Reason: "unknown tier " + string(tier)}
		}
		return e.backend.QueryByTier(ctx, agentID, tier, limit)
	default:
		return e.freeText(ctx, agentID, query, limit)
	}
}

// freeText prefers ranked full-text search and degrades to substring/tag
// containment when the capability is missing, disabled, or failing.
func (e *Engine) freeText(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	if e.fullTextEnabled && e.backend.Capabilities().FullText {
		recs, err := e.backend.SearchText(ctx, agentID, query, limit)
		if err == nil {
			return recs, nil
		}
		log.Debug().Err(err).Str("agent_id", agentID).Msg("full-text search degraded to substring match")
	}
	return e.backend.MatchSubstring(ctx, agentID, query, limit)
}

// RetrieveTier returns all live records in one tier, newest first.
func (e *Engine) RetrieveTier(ctx context.Context, agentID string, tier Tier, limit int) ([]Record, error) {
	return e.Retrieve(ctx, agentID, tierPrefix+string(tier), limit)
}

// Search finds records similar to the query embedding, best first. Vector
// search is best-effort: a missing capability, a similarity failure, or an
// agent with no embedded records all degrade to recency retrieval rather
// than erroring. Results below the acceptance threshold are excluded, and a
// dimension mismatch scores 0, never errors.
func (e *Engine) Search(ctx context.Context, agentID string, embedding []float32, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.search",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.Int("dimensions", len(embedding)),
		))
	defer span.End()
	retrievalsTotal.Add(ctx, 1)

	if !e.vectorEnabled || !e.backend.Capabilities().Vector {
		return e.searchFallback(ctx, agentID, limit, "vector search unavailable")
	}

	scored, err := e.backend.SearchBySimilarity(ctx, agentID, embedding, e.vectorThreshold, limit)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("similarity search failed")
		return e.searchFallback(ctx, agentID, limit, "similarity failure")
	}
	if len(scored) == 0 {
		embedded, err := e.backend.CountEmbedded(ctx, agentID)
		if err != nil || embedded == 0 {
			return e.searchFallback(ctx, agentID, limit, "no embedded records")
		}
		// embedded records exist, none passed the threshold: a real empty result
		return []Record{}, nil
	}

	out := make([]Record, 0, len(scored))
	for i := range scored {
		out = append(out, *scored[i].Record.Clone())
	}
	span.SetAttributes(attribute.Int("memory.results", len(out)))
	return out, nil
}

// SearchQuery embeds a text query and runs Search with the resulting
// vector. Without a configured embedder it degrades to recency retrieval.
func (e *Engine) SearchQuery(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	if e.embedder == nil {
		return e.searchFallback(ctx, agentID, limit, "no embedder configured")
	}
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("query embedding failed")
		return e.searchFallback(ctx, agentID, limit, "query embedding failure")
	}
	return e.Search(ctx, agentID, embedding, limit)
}

// SearchScored is Search without the Record-only projection, for callers
// that want the similarity values. Same fallback semantics, except the
// fallback path returns nil (no fabricated scores).
func (e *Engine) SearchScored(ctx context.Context, agentID string, embedding []float32, limit int) ([]ScoredRecord, error) {
	if !e.vectorEnabled || !e.backend.Capabilities().Vector {
		return nil, ErrUnsupported
	}
	scored, err := e.backend.SearchBySimilarity(ctx, agentID, embedding, e.vectorThreshold, limit)
	if err != nil {
		return nil, err
	}
	for i := range scored {
		scored[i].Record = *scored[i].Record.Clone()
	}
	return scored, nil
}

func (e *Engine) searchFallback(ctx context.Context, agentID string, limit int, reason string) ([]Record, error) {
	searchFallbacks.Add(ctx, 1)
	log.Debug().Str("agent_id", agentID).Str("reason", reason).Msg("vector search fell back to recency")
	return e.Retrieve(ctx, agentID, QueryRecent, limit)
}
