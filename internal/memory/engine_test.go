package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	store := testStore(t)
	opts = append([]Option{WithCacheTTL(0)}, opts...)
	eng, err := NewEngine(store, opts...)
	require.NoError(t, err)
	return eng
}

// stubEmbedder returns a fixed vector, or an error when one is set.
type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return s.vec, s.err
}

func TestStore_AssignsDefaults(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	r := &Record{AgentID: "a1", Content: "first memory"}
	require.NoError(t, eng.Store(ctx, r))

	assert.Contains(t, r.ID, "mem_")
	got, err := eng.Get(ctx, "a1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, "first memory", got.Content)
	assert.Equal(t, TierEpisodic, got.Tier)
	assert.Equal(t, DurationLongTerm, got.Duration)
}

func TestStore_ClampsImportanceBothWays(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	over := &Record{AgentID: "a1", Content: "too keen", Importance: 3}
	require.NoError(t, eng.Store(ctx, over))
	got, err := eng.Get(ctx, "a1", over.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Importance)

	under := &Record{AgentID: "a1", Content: "too modest", Importance: -1}
	require.NoError(t, eng.Store(ctx, under))
	got, err = eng.Get(ctx, "a1", under.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Importance)
}

func TestStore_RejectsInvalid(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	var verr *ValidationError
	err := eng.Store(ctx, &Record{Content: "no agent"})
	require.ErrorAs(t, err, &verr)

	err = eng.Store(ctx, &Record{AgentID: "a1", Tier: Tier("limbo")})
	require.ErrorAs(t, err, &verr)
}

func TestStore_ShortTermRequiresExpiry(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	var verr *ValidationError
	err := eng.Store(ctx, &Record{AgentID: "a1", Content: "ephemeral", Duration: DurationShortTerm})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expires_at", verr.Field)

	recs, err := eng.Retrieve(ctx, "a1", QueryRecent, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	r := &Record{ID: "mem_idempotent01", AgentID: "a1", Content: "v1"}
	require.NoError(t, eng.Store(ctx, r))

	r.Content = "v2"
	require.NoError(t, eng.Store(ctx, r))
	require.NoError(t, eng.Store(ctx, r))

	recs, err := eng.Retrieve(ctx, "a1", QueryRecent, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "v2", recs[0].Content)
}

func TestStore_EmbedsContent(t *testing.T) {
	eng := testEngine(t, WithEmbedder(&stubEmbedder{vec: []float32{0.6, 0.8}}))
	ctx := context.Background()

	r := &Record{AgentID: "a1", Content: "embed me"}
	require.NoError(t, eng.Store(ctx, r))

	got, err := eng.Get(ctx, "a1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, got.Embedding)
}

func TestStore_EmbeddingFailureIsNonFatal(t *testing.T) {
	eng := testEngine(t, WithEmbedder(&stubEmbedder{err: errors.New("model down")}))
	ctx := context.Background()

	r := &Record{AgentID: "a1", Content: "stored anyway"}
	require.NoError(t, eng.Store(ctx, r))

	got, err := eng.Get(ctx, "a1", r.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Embedding)
}

func TestStore_KeepsCallerEmbedding(t *testing.T) {
	eng := testEngine(t, WithEmbedder(&stubEmbedder{vec: []float32{9, 9}}))
	ctx := context.Background()

	r := &Record{AgentID: "a1", Content: "already embedded", Embedding: []float32{1, 2}}
	require.NoError(t, eng.Store(ctx, r))

	got, err := eng.Get(ctx, "a1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Embedding)
}

func TestStore_EnforcesMaxRecords(t *testing.T) {
	eng := testEngine(t, WithMaxRecordsPerAgent(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.Store(ctx, &Record{AgentID: "a1", Content: fmt.Sprintf("record %d", i)}))
	}

	stats, err := eng.Stats(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRecords)
}

func TestGet_ReturnsCopy(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	r := &Record{AgentID: "a1", Content: "immutable", Tags: []string{"keep"}}
	require.NoError(t, eng.Store(ctx, r))

	got, err := eng.Get(ctx, "a1", r.ID)
	require.NoError(t, err)
	got.Tags[0] = "mutated"
	got.Content = "mutated"

	again, err := eng.Get(ctx, "a1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, "immutable", again.Content)
	assert.Equal(t, "keep", again.Tags[0])
}

func TestDelete_Engine(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	r := &Record{AgentID: "a1", Content: "short-lived"}
	require.NoError(t, eng.Store(ctx, r))
	require.NoError(t, eng.Delete(ctx, "a1", r.ID))
	assert.ErrorIs(t, eng.Delete(ctx, "a1", r.ID), ErrNotFound)
}

func TestClear_Engine(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, &Record{AgentID: "a1", Content: "one"}))
	require.NoError(t, eng.Store(ctx, &Record{AgentID: "a2", Content: "two"}))
	require.NoError(t, eng.Clear(ctx, "a1"))

	stats, err := eng.Stats(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)

	stats, err = eng.Stats(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRecords)
}

func TestStats_Aggregates(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	low := &Record{AgentID: "a1", Content: "low", Importance: 0.2, Tier: TierWorking}
	require.NoError(t, eng.Store(ctx, low))
	high := &Record{AgentID: "a1", Content: "high", Importance: 0.8, Tier: TierSemantic}
	require.NoError(t, eng.Store(ctx, high))

	stats, err := eng.Stats(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRecords)
	assert.InDelta(t, 0.5, stats.AverageImportance, 1e-9)
	assert.Equal(t, int64(1), stats.ByTier[TierWorking])
	assert.Equal(t, int64(1), stats.ByTier[TierSemantic])
	assert.Equal(t, int64(2), stats.ByDuration[DurationLongTerm])
	require.NotNil(t, stats.OldestTimestamp)
	require.NotNil(t, stats.NewestTimestamp)
}

func TestRetrieve_CacheServesAndInvalidates(t *testing.T) {
	store := testStore(t)
	eng, err := NewEngine(store, WithCacheTTL(defaultCacheTTL))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, eng.Store(ctx, &Record{AgentID: "a1", Content: "cached"}))

	first, err := eng.Retrieve(ctx, "a1", QueryRecent, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// a write must invalidate the agent's cached results
	require.NoError(t, eng.Store(ctx, &Record{AgentID: "a1", Content: "newer"}))
	second, err := eng.Retrieve(ctx, "a1", QueryRecent, 10)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}
