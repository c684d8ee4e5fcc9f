package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressionStrategy(ageDays int) *ArchivalStrategy {
	return &ArchivalStrategy{
		AgentID:        "a1",
		Type:           StrategyCompression,
		TriggerAgeDays: ageDays,
		Enabled:        true,
	}
}

func storeAged(t *testing.T, eng *Engine, content string, daysAgo int) *Record {
	t.Helper()
	r := &Record{
		AgentID:   "a1",
		Content:   content,
		Timestamp: time.Now().UTC().AddDate(0, 0, -daysAgo),
	}
	require.NoError(t, eng.Store(context.Background(), r))
	return r
}

func TestAddStrategy_Validation(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	var verr *ValidationError

	bad := compressionStrategy(30)
	bad.Type = "teleportation"
	require.ErrorAs(t, eng.AddStrategy(ctx, bad), &verr)

	bad = compressionStrategy(0)
	require.ErrorAs(t, eng.AddStrategy(ctx, bad), &verr)

	bad = compressionStrategy(30)
	bad.AgentID = ""
	require.ErrorAs(t, eng.AddStrategy(ctx, bad), &verr)

	good := compressionStrategy(30)
	require.NoError(t, eng.AddStrategy(ctx, good))
	assert.Contains(t, good.ID, "strat_")
}

func TestRunArchival_CompressionGroupsByDay(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.AddStrategy(ctx, compressionStrategy(7)))

	dayOne := time.Now().UTC().AddDate(0, 0, -20)
	for i := 0; i < 2; i++ {
		r := &Record{
			AgentID:    "a1",
			Content:    fmt.Sprintf("day one event %d", i),
			Importance: 0.4 + float64(i)*0.3,
			Timestamp:  dayOne.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, eng.Store(ctx, r))
	}
	storeAged(t, eng, "day two event", 19)
	kept := storeAged(t, eng, "too recent to archive", 2)

	removed, err := eng.RunArchival(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	archives, err := eng.Archives(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, archives, 2)

	// one archive per day, each replacing its originals
	total := 0
	for _, a := range archives {
		total += a.MemoryCount
		assert.Len(t, a.OriginalIDs, a.MemoryCount)
		assert.NotEmpty(t, a.Summary)
	}
	assert.Equal(t, 3, total)

	// group importance is the max of the originals
	for _, a := range archives {
		if a.MemoryCount == 2 {
			assert.InDelta(t, 0.7, a.Importance, 1e-9)
		}
	}

	_, err = eng.Get(ctx, "a1", kept.ID)
	require.NoError(t, err)

	stats, err := eng.Stats(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRecords)
}

// failingArchiveBackend rejects archive writes so the delete must not run.
type failingArchiveBackend struct {
	Backend
}

func (b *failingArchiveBackend) SaveArchive(context.Context, *ArchivedMemory) error {
	return errors.New("disk full")
}

func TestRunArchival_FailedArchiveKeepsOriginals(t *testing.T) {
	store := testStore(t)
	eng, err := NewEngine(&failingArchiveBackend{Backend: store}, WithCacheTTL(0))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, eng.AddStrategy(ctx, compressionStrategy(7)))
	aged := storeAged(t, eng, "must survive the failure", 20)

	removed, err := eng.RunArchival(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, removed)

	got, err := eng.Get(ctx, "a1", aged.ID)
	require.NoError(t, err)
	assert.Equal(t, "must survive the failure", got.Content)
}

func TestRunArchival_DeletionSparesPermanent(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	strat := compressionStrategy(7)
	strat.Type = StrategyDeletion
	require.NoError(t, eng.AddStrategy(ctx, strat))

	doomed := storeAged(t, eng, "forgettable", 20)
	pinned := &Record{
		AgentID:   "a1",
		Content:   "core directive",
		Timestamp: time.Now().UTC().AddDate(0, 0, -20),
		Metadata:  map[string]any{KeyPermanent: true},
	}
	require.NoError(t, eng.Store(ctx, pinned))

	removed, err := eng.RunArchival(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = eng.Get(ctx, "a1", doomed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.Get(ctx, "a1", pinned.ID)
	require.NoError(t, err)

	// deletion leaves no archive behind
	archives, err := eng.Archives(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, archives)
}

// staticSummarizer records what it was asked to summarize.
type staticSummarizer struct {
	summary string
	calls   int
}

func (s *staticSummarizer) Summarize(_ context.Context, contents []string) (string, error) {
	s.calls++
	return s.summary, nil
}

func TestRunArchival_SummarizationUsesSummarizer(t *testing.T) {
	sum := &staticSummarizer{summary: "a condensed week"}
	eng := testEngine(t, WithSummarizer(sum))
	ctx := context.Background()

	strat := compressionStrategy(7)
	strat.Type = StrategySummarization
	require.NoError(t, eng.AddStrategy(ctx, strat))

	storeAged(t, eng, "monday", 20)

	removed, err := eng.RunArchival(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, sum.calls)

	archives, err := eng.Archives(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "a condensed week", archives[0].Summary)
}

func TestRunArchival_SummarizationWithoutSummarizerCompresses(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	strat := compressionStrategy(7)
	strat.Type = StrategySummarization
	require.NoError(t, eng.AddStrategy(ctx, strat))

	storeAged(t, eng, "raw content survives", 20)

	removed, err := eng.RunArchival(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	archives, err := eng.Archives(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Contains(t, archives[0].Summary, "raw content survives")
}

func TestRunArchival_DisabledStrategyIgnored(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	strat := compressionStrategy(7)
	strat.Enabled = false
	require.NoError(t, eng.AddStrategy(ctx, strat))
	storeAged(t, eng, "stays put", 20)

	removed, err := eng.RunArchival(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanup_PurgesExpiredAndAged(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	expired := &Record{
		AgentID:   "a1",
		Content:   "expired note",
		Duration:  DurationShortTerm,
		ExpiresAt: &past,
	}
	require.NoError(t, eng.Store(ctx, expired))

	aged := storeAged(t, eng, "over the retention window", 40)
	pinned := &Record{
		AgentID:   "a1",
		Content:   "never forget",
		Timestamp: time.Now().UTC().AddDate(0, 0, -40),
		Metadata:  map[string]any{KeyPermanent: true},
	}
	require.NoError(t, eng.Store(ctx, pinned))
	fresh := storeAged(t, eng, "still current", 1)

	purged, err := eng.Cleanup(ctx, "a1", 30)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = eng.Get(ctx, "a1", aged.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.Get(ctx, "a1", pinned.ID)
	require.NoError(t, err)
	_, err = eng.Get(ctx, "a1", fresh.ID)
	require.NoError(t, err)
}

func TestCleanup_ArchivesBeforeDeleteWhenEnabled(t *testing.T) {
	eng := testEngine(t, WithCleanupArchival(true))
	ctx := context.Background()

	storeAged(t, eng, "worth keeping a trace of", 40)

	purged, err := eng.Cleanup(ctx, "a1", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	archives, err := eng.Archives(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Contains(t, archives[0].Summary, "worth keeping a trace of")
}

func TestCleanup_ZeroRetentionOnlyPurgesExpired(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	old := storeAged(t, eng, "ancient but safe", 400)

	purged, err := eng.Cleanup(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = eng.Get(ctx, "a1", old.ID)
	require.NoError(t, err)
}
