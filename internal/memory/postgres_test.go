package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPostgres connects to the database named by ENGRAM_TEST_POSTGRES_DSN
// and skips the test when it is unset.
func testPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("ENGRAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENGRAM_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(context.Background(), PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Clear(context.Background(), "pg-test-agent")
		store.Close()
	})
	return store
}

func pgRecord(id, content string) *Record {
	r := &Record{
		ID:         id,
		AgentID:    "pg-test-agent",
		Content:    content,
		Importance: 0.5,
	}
	prepareRecord(r)
	return r
}

func TestPostgres_Capabilities(t *testing.T) {
	store := testPostgres(t)
	caps := store.Capabilities()
	assert.True(t, caps.Vector)
	assert.True(t, caps.FullText)
}

func TestPostgres_PutGetDelete(t *testing.T) {
	store := testPostgres(t)
	ctx := context.Background()

	r := pgRecord("mem_pgroundtrip1", "stored in postgres")
	r.Embedding = []float32{0.5, 0.5}
	r.Metadata = map[string]any{"accessCount": 2.0}
	require.NoError(t, store.Put(ctx, r))

	got, err := store.Get(ctx, "pg-test-agent", r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Content, got.Content)
	assert.Equal(t, r.Embedding, got.Embedding)

	require.NoError(t, store.Delete(ctx, "pg-test-agent", r.ID))
	_, err = store.Get(ctx, "pg-test-agent", r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ExpiredExcluded(t *testing.T) {
	store := testPostgres(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	expired := pgRecord("mem_pgexpired001", "stale")
	expired.Duration = DurationShortTerm
	expired.ExpiresAt = &past
	require.NoError(t, store.Put(ctx, expired))

	_, err := store.Get(ctx, "pg-test-agent", expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_SearchText(t *testing.T) {
	store := testPostgres(t)
	ctx := context.Background()

	r := pgRecord("mem_pgftsdoc0001", "incident report about certificate expiry on the edge proxy")
	require.NoError(t, store.Put(ctx, r))

	recs, err := store.SearchText(ctx, "pg-test-agent", "certificate", 10)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, r.ID, recs[0].ID)
}

func TestPostgres_UpdateTierCAS(t *testing.T) {
	store := testPostgres(t)
	ctx := context.Background()

	r := pgRecord("mem_pgcasmove001", "promote me")
	r.Tier = TierEpisodic
	require.NoError(t, store.Put(ctx, r))

	require.NoError(t, store.UpdateTierCAS(ctx, "pg-test-agent", r.ID, TierEpisodic, TierSemantic))
	assert.ErrorIs(t, store.UpdateTierCAS(ctx, "pg-test-agent", r.ID, TierEpisodic, TierWorking), ErrConflict)
}
