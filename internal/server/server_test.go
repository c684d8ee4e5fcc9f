package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/engram/internal/memory"
	"github.com/dativo-io/engram/internal/testutil"
)

func testServer(t *testing.T, opts ...Option) (*memory.Engine, *httptest.Server) {
	t.Helper()
	engine := testutil.NewTestEngine(t)
	ts := httptest.NewServer(NewServer(engine, opts...).Routes())
	t.Cleanup(ts.Close)
	return engine, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreAndGetMemory(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/memories", map[string]any{
		"agent_id":   "a1",
		"content":    "stored over http",
		"importance": 0.8,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[memory.Record](t, resp)
	assert.Contains(t, created.ID, "mem_")

	getResp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/memories/%s?agent_id=a1", ts.URL, created.ID), nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	got := decode[memory.Record](t, getResp)
	assert.Equal(t, "stored over http", got.Content)
}

func TestStoreMemory_ValidationMapsTo400(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/memories", map[string]any{
		"content": "no agent id",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestGetMemory_NotFoundMapsTo404(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/memories/mem_missing00001?agent_id=a1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteMemory(t *testing.T) {
	engine, ts := testServer(t)
	ctx := context.Background()

	rec := &memory.Record{AgentID: "a1", Content: "doomed"}
	require.NoError(t, engine.Store(ctx, rec))

	resp := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/memories/%s?agent_id=a1", ts.URL, rec.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/memories/%s?agent_id=a1", ts.URL, rec.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetrieve(t *testing.T) {
	engine, ts := testServer(t)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, &memory.Record{AgentID: "a1", Content: "one"}))
	require.NoError(t, engine.Store(ctx, &memory.Record{AgentID: "a1", Content: "two"}))

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/retrieve", map[string]any{
		"agent_id": "a1",
		"query":    "recent",
		"limit":    10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]json.RawMessage](t, resp)

	var recs []memory.Record
	require.NoError(t, json.Unmarshal(body["memories"], &recs))
	assert.Len(t, recs, 2)
}

func TestRetrieve_UnknownTierMapsTo400(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/retrieve", map[string]any{
		"agent_id": "a1",
		"query":    "tier:imaginary",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearch_ByEmbedding(t *testing.T) {
	engine, ts := testServer(t)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, &memory.Record{
		AgentID: "a1", Content: "aligned", Embedding: []float32{1, 0},
	}))

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/search", map[string]any{
		"agent_id":  "a1",
		"embedding": []float32{1, 0},
		"limit":     5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearch_RequiresQueryOrEmbedding(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/search", map[string]any{"agent_id": "a1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShareAndListShared(t *testing.T) {
	engine, ts := testServer(t)
	ctx := context.Background()

	rec := &memory.Record{AgentID: "a1", Content: "team knowledge"}
	require.NoError(t, engine.Store(ctx, rec))

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/share", map[string]any{
		"agent_id":    "a1",
		"memory_id":   rec.ID,
		"permissions": []string{"READ"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp := doJSON(t, http.MethodGet, ts.URL+"/v1/shared?agent_id=a2", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	body := decode[map[string]json.RawMessage](t, listResp)
	var count int
	require.NoError(t, json.Unmarshal(body["count"], &count))
	assert.Equal(t, 1, count)
}

func TestUnshare(t *testing.T) {
	engine, ts := testServer(t)
	ctx := context.Background()

	rec := &memory.Record{AgentID: "a1", Content: "retracted"}
	require.NoError(t, engine.Store(ctx, rec))
	_, err := engine.Share(ctx, "a1", rec.ID, []string{memory.PermissionRead})
	require.NoError(t, err)

	resp := doJSON(t, http.MethodDelete,
		fmt.Sprintf("%s/v1/share?agent_id=a1&memory_id=%s", ts.URL, rec.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStats(t *testing.T) {
	engine, ts := testServer(t)
	require.NoError(t, engine.Store(context.Background(), &memory.Record{AgentID: "a1", Content: "x"}))

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/stats?agent_id=a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[memory.Stats](t, resp)
	assert.Equal(t, int64(1), stats.TotalRecords)
}

func TestRateLimit_Returns429(t *testing.T) {
	_, ts := testServer(t, WithRateLimiter(NewRateLimiter(1)))

	var saw429 bool
	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/stats?agent_id=a1", nil)
		require.NoError(t, err)
		req.Header.Set("X-Agent-ID", "hammering-agent")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			saw429 = true
		}
	}
	assert.True(t, saw429)
}

func TestAddRuleOverHTTP(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/rules", map[string]any{
		"agent_id":  "a1",
		"from_tier": "working",
		"to_tier":   "episodic",
		"condition": "importance",
		"threshold": 0.7,
		"enabled":   true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp := doJSON(t, http.MethodGet, ts.URL+"/v1/rules?agent_id=a1", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	body := decode[map[string]json.RawMessage](t, listResp)
	var count int
	require.NoError(t, json.Unmarshal(body["count"], &count))
	assert.Equal(t, 1, count)
}

func TestAddRule_InvalidConditionMapsTo400(t *testing.T) {
	_, ts := testServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/rules", map[string]any{
		"agent_id":  "a1",
		"from_tier": "working",
		"to_tier":   "episodic",
		"condition": "astrology",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
