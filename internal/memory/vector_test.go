package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestCosineSimilarity_DimensionMismatchIsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
}

func TestCosineSimilarity_ZeroVectorIsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestRankBySimilarity(t *testing.T) {
	recs := []Record{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0, 1}},
		{ID: "c", Embedding: []float32{0.9, 0.1}},
	}
	scored := rankBySimilarity(recs, []float32{1, 0}, 0.5, 2)

	assert.Len(t, scored, 2)
	assert.Equal(t, "a", scored[0].Record.ID)
	assert.Equal(t, "c", scored[1].Record.ID)
	assert.Greater(t, scored[0].Similarity, scored[1].Similarity)
	for _, s := range scored {
		assert.GreaterOrEqual(t, s.Similarity, 0.5)
	}
}

func TestRankBySimilarity_ThresholdExcludes(t *testing.T) {
	recs := []Record{{ID: "b", Embedding: []float32{0, 1}}}
	scored := rankBySimilarity(recs, []float32{1, 0}, 0.5, 10)
	assert.Empty(t, scored)
}

func TestRankBySimilarity_MismatchExcludedAtAnyThreshold(t *testing.T) {
	recs := []Record{
		{ID: "match", Embedding: []float32{-1, 0}},
		{ID: "wrong_dims", Embedding: []float32{1, 0, 0}},
		{ID: "no_embedding"},
	}
	scored := rankBySimilarity(recs, []float32{1, 0}, -1, 10)

	assert.Len(t, scored, 1)
	assert.Equal(t, "match", scored[0].Record.ID)
}
