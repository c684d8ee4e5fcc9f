package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Deterministic(t *testing.T) {
	e := NewLocal()
	ctx := context.Background()

	a, err := e.Embed(ctx, "the deploy failed on friday")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the deploy failed on friday")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, LocalDimensions)
}

func TestLocal_UnitNorm(t *testing.T) {
	e := NewLocal()
	vec, err := e.Embed(context.Background(), "some nontrivial content here")
	require.NoError(t, err)

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(mag), 1e-6)
}

func TestLocal_EmptyTextIsZeroVector(t *testing.T) {
	e := NewLocal()
	vec, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestLocal_SimilarTextsScoreHigher(t *testing.T) {
	e := NewLocal()
	ctx := context.Background()

	base, err := e.Embed(ctx, "kubernetes cluster upgrade failed")
	require.NoError(t, err)
	similar, err := e.Embed(ctx, "kubernetes cluster upgrade succeeded")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "grandma's apple pie recipe")
	require.NoError(t, err)

	assert.Greater(t, dot(base, similar), dot(base, unrelated))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
