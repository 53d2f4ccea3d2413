package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUnitNorm(t *testing.T) {
	v, err := Normalize([]float32{3, 4})
	require.NoError(t, err)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1, sum, 1e-6)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}

func TestNormalizeInPlace(t *testing.T) {
	original := []float32{2, 0}
	normalized, err := Normalize(original)
	require.NoError(t, err)
	assert.Equal(t, &original[0], &normalized[0], "Normalize must work in place")
}

func TestNormalizeIdempotent(t *testing.T) {
	v, err := Normalize([]float32{1, 2, 2})
	require.NoError(t, err)
	again, err := Normalize(v)
	require.NoError(t, err)
	for i := range v {
		assert.InDelta(t, v[i], again[i], 1e-6)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	_, err := Normalize([]float32{0, 0, 0})
	require.ErrorIs(t, err, ErrZeroVector)
}

func TestNormalizeTinyVector(t *testing.T) {
	v, err := Normalize([]float32{1e-8, 0})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(float64(v[0])))
	assert.InDelta(t, 1, v[0], 1e-6)
}

func TestCheckDim(t *testing.T) {
	assert.NoError(t, CheckDim([]float32{1, 2, 3}, 3))
	assert.ErrorIs(t, CheckDim([]float32{1, 2}, 3), ErrDimensionMismatch)
}
