// Package embedding defines the injected embedding capability and the single
// normalization chokepoint every embedding passes through before it is
// compared or indexed.
package embedding

import (
	"context"
	"errors"
	"math"
)

// Domain errors for the embedding package.
var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrZeroVector        = errors.New("embedding has zero norm")
)

// Provider maps text to a fixed-length vector. Implementations may be local
// or remote; callers bound every call with a timeout via ctx.
type Provider interface {
	// Name returns the provider identifier (e.g. "ollama", "openai").
	Name() string
	// Embed computes the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim returns the vector dimension this provider produces.
	Dim() int
}

// Normalize scales v to unit L2 norm in place and returns it. Every
// production site (index build and query time) must normalize through this
// function: the distance-to-similarity formula downstream is only valid for
// unit vectors.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, ErrZeroVector
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

// CheckDim validates that v has the expected dimension.
func CheckDim(v []float32, dim int) error {
	if len(v) != dim {
		return ErrDimensionMismatch
	}
	return nil
}
