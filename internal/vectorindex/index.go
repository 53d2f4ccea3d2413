// Package vectorindex stores L2-normalized protocol vectors and answers
// nearest-neighbor queries. The flat index does an exact inner-product scan:
// O(corpus × dim) per query, which is fine for a corpus of hundreds. The
// Searcher interface exists so an approximate index can replace it for much
// larger corpora without touching callers.
package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RomainBuono/Emergency-manager/internal/embedding"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/vectorindex")

// Domain errors.
var (
	// ErrIndexCorrupt indicates the serialized index does not match the live
	// protocol collection (dimension, count, or id disagreement). Fatal at
	// startup: the system must not serve queries over a mismatched index.
	ErrIndexCorrupt = errors.New("vector index corrupt or mismatched")

	// ErrEmptyIndex is returned when searching an index with no entries.
	ErrEmptyIndex = errors.New("vector index is empty")
)

// artifactVersion is the supported serialization format version.
const artifactVersion = 1

// Match is a single nearest-neighbor result. Distance is the L2 distance
// between unit vectors, derived from the inner product.
type Match struct {
	ID       string
	Distance float64
}

// Searcher answers nearest-neighbor queries over the indexed vectors.
type Searcher interface {
	// Search returns the best match for a unit-normalized query vector.
	Search(ctx context.Context, query []float32) (Match, error)
	// Len returns the number of indexed vectors.
	Len() int
	// Dim returns the indexed vector dimension.
	Dim() int
}

// Flat is an exact inner-product index over unit-normalized vectors.
// Read-only after construction; safe for concurrent use.
type Flat struct {
	dim     int
	ids     []string
	vectors [][]float32
}

// artifact is the on-disk index format.
type artifact struct {
	Version int         `json:"version"`
	Dim     int         `json:"dim"`
	IDs     []string    `json:"ids"`
	Vectors [][]float32 `json:"vectors"`
}

// NewFlat creates an empty flat index for vectors of the given dimension.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

// Add appends a vector under the given id. The vector must already be
// unit-normalized (see embedding.Normalize); Add verifies the norm so a
// missed normalization fails loudly at build time instead of silently
// corrupting every similarity score at query time.
func (f *Flat) Add(id string, vec []float32) error {
	if err := embedding.CheckDim(vec, f.dim); err != nil {
		return fmt.Errorf("adding %s: %w", id, err)
	}
	if !isUnitNorm(vec) {
		return fmt.Errorf("adding %s: vector is not unit-normalized", id)
	}
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, vec)
	return nil
}

// Len returns the number of indexed vectors.
func (f *Flat) Len() int { return len(f.ids) }

// Dim returns the indexed vector dimension.
func (f *Flat) Dim() int { return f.dim }

// Search scans all indexed vectors and returns the one with the highest
// inner product against the query. For unit vectors the inner product is the
// cosine similarity, and distance² = 2(1 − ip).
func (f *Flat) Search(ctx context.Context, query []float32) (Match, error) {
	_, span := tracer.Start(ctx, "vectorindex.search")
	defer span.End()

	if len(f.ids) == 0 {
		return Match{}, ErrEmptyIndex
	}
	if err := embedding.CheckDim(query, f.dim); err != nil {
		return Match{}, err
	}

	bestIdx := -1
	bestIP := math.Inf(-1)
	for i, vec := range f.vectors {
		ip := innerProduct(query, vec)
		if ip > bestIP {
			bestIP = ip
			bestIdx = i
		}
	}

	// Clamp before the sqrt: float drift can push the inner product of two
	// identical unit vectors a hair above 1.
	d2 := 2 * (1 - bestIP)
	if d2 < 0 {
		d2 = 0
	}

	match := Match{ID: f.ids[bestIdx], Distance: math.Sqrt(d2)}
	span.SetAttributes(
		attribute.String("index.best_id", match.ID),
		attribute.Float64("index.distance", match.Distance),
	)
	return match, nil
}

// Save writes the index artifact to disk.
func (f *Flat) Save(path string) error {
	art := artifact{
		Version: artifactVersion,
		Dim:     f.dim,
		IDs:     f.ids,
		Vectors: f.vectors,
	}
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshalling index artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing index artifact %s: %w", path, err)
	}
	return nil
}

// Load reads an index artifact and validates it against the live protocol
// collection: dimension, entry count, and id agreement. Any mismatch fails
// fast with ErrIndexCorrupt rather than degrading retrieval silently.
func Load(path string, dim int, expectedIDs []string) (*Flat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading index artifact %s: %w", path, err)
	}

	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parsing index artifact %s: %w: %v", path, ErrIndexCorrupt, err)
	}

	if art.Version != artifactVersion {
		return nil, fmt.Errorf("index artifact version %d unsupported: %w", art.Version, ErrIndexCorrupt)
	}
	if art.Dim != dim {
		return nil, fmt.Errorf("index dimension %d, expected %d: %w", art.Dim, dim, ErrIndexCorrupt)
	}
	if len(art.IDs) != len(art.Vectors) {
		return nil, fmt.Errorf("index has %d ids but %d vectors: %w", len(art.IDs), len(art.Vectors), ErrIndexCorrupt)
	}
	if len(art.IDs) != len(expectedIDs) {
		return nil, fmt.Errorf("index has %d entries, protocol collection has %d: %w", len(art.IDs), len(expectedIDs), ErrIndexCorrupt)
	}
	expected := make(map[string]bool, len(expectedIDs))
	for _, id := range expectedIDs {
		expected[id] = true
	}
	for _, id := range art.IDs {
		if !expected[id] {
			return nil, fmt.Errorf("index entry %s not in protocol collection: %w", id, ErrIndexCorrupt)
		}
	}

	f := NewFlat(dim)
	for i, id := range art.IDs {
		if err := f.Add(id, art.Vectors[i]); err != nil {
			return nil, fmt.Errorf("index entry %s: %w: %v", id, ErrIndexCorrupt, err)
		}
	}
	return f, nil
}

func innerProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// isUnitNorm checks the L2 norm is 1 within float tolerance.
func isUnitNorm(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Abs(sum-1) < 1e-3
}
