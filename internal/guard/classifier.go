package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrModelUnavailable indicates the threat classifier artifact is missing,
// unreadable, or incompatible. Fatal at startup: the guardrail never runs
// with the classifier stage absent.
var ErrModelUnavailable = errors.New("threat classifier model unavailable")

// modelVersion is the supported classifier artifact format version.
const modelVersion = 1

// Model is a gradient-boosted tree ensemble over embedding vectors, scoring
// the probability that a query is hostile. Read-only after load; safe for
// concurrent use.
type Model struct {
	dim          int
	bias         float64
	learningRate float64
	trees        [][]treeNode
}

type modelArtifact struct {
	Version      int          `json:"version"`
	Dim          int          `json:"dim"`
	Bias         float64      `json:"bias"`
	LearningRate float64      `json:"learning_rate"`
	Trees        [][]treeNode `json:"trees"`
}

// treeNode is one node in a decision tree, stored as a flat array with child
// indices. A node is a leaf when both child indices are negative.
type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

func (n treeNode) isLeaf() bool { return n.Left < 0 && n.Right < 0 }

// LoadModel reads and validates a classifier artifact. Every failure mode
// maps to ErrModelUnavailable so callers have a single fatal condition to
// check at startup.
func LoadModel(path string, dim int) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact %s: %w: %v", path, ErrModelUnavailable, err)
	}

	var art modelArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parsing model artifact %s: %w: %v", path, ErrModelUnavailable, err)
	}

	if art.Version != modelVersion {
		return nil, fmt.Errorf("model artifact version %d unsupported: %w", art.Version, ErrModelUnavailable)
	}
	if art.Dim != dim {
		return nil, fmt.Errorf("model expects %d dims, embedder produces %d: %w", art.Dim, dim, ErrModelUnavailable)
	}
	if len(art.Trees) == 0 {
		return nil, fmt.Errorf("model artifact has no trees: %w", ErrModelUnavailable)
	}
	for ti, tree := range art.Trees {
		if len(tree) == 0 {
			return nil, fmt.Errorf("model tree %d is empty: %w", ti, ErrModelUnavailable)
		}
		for ni, n := range tree {
			if n.isLeaf() {
				continue
			}
			if n.Feature < 0 || n.Feature >= art.Dim {
				return nil, fmt.Errorf("model tree %d node %d: feature %d out of range: %w", ti, ni, n.Feature, ErrModelUnavailable)
			}
			if n.Left < 0 || n.Left >= len(tree) || n.Right < 0 || n.Right >= len(tree) {
				return nil, fmt.Errorf("model tree %d node %d: child index out of range: %w", ti, ni, ErrModelUnavailable)
			}
		}
	}

	return &Model{
		dim:          art.Dim,
		bias:         art.Bias,
		learningRate: art.LearningRate,
		trees:        art.Trees,
	}, nil
}

// Dim returns the embedding dimension the model was trained on.
func (m *Model) Dim() int { return m.dim }

// Score returns the threat probability in [0, 1] for an embedding vector.
func (m *Model) Score(vec []float32) (float64, error) {
	if len(vec) != m.dim {
		return 0, fmt.Errorf("scoring vector of %d dims, model expects %d", len(vec), m.dim)
	}

	raw := m.bias
	for _, tree := range m.trees {
		raw += m.learningRate * evalTree(tree, vec)
	}
	return sigmoid(raw), nil
}

// evalTree walks one tree from the root. Node indices were validated at load
// time, and tree depth bounds the walk, so this cannot loop or escape.
func evalTree(tree []treeNode, vec []float32) float64 {
	i := 0
	for steps := 0; steps <= len(tree); steps++ {
		n := tree[i]
		if n.isLeaf() {
			return n.Value
		}
		if float64(vec[n.Feature]) <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	// A cycle in the node graph. Treat as maximally hostile rather than
	// spinning: the artifact validator should have caught this.
	return math.Inf(1)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
