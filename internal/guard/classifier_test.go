package guard

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, artifact map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(artifact)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func leaf(value float64) map[string]interface{} {
	return map[string]interface{}{"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": value}
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "absent.json"), 4)
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestLoadModelRejectsBadArtifacts(t *testing.T) {
	tests := []struct {
		name     string
		artifact map[string]interface{}
	}{
		{"wrong version", map[string]interface{}{
			"version": 2, "dim": 4, "bias": 0, "learning_rate": 0.1,
			"trees": [][]map[string]interface{}{{leaf(0)}},
		}},
		{"dim mismatch", map[string]interface{}{
			"version": 1, "dim": 8, "bias": 0, "learning_rate": 0.1,
			"trees": [][]map[string]interface{}{{leaf(0)}},
		}},
		{"no trees", map[string]interface{}{
			"version": 1, "dim": 4, "bias": 0, "learning_rate": 0.1,
			"trees": [][]map[string]interface{}{},
		}},
		{"feature out of range", map[string]interface{}{
			"version": 1, "dim": 4, "bias": 0, "learning_rate": 0.1,
			"trees": [][]map[string]interface{}{{
				{"feature": 9, "threshold": 0.5, "left": 1, "right": 2, "value": 0},
				leaf(-1), leaf(1),
			}},
		}},
		{"child out of range", map[string]interface{}{
			"version": 1, "dim": 4, "bias": 0, "learning_rate": 0.1,
			"trees": [][]map[string]interface{}{{
				{"feature": 0, "threshold": 0.5, "left": 1, "right": 7, "value": 0},
				leaf(-1),
			}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadModel(writeModel(t, tt.artifact), 4)
			require.ErrorIs(t, err, ErrModelUnavailable)
		})
	}
}

func TestLoadModelRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o600))
	_, err := LoadModel(path, 4)
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestModelScoreSingleSplit(t *testing.T) {
	// One tree splitting on feature 0 at 0.5: left leaf -2, right leaf +2.
	path := writeModel(t, map[string]interface{}{
		"version": 1, "dim": 2, "bias": 0.0, "learning_rate": 1.0,
		"trees": [][]map[string]interface{}{{
			{"feature": 0, "threshold": 0.5, "left": 1, "right": 2, "value": 0},
			leaf(-2), leaf(2),
		}},
	})
	m, err := LoadModel(path, 2)
	require.NoError(t, err)

	low, err := m.Score([]float32{0.1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(2)), low, 1e-9)

	high, err := m.Score([]float32{0.9, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-2)), high, 1e-9)
}

func TestModelScoreSumsTreesWithLearningRate(t *testing.T) {
	path := writeModel(t, map[string]interface{}{
		"version": 1, "dim": 2, "bias": 0.5, "learning_rate": 0.1,
		"trees": [][]map[string]interface{}{
			{leaf(1)},
			{leaf(3)},
		},
	})
	m, err := LoadModel(path, 2)
	require.NoError(t, err)

	// raw = 0.5 + 0.1*(1+3) = 0.9
	score, err := m.Score([]float32{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.9)), score, 1e-9)
}

func TestModelScoreDimMismatch(t *testing.T) {
	path := writeModel(t, map[string]interface{}{
		"version": 1, "dim": 2, "bias": 0, "learning_rate": 1.0,
		"trees": [][]map[string]interface{}{{leaf(0)}},
	})
	m, err := LoadModel(path, 2)
	require.NoError(t, err)

	_, err = m.Score([]float32{1, 2, 3})
	require.Error(t, err)
}
