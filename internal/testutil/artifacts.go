package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// ConstantModelJSON returns a version-1 classifier artifact whose score is
// sigmoid(bias) for every input: a single tree with one leaf of value 0.
// bias = -2 scores ~0.12 (allows), bias = +2 scores ~0.88 (blocks).
func ConstantModelJSON(dim int, bias float64) []byte {
	artifact := map[string]interface{}{
		"version":       1,
		"dim":           dim,
		"bias":          bias,
		"learning_rate": 0.1,
		"trees": [][]map[string]interface{}{
			{{"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": 0}},
		},
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		panic(err)
	}
	return data
}

// WriteConstantModel writes a constant-score classifier artifact into dir
// and returns its path.
func WriteConstantModel(t *testing.T, dir string, dim int, bias float64) string {
	t.Helper()
	path := filepath.Join(dir, "guardrail.model.json")
	if err := os.WriteFile(path, ConstantModelJSON(dim, bias), 0o600); err != nil {
		t.Fatalf("writing model artifact: %v", err)
	}
	return path
}
