package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bare object",
			content: `{"action": "no_action"}`,
			want:    `{"action": "no_action"}`,
		},
		{
			name:    "json code fence",
			content: "```json\n{\"action\": \"discharge_patient\"}\n```",
			want:    `{"action": "discharge_patient"}`,
		},
		{
			name:    "plain code fence",
			content: "```\n{\"kind\": \"get_status\"}\n```",
			want:    `{"kind": "get_status"}`,
		},
		{
			name:    "prose wrapped",
			content: `Here is my decision: {"action": "admit_patient", "confidence": 0.9} as requested.`,
			want:    `{"action": "admit_patient", "confidence": 0.9}`,
		},
		{
			name:    "fence with leading prose",
			content: "Sure!\n```json\n{\"ok\": true}\n```\nLet me know.",
			want:    `{"ok": true}`,
		},
		{
			name:    "raw newline inside string",
			content: "{\"reasoning\": \"first line\nsecond line\"}",
			want:    "{\"reasoning\": \"first line second line\"}",
		},
		{
			name:    "surrounding whitespace",
			content: "\n\n  {\"a\": 1}  \n",
			want:    `{"a": 1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	for _, content := range []string{
		"I cannot decide on an action right now.",
		"",
		"{broken json",
		"```json\nnot json at all\n```",
	} {
		_, err := ExtractJSON(content)
		require.ErrorIs(t, err, ErrNoJSON, "content: %q", content)
	}
}

func TestExtractJSONPreservesEscapes(t *testing.T) {
	got, err := ExtractJSON(`{"reasoning": "escaped \"quote\" and \\n stay intact"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"reasoning": "escaped \"quote\" and \\n stay intact"}`, got)
}

func TestUnmarshal(t *testing.T) {
	var payload struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}
	err := Unmarshal("```json\n{\"action\": \"discharge_patient\", \"confidence\": 0.8}\n```", &payload)
	require.NoError(t, err)
	assert.Equal(t, "discharge_patient", payload.Action)
	assert.InDelta(t, 0.8, payload.Confidence, 1e-9)

	err = Unmarshal("no json here", &payload)
	require.ErrorIs(t, err, ErrNoJSON)
}
