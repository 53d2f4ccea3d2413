package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON indicates no JSON object could be recovered from a completion.
var ErrNoJSON = errors.New("no JSON object in completion")

var (
	codeFenceRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractJSON recovers a JSON object from a model completion. Models wrap
// JSON in code fences or prose despite instructions, so this strips fences,
// falls back to the outermost brace span, and normalizes raw newlines that
// some models emit inside string values.
func ExtractJSON(content string) (string, error) {
	text := strings.TrimSpace(content)

	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	if !json.Valid([]byte(text)) {
		if m := jsonObjectRe.FindString(text); m != "" {
			text = m
		}
	}

	if !json.Valid([]byte(text)) {
		text = collapseNewlinesInStrings(text)
	}

	if !json.Valid([]byte(text)) {
		return "", ErrNoJSON
	}
	return text, nil
}

// Unmarshal extracts and decodes a JSON object from a completion into v.
func Unmarshal(content string, v interface{}) error {
	text, err := ExtractJSON(content)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), v)
}

// collapseNewlinesInStrings replaces raw newlines that appear inside JSON
// string literals with spaces. Raw control characters are invalid JSON but
// common in model output.
func collapseNewlinesInStrings(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for _, r := range text {
		switch {
		case escaped:
			escaped = false
			b.WriteRune(r)
		case r == '\\' && inString:
			escaped = true
			b.WriteRune(r)
		case r == '"':
			inString = !inString
			b.WriteRune(r)
		case (r == '\n' || r == '\r' || r == '\t') && inString:
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
