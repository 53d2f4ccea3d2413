// Package llm provides chat-completion providers for the reasoning and
// intent-resolution calls, plus the response repair helpers needed to get
// strict JSON out of models that wrap it in prose or code fences.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall caps any single completion call.
const TimeoutLLMCall = 60 * time.Second

// ErrProviderNotAvailable indicates the configured provider cannot be
// constructed (missing key, unknown name).
var ErrProviderNotAvailable = errors.New("provider not available")

// Provider is the interface all chat-completion providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "mistral", "ollama").
	Name() string
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request represents a completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents a completion response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}
