// Package testutil provides shared test helpers: a deterministic embedding
// provider and a scripted chat provider, so pipeline tests run without live
// model endpoints.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/RomainBuono/Emergency-manager/internal/llm"
)

// HashEmbedder implements embedding.Provider with a deterministic vector
// derived from the SHA-256 of the text. Identical texts embed identically;
// different texts are very unlikely to collide, which is all retrieval tests
// need.
type HashEmbedder struct {
	Dimension int
	// Err, when set, is returned from every Embed call.
	Err error
	// Delay simulates a slow endpoint by blocking until ctx is done when
	// true.
	Block bool
}

// Name returns the provider identifier.
func (h *HashEmbedder) Name() string { return "hash" }

// Dim returns the configured dimension.
func (h *HashEmbedder) Dim() int { return h.Dimension }

// Embed returns the deterministic vector for text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	if h.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return HashVector(text, h.Dimension), nil
}

// HashVector derives a deterministic non-zero vector of the given dimension
// from text. Not normalized; callers normalize through the same chokepoint
// production code uses.
func HashVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	buf := seed[:]
	for i := 0; i < dim; i++ {
		if len(buf) < 4 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		// Map to (-1, 1); never exactly zero so the vector always normalizes.
		vec[i] = float32(math.Mod(float64(bits)/math.MaxUint32*2-1, 1)) + 1e-6
	}
	return vec
}

// MockProvider implements llm.Provider for tests without live API calls.
// When Content is empty, Generate returns "mock response from " +
// ProviderName. Set Err to simulate failures, Block to simulate timeouts.
type MockProvider struct {
	mu           sync.Mutex
	ProviderName string
	Content      string
	Err          error
	Block        bool
	CallCount    int
	Received     [][]llm.Message
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return m.ProviderName }

// Generate returns the canned response, error, or blocks until ctx expires.
func (m *MockProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.CallCount++
	msgCopy := make([]llm.Message, len(req.Messages))
	copy(msgCopy, req.Messages)
	m.Received = append(m.Received, msgCopy)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	content := m.Content
	if content == "" {
		content = "mock response from " + m.ProviderName
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}
