package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

// OpenAIProvider computes embeddings against any OpenAI-compatible API
// (including Mistral's embeddings endpoint via a custom base URL).
type OpenAIProvider struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIProvider creates an embedding provider for an OpenAI-compatible
// endpoint. baseURL may be empty for the default OpenAI API.
func NewOpenAIProvider(apiKey, baseURL, model string, dim int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dim:    dim,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Dim returns the configured embedding dimension.
func (p *OpenAIProvider) Dim() int { return p.dim }

// Embed computes the embedding for text. The raw vector is returned; callers
// normalize via Normalize.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.embed",
		trace.WithAttributes(
			emotel.GenAISystem.String("openai"),
			emotel.GenAIRequestModel.String(p.model),
		))
	defer span.End()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embeddings call: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings call: empty response")
	}

	vec := resp.Data[0].Embedding
	if err := CheckDim(vec, p.dim); err != nil {
		return nil, fmt.Errorf("provider returned %d dims, expected %d: %w", len(vec), p.dim, err)
	}

	return vec, nil
}
