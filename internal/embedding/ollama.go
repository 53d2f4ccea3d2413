package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/embedding")

// OllamaProvider computes embeddings against a local Ollama instance.
type OllamaProvider struct {
	baseURL    string
	model      string
	dim        int
	httpClient *http.Client
}

// NewOllamaProvider creates an Ollama embedding provider. If baseURL is
// empty, defaults to http://localhost:11434.
func NewOllamaProvider(baseURL, model string, dim int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		dim:        dim,
		httpClient: &http.Client{},
	}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string { return "ollama" }

// Dim returns the configured embedding dimension.
func (p *OllamaProvider) Dim() int { return p.dim }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends an embeddings request to the local Ollama instance. The raw
// vector is returned; callers normalize via Normalize.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.embed",
		trace.WithAttributes(
			emotel.GenAISystem.String("ollama"),
			emotel.GenAIRequestModel.String(p.model),
		))
	defer span.End()

	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshalling ollama embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating ollama embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("ollama embeddings call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings call: unexpected status %d", resp.StatusCode)
	}

	var apiResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decoding ollama embed response: %w", err)
	}

	if err := CheckDim(apiResp.Embedding, p.dim); err != nil {
		return nil, fmt.Errorf("ollama returned %d dims, expected %d: %w", len(apiResp.Embedding), p.dim, err)
	}

	return apiResp.Embedding, nil
}
