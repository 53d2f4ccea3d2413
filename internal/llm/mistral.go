package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/llm")

// defaultMistralBaseURL is Mistral's OpenAI-compatible endpoint.
const defaultMistralBaseURL = "https://api.mistral.ai/v1"

// MistralProvider implements Provider against Mistral's chat completions
// API, which is OpenAI-compatible.
type MistralProvider struct {
	client *openai.Client
}

// NewMistralProvider creates a Mistral provider. baseURL may be empty for
// the hosted API, or point at any OpenAI-compatible endpoint.
func NewMistralProvider(apiKey, baseURL string) *MistralProvider {
	if baseURL == "" {
		baseURL = defaultMistralBaseURL
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &MistralProvider{client: openai.NewClientWithConfig(cfg)}
}

// newMistralProviderWithClient injects a pre-configured client. Used in
// tests with httptest servers.
func newMistralProviderWithClient(client *openai.Client) *MistralProvider {
	return &MistralProvider{client: client}
}

// Name returns the provider identifier.
func (p *MistralProvider) Name() string {
	return "mistral"
}

// Generate sends a chat completion request.
func (p *MistralProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			emotel.GenAISystem.String("mistral"),
			emotel.GenAIRequestModel.String(req.Model),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("mistral api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("mistral api call: no choices returned")
	}

	span.SetAttributes(
		emotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		emotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
	)

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}
