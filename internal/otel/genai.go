package otel

import "go.opentelemetry.io/otel/attribute"

// GenAI semantic convention attribute keys used by the LLM and embedding
// adapters. Kept as typed keys so call sites stay consistent.
var (
	GenAISystem            = attribute.Key("gen_ai.system")
	GenAIRequestModel      = attribute.Key("gen_ai.request.model")
	GenAIUsageInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens = attribute.Key("gen_ai.usage.output_tokens")
)
