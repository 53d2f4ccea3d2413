package llm

// Resolve picks the chat provider from configuration: an API key selects the
// hosted Mistral endpoint, no key falls back to a local Ollama instance.
func Resolve(apiKey, baseURL string) Provider {
	if apiKey != "" {
		return NewMistralProvider(apiKey, baseURL)
	}
	return NewOllamaProvider(baseURL)
}
