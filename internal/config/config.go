// Package config holds operator-level configuration for an emergency manager
// installation: artifact paths, guardrail thresholds, embedding and reasoning
// endpoints. Set via env vars (EMERGENCY_*) or emergency.config.yaml.
//
// Clinical content (the protocol and rule corpus) is data, not configuration:
// it lives under kb_dir and is loaded read-only at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the EMERGENCY_ prefix
// (e.g. "ml_threshold" → EMERGENCY_ML_THRESHOLD) and to a YAML field
// in emergency.config.yaml.
const (
	KeyDataDir              = "data_dir"
	KeyKBDir                = "kb_dir"
	KeyMLThreshold          = "ml_threshold"
	KeyRelevanceThreshold   = "relevance_threshold"
	KeyConfidenceThreshold  = "confidence_threshold"
	KeyLongWaitOverrideMins = "long_wait_override_minutes"
	KeyEmbeddingDim         = "embedding_dim"
	KeyRequestTimeoutMS     = "request_timeout_ms"
	KeyClassifierPath       = "classifier_path"
	KeyIndexPath            = "index_path"
	KeyPatternFile          = "pattern_file"
	KeyLLMBaseURL           = "llm_base_url"
	KeyLLMAPIKey            = "llm_api_key"
	KeyLLMModel             = "llm_model"
	KeyEmbeddingProvider    = "embedding_provider"
	KeyEmbeddingBaseURL     = "embedding_base_url"
	KeyEmbeddingModel       = "embedding_model"
	KeyAuditSigningKey      = "audit_signing_key"
	KeyAPIKeys              = "api_keys"
	KeySecretsKey           = "secrets_key"
	KeyRateLimitRPM         = "rate_limit_rpm"
	KeyRateLimitCallerRPM   = "rate_limit_caller_rpm"
)

// Defaults. Thresholds mirror the values the guardrail was calibrated with;
// changing them shifts the block/allow boundary for every query.
const (
	DefaultMLThreshold          = 0.5
	DefaultRelevanceThreshold   = 0.4
	DefaultConfidenceThreshold  = 0.7
	DefaultLongWaitOverrideMins = 360
	DefaultEmbeddingDim         = 384
	DefaultRequestTimeoutMS     = 5000
	DefaultLLMModel             = "mistral-small-latest"
	DefaultEmbeddingModel       = "paraphrase-multilingual-MiniLM-L12-v2"
	DefaultEmbeddingProvider    = "ollama"
	DefaultEmbeddingBaseURL     = "http://localhost:11434"
)

// Config holds resolved configuration for an emergency manager process.
type Config struct {
	DataDir              string  // Base directory for runtime state (~/.emergency)
	KBDir                string  // Directory containing protocols.json and rules.json
	MLThreshold          float64 // Classifier block threshold (inclusive)
	RelevanceThreshold   float64 // Minimum similarity for rule matching
	ConfidenceThreshold  float64 // Minimum similarity for user-facing confidence
	LongWaitOverrideMins int     // Wait time after which low-severity patients jump the queue
	EmbeddingDim         int     // Expected embedding vector dimension
	RequestTimeoutMS     int     // Timeout for embedding/classifier/reasoning calls
	ClassifierPath       string  // Path to the trained threat-classifier artifact
	IndexPath            string  // Path to the serialized protocol vector index
	PatternFile          string  // Optional YAML override for detection rules
	LLMBaseURL           string  // OpenAI-compatible chat endpoint (Mistral by default)
	LLMAPIKey            string  // API key for the reasoning capability
	LLMModel             string  // Chat model identifier
	EmbeddingProvider    string  // Embedding transport: "ollama" or "openai"
	EmbeddingBaseURL     string  // Embedding endpoint (Ollama by default)
	EmbeddingModel       string  // Embedding model identifier
	AuditSigningKey      string  // HMAC key for audit records; empty disables the audit store
	APIKeys              []string // Bearer keys for the HTTP API; empty disables auth
	SecretsKey           string   // AES-256 key for the credential vault; empty disables it
	RateLimitRPM         int      // Global HTTP requests per minute; 0 disables this budget
	RateLimitCallerRPM   int      // Per-caller HTTP requests per minute; 0 disables this budget
}

// RequestTimeout returns the per-call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ProtocolsPath returns the path to the protocol collection.
func (c *Config) ProtocolsPath() string {
	return filepath.Join(c.KBDir, "protocols.json")
}

// RulesPath returns the path to the rule collection.
func (c *Config) RulesPath() string {
	return filepath.Join(c.KBDir, "rules.json")
}

// StatePath returns the path to the department snapshot file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// VaultDBPath returns the full path to the credential vault database.
func (c *Config) VaultDBPath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("EMERGENCY")
	viper.AutomaticEnv()
	viper.SetDefault(KeyMLThreshold, DefaultMLThreshold)
	viper.SetDefault(KeyRelevanceThreshold, DefaultRelevanceThreshold)
	viper.SetDefault(KeyConfidenceThreshold, DefaultConfidenceThreshold)
	viper.SetDefault(KeyLongWaitOverrideMins, DefaultLongWaitOverrideMins)
	viper.SetDefault(KeyEmbeddingDim, DefaultEmbeddingDim)
	viper.SetDefault(KeyRequestTimeoutMS, DefaultRequestTimeoutMS)
	viper.SetDefault(KeyLLMModel, DefaultLLMModel)
	viper.SetDefault(KeyEmbeddingModel, DefaultEmbeddingModel)
	viper.SetDefault(KeyEmbeddingProvider, DefaultEmbeddingProvider)
	viper.SetDefault(KeyEmbeddingBaseURL, DefaultEmbeddingBaseURL)
	viper.SetDefault(KeyKBDir, "data")
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:              resolveDataDir(),
		KBDir:                viper.GetString(KeyKBDir),
		MLThreshold:          viper.GetFloat64(KeyMLThreshold),
		RelevanceThreshold:   viper.GetFloat64(KeyRelevanceThreshold),
		ConfidenceThreshold:  viper.GetFloat64(KeyConfidenceThreshold),
		LongWaitOverrideMins: viper.GetInt(KeyLongWaitOverrideMins),
		EmbeddingDim:         viper.GetInt(KeyEmbeddingDim),
		RequestTimeoutMS:     viper.GetInt(KeyRequestTimeoutMS),
		ClassifierPath:       viper.GetString(KeyClassifierPath),
		IndexPath:            viper.GetString(KeyIndexPath),
		PatternFile:          viper.GetString(KeyPatternFile),
		LLMBaseURL:           viper.GetString(KeyLLMBaseURL),
		LLMAPIKey:            viper.GetString(KeyLLMAPIKey),
		LLMModel:             viper.GetString(KeyLLMModel),
		EmbeddingProvider:    viper.GetString(KeyEmbeddingProvider),
		EmbeddingBaseURL:     viper.GetString(KeyEmbeddingBaseURL),
		EmbeddingModel:       viper.GetString(KeyEmbeddingModel),
		AuditSigningKey:      viper.GetString(KeyAuditSigningKey),
		APIKeys:              viper.GetStringSlice(KeyAPIKeys),
		SecretsKey:           viper.GetString(KeySecretsKey),
		RateLimitRPM:         viper.GetInt(KeyRateLimitRPM),
		RateLimitCallerRPM:   viper.GetInt(KeyRateLimitCallerRPM),
	}

	if cfg.ClassifierPath == "" {
		cfg.ClassifierPath = filepath.Join(cfg.DataDir, "guardrail.model.json")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.KBDir, "protocols.index.json")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".emergency"
	}
	return filepath.Join(home, ".emergency")
}

func (c *Config) validate() error {
	if c.MLThreshold < 0 || c.MLThreshold > 1 {
		return fmt.Errorf("ml_threshold must be in [0, 1], got %g", c.MLThreshold)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold must be in [0, 1], got %g", c.RelevanceThreshold)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0, 1], got %g", c.ConfidenceThreshold)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.LongWaitOverrideMins <= 0 {
		return fmt.Errorf("long_wait_override_minutes must be positive, got %d", c.LongWaitOverrideMins)
	}
	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive, got %d", c.RequestTimeoutMS)
	}
	if c.EmbeddingProvider != "ollama" && c.EmbeddingProvider != "openai" {
		return fmt.Errorf("embedding_provider must be ollama or openai, got %q", c.EmbeddingProvider)
	}
	if c.RateLimitRPM < 0 || c.RateLimitCallerRPM < 0 {
		return fmt.Errorf("rate limits must be non-negative, got %d/%d", c.RateLimitRPM, c.RateLimitCallerRPM)
	}
	return nil
}
