package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RomainBuono/Emergency-manager/internal/audit"
	"github.com/RomainBuono/Emergency-manager/internal/config"
	"github.com/RomainBuono/Emergency-manager/internal/embedding"
	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/intent"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	"github.com/RomainBuono/Emergency-manager/internal/llm"
	"github.com/RomainBuono/Emergency-manager/internal/orchestrator"
	"github.com/RomainBuono/Emergency-manager/internal/policy"
	"github.com/RomainBuono/Emergency-manager/internal/rag"
	"github.com/RomainBuono/Emergency-manager/internal/secrets"
	"github.com/RomainBuono/Emergency-manager/internal/state"
	"github.com/RomainBuono/Emergency-manager/internal/vectorindex"
)

// app bundles the wired components shared by serve, query, and cycle.
type app struct {
	cfg       *config.Config
	protocols []kb.Protocol
	rules     []kb.Rule
	scanner   *guard.Scanner
	embedder  embedding.Provider
	engine    *rag.Engine
	provider  llm.Provider
	resolver  *intent.Resolver
	orch      *orchestrator.Orchestrator
	states    *state.Store
	audits    *audit.Store // nil when no signing key is configured
}

// buildApp wires the full stack from configuration. Any missing or corrupt
// artifact (classifier model, vector index, knowledge base) fails here, at
// startup, never at query time.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	protocols, err := kb.LoadProtocols(cfg.ProtocolsPath())
	if err != nil {
		return nil, err
	}
	rules, err := kb.LoadRules(cfg.RulesPath())
	if err != nil {
		return nil, err
	}

	scanner, err := guard.NewScanner(guard.WithRuleFile(cfg.PatternFile))
	if err != nil {
		return nil, err
	}
	model, err := guard.LoadModel(cfg.ClassifierPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	apiKey := cfg.LLMAPIKey
	if apiKey == "" && cfg.SecretsKey != "" {
		apiKey = vaultCredential(ctx, cfg, "llm_api_key", "llm")
	}

	var embedder embedding.Provider
	if cfg.EmbeddingProvider == "openai" {
		embedder = embedding.NewOpenAIProvider(apiKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	} else {
		embedder = embedding.NewOllamaProvider(cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}

	ids := make([]string, len(protocols))
	for i, p := range protocols {
		ids[i] = p.ID
	}
	index, err := vectorindex.Load(cfg.IndexPath, cfg.EmbeddingDim, ids)
	if err != nil {
		return nil, err
	}

	coherence, err := policy.NewEngine(ctx, cfg.LongWaitOverrideMins)
	if err != nil {
		return nil, err
	}

	engine, err := rag.NewEngine(scanner, model, embedder, index, protocols, rules, coherence, guard.Config{
		MLThreshold:        cfg.MLThreshold,
		RelevanceThreshold: cfg.RelevanceThreshold,
		Timeout:            cfg.RequestTimeout(),
	})
	if err != nil {
		return nil, err
	}

	// The breaker keeps dead reasoning endpoints from stalling every cycle.
	provider := llm.Provider(llm.NewBreaker(llm.Resolve(apiKey, cfg.LLMBaseURL), 5, time.Minute))
	orch := orchestrator.New(engine, provider, orchestrator.Config{
		Model:               cfg.LLMModel,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		LongWaitMinutes:     cfg.LongWaitOverrideMins,
		RequestTimeout:      cfg.RequestTimeout(),
	})
	resolver := intent.NewResolver(engine.Screener(), provider, cfg.LLMModel)

	var snap *state.Snapshot
	if _, err := os.Stat(cfg.StatePath()); err == nil {
		snap, err = state.LoadSnapshot(cfg.StatePath())
		if err != nil {
			return nil, err
		}
	}

	if cfg.AuditSigningKey == "" && cfg.SecretsKey != "" {
		cfg.AuditSigningKey = vaultCredential(ctx, cfg, "audit_signing_key", "audit")
	}

	var audits *audit.Store
	if cfg.AuditSigningKey != "" {
		audits, err = audit.NewStore(cfg.AuditDBPath(), cfg.AuditSigningKey)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("audit_signing_key not set, audit trail disabled")
	}

	log.Info().
		Int("protocols", len(protocols)).
		Int("rules", len(rules)).
		Int("detection_rules", scanner.RuleCount()).
		Str("provider", provider.Name()).
		Msg("components wired")

	return &app{
		cfg:       cfg,
		protocols: protocols,
		rules:     rules,
		scanner:   scanner,
		embedder:  embedder,
		engine:    engine,
		provider:  provider,
		resolver:  resolver,
		orch:      orch,
		states:    state.NewStore(snap),
		audits:    audits,
	}, nil
}

// Close releases held resources.
func (a *app) Close() {
	if a.audits != nil {
		_ = a.audits.Close()
	}
}

// vaultCredential reads one credential from the vault, returning "" when the
// vault or the credential is unavailable so the caller can fall back to its
// disabled path.
func vaultCredential(ctx context.Context, cfg *config.Config, name, component string) string {
	vault, err := secrets.Open(cfg.VaultDBPath(), cfg.SecretsKey)
	if err != nil {
		log.Warn().Err(err).Msg("opening credential vault failed")
		return ""
	}
	defer vault.Close()

	cred, err := vault.Get(ctx, name, component)
	if err != nil {
		log.Debug().Err(err).Str("credential", name).Msg("credential not resolved from vault")
		return ""
	}
	return string(cred.Value)
}
