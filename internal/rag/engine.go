// Package rag wires retrieval and the guardrail into the query pipeline:
// embed, nearest-neighbor search, rule lookup, then the full guarded verdict.
package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RomainBuono/Emergency-manager/internal/embedding"
	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
	"github.com/RomainBuono/Emergency-manager/internal/vectorindex"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/rag")

// similarityFloor is the minimum similarity for a nearest neighbor to count
// as found at all. It sits well below the guardrail's relevance threshold:
// the floor rejects degenerate matches (orthogonal-or-worse embeddings), the
// threshold judges content relevance. Matches below it map to
// guard.ErrNotFound, so an operational query bypassing the relevance stage
// never carries a meaningless protocol out.
const similarityFloor = 0.05

// Retriever resolves query vectors against the protocol index and attaches
// the rules applicable to the matched protocol's severity. Implements
// guard.Retriever. Read-only after construction; safe for concurrent use.
type Retriever struct {
	index     vectorindex.Searcher
	protocols map[string]kb.Protocol
	rules     []kb.Rule
}

// NewRetriever builds a Retriever over a loaded index and knowledge base.
func NewRetriever(index vectorindex.Searcher, protocols []kb.Protocol, rules []kb.Rule) *Retriever {
	byID := make(map[string]kb.Protocol, len(protocols))
	for _, p := range protocols {
		byID[p.ID] = p
	}
	return &Retriever{index: index, protocols: byID, rules: rules}
}

// Retrieve returns the nearest protocol and its applicable rules. Similarity
// is derived from the L2 distance between unit vectors: 1 - d²/2, clamped at
// zero, which equals the cosine similarity when non-negative.
func (r *Retriever) Retrieve(ctx context.Context, query []float32) (*guard.Retrieved, error) {
	ctx, span := tracer.Start(ctx, "rag.retrieve")
	defer span.End()

	match, err := r.index.Search(ctx, query)
	if err != nil {
		if errors.Is(err, vectorindex.ErrEmptyIndex) {
			return nil, guard.ErrNotFound
		}
		return nil, fmt.Errorf("index search: %w", err)
	}

	proto, ok := r.protocols[match.ID]
	if !ok {
		// Load validates id agreement, so this is a programming error.
		return nil, fmt.Errorf("index returned unknown protocol %s", match.ID)
	}

	sim := Similarity(match.Distance)
	span.SetAttributes(
		attribute.String("rag.protocol_id", proto.ID),
		attribute.Float64("rag.similarity", sim),
	)
	if sim < similarityFloor {
		return nil, guard.ErrNotFound
	}

	return &guard.Retrieved{
		Protocol:   proto,
		Rules:      kb.RulesForSeverity(r.rules, proto.Severity),
		Similarity: sim,
	}, nil
}

// Similarity converts an L2 distance between unit vectors to a similarity in
// [0, 1]: identical vectors score 1, orthogonal-or-worse score 0.
func Similarity(distance float64) float64 {
	sim := 1 - distance*distance/2
	if sim < 0 {
		return 0
	}
	return sim
}

// Response is the full result of a guarded query.
type Response struct {
	Verdict  guard.Verdict `json:"verdict"`
	Protocol *kb.Protocol  `json:"protocol,omitempty"`
	Rules    []kb.Rule     `json:"rules,omitempty"`
	Latency  time.Duration `json:"latency_ns"`
}

// Engine is the query-facing entry point: a guardrail wired to a retriever.
type Engine struct {
	guardrail *guard.Guardrail
	retriever *Retriever
}

// NewEngine assembles the query pipeline. The coherence checker may be nil.
func NewEngine(scanner *guard.Scanner, model *guard.Model, embedder embedding.Provider,
	index vectorindex.Searcher, protocols []kb.Protocol, rules []kb.Rule,
	coherence guard.CoherenceChecker, cfg guard.Config) (*Engine, error) {

	retriever := NewRetriever(index, protocols, rules)
	guardrail, err := guard.New(scanner, model, embedder, retriever, coherence, cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{guardrail: guardrail, retriever: retriever}, nil
}

// Screener returns the guardrail's pattern + classifier pre-check, so intent
// resolution screens raw text through the same instance queries pass.
func (e *Engine) Screener() *guard.Screener { return e.guardrail.Screener() }

// Query evaluates a query through the guardrail and returns the response
// with protocol context when allowed. Protocol context is withheld on any
// block so callers cannot act on partially validated retrievals.
func (e *Engine) Query(ctx context.Context, query string, qctx guard.QueryContext) (*Response, error) {
	ctx, span := tracer.Start(ctx, "rag.query")
	defer span.End()

	start := time.Now()
	out, err := e.guardrail.Evaluate(ctx, query, qctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := &Response{
		Verdict: out.Verdict,
		Latency: time.Since(start),
	}
	if out.Verdict.Allowed && out.Retrieved != nil {
		proto := out.Retrieved.Protocol
		resp.Protocol = &proto
		resp.Rules = out.Retrieved.Rules
	}

	span.SetAttributes(
		attribute.Bool("rag.allowed", resp.Verdict.Allowed),
		attribute.Int64("rag.latency_ms", resp.Latency.Milliseconds()),
	)
	return resp, nil
}
