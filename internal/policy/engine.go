// Package policy evaluates medical coherence rules with embedded OPA. The
// rules live in Rego so clinical reviewers can audit and extend the deny
// conditions without touching Go code.
package policy

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/policy")

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	coherencePolicy = "rego/coherence.rego"
	coherenceQuery  = "data.emergency.coherence.deny"
)

// Engine evaluates the coherence policy with a precompiled Rego query.
// Read-only after construction; safe for concurrent use.
type Engine struct {
	prepared rego.PreparedEvalQuery
	// longWaitMinutes is injected into every evaluation input so the Rego
	// rules and the orchestrator share one threshold.
	longWaitMinutes int
}

// NewEngine compiles the embedded coherence policy. Compilation failure is
// fatal at startup, matching the no-degraded-mode stance of the guardrail.
func NewEngine(ctx context.Context, longWaitMinutes int) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	content, err := embeddedPolicies.ReadFile(coherencePolicy)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", coherencePolicy, err)
	}

	r := rego.New(
		rego.Query(coherenceQuery),
		rego.Module(coherencePolicy, string(content)),
		rego.Store(inmem.New()),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing Rego policy %s: %w", coherencePolicy, err)
	}

	return &Engine{prepared: prepared, longWaitMinutes: longWaitMinutes}, nil
}

// CheckCoherence implements guard.CoherenceChecker. It returns the deny
// reasons for the retrieved protocol in the given operational context; an
// empty slice means coherent.
func (e *Engine) CheckCoherence(ctx context.Context, ret *guard.Retrieved, qctx guard.QueryContext) ([]string, error) {
	ctx, span := tracer.Start(ctx, "policy.check_coherence")
	defer span.End()

	input := map[string]interface{}{
		"severity":          string(ret.Protocol.Severity),
		"rules":             rulesToInput(ret.Rules),
		"wait_minutes":      qctx.WaitMinutes,
		"long_wait_minutes": e.longWaitMinutes,
		"resources":         resourcesToInput(qctx.Resources),
	}

	reasons, err := e.evaluateDeny(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("policy.coherent", len(reasons) == 0),
		attribute.Int("policy.deny_reasons", len(reasons)),
	)
	return reasons, nil
}

// evaluateDeny runs the prepared query and extracts the deny reason set.
// OPA returns the set as []interface{} or, occasionally, map[string]interface{}.
func (e *Engine) evaluateDeny(ctx context.Context, input map[string]interface{}) ([]string, error) {
	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", coherencePolicy, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

func rulesToInput(rules []kb.Rule) []interface{} {
	out := make([]interface{}, len(rules))
	for i, r := range rules {
		out[i] = map[string]interface{}{
			"id":       r.ID,
			"title":    r.Title,
			"severity": string(r.Severity),
		}
	}
	return out
}

func resourcesToInput(resources []guard.Resource) []interface{} {
	out := make([]interface{}, len(resources))
	for i, r := range resources {
		out[i] = map[string]interface{}{
			"kind": r.Kind,
			"id":   r.ID,
		}
	}
	return out
}
