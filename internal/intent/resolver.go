// Package intent turns free-text operator commands into validated action
// plans. Resolution is layered: the guardrail pre-check (pattern scan plus
// ML classifier) first, then cheap regex strategies for the common
// phrasings, then an LLM fallback for anything the patterns miss. French and
// English phrasings are both handled.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	"github.com/RomainBuono/Emergency-manager/internal/llm"
	"github.com/RomainBuono/Emergency-manager/internal/orchestrator"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/intent")

// patternConfidence is the fixed confidence assigned to regex matches. The
// patterns are narrow enough that a match is nearly always right.
const patternConfidence = 0.85

// Kind classifies what the operator asked for.
type Kind string

const (
	KindAddPatient  Kind = "add_patient"
	KindTransport   Kind = "transport"
	KindAskProtocol Kind = "ask_protocol"
	KindGetStatus   Kind = "get_status"
	KindUnknown     Kind = "unknown"
)

// Intent is one resolved command.
type Intent struct {
	Kind       Kind              `json:"kind"`
	Slots      map[string]string `json:"slots,omitempty"`
	Count      int               `json:"count"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"` // "pattern" or "llm"
}

// Resolution is the full outcome: the recognized intent plus the action plan
// derived from it. Blocked is set when the guardrail refused the text.
type Resolution struct {
	Intent  *Intent               `json:"intent,omitempty"`
	Plan    []orchestrator.Action `json:"plan,omitempty"`
	Blocked bool                  `json:"blocked"`
	Reason  string                `json:"reason,omitempty"`
}

// strategy tries to resolve text without the LLM. Returns nil on no match.
type strategy func(text string) *Intent

// Screener is the guardrail pre-check every command passes before any
// parsing strategy runs. guard.Screener implements it.
type Screener interface {
	Screen(ctx context.Context, text string) (guard.Verdict, error)
}

// Resolver resolves operator commands.
type Resolver struct {
	screener   Screener
	provider   llm.Provider
	model      string
	strategies []strategy
}

// NewResolver creates a resolver. provider may be nil, in which case
// unmatched commands resolve to KindUnknown instead of consulting a model.
func NewResolver(screener Screener, provider llm.Provider, model string) *Resolver {
	return &Resolver{
		screener: screener,
		provider: provider,
		model:    model,
		strategies: []strategy{
			matchAddPatient,
			matchTransport,
			matchAskProtocol,
			matchGetStatus,
		},
	}
}

// Resolve parses the command and builds its action plan. Hostile input is
// refused before any parsing: intent resolution handles raw operator text
// and gets the same pattern and classifier gates as queries.
func (r *Resolver) Resolve(ctx context.Context, text string) (*Resolution, error) {
	ctx, span := tracer.Start(ctx, "intent.resolve")
	defer span.End()

	verdict, err := r.screener.Screen(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("screening command: %w", err)
	}
	if !verdict.Allowed {
		span.SetAttributes(
			attribute.Bool("intent.blocked", true),
			attribute.String("intent.blocked_stage", string(verdict.Stage)),
		)
		return &Resolution{
			Blocked: true,
			Reason:  verdict.Reason,
		}, nil
	}

	intent := r.resolveIntent(ctx, text)
	span.SetAttributes(
		attribute.String("intent.kind", string(intent.Kind)),
		attribute.String("intent.source", intent.Source),
	)

	plan, err := buildPlan(intent)
	if err != nil {
		return &Resolution{Intent: intent, Reason: err.Error()}, nil
	}
	return &Resolution{Intent: intent, Plan: plan}, nil
}

func (r *Resolver) resolveIntent(ctx context.Context, text string) *Intent {
	for _, try := range r.strategies {
		if intent := try(text); intent != nil {
			return intent
		}
	}
	if r.provider == nil {
		return &Intent{Kind: KindUnknown, Count: 1, Source: "pattern"}
	}
	return r.resolveWithLLM(ctx, text)
}

// llmIntentPrompt instructs the fallback model. The JSON contract mirrors
// the Intent type so the response unmarshals directly.
const llmIntentPrompt = `You classify emergency department operator commands.
Kinds: add_patient, transport, ask_protocol, get_status, unknown.
Slots by kind:
  add_patient: name, complaint, severity (CRITICAL|URGENT|MODERATE|DEFERRED)
  transport: patient_id, destination
  ask_protocol: query
  get_status: (none)
Respond with a single JSON object and nothing else:
{"kind": "...", "slots": {...}, "count": <number of repetitions, default 1>, "confidence": <0.0-1.0>}`

func (r *Resolver) resolveWithLLM(ctx context.Context, text string) *Intent {
	resp, err := r.provider.Generate(ctx, &llm.Request{
		Model: r.model,
		Messages: []llm.Message{
			{Role: "system", Content: llmIntentPrompt},
			{Role: "user", Content: text},
		},
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return &Intent{Kind: KindUnknown, Count: 1, Source: "llm"}
	}

	var intent Intent
	if err := llm.Unmarshal(resp.Content, &intent); err != nil {
		return &Intent{Kind: KindUnknown, Count: 1, Source: "llm"}
	}
	intent.Source = "llm"
	if intent.Count < 1 {
		intent.Count = 1
	}
	return &intent
}

var (
	addPatientRe = regexp.MustCompile(`(?i)(ajoute|admets?|add|admit)\s+(?:(\d+)\s+)?patients?(?:\s+(.+))?`)
	transportRe  = regexp.MustCompile(`(?i)(transporte|transf[eè]re|transport|move)\s+(?:le\s+patient\s+|patient\s+)?(\S+)\s+(?:vers|en|to|au|aux)\s+(.+)`)
	protocolRe   = regexp.MustCompile(`(?i)(quel\s+protocole|protocole\s+pour|which\s+protocol|protocol\s+for)\s*:?\s*(.+)`)
	statusRe     = regexp.MustCompile(`(?i)(statut|status|[ée]tat)\s+(du\s+service|des\s+urgences|department)?`)
)

func matchAddPatient(text string) *Intent {
	m := addPatientRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	count := 1
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
			count = n
		}
	}
	slots := map[string]string{}
	if detail := strings.TrimSpace(m[3]); detail != "" {
		slots["complaint"] = detail
	}
	return &Intent{
		Kind:       KindAddPatient,
		Slots:      slots,
		Count:      count,
		Confidence: patternConfidence,
		Source:     "pattern",
	}
}

func matchTransport(text string) *Intent {
	m := transportRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return &Intent{
		Kind: KindTransport,
		Slots: map[string]string{
			"patient_id":  m[2],
			"destination": strings.TrimSpace(m[3]),
		},
		Count:      1,
		Confidence: patternConfidence,
		Source:     "pattern",
	}
}

func matchAskProtocol(text string) *Intent {
	m := protocolRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return &Intent{
		Kind:       KindAskProtocol,
		Slots:      map[string]string{"query": strings.TrimSpace(m[2])},
		Count:      1,
		Confidence: patternConfidence,
		Source:     "pattern",
	}
}

func matchGetStatus(text string) *Intent {
	if !statusRe.MatchString(text) {
		return nil
	}
	return &Intent{
		Kind:       KindGetStatus,
		Count:      1,
		Confidence: patternConfidence,
		Source:     "pattern",
	}
}

// buildPlan expands an intent into concrete actions. An add_patient intent
// with count N yields N admit actions.
func buildPlan(intent *Intent) ([]orchestrator.Action, error) {
	switch intent.Kind {
	case KindAddPatient:
		severity := intent.Slots["severity"]
		if severity == "" {
			severity = string(kb.SeverityModerate)
		}
		name := intent.Slots["name"]
		if name == "" {
			name = "unidentified"
		}
		complaint := intent.Slots["complaint"]
		if complaint == "" {
			complaint = "not recorded"
		}
		plan := make([]orchestrator.Action, 0, intent.Count)
		for i := 0; i < intent.Count; i++ {
			plan = append(plan, orchestrator.Action{
				Name: orchestrator.ActionAdmit,
				Args: map[string]string{
					"name":      name,
					"complaint": complaint,
					"severity":  severity,
				},
			})
		}
		return plan, nil
	case KindTransport:
		return []orchestrator.Action{{
			Name: orchestrator.ActionStartTransportUnit,
			Args: map[string]string{
				"patient_id": intent.Slots["patient_id"],
				"unit":       intent.Slots["destination"],
			},
		}}, nil
	case KindAskProtocol, KindGetStatus:
		// Read-only intents have no action plan; the caller serves them
		// through the query pipeline or the status endpoint.
		return nil, nil
	default:
		return nil, fmt.Errorf("unrecognized command")
	}
}
