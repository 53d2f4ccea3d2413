// Package orchestrator runs the decision loop: project the department
// snapshot into a situation summary, ground the focus patient's complaint
// through the guarded retrieval pipeline, ask the reasoning model for one
// action from the closed vocabulary, and validate what comes back. A cycle
// that cannot produce a safe, valid action produces NoAction; it never
// guesses.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/llm"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
	"github.com/RomainBuono/Emergency-manager/internal/rag"
	"github.com/RomainBuono/Emergency-manager/internal/state"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/orchestrator")

// ProtocolQuerier is the guarded retrieval surface the orchestrator grounds
// decisions on. rag.Engine implements it.
type ProtocolQuerier interface {
	Query(ctx context.Context, query string, qctx guard.QueryContext) (*rag.Response, error)
}

// Decision is the outcome of one cycle. Exactly one of Action or NoAction
// reason is meaningful: a nil Action means the cycle declined to act.
type Decision struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	PatientID  string        `json:"patient_id,omitempty"`
	ProtocolID string        `json:"protocol_id,omitempty"`
	Action     *Action       `json:"action,omitempty"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Confidence float64       `json:"confidence"`
	NoAction   bool          `json:"no_action"`
	Reason     string        `json:"reason,omitempty"`
	Verdict    guard.Verdict `json:"verdict"`
}

// Config carries the orchestrator knobs.
type Config struct {
	Model               string
	ConfidenceThreshold float64
	LongWaitMinutes     int
	RequestTimeout      time.Duration
}

// Orchestrator drives decision cycles over the shared department state.
type Orchestrator struct {
	querier  ProtocolQuerier
	provider llm.Provider
	cfg      Config
}

// New creates an orchestrator.
func New(querier ProtocolQuerier, provider llm.Provider, cfg Config) *Orchestrator {
	return &Orchestrator{querier: querier, provider: provider, cfg: cfg}
}

// decisionPayload is the JSON contract the reasoning model must emit.
type decisionPayload struct {
	Action     string            `json:"action"`
	Args       map[string]string `json:"args"`
	Reasoning  string            `json:"reasoning"`
	Confidence float64           `json:"confidence"`
}

// Cycle runs one decision cycle over the snapshot. The returned Decision is
// always non-nil on a nil error; infrastructure failures (not model refusals
// or guardrail blocks) surface as errors.
func (o *Orchestrator) Cycle(ctx context.Context, snap *state.Snapshot) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.cycle")
	defer span.End()

	now := time.Now().UTC()
	dec := &Decision{
		ID: uuid.New().String(),
		At: now,
	}

	focus := NextPatient(snap, now, o.cfg.LongWaitMinutes)
	if focus == nil {
		dec.NoAction = true
		dec.Reason = "no patient waiting"
		return dec, nil
	}
	dec.PatientID = focus.ID
	span.SetAttributes(
		attribute.String("cycle.patient_id", focus.ID),
		attribute.String("cycle.severity", string(focus.Severity)),
	)

	// Ground the decision in a validated protocol before any reasoning.
	qctx := guard.QueryContext{WaitMinutes: focus.WaitMinutes(now)}
	resp, err := o.querier.Query(ctx, focus.Complaint, qctx)
	if err != nil {
		return nil, fmt.Errorf("guarded retrieval: %w", err)
	}
	dec.Verdict = resp.Verdict
	if !resp.Verdict.Allowed {
		dec.NoAction = true
		dec.Reason = fmt.Sprintf("query blocked at %s stage: %s", resp.Verdict.Stage, resp.Verdict.Reason)
		log.Warn().
			Str("decision_id", dec.ID).
			Str("patient_id", focus.ID).
			Str("stage", string(resp.Verdict.Stage)).
			Msg("decision cycle blocked by guardrail")
		return dec, nil
	}
	if resp.Protocol != nil {
		dec.ProtocolID = resp.Protocol.ID
	}

	prompt := o.buildPrompt(snap, focus, resp, now)

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	completion, err := o.provider.Generate(llmCtx, &llm.Request{
		Model: o.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		// A slow or failed reasoning call is a skipped cycle, not a fault:
		// the next cycle sees the same state and tries again.
		dec.NoAction = true
		dec.Reason = noActionReason(err)
		log.Warn().Err(err).Str("decision_id", dec.ID).Msg("reasoning call failed, skipping cycle")
		return dec, nil
	}

	var payload decisionPayload
	if err := llm.Unmarshal(completion.Content, &payload); err != nil {
		dec.NoAction = true
		dec.Reason = "unparseable model response"
		return dec, nil
	}
	dec.Reasoning = payload.Reasoning
	dec.Confidence = payload.Confidence

	if strings.EqualFold(payload.Action, "no_action") || payload.Action == "" {
		dec.NoAction = true
		dec.Reason = firstNonEmpty(payload.Reasoning, "model declined to act")
		return dec, nil
	}

	action := Action{Name: ActionName(payload.Action), Args: payload.Args}
	if err := ValidateAction(action); err != nil {
		dec.NoAction = true
		dec.Reason = err.Error()
		log.Warn().
			Str("decision_id", dec.ID).
			Str("proposed_action", payload.Action).
			Msg("model proposed invalid action")
		return dec, nil
	}

	if payload.Confidence < o.cfg.ConfidenceThreshold {
		dec.NoAction = true
		dec.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", payload.Confidence, o.cfg.ConfidenceThreshold)
		return dec, nil
	}

	dec.Action = &action
	span.SetAttributes(
		attribute.String("cycle.action", string(action.Name)),
		attribute.Float64("cycle.confidence", payload.Confidence),
	)
	return dec, nil
}

const systemPrompt = `You are the decision assistant of a hospital emergency department.
You propose exactly one action per cycle, chosen from the allowed action list.
Respond with a single JSON object and nothing else:
{"action": "<action name or no_action>", "args": {...}, "reasoning": "<short justification>", "confidence": <0.0-1.0>}`

func (o *Orchestrator) buildPrompt(snap *state.Snapshot, focus *state.Patient, resp *rag.Response, now time.Time) string {
	var b strings.Builder

	b.WriteString("## Department situation\n")
	b.WriteString(Summarize(snap, now, o.cfg.LongWaitMinutes))

	fmt.Fprintf(&b, "\n## Focus patient\n%s (%s): %s, severity %s, waiting %d min\n",
		focus.ID, focus.Name, focus.Complaint, focus.Severity, focus.WaitMinutes(now))

	if resp.Protocol != nil {
		fmt.Fprintf(&b, "\n## Validated protocol\n%s: %s\nActions: %s\nTarget unit: %s\n",
			resp.Protocol.Title, resp.Protocol.Description,
			strings.Join(resp.Protocol.Actions, "; "), resp.Protocol.TargetUnit)
		for _, r := range resp.Rules {
			fmt.Fprintf(&b, "Rule %s: %s\n", r.ID, r.Effect)
		}
	}

	fmt.Fprintf(&b, "\n## Allowed actions\n%s\n", strings.Join(ActionNames(), ", "))
	return b.String()
}

func noActionReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "reasoning call timed out"
	}
	return "reasoning call failed: " + err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
