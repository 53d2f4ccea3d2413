// Package guard implements the layered query guardrail: a fixed pipeline of
// pattern scanning, ML threat classification, retrieval grounding, relevance
// filtering, and medical coherence checking. Each stage can only pass or
// block; a blocked query records the stage that stopped it and never reaches
// the stages after it. The pipeline is stateless across calls.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RomainBuono/Emergency-manager/internal/embedding"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/guard")

// ErrNotFound is returned by a Retriever when no protocol can be matched,
// either because the index is empty or nothing clears the similarity floor.
var ErrNotFound = errors.New("no matching protocol")

// Stage identifies a guardrail pipeline stage. A blocked verdict names the
// stage that stopped the query.
type Stage string

const (
	StagePattern   Stage = "pattern"
	StageClassifier Stage = "classifier"
	StageRelevance Stage = "relevance"
	StageCoherence Stage = "coherence"
)

// Verdict is the terminal outcome of a guardrail evaluation.
type Verdict struct {
	Allowed bool
	// Stage is the blocking stage; empty when Allowed.
	Stage Stage
	// Reason is a short operator-facing explanation.
	Reason string
	// ThreatScore is the classifier probability, when the classifier ran.
	ThreatScore float64
	// Similarity is the protocol match similarity, when retrieval ran.
	Similarity float64
	// Operational marks a query that bypassed the relevance floor via the
	// operational whitelist.
	Operational bool
}

// Retrieved is the protocol context produced by the retrieval stage.
type Retrieved struct {
	Protocol   kb.Protocol
	Rules      []kb.Rule
	Similarity float64
}

// Retriever resolves a unit-normalized query vector to the nearest protocol
// and its applicable rules. Implementations return ErrNotFound when nothing
// matches at all.
type Retriever interface {
	Retrieve(ctx context.Context, query []float32) (*Retrieved, error)
}

// Resource is an operational resource referenced by a query or decision,
// checked for validity at the coherence stage.
type Resource struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// QueryContext carries the operational facts the coherence stage reasons
// over. The zero value means "no patient context".
type QueryContext struct {
	// WaitMinutes is the referenced patient's current wait, in minutes.
	WaitMinutes int
	// Resources are the operational resources the query references.
	Resources []Resource
}

// CoherenceChecker validates a retrieved protocol against operational
// context. A non-empty reason list means the combination is incoherent.
type CoherenceChecker interface {
	CheckCoherence(ctx context.Context, ret *Retrieved, qctx QueryContext) ([]string, error)
}

// Outcome bundles the verdict with whatever the pipeline produced before the
// terminal state. Retrieved is non-nil only when retrieval succeeded, and
// Embedding only when the embedder ran.
type Outcome struct {
	Verdict   Verdict
	Retrieved *Retrieved
	Embedding []float32
}

// Config carries the guardrail thresholds. Both boundaries are inclusive on
// the conservative side: a classifier score equal to MLThreshold blocks, and
// a similarity equal to RelevanceThreshold passes.
type Config struct {
	MLThreshold        float64
	RelevanceThreshold float64
	Timeout            time.Duration
}

// RelevanceThresholdFor returns the similarity floor applied to a protocol of
// the given severity. Every class currently shares the configured floor; the
// severity parameter leaves room for per-class calibration.
func (c Config) RelevanceThresholdFor(sev kb.Severity) float64 {
	return c.RelevanceThreshold
}

// Screener runs the input-facing front of the pipeline: the pattern scan and
// the ML classifier. It is the pre-check every raw text passes before
// retrieval or intent parsing; the guardrail embeds one, and the intent
// resolver screens through the same instance so no path reaches a model
// unclassified.
type Screener struct {
	scanner  *Scanner
	model    *Model
	embedder embedding.Provider
	cfg      Config
}

// NewScreener assembles the pattern + classifier pre-check. Construction
// fails on a dimension mismatch between the classifier and the embedder;
// there is no degraded mode without the model.
func NewScreener(scanner *Scanner, model *Model, embedder embedding.Provider, cfg Config) (*Screener, error) {
	if scanner == nil || model == nil || embedder == nil {
		return nil, errors.New("screener requires scanner, model, and embedder")
	}
	if model.Dim() != embedder.Dim() {
		return nil, fmt.Errorf("classifier dim %d does not match embedder dim %d: %w",
			model.Dim(), embedder.Dim(), ErrModelUnavailable)
	}
	return &Screener{scanner: scanner, model: model, embedder: embedder, cfg: cfg}, nil
}

// Screen evaluates the pattern and classifier stages over raw text. The
// verdict carries the classifier score when the classifier ran; a timeout or
// embedder failure blocks at the classifier stage, same as in Evaluate.
func (s *Screener) Screen(ctx context.Context, text string) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "guard.screen")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, v, err := s.screen(ctx, text)
	if err != nil {
		return Verdict{}, err
	}
	finishSpan(span, v)
	return v, nil
}

// screen is the shared stage-1/stage-2 evaluation. The returned vector is
// non-nil whenever the classifier scored, so Evaluate reuses it for
// retrieval instead of embedding twice.
func (s *Screener) screen(ctx context.Context, query string) ([]float32, Verdict, error) {
	// Stage 1: pattern scan. Pure computation, no model calls.
	scan := s.scanner.Scan(ctx, query)
	if scan.Blocked {
		v := blocked(StagePattern, "hostile pattern: "+scan.Reason())
		v.ThreatScore = 1.0
		return nil, v, nil
	}

	// Stage 2: ML classifier over the query embedding. A timeout or embedder
	// failure blocks here: an unscorable query is never waved through.
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, blocked(StageClassifier, classifierFailReason(err)), nil
	}
	if _, err := embedding.Normalize(vec); err != nil {
		return nil, blocked(StageClassifier, "degenerate embedding: "+err.Error()), nil
	}

	score, err := s.model.Score(vec)
	if err != nil {
		return nil, Verdict{}, fmt.Errorf("classifier scoring: %w", err)
	}
	if score >= s.cfg.MLThreshold {
		v := blocked(StageClassifier, fmt.Sprintf("threat score %.3f >= %.3f", score, s.cfg.MLThreshold))
		v.ThreatScore = score
		return vec, v, nil
	}
	return vec, Verdict{Allowed: true, ThreatScore: score}, nil
}

// Guardrail runs the full evaluation pipeline. Construction fails if the
// classifier model cannot be loaded; there is no degraded mode without it.
type Guardrail struct {
	screener  *Screener
	retriever Retriever
	coherence CoherenceChecker
	cfg       Config
}

// New assembles a Guardrail. All collaborators are required except coherence,
// which may be nil when no policy engine is configured (the stage then
// passes trivially).
func New(scanner *Scanner, model *Model, embedder embedding.Provider, retriever Retriever, coherence CoherenceChecker, cfg Config) (*Guardrail, error) {
	if retriever == nil {
		return nil, errors.New("guardrail requires scanner, model, embedder, and retriever")
	}
	screener, err := NewScreener(scanner, model, embedder, cfg)
	if err != nil {
		return nil, err
	}
	return &Guardrail{
		screener:  screener,
		retriever: retriever,
		coherence: coherence,
		cfg:       cfg,
	}, nil
}

// Screener returns the pattern + classifier pre-check this guardrail runs,
// for callers that screen raw text without retrieval.
func (g *Guardrail) Screener() *Screener { return g.screener }

// Evaluate runs a query through every stage in order and returns the
// terminal outcome. The pipeline never calls a later stage after a block:
// a pattern hit costs no embedding call, a classifier block costs no
// retrieval.
func (g *Guardrail) Evaluate(ctx context.Context, query string, qctx QueryContext) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "guard.evaluate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	out := &Outcome{}

	// Stages 1-2: pattern scan and ML classifier, shared with Screen.
	vec, v, err := g.screener.screen(ctx, query)
	if err != nil {
		return nil, err
	}
	out.Embedding = vec
	out.Verdict = v
	if !v.Allowed {
		finishSpan(span, out.Verdict)
		return out, nil
	}
	score := v.ThreatScore

	// Stage 3: retrieval. Operational queries skip the relevance floor but
	// still need a retrieval attempt recorded; a hard retrieval error is
	// infrastructure failure, not a verdict.
	operational := IsOperational(query)
	ret, err := g.retriever.Retrieve(ctx, vec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if operational {
				v := allowedVerdict(score, 0)
				v.Operational = true
				out.Verdict = v
				finishSpan(span, out.Verdict)
				return out, nil
			}
			v := blocked(StageRelevance, "no protocol matches the query")
			v.ThreatScore = score
			out.Verdict = v
			finishSpan(span, out.Verdict)
			return out, nil
		}
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	out.Retrieved = ret

	// Stage 4: relevance floor. Equal-to-threshold passes.
	floor := g.cfg.RelevanceThresholdFor(ret.Protocol.Severity)
	if !operational && ret.Similarity < floor {
		v := blocked(StageRelevance, fmt.Sprintf("similarity %.3f < %.3f", ret.Similarity, floor))
		v.ThreatScore = score
		v.Similarity = ret.Similarity
		out.Verdict = v
		finishSpan(span, out.Verdict)
		return out, nil
	}

	// Stage 5: medical coherence.
	if g.coherence != nil {
		reasons, err := g.coherence.CheckCoherence(ctx, ret, qctx)
		if err != nil {
			return nil, fmt.Errorf("coherence check: %w", err)
		}
		if len(reasons) > 0 {
			v := blocked(StageCoherence, joinReasons(reasons))
			v.ThreatScore = score
			v.Similarity = ret.Similarity
			out.Verdict = v
			finishSpan(span, out.Verdict)
			return out, nil
		}
	}

	v = allowedVerdict(score, ret.Similarity)
	v.Operational = operational
	out.Verdict = v
	finishSpan(span, out.Verdict)
	return out, nil
}

func blocked(stage Stage, reason string) Verdict {
	return Verdict{Allowed: false, Stage: stage, Reason: reason}
}

func allowedVerdict(score, similarity float64) Verdict {
	return Verdict{Allowed: true, ThreatScore: score, Similarity: similarity}
}

func classifierFailReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "classification timed out"
	}
	return "embedding unavailable: " + err.Error()
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func finishSpan(span trace.Span, v Verdict) {
	span.SetAttributes(
		attribute.Bool("guard.allowed", v.Allowed),
		attribute.String("guard.stage", string(v.Stage)),
		attribute.Float64("guard.threat_score", v.ThreatScore),
	)
}
