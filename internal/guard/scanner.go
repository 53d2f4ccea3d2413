package guard

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// maxQueryLen is the hard cap on query length in runes. Longer inputs are
	// rejected at the pattern stage before any regex work.
	maxQueryLen = 1000

	// maxRepetitionRun is the longest run of one repeated rune tolerated
	// before the input is considered degenerate.
	maxRepetitionRun = 50

	// blockSeverity is the minimum rule severity that blocks at the pattern
	// stage. Lower-severity matches are recorded but do not block on their own.
	blockSeverity = 2
)

// Synthetic rule IDs for the structural checks that are not expressible as
// detection rules.
const (
	ruleQueryTooLong        = "query_too_long"
	ruleExcessiveRepetition = "excessive_repetition"
)

// PatternMatch records one detection rule that fired on the input.
type PatternMatch struct {
	RuleID   string
	Category string
	Severity int
}

// ScanResult is the outcome of a pattern scan.
type ScanResult struct {
	// Blocked is true when at least one match reached blockSeverity.
	Blocked bool
	// Matches lists every rule that fired, in rule order.
	Matches []PatternMatch
}

// Reason summarizes the blocking matches for audit and error messages.
func (r ScanResult) Reason() string {
	var parts []string
	for _, m := range r.Matches {
		if m.Severity >= blockSeverity {
			parts = append(parts, fmt.Sprintf("%s (%s)", m.RuleID, m.Category))
		}
	}
	return strings.Join(parts, ", ")
}

// Scanner runs compiled detection rules plus structural checks over raw query
// text. Scanning is pure computation: no I/O, no model calls, deterministic
// for a given rule set. Read-only after construction; safe for concurrent use.
type Scanner struct {
	rules []DetectionRule
}

// ScannerOption configures a Scanner.
type ScannerOption func(*scannerConfig)

type scannerConfig struct {
	overridePath string
	extraRules   []RuleConfig
}

// WithRuleFile layers a detection rule YAML file on top of the embedded
// defaults. A missing file is ignored.
func WithRuleFile(path string) ScannerOption {
	return func(c *scannerConfig) { c.overridePath = path }
}

// WithRules layers additional rule configs on top of the embedded defaults.
func WithRules(rules []RuleConfig) ScannerOption {
	return func(c *scannerConfig) { c.extraRules = append(c.extraRules, rules...) }
}

// NewScanner builds a Scanner from the embedded default rules plus any
// configured overrides.
func NewScanner(opts ...ScannerOption) (*Scanner, error) {
	var cfg scannerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	layers := make([][]RuleConfig, 0, 3)
	defaults, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	layers = append(layers, defaults)

	if cfg.overridePath != "" {
		rf, err := LoadRuleFile(cfg.overridePath)
		if err != nil {
			return nil, err
		}
		if rf != nil {
			layers = append(layers, rf.Rules)
		}
	}
	if len(cfg.extraRules) > 0 {
		layers = append(layers, cfg.extraRules)
	}

	compiled, err := CompileRules(MergeRules(layers...))
	if err != nil {
		return nil, err
	}
	return &Scanner{rules: compiled}, nil
}

// RuleCount returns the number of active compiled rules.
func (s *Scanner) RuleCount() int { return len(s.rules) }

// Scan checks text against the structural limits and every detection rule.
// All matches are collected so the audit record names each category that
// fired, not just the first.
func (s *Scanner) Scan(ctx context.Context, text string) ScanResult {
	_, span := tracer.Start(ctx, "guard.pattern_scan")
	defer span.End()

	var res ScanResult

	if utf8.RuneCountInString(text) > maxQueryLen {
		res.Matches = append(res.Matches, PatternMatch{
			RuleID:   ruleQueryTooLong,
			Category: "suspicious_structure",
			Severity: blockSeverity,
		})
	}
	if hasExcessiveRepetition(text) {
		res.Matches = append(res.Matches, PatternMatch{
			RuleID:   ruleExcessiveRepetition,
			Category: "suspicious_structure",
			Severity: blockSeverity,
		})
	}

	lowered := strings.ToLower(text)
	for _, rule := range s.rules {
		if ruleMatches(rule, text, lowered) {
			res.Matches = append(res.Matches, PatternMatch{
				RuleID:   rule.ID,
				Category: rule.Category,
				Severity: rule.Severity,
			})
		}
	}

	for _, m := range res.Matches {
		if m.Severity >= blockSeverity {
			res.Blocked = true
			break
		}
	}

	span.SetAttributes(
		attribute.Bool("scan.blocked", res.Blocked),
		attribute.Int("scan.matches", len(res.Matches)),
	)
	return res
}

func ruleMatches(rule DetectionRule, text, lowered string) bool {
	if rule.Pattern != nil && rule.Pattern.MatchString(text) {
		return true
	}
	for _, kw := range rule.DenyList {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// hasExcessiveRepetition reports a run of more than maxRepetitionRun
// identical runes. RE2 has no backreferences, so this is a plain scan.
func hasExcessiveRepetition(text string) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
			if run > maxRepetitionRun {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}
