// Package kb holds the medical knowledge base: triage protocols and
// operational rules. Both collections are loaded from JSON at startup and are
// immutable afterwards, so they can be shared across concurrent queries
// without locking.
package kb

import (
	"encoding/json"
	"fmt"
	"os"
)

// Severity is one of the four fixed triage classes, ordered
// Critical > Urgent > Moderate > Deferred.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL" // vital risk, immediate care
	SeverityUrgent   Severity = "URGENT"   // care within the hour
	SeverityModerate Severity = "MODERATE" // can wait, reassess periodically
	SeverityDeferred Severity = "DEFERRED" // non-urgent, home return candidate
)

// SeverityAll marks a rule that applies to every severity class.
const SeverityAll Severity = "ALL"

// Valid reports whether s is one of the four triage classes.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityUrgent, SeverityModerate, SeverityDeferred:
		return true
	}
	return false
}

// Rank returns the triage precedence of s: lower is more urgent.
// Invalid severities rank last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityUrgent:
		return 1
	case SeverityModerate:
		return 2
	case SeverityDeferred:
		return 3
	}
	return 4
}

// Protocol is a stored medical-procedure description, the retrieval target.
// Immutable once loaded.
type Protocol struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
	Severity    Severity `json:"severity"`
	TargetUnit  string   `json:"target_unit,omitempty"`
}

// IndexDocument returns the text indexed for this protocol. The title is
// repeated to boost class discrimination and the symptom description is kept
// explicit for granularity, matching how the index artifact was built.
func (p *Protocol) IndexDocument() string {
	return fmt.Sprintf("[PATHOLOGY] %s | [PATHOLOGY] %s | [SYMPTOMS] %s", p.Title, p.Title, p.Description)
}

// Rule is an operational constraint scoped to one or more severity classes.
// Rules are looked up by severity after a protocol match, never by vector
// similarity. Immutable once loaded.
type Rule struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Severity  Severity `json:"severity"` // a triage class, or ALL
	Condition string   `json:"condition,omitempty"`
	Effect    string   `json:"effect"`
	Order     int      `json:"order,omitempty"`
}

// AppliesTo reports whether the rule is in scope for the given severity.
func (r *Rule) AppliesTo(sev Severity) bool {
	return r.Severity == sev || r.Severity == SeverityAll
}

// LoadProtocols reads the protocol collection from a JSON file and rejects
// entries with invalid severity classes: a corrupt corpus must fail startup,
// not degrade retrieval silently.
func LoadProtocols(path string) ([]Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading protocol collection %s: %w", path, err)
	}
	var protocols []Protocol
	if err := json.Unmarshal(data, &protocols); err != nil {
		return nil, fmt.Errorf("parsing protocol collection %s: %w", path, err)
	}
	for i := range protocols {
		if !protocols[i].Severity.Valid() {
			return nil, fmt.Errorf("protocol %s: invalid severity %q", protocols[i].ID, protocols[i].Severity)
		}
	}
	return protocols, nil
}

// LoadRules reads the rule collection from a JSON file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule collection %s: %w", path, err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rule collection %s: %w", path, err)
	}
	for i := range rules {
		if rules[i].Severity != SeverityAll && !rules[i].Severity.Valid() {
			return nil, fmt.Errorf("rule %s: invalid severity scope %q", rules[i].ID, rules[i].Severity)
		}
	}
	return rules, nil
}

// RulesForSeverity returns the rules in scope for sev, preserving load order
// then rule Order. The returned slice is freshly allocated; callers may not
// mutate the shared rule values.
func RulesForSeverity(rules []Rule, sev Severity) []Rule {
	var matched []Rule
	for _, r := range rules {
		if r.AppliesTo(sev) {
			matched = append(matched, r)
		}
	}
	return matched
}
