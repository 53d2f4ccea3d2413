// Package patterns provides the embedded default detection rule definitions
// for the query guardrail. The YAML format supports regex rules and keyword
// deny-lists grouped by threat category, with a severity extension used for
// the pattern-stage short-circuit.
package patterns

import _ "embed"

//go:embed injection.yaml
var injectionYAML []byte

// InjectionYAML returns the embedded default injection detection rules.
func InjectionYAML() []byte { return injectionYAML }
