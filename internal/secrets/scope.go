package secrets

import (
	"path/filepath"
	"strings"
)

// Scope restricts which service components may read a credential. Component
// names are the consumers wired at startup: "llm", "audit", "server", "cli".
type Scope struct {
	// Components allowed to read (glob patterns). Empty means allow all.
	Components []string `json:"components,omitempty"`
	// Forbidden components, checked first (explicit deny).
	Forbidden []string `json:"forbidden,omitempty"`
}

// Allows reports whether the component may read the credential.
func (s Scope) Allows(component string) bool {
	for _, pattern := range s.Forbidden {
		if matchGlob(pattern, component) {
			return false
		}
	}
	if len(s.Components) == 0 {
		return true
	}
	for _, pattern := range s.Components {
		if matchGlob(pattern, component) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == str
	}
	matched, _ := filepath.Match(pattern, str)
	return matched
}
