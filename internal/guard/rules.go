package guard

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/RomainBuono/Emergency-manager/patterns"
)

// RuleFile is the top-level YAML structure for a detection rule file.
type RuleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is a single detection rule definition. A rule carries either a
// regex or a keyword deny-list (or both).
type RuleConfig struct {
	ID       string   `yaml:"id" json:"id"`
	Category string   `yaml:"category" json:"category"`
	Severity int      `yaml:"severity" json:"severity"` // 1-3; >= 2 blocks at the pattern stage
	Regex    string   `yaml:"regex,omitempty" json:"regex,omitempty"`
	DenyList []string `yaml:"deny_list,omitempty" json:"deny_list,omitempty"`
	Enabled  *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// isEnabled returns true if the rule is enabled (defaults to true when nil).
func (r *RuleConfig) isEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// DetectionRule is a compiled, ready-to-use detection rule.
type DetectionRule struct {
	ID       string
	Category string
	Severity int
	Pattern  *regexp.Regexp // nil for pure deny-list rules
	DenyList []string       // lowercased keywords
}

// DefaultRules returns the built-in detection rules parsed from the embedded
// injection.yaml file. This is the first layer in the merge chain.
func DefaultRules() ([]RuleConfig, error) {
	rf, err := ParseRuleFile(patterns.InjectionYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded detection rules: %w", err)
	}
	return rf.Rules, nil
}

// ParseRuleFile parses detection rule YAML bytes into a RuleFile.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing detection rule YAML: %w", err)
	}
	return &rf, nil
}

// LoadRuleFile reads and parses a detection rule YAML file from disk.
// Returns nil (not an error) if the file does not exist, so callers can
// treat a missing override file as a no-op.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading detection rule file %s: %w", path, err)
	}
	return ParseRuleFile(data)
}

// MergeRules layers override rules on top of defaults, matching on the rule
// ID field. New rules are appended; overrides replace in place.
func MergeRules(layers ...[]RuleConfig) []RuleConfig {
	index := make(map[string]int)
	var merged []RuleConfig

	for _, layer := range layers {
		for _, rc := range layer {
			if idx, exists := index[rc.ID]; exists {
				merged[idx] = rc
			} else {
				index[rc.ID] = len(merged)
				merged = append(merged, rc)
			}
		}
	}

	return merged
}

// CompileRules converts rule configs into the compiled []DetectionRule used
// by the Scanner at runtime. Disabled rules are skipped. A rule with neither
// a regex nor a deny-list is a configuration error.
func CompileRules(configs []RuleConfig) ([]DetectionRule, error) {
	var rules []DetectionRule

	for _, rc := range configs {
		if !rc.isEnabled() {
			continue
		}
		if rc.Regex == "" && len(rc.DenyList) == 0 {
			return nil, fmt.Errorf("rule %q has neither regex nor deny_list", rc.ID)
		}

		rule := DetectionRule{
			ID:       rc.ID,
			Category: rc.Category,
			Severity: rc.Severity,
		}
		if rc.Regex != "" {
			compiled, err := regexp.Compile(rc.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern in rule %q: %w", rc.ID, err)
			}
			rule.Pattern = compiled
		}
		for _, kw := range rc.DenyList {
			rule.DenyList = append(rule.DenyList, strings.ToLower(kw))
		}

		rules = append(rules, rule)
	}

	return rules, nil
}
