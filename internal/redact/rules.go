package redact

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule defines a single redaction rule. When a field matches, its whole
// value (including nested structure) is replaced.
type Rule struct {
	Name        string    `yaml:"name"`
	Match       RuleMatch `yaml:"match"`
	Replacement string    `yaml:"replacement,omitempty"` // Defaults to Marker.
	Builtin     bool      `yaml:"-"`

	// compiled holds pre-compiled glob and regex matchers.
	// Set by compileMatcher() after loading.
	compiled *compiledMatcher
}

// RuleMatch defines when a rule fires for a (key, value) pair.
// All non-empty fields must match (AND). Within list fields any entry
// matching is sufficient (OR).
type RuleMatch struct {
	KeyContains stringOrList `yaml:"key_contains,omitempty"` // case-insensitive substrings of the key
	Key         stringOrList `yaml:"key,omitempty"`          // glob patterns on the lower-cased key
	ValueRegex  string       `yaml:"value_regex,omitempty"`  // regex on string values
}

// stringOrList handles YAML fields that can be either a single string
// or a list of strings:
//
//	key: "*ssn*"
//	key: ["*ssn*", "dob"]
type stringOrList []string

// UnmarshalYAML handles both "key: x" and "key: [x, y]".
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// RuleInfo is a summary of a rule for display.
type RuleInfo struct {
	Name        string `json:"name"`
	Builtin     bool   `json:"builtin"`
	Replacement string `json:"replacement"`
}

// rulesFile is the YAML envelope for redaction.yaml.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// loadRulesFromFile reads custom rules from the given YAML path.
// A missing or empty file yields no rules.
func loadRulesFromFile(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading redaction rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing redaction rules %s: %w", path, err)
	}
	return file.Rules, nil
}

const rulesHeader = `# opaudit redaction rules
#
# Built-in rules always redact keys containing password, token, secret,
# api_key or key. Rules below are applied in addition to them.
#
# rules:
#   - name: mask_ssn
#     match:
#       key: ["*ssn*"]                    # glob on the lower-cased key
#       value_regex: '^\d{3}-\d{2}-\d{4}$' # regex on string values
#     replacement: "[SSN]"                # default [REDACTED]

`

// saveRulesToFile writes custom rules to path.
func saveRulesToFile(path string, rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := yaml.Marshal(&rulesFile{Rules: rules})
	if err != nil {
		return fmt.Errorf("marshaling redaction rules: %w", err)
	}
	return os.WriteFile(path, []byte(rulesHeader+string(data)), 0o644)
}

// WriteDefaultRules writes a redaction.yaml with no custom rules.
func WriteDefaultRules(path string) error {
	return saveRulesToFile(path, nil)
}
