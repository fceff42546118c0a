// Package redact implements the redaction policy applied to audit previews.
// Values whose key matches a rule are replaced before anything is written,
// so secrets never reach the log file.
package redact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy holds the combined set of built-in and custom redaction rules.
//
// Sanitize is called concurrently from every Append, while Reload swaps the
// rule set when redaction.yaml changes on disk.
type Policy struct {
	mu           sync.RWMutex
	rules        []Rule // Built-in rules first, then custom rules.
	customRules  []Rule // Custom rules only (for serialization).
	builtinCount int
	customCount  int
}

// Default returns a policy with only the built-in rules.
func Default() *Policy {
	p := &Policy{}
	p.rebuild()
	return p
}

// New creates a policy, loading custom rules from the given YAML path.
// A missing file is not an error.
func New(rulesPath string) (*Policy, error) {
	p := &Policy{}
	if err := p.load(rulesPath); err != nil {
		return nil, err
	}
	return p, nil
}

// Sanitize returns a redacted copy of v. Maps and slices are walked at any
// depth; a map field whose key matches a rule has its whole value replaced.
// v is never modified.
func (p *Policy) Sanitize(v any) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.walk(v)
}

// walk recurses through generic JSON values. Caller must hold the read lock.
func (p *Policy) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r := p.match(k, true, val); r != nil {
				out[k] = replacement(r)
				continue
			}
			out[k] = p.walk(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			if r := p.match("", false, val); r != nil {
				out[i] = replacement(r)
				continue
			}
			out[i] = p.walk(val)
		}
		return out
	default:
		return v
	}
}

// match returns the first rule matching the field, or nil.
func (p *Policy) match(key string, keyed bool, value any) *Rule {
	for i := range p.rules {
		if matchesRule(&p.rules[i], key, keyed, value) {
			return &p.rules[i]
		}
	}
	return nil
}

func replacement(r *Rule) string {
	if r.Replacement == "" {
		return Marker
	}
	return r.Replacement
}

// TestJSON sanitizes a JSON document and returns the redacted value.
// Used by `opaudit redact test` to try rules without writing any entries.
func (p *Policy) TestJSON(jsonStr string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return p.Sanitize(v), nil
}

// TotalRules returns the number of active rules.
func (p *Policy) TotalRules() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rules)
}

// BuiltinCount returns the number of built-in rules.
func (p *Policy) BuiltinCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.builtinCount
}

// CustomCount returns the number of custom rules.
func (p *Policy) CustomCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.customCount
}

// ListRules returns summary info for all active rules.
func (p *Policy) ListRules() []RuleInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]RuleInfo, 0, len(p.rules))
	for i := range p.rules {
		infos = append(infos, RuleInfo{
			Name:        p.rules[i].Name,
			Builtin:     p.rules[i].Builtin,
			Replacement: replacement(&p.rules[i]),
		})
	}
	return infos
}

// AddRule parses a rule from a YAML string and adds it to the custom rules.
func (p *Policy) AddRule(yamlStr string) error {
	var rule Rule
	if err := yaml.Unmarshal([]byte(yamlStr), &rule); err != nil {
		return fmt.Errorf("parsing rule YAML: %w", err)
	}
	if rule.Name == "" {
		return fmt.Errorf("rule must have a name")
	}
	if err := compileMatcher(&rule); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.rules {
		if r.Name == rule.Name {
			return fmt.Errorf("rule %q already exists", rule.Name)
		}
	}
	p.customRules = append(p.customRules, rule)
	p.rebuild()
	return nil
}

// RemoveRule removes a custom rule by name. Built-in rules cannot be removed.
func (p *Policy) RemoveRule(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	found := false
	filtered := make([]Rule, 0, len(p.customRules))
	for _, r := range p.customRules {
		if r.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, r)
	}
	if !found {
		return fmt.Errorf("custom rule %q not found (built-in rules cannot be removed)", name)
	}

	p.customRules = filtered
	p.rebuild()
	return nil
}

// Save persists the current custom rules to path.
func (p *Policy) Save(path string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return saveRulesToFile(path, p.customRules)
}

// Reload reloads custom rules from path. On error the current rules stay
// in effect.
func (p *Policy) Reload(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadUnlocked(path); err != nil {
		return err
	}

	slog.Info("redaction rules reloaded", "total", len(p.rules), "builtin", p.builtinCount, "custom", p.customCount)
	return nil
}

func (p *Policy) load(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadUnlocked(path)
}

// loadUnlocked does the actual loading. Caller must hold the mutex.
func (p *Policy) loadUnlocked(path string) error {
	customRules, err := loadRulesFromFile(path)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(customRules))
	for i := range customRules {
		r := &customRules[i]
		if r.Name == "" {
			return fmt.Errorf("redaction rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate redaction rule %q", r.Name)
		}
		seen[r.Name] = true
		if err := compileMatcher(r); err != nil {
			return err
		}
	}

	p.customRules = customRules
	p.rebuild()
	return nil
}

// rebuild merges built-in and custom rules. Built-ins come first.
// Caller must hold the mutex.
func (p *Policy) rebuild() {
	var combined []Rule
	for _, r := range builtinRules() {
		if err := compileMatcher(&r); err != nil {
			slog.Error("failed to compile built-in redaction rule", "rule", r.Name, "error", err)
			continue
		}
		combined = append(combined, r)
	}
	combined = append(combined, p.customRules...)

	p.rules = combined
	p.builtinCount = len(combined) - len(p.customRules)
	p.customCount = len(p.customRules)
}
