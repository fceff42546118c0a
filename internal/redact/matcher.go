package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// compiledMatcher holds pre-compiled patterns for a rule so sanitizing a
// preview never compiles anything.
type compiledMatcher struct {
	keyContains []string
	keyGlobs    []glob.Glob
	valueRegex  *regexp.Regexp
}

// compileMatcher validates and pre-compiles a rule's patterns.
func compileMatcher(r *Rule) error {
	m := r.Match
	if len(m.KeyContains) == 0 && len(m.Key) == 0 && m.ValueRegex == "" {
		return fmt.Errorf("rule %q: match needs key_contains, key or value_regex", r.Name)
	}

	c := &compiledMatcher{}
	for _, s := range m.KeyContains {
		if s == "" {
			return fmt.Errorf("rule %q: empty key_contains entry", r.Name)
		}
		c.keyContains = append(c.keyContains, strings.ToLower(s))
	}

	for _, p := range m.Key {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return fmt.Errorf("rule %q: invalid key glob %q: %w", r.Name, p, err)
		}
		c.keyGlobs = append(c.keyGlobs, g)
	}

	if m.ValueRegex != "" {
		re, err := regexp.Compile(m.ValueRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid value_regex: %w", r.Name, err)
		}
		c.valueRegex = re
	}

	r.compiled = c
	return nil
}

// matchesRule reports whether the field (key, value) should be redacted by
// r. keyed is false for array elements, which have no key; rules with key
// conditions never match them.
func matchesRule(r *Rule, key string, keyed bool, value any) bool {
	c := r.compiled
	if c == nil {
		return false
	}
	lower := strings.ToLower(key)

	if len(c.keyContains) > 0 {
		if !keyed {
			return false
		}
		matched := false
		for _, s := range c.keyContains {
			if strings.Contains(lower, s) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(c.keyGlobs) > 0 {
		if !keyed {
			return false
		}
		matched := false
		for _, g := range c.keyGlobs {
			if g.Match(lower) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if c.valueRegex != nil {
		s, ok := value.(string)
		if !ok || !c.valueRegex.MatchString(s) {
			return false
		}
	}

	return true
}
