package redact

// Marker replaces the value of a redacted field.
const Marker = "[REDACTED]"

// builtinSubstrings are the key fragments that are always redacted,
// case-insensitively and at any depth.
var builtinSubstrings = []string{"password", "token", "secret", "api_key", "key"}

// builtinRules returns one rule per built-in substring. They are always
// active and always evaluated before custom rules.
func builtinRules() []Rule {
	rules := make([]Rule, 0, len(builtinSubstrings))
	for _, s := range builtinSubstrings {
		rules = append(rules, Rule{
			Name:    "redact_" + s,
			Match:   RuleMatch{KeyContains: stringOrList{s}},
			Builtin: true,
		})
	}
	return rules
}
