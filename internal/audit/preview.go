package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// DefaultPreviewChars is the character budget for previews when
// Options.PreviewChars is not set.
const DefaultPreviewChars = 200

// Sanitizer redacts sensitive fields from a generic JSON value
// (map[string]any, []any, scalars). Implementations must not modify
// their argument.
type Sanitizer interface {
	Sanitize(v any) any
}

// preview builds the stored rendering of a normalized value: structured
// values are sanitized and have long string leaves truncated, scalars are
// rendered as text and truncated.
func (a *Log) preview(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		return truncateLeaves(a.sanitizer.Sanitize(v), a.previewChars)
	default:
		return truncate(renderScalar(v), a.previewChars)
	}
}

// outputType names the JSON shape of a normalized value.
func outputType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func renderScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func truncateLeaves(v any, limit int) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = truncateLeaves(val, limit)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = truncateLeaves(val, limit)
		}
		return out
	case string:
		return truncate(x, limit)
	default:
		return v
	}
}

// truncate cuts s to at most limit characters (runes, not bytes).
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
