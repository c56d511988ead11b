package models

import "strings"

// Fields is the structured referral data extracted from a document, as decoded
// from the LLM's JSON output. Nested objects (providers, patient, contacts)
// stay as nested maps; values are addressed with dotted paths.
type Fields map[string]any

// Lookup walks a dotted path ("referring_provider.contact.email") through
// nested maps. The second return is false when any segment is absent or a
// non-map value is hit before the final segment.
func (f Fields) Lookup(path string) (any, bool) {
	var current any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Text returns the string at a dotted path, or "" when the path is absent or
// holds a non-string value.
func (f Fields) Text(path string) string {
	v, ok := f.Lookup(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Empty reports whether a value counts as missing for validation purposes:
// nil, an empty string, or an empty map/slice.
func Empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
