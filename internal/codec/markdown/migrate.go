package markdown

import (
	"sort"
	"strings"
	"unicode"
)

// computedSemanticKeys are relationship weights derived by the compiler
// rather than authored; they are dropped during migration instead of being
// promoted to semantic kinds.
var computedSemanticKeys = map[string]bool{
	"tensions_with": true,
}

// migratePayload rewrites every legacy relationship_profile table found
// anywhere in payload into the relationship_semantics array format: the
// profile's keys with a weight > 0 become capitalized semantic kinds, and
// computed-only keys are dropped. Reports whether anything changed, which is
// what forces a rewrite of an old-format document; a new-format document
// passes through untouched.
func migratePayload(payload map[string]any) bool {
	changed := false
	if profile, ok := payload["relationship_profile"].(map[string]any); ok {
		payload["relationship_semantics"] = semanticsFromProfile(profile)
		delete(payload, "relationship_profile")
		changed = true
	}
	for _, value := range payload {
		switch v := value.(type) {
		case map[string]any:
			if migratePayload(v) {
				changed = true
			}
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok && migratePayload(m) {
					changed = true
				}
			}
		}
	}
	return changed
}

// semanticsFromProfile converts a numeric-weight profile table to the sorted
// list of semantic kind names whose weight is strictly positive.
func semanticsFromProfile(profile map[string]any) []any {
	var kinds []string
	for key, value := range profile {
		if computedSemanticKeys[key] {
			continue
		}
		if numericWeight(value) > 0 {
			kinds = append(kinds, capitalize(key))
		}
	}
	sort.Strings(kinds)
	out := make([]any, len(kinds))
	for i, k := range kinds {
		out[i] = k
	}
	return out
}

func numericWeight(value any) float64 {
	switch n := value.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
