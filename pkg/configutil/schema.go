package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema describes the keys a vendor accepts in its settings map. Required
// keys must be present and non-empty; anything outside Required and Optional
// is rejected unless AllowUnknown is set. Key matching ignores case,
// underscores and hyphens, so api_key, API-Key and apikey all name the same
// setting.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks a vendor settings map against its schema before any
// adapter is built from it, so a misconfigured vendor fails at startup rather
// than on the first call.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
	}
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for nk := range required {
		allowed[nk] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	for nk, name := range required {
		v, ok := lookupKey(input, nk)
		if !ok || isEmptyValue(v) {
			missing = append(missing, name)
		}
	}
	if !schema.AllowUnknown {
		for k := range input {
			if _, ok := allowed[normalizeKey(k)]; !ok {
				unknown = append(unknown, k)
			}
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func lookupKey(input map[string]any, normalized string) (any, bool) {
	for k, v := range input {
		if normalizeKey(k) == normalized {
			return v, true
		}
	}
	return nil, false
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
