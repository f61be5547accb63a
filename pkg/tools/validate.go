package tools

import (
	"fmt"
	"log/slog"
	"strings"
)

// ValidateArgs checks args against a JSON-schema-shaped object declaration:
// required fields must be present and every provided value must match the
// declared type. Fields not in the schema are dropped and logged at debug,
// never treated as errors, because reasoning models routinely hallucinate
// extras. Returns the cleaned argument map.
func ValidateArgs(schema map[string]any, args map[string]any, logger *slog.Logger) (map[string]any, error) {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	switch req := schema["required"].(type) {
	case []string:
		required = req
	case []any:
		for _, item := range req {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
	}

	var missing []string
	for _, name := range required {
		v, ok := args[name]
		if !ok || v == nil || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}

	clean := make(map[string]any, len(args))
	for name, value := range args {
		decl, declared := props[name].(map[string]any)
		if !declared {
			logger.Debug("tool_arg_ignored", "arg", name)
			continue
		}
		wantType, _ := decl["type"].(string)
		if wantType != "" && !typeMatches(wantType, value) {
			return nil, fmt.Errorf("argument %q must be of type %s", name, wantType)
		}
		clean[name] = value
	}
	return clean, nil
}

func typeMatches(wantType string, value any) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
