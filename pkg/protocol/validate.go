package protocol

import (
	"fmt"
	"strings"
)

// RequireFields checks that every named field is present in a request
// body.
func RequireFields(body map[string]interface{}, fields ...string) error {
	var missing []string
	for _, field := range fields {
		if _, ok := body[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// StringField extracts a required string field from a request body.
func StringField(body map[string]interface{}, key string) (string, error) {
	v, ok := body[key]
	if !ok {
		return "", fmt.Errorf("missing required field: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s must be a string", key)
	}
	return s, nil
}

// OptionalString extracts a string field, returning def when absent.
func OptionalString(body map[string]interface{}, key, def string) string {
	if s, ok := body[key].(string); ok {
		return s
	}
	return def
}

// OptionalInt extracts a numeric field, returning def when absent or
// not a number. JSON numbers arrive as float64.
func OptionalInt(body map[string]interface{}, key string, def int) int {
	if f, ok := body[key].(float64); ok {
		return int(f)
	}
	return def
}

// OptionalBool extracts a boolean field, returning def when absent.
func OptionalBool(body map[string]interface{}, key string, def bool) bool {
	if b, ok := body[key].(bool); ok {
		return b
	}
	return def
}
