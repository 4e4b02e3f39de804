package httpapi

import "strings"

// toSnakeCase recursively rewrites every map key from camelCase to
// snake_case. Used by the /v0.1/public/codepush/... aliases, spec §6's
// "snake-case variant converts keys recursively" requirement.
func toSnakeCase(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[camelToSnake(k)] = toSnakeCase(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = toSnakeCase(sub)
		}
		return out
	default:
		return v
	}
}

// toCamelCase is toSnakeCase's inverse, applied to decoded request bodies
// from the snake_case alias routes before they're handled like any other
// request.
func toCamelCase(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[snakeToCamel(k)] = toCamelCase(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = toCamelCase(sub)
		}
		return out
	default:
		return v
	}
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func snakeToCamel(s string) string {
	var b strings.Builder
	upperNext := false
	for _, r := range s {
		if r == '_' {
			upperNext = true
			continue
		}
		if upperNext && r >= 'a' && r <= 'z' {
			b.WriteRune(r - 'a' + 'A')
			upperNext = false
			continue
		}
		upperNext = false
		b.WriteRune(r)
	}
	return b.String()
}
