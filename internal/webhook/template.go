package webhook

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render replaces {{a.b.0.c}} placeholders with values looked up in data.
// Placeholders whose path does not resolve are left as they are.
func Render(template string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := Lookup(data, path)
		if !ok || value == nil {
			return match
		}
		return format(value)
	})
}

// Lookup walks a dotted path through decoded JSON. Numeric segments index
// into arrays.
func Lookup(data any, path string) (any, bool) {
	current := data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// String returns the value at path as a string, or "" when it is missing.
func String(data any, path string) string {
	value, ok := Lookup(data, path)
	if !ok || value == nil {
		return ""
	}
	return format(value)
}

// Int returns the value at path as an integer.
func Int(data any, path string) (int64, bool) {
	value, ok := Lookup(data, path)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Map returns the object at path, or nil.
func Map(data any, path string) map[string]any {
	value, _ := Lookup(data, path)
	m, _ := value.(map[string]any)
	return m
}

func format(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
