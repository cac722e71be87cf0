package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// fields reads typed values out of a decoded JSON object. Every accessor
// names the path it was asked for so extraction errors point at the field.
type fields struct {
	path string
	m    map[string]any
}

func newFields(path string, m map[string]any) fields {
	return fields{path: path, m: m}
}

func (f fields) at(key string) string {
	if f.path == "" {
		return key
	}
	return f.path + "." + key
}

func (f fields) has(key string) bool {
	_, ok := f.m[key]
	return ok
}

// value returns the raw value or an error when the key is absent.
func (f fields) value(key string) (any, error) {
	v, ok := f.m[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, f.at(key))
	}
	return v, nil
}

func (f fields) valueOr(key string, fallback any) any {
	if v, ok := f.m[key]; ok {
		return v
	}
	return fallback
}

func (f fields) str(key string) (string, error) {
	v, err := f.value(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q must be a string, got %T", ErrInvalidMessage, f.at(key), v)
	}
	return s, nil
}

func (f fields) strOr(key, fallback string) (string, error) {
	if !f.has(key) {
		return fallback, nil
	}
	return f.str(key)
}

func (f fields) object(key string) (fields, error) {
	v, err := f.value(key)
	if err != nil {
		return fields{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fields{}, fmt.Errorf("%w: field %q must be an object, got %T", ErrInvalidMessage, f.at(key), v)
	}
	return newFields(f.at(key), m), nil
}

func (f fields) list(key string) ([]any, error) {
	v, err := f.value(key)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q must be a list, got %T", ErrInvalidMessage, f.at(key), v)
	}
	return l, nil
}

// objects returns a list whose every element is an object.
func (f fields) objects(key string) ([]fields, error) {
	l, err := f.list(key)
	if err != nil {
		return nil, err
	}
	out := make([]fields, 0, len(l))
	for i, item := range l {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be an object, got %T", ErrInvalidMessage, f.at(key), i, item)
		}
		out = append(out, newFields(fmt.Sprintf("%s[%d]", f.at(key), i), m))
	}
	return out, nil
}

// text formats a scalar for use inside a testcase name.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// splitList parses a comma separated list. Items are trimmed and empty ones dropped.
func splitList(s string) []string {
	out := make([]string, 0, strings.Count(s, ",")+1)
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// counter parses a failure counter. Whole numbers and integer strings are
// accepted; fractions and anything else report !ok.
func counter(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return integral(f)
	case float64:
		return integral(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// integral accepts whole numbers only; 0.5 is not a count.
func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
