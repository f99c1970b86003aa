// internal/rules/coercion.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Loose value coercion for rule evaluation and literal sanitization.
 *
 * Case data arrives as decoded JSON (float64, string, bool, nil, maps and
 * lists), while authored values are usually strings ("1000", "true"). The
 * comparison helpers therefore coerce both sides:
 *
 *   - NUMERIC: both sides parse as numbers (numbers or numeric strings)
 *   - BOOLEAN: one side is a bool, the other a bool or "true"/"false"
 *   - TEXT:    everything else, compared case-insensitively
 *
 * nil is the absent sentinel. It never coerces and every comparison against
 * it is false.
 *
 * Literal sanitization turns an authored JSON value into expression text:
 * strings are quoted and escaped, numbers formatted canonically, booleans
 * lowercased, lists accepted only where the operator takes a list.
 */

// toFloat64 converts value to float64 if it's numeric or a numeric string.
// Whitespace-only strings are not numbers.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// asNumbers attempts to convert both values to float64 for numeric comparison.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	return na, nb, oka && okb
}

// toBool interprets bools and "true"/"false" strings.
func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// toText renders scalars as text. Lists and maps render as JSON so Contains
// can still look inside them.
func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	case []any, map[string]any, []string, map[string]string:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// isEmptyValue treats nil, blank strings and empty collections as empty.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case map[string]string:
		return len(t) == 0
	default:
		return false
	}
}

// toList returns v as a list of values, or false when v is not a list.
func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Literal is a sanitized authored value ready to embed in an expression.
type Literal struct {
	Text  string // expression text
	Value any    // decoded value (string, float64, bool or []any)
}

// SanitizeValue validates an authored JSON value and renders it as an
// expression literal. Lists are accepted only when allowList is set.
func SanitizeValue(raw json.RawMessage, allowList bool) (Literal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Literal{}, types.ErrMissingValue
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Literal{}, fmt.Errorf("%w: %v", types.ErrInvalidValue, err)
	}

	if list, ok := v.([]any); ok {
		if !allowList {
			return Literal{}, fmt.Errorf("%w: lists are only allowed for inList and notInList", types.ErrInvalidValue)
		}
		return sanitizeList(list)
	}
	if !allowList {
		return sanitizeScalar(v)
	}

	// inList with a comma separated string
	if s, ok := v.(string); ok {
		parts := strings.Split(s, ",")
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		return sanitizeList(list)
	}
	return sanitizeList([]any{v})
}

func sanitizeList(list []any) (Literal, error) {
	if len(list) == 0 {
		return Literal{}, fmt.Errorf("%w: list is empty", types.ErrInvalidValue)
	}
	if len(list) > types.MaxListValues {
		return Literal{}, fmt.Errorf("%w: list exceeds %d values", types.ErrInvalidValue, types.MaxListValues)
	}
	texts := make([]string, 0, len(list))
	values := make([]any, 0, len(list))
	for _, item := range list {
		lit, err := sanitizeScalar(item)
		if err != nil {
			return Literal{}, err
		}
		texts = append(texts, lit.Text)
		values = append(values, lit.Value)
	}
	return Literal{Text: "[" + strings.Join(texts, ", ") + "]", Value: values}, nil
}

func sanitizeScalar(v any) (Literal, error) {
	switch t := v.(type) {
	case string:
		if len(t) > types.MaxValueLength {
			return Literal{}, fmt.Errorf("%w: value exceeds %d characters", types.ErrInvalidValue, types.MaxValueLength)
		}
		return Literal{Text: strconv.Quote(t), Value: t}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return Literal{}, fmt.Errorf("%w: %q is not a finite number", types.ErrInvalidValue, t.String())
		}
		return Literal{Text: formatNumber(f), Value: f}, nil
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return Literal{}, fmt.Errorf("%w: not a finite number", types.ErrInvalidValue)
		}
		return Literal{Text: formatNumber(t), Value: t}, nil
	case bool:
		return Literal{Text: strconv.FormatBool(t), Value: t}, nil
	case nil:
		return Literal{}, types.ErrMissingValue
	default:
		return Literal{}, fmt.Errorf("%w: unsupported value type %T", types.ErrInvalidValue, v)
	}
}

// formatNumber renders integral values without a fraction so the
// expression parser reads them as integers.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
