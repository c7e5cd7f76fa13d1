package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Answer is a parsed model reply.
type Answer struct {
	Fields map[string]any
	Raw    string
}

// metaKeys never count as extracted values.
var metaKeys = map[string]struct{}{
	"confidence": {},
	"evidence":   {},
	"reasoning":  {},
	"rationale":  {},
	"notes":      {},
}

var emptyValues = lo.SliceToMap([]string{
	"", "not found", "not mentioned", "not documented", "not stated",
	"unknown", "unable to extract", "unable to determine",
	"n/a", "na", "none", "null",
}, func(v string) (string, struct{}) { return v, struct{}{} })

// IsEmptyValue reports whether a model value means "nothing found".
func IsEmptyValue(v string) bool {
	_, ok := emptyValues[strings.ToLower(strings.TrimSpace(strings.Trim(v, ".")))]
	return ok
}

// String renders the value under key as text. Lists are joined with "; ".
func (a *Answer) String(key string) string {
	if a == nil {
		return ""
	}
	v, ok := a.Fields[key]
	if !ok {
		for k, val := range a.Fields {
			if strings.EqualFold(k, key) {
				v, ok = val, true
				break
			}
		}
	}
	if !ok {
		return ""
	}
	return stringify(v)
}

// Confidence returns the model's self-reported confidence in [0,1], or -1
// when it gave none.
func (a *Answer) Confidence() float64 {
	if a == nil {
		return -1
	}
	v, ok := a.Fields["confidence"]
	if !ok {
		return -1
	}
	switch c := v.(type) {
	case float64:
		if c > 1 {
			c /= 100
		}
		return clamp(c)
	case string:
		s := strings.ToLower(strings.TrimSpace(c))
		switch s {
		case "high":
			return 0.9
		case "medium", "moderate":
			return 0.6
		case "low":
			return 0.3
		}
		pct := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return -1
		}
		if pct || f > 1 {
			f /= 100
		}
		return clamp(f)
	}
	return -1
}

func (a *Answer) hasEvidence(schema []string) bool {
	keys := schema
	if len(keys) == 0 {
		for k := range a.Fields {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		if _, meta := metaKeys[strings.ToLower(k)]; meta {
			continue
		}
		if !IsEmptyValue(a.String(k)) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ParseJSON recovers the first JSON object from a model reply. Markdown
// code fences and surrounding prose are ignored.
func ParseJSON(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}

	obj, ok := firstObject(s)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return fields, nil
}

// firstObject returns the first balanced {...} span, honouring strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
