// Package filter selects records by a free-text "key=needle" query.
//
// Fields are looked up by their JSON name on the JSON form of each record,
// so any type that marshals to a JSON object can be filtered.
package filter

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Query is a parsed "key=needle" expression
type Query struct {
	Key    string
	Needle string // lower-cased

	// Set when the needle has the shape "subkey>value".
	// SubKey is matched against element keys ignoring case.
	SubKey   string
	SubValue string // lower-cased
}

// ParseQuery splits raw at the first "=". It reports false when the query is
// empty or either half is blank after trimming; callers then keep everything.
func ParseQuery(raw string) (Query, bool) {
	key, needle, found := strings.Cut(raw, "=")
	if !found {
		return Query{}, false
	}
	key = strings.TrimSpace(key)
	needle = strings.TrimSpace(needle)
	if key == "" || needle == "" {
		return Query{}, false
	}

	q := Query{Key: key, Needle: strings.ToLower(needle)}
	if sub, value, ok := strings.Cut(needle, ">"); ok {
		sub = strings.TrimSpace(sub)
		value = strings.TrimSpace(value)
		if sub != "" && value != "" {
			q.SubKey = sub
			q.SubValue = strings.ToLower(value)
		}
	}
	return q, true
}

// Filter returns the records whose field named by the query matches its
// needle, in their original order. A missing or malformed query returns
// every record.
func Filter[T any](records []T, query string) []T {
	q, ok := ParseQuery(query)
	if !ok {
		out := make([]T, len(records))
		copy(out, records)
		return out
	}

	out := make([]T, 0, len(records))
	for _, r := range records {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Match reports whether record satisfies the query. Records that do not
// encode to a JSON object never match.
func (q Query) Match(record any) bool {
	fields, err := toFields(record)
	if err != nil {
		return false
	}
	value, ok := fields[q.Key]
	if !ok {
		return false
	}

	if arr, isArray := value.([]any); isArray && q.SubKey != "" {
		for _, elem := range arr {
			obj, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			if sub, ok := lookupFold(obj, q.SubKey); ok && matchValue(sub, q.SubValue) {
				return true
			}
		}
		return false
	}
	return matchValue(value, q.Needle)
}

// lookupFold finds key in obj, falling back to a case-insensitive match
func lookupFold(obj map[string]any, key string) (any, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func toFields(record any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// matchValue does a case-insensitive substring match of needle against v.
// Arrays match when any element does, objects when any of their values does.
func matchValue(v any, needle string) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(strings.ToLower(val), needle)
	case float64:
		return strings.Contains(strconv.FormatFloat(val, 'f', -1, 64), needle)
	case bool:
		return strings.Contains(strconv.FormatBool(val), needle)
	case []any:
		for _, elem := range val {
			if matchValue(elem, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		for _, elem := range val {
			if matchValue(elem, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
