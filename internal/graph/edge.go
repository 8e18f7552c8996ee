package graph

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RawEdge is one entry of the edge list of a raw description.
// To may be a single name or a sequence of names.
type RawEdge struct {
	From any `json:"from" yaml:"from"`
	To   any `json:"to" yaml:"to"`
}

// UnmarshalYAML keeps scalar endpoints as their source text, so that
// `to: 2` names the same service as `name: 2`.
func (e *RawEdge) UnmarshalYAML(value *yaml.Node) error {
	var f struct {
		From yaml.Node `yaml:"from"`
		To   yaml.Node `yaml:"to"`
	}
	if err := value.Decode(&f); err != nil {
		return err
	}

	*e = RawEdge{}
	if name, ok := scalarText(&f.From); ok {
		e.From = name
	}
	switch f.To.Kind {
	case yaml.ScalarNode:
		if name, ok := scalarText(&f.To); ok {
			e.To = name
		}
	case yaml.SequenceNode:
		to := make([]any, 0, len(f.To.Content))
		for _, c := range f.To.Content {
			if name, ok := scalarText(c); ok {
				to = append(to, name)
			} else {
				to = append(to, nil)
			}
		}
		e.To = to
	}
	return nil
}

// scalarText returns the text of a non-null YAML scalar
func scalarText(n *yaml.Node) (string, bool) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() == "!!null" {
		return "", false
	}
	return n.Value, true
}

// endpointName turns a decoded endpoint into a service name.
// Numbers and booleans use their printed form.
func endpointName(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

// Source returns the source name, or false if it is not a name
func (e RawEdge) Source() (string, bool) {
	return endpointName(e.From)
}

// Targets normalizes To into a sequence of names. Entries that are not
// names cannot resolve; skipped counts them, and a To that is neither a
// name nor a sequence counts as one.
func (e RawEdge) Targets() (names []string, skipped int) {
	switch to := e.To.(type) {
	case []string:
		return to, 0
	case []any:
		names = make([]string, 0, len(to))
		for _, t := range to {
			if name, ok := endpointName(t); ok {
				names = append(names, name)
			} else {
				skipped++
			}
		}
		return names, skipped
	default:
		if name, ok := endpointName(to); ok {
			return []string{name}, 0
		}
		return nil, 1
	}
}
