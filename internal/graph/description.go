package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a raw description
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the description format from a file extension.
// Anything that is not .yaml or .yml is read as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// RawNode is one entry of the node list of a raw description.
// Optional attributes are pointers so that absent values get defaults.
// When decoding, an attribute of the wrong type is treated as absent,
// except for a scalar name, which is kept in its printed form.
type RawNode struct {
	Name            string          `json:"name" yaml:"name"`
	Kind            string          `json:"kind" yaml:"kind"`
	Language        *string         `json:"language" yaml:"language"`
	Path            *string         `json:"path" yaml:"path"`
	PublicExposed   *bool           `json:"publicExposed" yaml:"publicExposed"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities" yaml:"vulnerabilities"`
}

// UnmarshalJSON decodes a node record, defaulting mistyped attributes
func (n *RawNode) UnmarshalJSON(data []byte) error {
	var f struct {
		Name            any             `json:"name"`
		Kind            any             `json:"kind"`
		Language        any             `json:"language"`
		Path            any             `json:"path"`
		PublicExposed   any             `json:"publicExposed"`
		Vulnerabilities json.RawMessage `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	*n = RawNode{}
	n.Name, _ = endpointName(f.Name)
	n.Kind, _ = f.Kind.(string)
	if s, ok := f.Language.(string); ok {
		n.Language = &s
	}
	if s, ok := f.Path.(string); ok {
		n.Path = &s
	}
	if b, ok := f.PublicExposed.(bool); ok {
		n.PublicExposed = &b
	}

	var entries []json.RawMessage
	if json.Unmarshal(f.Vulnerabilities, &entries) == nil && entries != nil {
		n.Vulnerabilities = make([]Vulnerability, 0, len(entries))
		for _, raw := range entries {
			var v Vulnerability
			if json.Unmarshal(raw, &v) == nil {
				n.Vulnerabilities = append(n.Vulnerabilities, v)
			}
		}
	}
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON
func (n *RawNode) UnmarshalYAML(value *yaml.Node) error {
	var f struct {
		Name            yaml.Node `yaml:"name"`
		Kind            yaml.Node `yaml:"kind"`
		Language        yaml.Node `yaml:"language"`
		Path            yaml.Node `yaml:"path"`
		PublicExposed   yaml.Node `yaml:"publicExposed"`
		Vulnerabilities yaml.Node `yaml:"vulnerabilities"`
	}
	if err := value.Decode(&f); err != nil {
		return err
	}

	*n = RawNode{}
	n.Name, _ = scalarText(&f.Name)
	if s, ok := yamlString(&f.Kind); ok {
		n.Kind = s
	}
	if s, ok := yamlString(&f.Language); ok {
		n.Language = &s
	}
	if s, ok := yamlString(&f.Path); ok {
		n.Path = &s
	}
	var b bool
	if f.PublicExposed.ShortTag() == "!!bool" && f.PublicExposed.Decode(&b) == nil {
		n.PublicExposed = &b
	}

	if f.Vulnerabilities.Kind == yaml.SequenceNode {
		n.Vulnerabilities = make([]Vulnerability, 0, len(f.Vulnerabilities.Content))
		for _, c := range f.Vulnerabilities.Content {
			var v Vulnerability
			if c.Decode(&v) == nil {
				n.Vulnerabilities = append(n.Vulnerabilities, v)
			}
		}
	}
	return nil
}

func yamlString(n *yaml.Node) (string, bool) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" {
		return "", false
	}
	return n.Value, true
}

// Description is the raw, unannotated form of a service graph
type Description struct {
	Nodes []RawNode `json:"nodes" yaml:"nodes"`
	Edges []RawEdge `json:"edges" yaml:"edges"`
}

// ParseDescription decodes a raw description. Unknown fields are ignored.
func ParseDescription(data []byte, format Format) (*Description, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedInput)
	}

	var desc Description
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
	case FormatJSON, "":
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrMalformedInput, format)
	}
	return &desc, nil
}

// StringPtr returns a pointer to s, handy when building a Description in code
func StringPtr(s string) *string {
	return &s
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}
