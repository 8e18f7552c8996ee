package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// sinkKinds lists the lower-cased kinds that terminate a data path
var sinkKinds = map[string]bool{
	"rds":      true,
	"sql":      true,
	"database": true,
	"db":       true,
}

// IsSinkKind reports whether kind names a data-sink component
func IsSinkKind(kind string) bool {
	return sinkKinds[strings.ToLower(kind)]
}

// Vulnerability is a known flaw reported against a service
type Vulnerability struct {
	File     string         `json:"file" yaml:"file"`
	Severity string         `json:"severity" yaml:"severity"`
	Message  string         `json:"message" yaml:"message"`
	Metadata map[string]any `json:"metadata" yaml:"metadata"`
}

// vulnerabilityFields avoids recursing into the custom unmarshalers
type vulnerabilityFields Vulnerability

// UnmarshalJSON accepts either a vulnerability object or a bare string,
// which is taken as the message.
func (v *Vulnerability) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		*v = Vulnerability{Message: msg}
		return nil
	}
	var f vulnerabilityFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Vulnerability(f)
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON
func (v *Vulnerability) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*v = Vulnerability{Message: value.Value}
		return nil
	case yaml.MappingNode:
		var f vulnerabilityFields
		if err := value.Decode(&f); err != nil {
			return err
		}
		*v = Vulnerability(f)
		return nil
	default:
		return fmt.Errorf("line %d: vulnerability must be a mapping or a string", value.Line)
	}
}

// ServiceNode is a service component of the architecture graph together
// with the annotations computed for it.
//
// Edges are stored as indices into the owning Graph, so a node is only
// meaningful together with that Graph.
type ServiceNode struct {
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	Language        string          `json:"language"`
	Path            string          `json:"path"`
	PublicExposed   bool            `json:"publicExposed"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	To              []int           `json:"-"`

	// Set by the results stage only
	AlreadyIncluded bool   `json:"alreadyIncluded"`
	FoundPath       string `json:"foundPath"`

	// Recomputed on every build
	StartWithPublic  bool `json:"startWithPublic"`
	EndWithSink      bool `json:"endWithSink"`
	HasVulnerability bool `json:"hasVulnerability"`
}

// IsSink reports whether the node is a data sink
func (n *ServiceNode) IsSink() bool {
	return IsSinkKind(n.Kind)
}

// IsVulnerable reports whether the node carries at least one vulnerability
func (n *ServiceNode) IsVulnerable() bool {
	return len(n.Vulnerabilities) > 0
}
