// Package results turns selected graph nodes into a deduplicated forest
// ready to be serialized.
package results

import (
	"github.com/zheng/svcgraph/internal/graph"
)

// Node is an independent copy of a graph.ServiceNode whose edges hold the
// child records themselves
type Node struct {
	Name             string                `json:"name"`
	Kind             string                `json:"kind"`
	Language         string                `json:"language"`
	Path             string                `json:"path"`
	PublicExposed    bool                  `json:"publicExposed"`
	Vulnerabilities  []graph.Vulnerability `json:"vulnerabilities"`
	To               []*Node               `json:"to"`
	AlreadyIncluded  bool                  `json:"alreadyIncluded"`
	FoundPath        string                `json:"foundPath"`
	StartWithPublic  bool                  `json:"startWithPublic"`
	EndWithSink      bool                  `json:"endWithSink"`
	HasVulnerability bool                  `json:"hasVulnerability"`
}

// IsBackReference reports whether n stands in for a subtree rendered elsewhere
func (n *Node) IsBackReference() bool {
	return n.AlreadyIncluded
}

// forestBuilder holds the breadcrumbs shared by all roots of one Build call
type forestBuilder struct {
	g    *graph.Graph
	seen map[string]string // name -> breadcrumb of its expanded occurrence
}

// Build copies every root and the subtree reachable from it into a forest.
// A name is expanded once per call; any later occurrence, whether under
// another root, a sibling branch or a cycle, becomes a back-reference with
// no children, AlreadyIncluded set and FoundPath naming the first occurrence.
func Build(g *graph.Graph, roots []*graph.ServiceNode) []*Node {
	fb := &forestBuilder{
		g:    g,
		seen: make(map[string]string),
	}

	forest := make([]*Node, 0, len(roots))
	for _, root := range roots {
		if root == nil {
			continue
		}
		forest = append(forest, fb.materialize(root, root.Name))
	}
	return forest
}

func (fb *forestBuilder) materialize(src *graph.ServiceNode, breadcrumb string) *Node {
	n := clone(src)

	if prev, ok := fb.seen[src.Name]; ok {
		n.AlreadyIncluded = true
		n.FoundPath = prev
		return n
	}
	fb.seen[src.Name] = breadcrumb

	for _, child := range fb.successors(src.Name) {
		n.To = append(n.To, fb.materialize(child, breadcrumb+"->"+child.Name))
	}
	return n
}

func (fb *forestBuilder) successors(name string) []*graph.ServiceNode {
	if fb.g == nil {
		return nil
	}
	return fb.g.Successors(name)
}

// Count returns the number of expanded occurrences and back-references in
// a forest
func Count(forest []*Node) (expanded, backRefs int) {
	var walk func(ns []*Node)
	walk = func(ns []*Node) {
		for _, n := range ns {
			if n.AlreadyIncluded {
				backRefs++
				continue
			}
			expanded++
			walk(n.To)
		}
	}
	walk(forest)
	return expanded, backRefs
}

func clone(src *graph.ServiceNode) *Node {
	return &Node{
		Name:             src.Name,
		Kind:             src.Kind,
		Language:         src.Language,
		Path:             src.Path,
		PublicExposed:    src.PublicExposed,
		Vulnerabilities:  cloneVulnerabilities(src.Vulnerabilities),
		To:               []*Node{},
		AlreadyIncluded:  src.AlreadyIncluded,
		FoundPath:        src.FoundPath,
		StartWithPublic:  src.StartWithPublic,
		EndWithSink:      src.EndWithSink,
		HasVulnerability: src.HasVulnerability,
	}
}

func cloneVulnerabilities(vs []graph.Vulnerability) []graph.Vulnerability {
	out := make([]graph.Vulnerability, len(vs))
	for i, v := range vs {
		out[i] = v
		out[i].Metadata = cloneMap(v.Metadata)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return val
	}
}
