package graph

// Graph is an annotated service graph. Nodes keep the order in which they
// were described and edges are indices into that order.
//
// A Graph returned by Build is never modified afterwards and can be read
// from several goroutines.
type Graph struct {
	nodes   []*ServiceNode
	index   map[string]int
	edges   int
	dropped int
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// EdgeCount returns the number of distinct edges
func (g *Graph) EdgeCount() int {
	return g.edges
}

// DroppedEdges returns how many described edges were discarded because
// they were dangling or duplicated
func (g *Graph) DroppedEdges() int {
	return g.dropped
}

// Node looks up a node by name
func (g *Graph) Node(name string) (*ServiceNode, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns all nodes in description order.
// The slice is a copy; the nodes are shared and must not be modified.
func (g *Graph) Nodes() []*ServiceNode {
	out := make([]*ServiceNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Successors returns the direct successors of the named node in edge order
func (g *Graph) Successors(name string) []*ServiceNode {
	n, ok := g.Node(name)
	if !ok {
		return nil
	}
	out := make([]*ServiceNode, 0, len(n.To))
	for _, i := range n.To {
		out = append(out, g.nodes[i])
	}
	return out
}

// SuccessorNames returns the names of the direct successors of the named node
func (g *Graph) SuccessorNames(name string) []string {
	succ := g.Successors(name)
	names := make([]string, 0, len(succ))
	for _, s := range succ {
		names = append(names, s.Name)
	}
	return names
}

// Builder assembles a Graph from raw nodes and edges
type Builder struct {
	nodes   []*ServiceNode
	nodeMap map[string]int // maps service name to its index
	edgeSet map[[2]int]bool
	edges   int
	dropped int
}

// NewBuilder creates an empty graph builder
func NewBuilder() *Builder {
	return &Builder{
		nodeMap: make(map[string]int),
		edgeSet: make(map[[2]int]bool),
	}
}

// AddNode adds a node, applying defaults for absent attributes.
// Nodes without a name are skipped. A repeated name replaces the earlier
// attributes but keeps the earlier position.
func (b *Builder) AddNode(raw RawNode) {
	if raw.Name == "" {
		return
	}

	node := &ServiceNode{
		Name:            raw.Name,
		Kind:            raw.Kind,
		Language:        "unknown",
		Vulnerabilities: []Vulnerability{},
		To:              []int{},
	}
	if raw.Language != nil {
		node.Language = *raw.Language
	}
	if raw.Path != nil {
		node.Path = *raw.Path
	}
	if raw.PublicExposed != nil {
		node.PublicExposed = *raw.PublicExposed
	}
	if raw.Vulnerabilities != nil {
		node.Vulnerabilities = raw.Vulnerabilities
	}

	if i, ok := b.nodeMap[raw.Name]; ok {
		node.To = b.nodes[i].To
		b.nodes[i] = node
		return
	}
	b.nodeMap[raw.Name] = len(b.nodes)
	b.nodes = append(b.nodes, node)
}

// AddEdge connects the source of e to each of its targets.
// Unknown names, endpoints that are not names and repeated pairs are
// dropped and counted.
func (b *Builder) AddEdge(e RawEdge) {
	targets, skipped := e.Targets()
	b.dropped += skipped

	name, ok := e.Source()
	if !ok {
		b.dropped += len(targets)
		return
	}
	from, ok := b.nodeMap[name]
	if !ok {
		b.dropped += len(targets)
		return
	}

	for _, target := range targets {
		to, ok := b.nodeMap[target]
		if !ok {
			b.dropped++
			continue
		}

		key := [2]int{from, to}
		if b.edgeSet[key] {
			b.dropped++
			continue
		}
		b.edgeSet[key] = true
		b.nodes[from].To = append(b.nodes[from].To, to)
		b.edges++
	}
}

// Build runs the propagation pass and returns the finished graph.
// The builder must not be used afterwards.
func (b *Builder) Build() *Graph {
	g := &Graph{
		nodes:   b.nodes,
		index:   b.nodeMap,
		edges:   b.edges,
		dropped: b.dropped,
	}
	propagate(g)
	return g
}

// GetNodeCount returns the number of nodes added so far
func (b *Builder) GetNodeCount() int {
	return len(b.nodes)
}

// BuildDescription builds an annotated graph from a decoded description
func BuildDescription(desc *Description) *Graph {
	b := NewBuilder()
	for _, n := range desc.Nodes {
		b.AddNode(n)
	}
	for _, e := range desc.Edges {
		b.AddEdge(e)
	}
	return b.Build()
}

// BuildFormat parses data in the given format and builds the graph
func BuildFormat(data []byte, format Format) (*Graph, error) {
	desc, err := ParseDescription(data, format)
	if err != nil {
		return nil, err
	}
	return BuildDescription(desc), nil
}

// Build parses a JSON description and builds the annotated graph
func Build(data []byte) (*Graph, error) {
	return BuildFormat(data, FormatJSON)
}
