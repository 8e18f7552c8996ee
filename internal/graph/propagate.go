package graph

// pathWalker explores every simple path starting at one root.
// onPath is the path-local visited set: it holds exactly the nodes of the
// current path and is unwound on backtrack, so a node reached again through
// a sibling branch is explored again.
type pathWalker struct {
	nodes  []*ServiceNode
	path   []int
	onPath []bool
	vulns  int // vulnerable nodes currently on the path
}

// propagate recomputes EndWithSink and HasVulnerability for every node.
// StartWithPublic is reset and left false; nothing produces it yet.
func propagate(g *Graph) {
	for _, n := range g.nodes {
		n.StartWithPublic = false
		n.EndWithSink = false
		n.HasVulnerability = false
	}

	w := &pathWalker{
		nodes:  g.nodes,
		onPath: make([]bool, len(g.nodes)),
	}
	for i := range g.nodes {
		w.visit(i)
	}
}

func (w *pathWalker) visit(i int) {
	current := w.nodes[i]
	w.path = append(w.path, i)
	w.onPath[i] = true
	if current.IsVulnerable() {
		w.vulns++
	}

	if current.IsSink() {
		w.markSink()
		if w.vulns > 0 {
			w.markTainted()
		}
	} else {
		if w.vulns > 0 {
			w.markTainted()
		}
		for _, next := range current.To {
			if !w.onPath[next] {
				w.visit(next)
			}
		}
	}

	if current.IsVulnerable() {
		w.vulns--
	}
	w.onPath[i] = false
	w.path = w.path[:len(w.path)-1]
}

func (w *pathWalker) markSink() {
	for _, i := range w.path {
		w.nodes[i].EndWithSink = true
	}
}

func (w *pathWalker) markTainted() {
	for _, i := range w.path {
		w.nodes[i].HasVulnerability = true
	}
}
