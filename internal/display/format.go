package display

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/zheng/svcgraph/internal/results"
	"github.com/zheng/svcgraph/internal/storage"
)

// Palette colours terminal output. The zero value prints plain text.
type Palette struct {
	tainted *color.Color
	sink    *color.Color
	public  *color.Color
	back    *color.Color
	risk    map[string]*color.Color
}

// NewPalette returns a palette; with enabled false it prints plain text
func NewPalette(enabled bool) Palette {
	if !enabled {
		return Palette{}
	}
	p := Palette{
		tainted: color.New(color.FgRed, color.Bold),
		sink:    color.New(color.FgYellow),
		public:  color.New(color.FgCyan),
		back:    color.New(color.FgHiBlack),
		risk: map[string]*color.Color{
			storage.RiskCritical: color.New(color.FgHiRed, color.Bold),
			storage.RiskHigh:     color.New(color.FgRed),
			storage.RiskMedium:   color.New(color.FgYellow),
			storage.RiskLow:      color.New(color.FgGreen),
		},
	}
	// honour the caller's choice even when stdout is not a terminal
	for _, c := range []*color.Color{p.tainted, p.sink, p.public, p.back} {
		c.EnableColor()
	}
	for _, c := range p.risk {
		c.EnableColor()
	}
	return p
}

func paint(c *color.Color, s string) string {
	if c == nil {
		return s
	}
	return c.Sprint(s)
}

// Risk colours a risk level
func (p Palette) Risk(level string) string {
	return paint(p.risk[level], level)
}

// CalcForestMaxWidth calculates the maximum name width and depth for alignment
func CalcForestMaxWidth(forest []*results.Node, maxWidth *int, currentDepth int, maxDepth *int) {
	if currentDepth > *maxDepth {
		*maxDepth = currentDepth
	}
	for _, node := range forest {
		if w := len(node.Name); w > *maxWidth {
			*maxWidth = w
		}
		if len(node.To) > 0 {
			CalcForestMaxWidth(node.To, maxWidth, currentDepth+1, maxDepth)
		}
	}
}

// FormatForest renders a forest with box-drawing characters. Each root is
// printed flush left and its subtree below it.
func FormatForest(forest []*results.Node, p Palette) string {
	maxWidth, maxDepth := 0, 0
	CalcForestMaxWidth(forest, &maxWidth, 0, &maxDepth)

	var sb strings.Builder
	for _, root := range forest {
		sb.WriteString(formatLine(root, "", "", maxWidth+maxDepth*4, p))
		sb.WriteString(formatTree(root.To, "", maxWidth, maxDepth, 1, p))
	}
	return sb.String()
}

func formatTree(tree []*results.Node, indent string, maxWidth, maxDepth, currentDepth int, p Palette) string {
	var sb strings.Builder
	for i, node := range tree {
		isLast := i == len(tree)-1
		prefix := "├── "
		if isLast {
			prefix = "└── "
		}

		padding := maxWidth + (maxDepth-currentDepth)*4
		sb.WriteString(formatLine(node, indent, prefix, padding, p))

		if len(node.To) > 0 {
			childIndent := indent + "│   "
			if isLast {
				childIndent = indent + "    "
			}
			sb.WriteString(formatTree(node.To, childIndent, maxWidth, maxDepth, currentDepth+1, p))
		}
	}
	return sb.String()
}

func formatLine(n *results.Node, indent, prefix string, padding int, p Palette) string {
	name := fmt.Sprintf("%-*s", padding, n.Name)
	switch {
	case n.HasVulnerability:
		name = paint(p.tainted, name)
	case n.EndWithSink && n.Kind != "":
		name = paint(p.sink, name)
	}

	var marks []string
	if n.Kind != "" {
		marks = append(marks, n.Kind)
	}
	if n.PublicExposed {
		marks = append(marks, paint(p.public, "public"))
	}
	if len(n.Vulnerabilities) > 0 {
		marks = append(marks, paint(p.tainted, fmt.Sprintf("⚠ %d", len(n.Vulnerabilities))))
	}
	if n.EndWithSink {
		marks = append(marks, "→sink")
	}
	if n.AlreadyIncluded {
		marks = append(marks, paint(p.back, "↺ "+n.FoundPath))
	}

	return strings.TrimRight(fmt.Sprintf("%s%s%s  %s", indent, prefix, name, strings.Join(marks, "  ")), " ") + "\n"
}

// FormatServiceTable renders services as an aligned table
func FormatServiceTable(services []*storage.Service, p Palette) string {
	nameWidth, kindWidth := len("SERVICE"), len("KIND")
	for _, s := range services {
		if len(s.Name) > nameWidth {
			nameWidth = len(s.Name)
		}
		if len(s.Kind) > kindWidth {
			kindWidth = len(s.Kind)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-*s  %-*s  %-6s  %-5s  %-7s  %s\n", nameWidth, "SERVICE", kindWidth, "KIND", "PUBLIC", "VULNS", "TAINTED", "SINK PATH"))
	for _, s := range services {
		tainted := yesNo(s.HasVulnerability)
		if s.HasVulnerability {
			tainted = paint(p.tainted, fmt.Sprintf("%-7s", tainted))
		} else {
			tainted = fmt.Sprintf("%-7s", tainted)
		}
		sb.WriteString(fmt.Sprintf("%-*s  %-*s  %-6s  %-5d  %s  %s\n",
			nameWidth, s.Name, kindWidth, s.Kind, yesNo(s.PublicExposed), s.Vulnerabilities, tainted, yesNo(s.EndWithSink)))
	}
	return sb.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
