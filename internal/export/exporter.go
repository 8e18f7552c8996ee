package export

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/zheng/svcgraph/internal/impact"
	"github.com/zheng/svcgraph/internal/storage"
)

// Exporter generates a Markdown security report from the stored graph
type Exporter struct {
	db *storage.DB
}

// NewExporter creates a new exporter
func NewExporter(db *storage.DB) *Exporter {
	return &Exporter{db: db}
}

// ExportOptions configures the export behavior
type ExportOptions struct {
	IncludeMermaid     bool
	IncludeBlastRadius bool
	ProjectName        string
	GeneratedAt        time.Time // zero means now
}

// DefaultExportOptions returns default export options
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		IncludeMermaid:     true,
		IncludeBlastRadius: true,
		ProjectName:        "Service graph",
	}
}

// Export writes the complete report
func (e *Exporter) Export(w io.Writer, opts ExportOptions) error {
	services, err := e.db.GetAllServices()
	if err != nil {
		return fmt.Errorf("failed to get services: %w", err)
	}
	edges, err := e.db.GetAllEdges()
	if err != nil {
		return fmt.Errorf("failed to get edges: %w", err)
	}
	stats, err := e.db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	generated := opts.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	// Header
	fmt.Fprintf(w, "# %s security report\n\n", opts.ProjectName)
	fmt.Fprintf(w, "> Generated: %s\n", generated.Format("2006-01-02 15:04:05"))
	if source, err := e.db.GetMeta("source"); err == nil && source != "" {
		fmt.Fprintf(w, "> Source: %s\n", source)
	}
	fmt.Fprintf(w, "> Services: %d | Edges: %d | Vulnerabilities: %d | Sinks: %d\n", stats.Services, stats.Edges, stats.Vulnerabilities, stats.Sinks)
	fmt.Fprintf(w, "> On a path to a sink: %d | Tainted: %d | Public: %d\n\n", stats.OnSinkPath, stats.Tainted, stats.Public)

	e.writeServiceTable(w, services)

	if opts.IncludeMermaid && len(services) > 0 {
		writeDiagram(w, services, edges)
	}

	if opts.IncludeBlastRadius {
		if err := e.writeBlastRadius(w); err != nil {
			return err
		}
	}
	return nil
}

// writeServiceTable lists services grouped by layer
func (e *Exporter) writeServiceTable(w io.Writer, services []*storage.Service) {
	fmt.Fprintf(w, "## Services\n\n")
	if len(services) == 0 {
		fmt.Fprintf(w, "_No services stored_\n\n")
		return
	}

	layers := groupByLayer(services)
	for _, layer := range layerOrder {
		group := layers[layer]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(w, "### %s\n\n", layerDisplayName[layer])
		fmt.Fprintf(w, "| Service | Kind | Language | Public | Vulnerabilities | Sink path | Tainted |\n")
		fmt.Fprintf(w, "|---------|------|----------|--------|-----------------|-----------|---------|\n")
		for _, s := range group {
			fmt.Fprintf(w, "| %s | %s | %s | %s | %d | %s | %s |\n",
				s.Name, s.Kind, s.Language, check(s.PublicExposed), s.Vulnerabilities, check(s.EndWithSink), check(s.HasVulnerability))
		}
		fmt.Fprintf(w, "\n")
	}
}

// writeDiagram writes a layered Mermaid flowchart
func writeDiagram(w io.Writer, services []*storage.Service, edges []*storage.Edge) {
	fmt.Fprintf(w, "## Architecture\n\n```mermaid\nflowchart LR\n")

	ids := make(map[int64]string, len(services))
	for i, s := range services {
		ids[s.ID] = fmt.Sprintf("n%d", i)
	}

	layers := groupByLayer(services)
	for _, layer := range layerOrder {
		group := layers[layer]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(w, "    subgraph %s [%s]\n", layer, layerDisplayName[layer])
		for _, s := range group {
			fmt.Fprintf(w, "        %s[%s]\n", ids[s.ID], mermaidLabel(s.Name))
		}
		fmt.Fprintf(w, "    end\n")
	}
	fmt.Fprintf(w, "\n")

	for _, e := range edges {
		fmt.Fprintf(w, "    %s --> %s\n", ids[e.FromID], ids[e.ToID])
	}

	var tainted, sinks []string
	for _, s := range services {
		if s.HasVulnerability {
			tainted = append(tainted, ids[s.ID])
		}
		if s.IsSink() {
			sinks = append(sinks, ids[s.ID])
		}
	}
	fmt.Fprintf(w, "\n    classDef tainted fill:#fdd,stroke:#c00\n")
	fmt.Fprintf(w, "    classDef sink fill:#ffe,stroke:#b80\n")
	if len(tainted) > 0 {
		fmt.Fprintf(w, "    class %s tainted\n", strings.Join(tainted, ","))
	}
	if len(sinks) > 0 {
		fmt.Fprintf(w, "    class %s sink\n", strings.Join(sinks, ","))
	}
	fmt.Fprintf(w, "```\n\n")
}

// writeBlastRadius writes one impact section per vulnerable service, riskiest first
func (e *Exporter) writeBlastRadius(w io.Writer) error {
	scores, err := e.db.GetTopRiskyServices(0)
	if err != nil {
		return fmt.Errorf("failed to rank services: %w", err)
	}

	fmt.Fprintf(w, "---\n\n# Blast radius\n\n")
	analyzer := impact.NewAnalyzer(e.db)
	written := 0
	for _, score := range scores {
		if score.Vulnerabilities == 0 {
			continue
		}
		report, err := analyzer.AnalyzeImpact(score.Service.Name, 0, 0)
		if err != nil {
			return fmt.Errorf("failed to analyze %s: %w", score.Service.Name, err)
		}
		io.WriteString(w, report.FormatMarkdown())
		written++
	}
	if written == 0 {
		fmt.Fprintf(w, "_No vulnerable services_\n\n")
	}
	return nil
}

var layerOrder = []string{"entry", "service", "sink"}

var layerDisplayName = map[string]string{
	"entry":   "Public entry points",
	"service": "Services",
	"sink":    "Data sinks",
}

func groupByLayer(services []*storage.Service) map[string][]*storage.Service {
	layers := make(map[string][]*storage.Service)
	for _, s := range services {
		switch {
		case s.IsSink():
			layers["sink"] = append(layers["sink"], s)
		case s.PublicExposed:
			layers["entry"] = append(layers["entry"], s)
		default:
			layers["service"] = append(layers["service"], s)
		}
	}
	for _, group := range layers {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Name < group[j].Name })
	}
	return layers
}

// mermaidLabel quotes a name so that brackets and spaces survive
func mermaidLabel(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, "#quot;") + `"`
}

func check(b bool) string {
	if b {
		return "✓"
	}
	return ""
}
