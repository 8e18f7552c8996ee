package impact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/storage"
)

// ErrAmbiguous is returned when a partial name matches several services
var ErrAmbiguous = errors.New("ambiguous service name")

// Analyzer computes the blast radius of a service from a stored graph
type Analyzer struct {
	db *storage.DB
}

// NewAnalyzer creates a new impact analyzer
func NewAnalyzer(db *storage.DB) *Analyzer {
	return &Analyzer{db: db}
}

// ImpactReport describes who reaches a service and what it reaches
type ImpactReport struct {
	Target          *storage.Service      `json:"target"`
	Vulnerabilities []graph.Vulnerability `json:"vulnerabilities"`
	DirectCallers   []*storage.Service    `json:"direct_callers"`
	IndirectCallers []*storage.Service    `json:"indirect_callers"`
	DirectCallees   []*storage.Service    `json:"direct_callees"`
	IndirectCallees []*storage.Service    `json:"indirect_callees"`
	EntryPoints     []*storage.Service    `json:"entry_points"`
	ReachableSinks  []*storage.Service    `json:"reachable_sinks"`
	RiskLevel       string                `json:"risk_level"`
}

// Resolve finds a service by exact name, falling back to a unique pattern match
func (a *Analyzer) Resolve(name string) (*storage.Service, error) {
	target, err := a.db.GetServiceByName(name)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to find service: %w", err)
	}

	services, err := a.db.FindServicesByPattern(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find service: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}
	if len(services) > 1 {
		var names []string
		for _, s := range services {
			names = append(names, s.Name)
		}
		return nil, fmt.Errorf("%w, found %d matches: %s", ErrAmbiguous, len(services), strings.Join(names, ", "))
	}
	return services[0], nil
}

// AnalyzeImpact analyzes the blast radius of the named service. A depth of
// 0 means unlimited and 1 means direct neighbours only.
func (a *Analyzer) AnalyzeImpact(name string, upstreamDepth, downstreamDepth int) (*ImpactReport, error) {
	target, err := a.Resolve(name)
	if err != nil {
		return nil, err
	}

	report := &ImpactReport{Target: target}

	if report.Vulnerabilities, err = a.db.GetVulnerabilities(target.ID); err != nil {
		return nil, fmt.Errorf("failed to get vulnerabilities: %w", err)
	}

	if report.DirectCallers, err = a.db.GetDirectCallers(target.ID); err != nil {
		return nil, fmt.Errorf("failed to get direct callers: %w", err)
	}
	if upstreamDepth != 1 {
		all, err := a.db.GetUpstreamServices(target.ID, upstreamDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to get upstream services: %w", err)
		}
		report.IndirectCallers = without(all, report.DirectCallers)
	}

	if report.DirectCallees, err = a.db.GetDirectCallees(target.ID); err != nil {
		return nil, fmt.Errorf("failed to get direct callees: %w", err)
	}
	if downstreamDepth != 1 {
		all, err := a.db.GetDownstreamServices(target.ID, downstreamDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to get downstream services: %w", err)
		}
		report.IndirectCallees = without(all, report.DirectCallees)
	}

	if report.EntryPoints, err = a.db.GetEntryPoints(target.ID); err != nil {
		return nil, fmt.Errorf("failed to get entry points: %w", err)
	}
	if report.ReachableSinks, err = a.db.GetReachableSinks(target.ID); err != nil {
		return nil, fmt.Errorf("failed to get reachable sinks: %w", err)
	}

	report.RiskLevel = storage.CalculateRiskLevel(
		len(report.Vulnerabilities), len(report.ReachableSinks), len(report.EntryPoints), target.HasVulnerability)
	return report, nil
}

// without returns the services of all that are not in direct
func without(all, direct []*storage.Service) []*storage.Service {
	directMap := make(map[int64]bool, len(direct))
	for _, s := range direct {
		directMap[s.ID] = true
	}
	var out []*storage.Service
	for _, s := range all {
		if !directMap[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func flags(s *storage.Service) string {
	var parts []string
	if s.PublicExposed {
		parts = append(parts, "public")
	}
	if s.IsSink() {
		parts = append(parts, "sink")
	}
	if s.HasVulnerability {
		parts = append(parts, "tainted")
	}
	return strings.Join(parts, ", ")
}

func writeTable(sb *strings.Builder, services []*storage.Service) {
	sb.WriteString("| Service | Kind | Path | Flags |\n")
	sb.WriteString("|---------|------|------|-------|\n")
	for _, s := range services {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n", s.Name, s.Kind, s.Path, flags(s)))
	}
	sb.WriteString("\n")
}

// FormatMarkdown formats the impact report as markdown
func (r *ImpactReport) FormatMarkdown() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Blast radius: %s\n\n", r.Target.Name))
	sb.WriteString(fmt.Sprintf("**Kind:** %s  **Language:** %s  **Risk:** %s\n\n", r.Target.Kind, r.Target.Language, r.RiskLevel))
	if r.Target.Path != "" {
		sb.WriteString(fmt.Sprintf("**Path:** `%s`\n\n", r.Target.Path))
	}

	if len(r.Vulnerabilities) > 0 {
		sb.WriteString("### Vulnerabilities\n\n")
		for _, v := range r.Vulnerabilities {
			sb.WriteString(fmt.Sprintf("- **%s** %s", orDash(v.Severity), v.Message))
			if v.File != "" {
				sb.WriteString(fmt.Sprintf(" (`%s`)", v.File))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("### Public entry points\n\n")
	if len(r.EntryPoints) == 0 {
		sb.WriteString("_Not reachable from a public entry point_\n\n")
	} else {
		writeTable(&sb, r.EntryPoints)
	}

	sb.WriteString("### Direct callers\n\n")
	if len(r.DirectCallers) == 0 {
		sb.WriteString("_No direct callers_\n\n")
	} else {
		writeTable(&sb, r.DirectCallers)
	}

	if len(r.IndirectCallers) > 0 {
		sb.WriteString("### Indirect callers\n\n")
		writeTable(&sb, r.IndirectCallers)
	}

	sb.WriteString("### Downstream services\n\n")
	if len(r.DirectCallees) == 0 {
		sb.WriteString("_No downstream services_\n\n")
	} else {
		writeTable(&sb, r.DirectCallees)
	}

	if len(r.IndirectCallees) > 0 {
		sb.WriteString("### Indirect downstream services\n\n")
		writeTable(&sb, r.IndirectCallees)
	}

	sb.WriteString("### Reachable sinks\n\n")
	if len(r.ReachableSinks) == 0 {
		sb.WriteString("_No data sink reachable_\n\n")
	} else {
		writeTable(&sb, r.ReachableSinks)
	}

	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// FormatTree formats the impact report as a tree structure
func (r *ImpactReport) FormatTree() string {
	var sb strings.Builder

	callers := append(append([]*storage.Service{}, r.DirectCallers...), r.IndirectCallers...)
	callees := append(append([]*storage.Service{}, r.DirectCallees...), r.IndirectCallees...)

	maxWidth := len(r.Target.Name)
	for _, group := range [][]*storage.Service{callers, callees, r.EntryPoints, r.ReachableSinks} {
		for _, s := range group {
			if len(s.Name) > maxWidth {
				maxWidth = len(s.Name)
			}
		}
	}

	sb.WriteString("📍 Service\n")
	sb.WriteString(fmt.Sprintf("%-*s  %s  risk=%s\n", maxWidth, r.Target.Name, r.Target.Kind, r.RiskLevel))
	for _, v := range r.Vulnerabilities {
		sb.WriteString(fmt.Sprintf("   ⚠ [%s] %s\n", orDash(v.Severity), v.Message))
	}
	sb.WriteString("\n")

	writeBranch(&sb, "⬆️ Callers", callers, maxWidth)
	sb.WriteString("\n")
	writeBranch(&sb, "⬇️ Downstream", callees, maxWidth)
	sb.WriteString("\n")
	writeBranch(&sb, "🌐 Entry points", r.EntryPoints, maxWidth)
	sb.WriteString("\n")
	writeBranch(&sb, "🗄 Sinks", r.ReachableSinks, maxWidth)

	return sb.String()
}

func writeBranch(sb *strings.Builder, title string, services []*storage.Service, width int) {
	if len(services) == 0 {
		sb.WriteString(title + "\n")
		sb.WriteString("└── (none)\n")
		return
	}
	sb.WriteString(fmt.Sprintf("%s (%d)\n", title, len(services)))
	for i, s := range services {
		prefix := "├──"
		if i == len(services)-1 {
			prefix = "└──"
		}
		sb.WriteString(fmt.Sprintf("%s %-*s  %s\n", prefix, width, s.Name, flags(s)))
	}
}

// Summary returns a brief summary of the impact report
func (r *ImpactReport) Summary() string {
	return fmt.Sprintf(
		"Target: %s, Risk: %s, Direct Callers: %d, Indirect Callers: %d, Direct Callees: %d, Indirect Callees: %d, Entry Points: %d, Sinks: %d",
		r.Target.Name,
		r.RiskLevel,
		len(r.DirectCallers),
		len(r.IndirectCallers),
		len(r.DirectCallees),
		len(r.IndirectCallees),
		len(r.EntryPoints),
		len(r.ReachableSinks),
	)
}
