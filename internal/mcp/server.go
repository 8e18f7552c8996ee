package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zheng/svcgraph/internal/filter"
	"github.com/zheng/svcgraph/internal/impact"
	"github.com/zheng/svcgraph/internal/loader"
	"github.com/zheng/svcgraph/internal/results"
	"github.com/zheng/svcgraph/internal/storage"
)

const defaultLimit = 50

// GraphSource provides the currently published graph
type GraphSource interface {
	Current() (*loader.Snapshot, error)
}

// Server implements the MCP protocol for svcgraph
type Server struct {
	db     *storage.DB
	graphs GraphSource
	input  io.Reader
	output io.Writer
	logger *slog.Logger
}

// NewServer creates a new MCP server reading stdin and writing stdout.
// graphs backs the services tool; db backs every other tool.
func NewServer(db *storage.DB, graphs GraphSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:     db,
		graphs: graphs,
		input:  os.Stdin,
		output: os.Stdout,
		logger: logger,
	}
}

// JSON-RPC types
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// MCP specific types
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run serves requests line by line until the input ends or ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.input)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.logger.Warn("unparseable request", "error", err)
			s.sendError(nil, codeParseError, "Parse error")
			continue
		}

		s.handleRequest(&req)
	}

	return scanner.Err()
}

func (s *Server) handleRequest(req *Request) {
	s.logger.Debug("mcp request", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		// Notification, no response needed
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(req)
	default:
		if req.ID == nil {
			return
		}
		s.sendError(req.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *Request) {
	s.sendResult(req.ID, InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo: ServerInfo{
			Name:    "svcgraph",
			Version: "1.0.0",
		},
		Capabilities: Capabilities{
			Tools: &ToolsCapability{},
		},
	})
}

func serviceArg(desc string) map[string]Property {
	return map[string]Property{
		"service": {Type: "string", Description: desc},
	}
}

func limitProp() Property {
	return Property{Type: "number", Description: "Maximum number of services per section, default 50", Default: defaultLimit}
}

func (s *Server) handleToolsList(req *Request) {
	withLimit := func(props map[string]Property) map[string]Property {
		props["limit"] = limitProp()
		return props
	}
	withDepth := func(props map[string]Property) map[string]Property {
		props["depth"] = Property{Type: "number", Description: "Traversal depth, 0 means unlimited"}
		return props
	}

	tools := []Tool{
		{
			Name:        "services",
			Description: "Return the annotated service forest as JSON. Nodes carry endWithSink and hasVulnerability; repeated services are back-references with alreadyIncluded and foundPath.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {Type: "string", Description: "Attribute filter key=value, or key=subkey>value for arrays of objects. Empty returns every service."},
				},
			},
		},
		{
			Name:        "impact",
			Description: "Blast radius of a service: callers, downstream services, public entry points, reachable sinks and risk level",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: withLimit(serviceArg("Service name, partial names are accepted when unique")),
				Required:   []string{"service"},
			},
		},
		{
			Name:        "upstream",
			Description: "List every service that calls the given service",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: withLimit(withDepth(serviceArg("Service name"))),
				Required:   []string{"service"},
			},
		},
		{
			Name:        "downstream",
			Description: "List every service the given service calls",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: withLimit(withDepth(serviceArg("Service name"))),
				Required:   []string{"service"},
			},
		},
		{
			Name:        "search",
			Description: "Search services by partial name",
			InputSchema: InputSchema{
				Type: "object",
				Properties: withLimit(map[string]Property{
					"pattern": {Type: "string", Description: "Part of the service name"},
				}),
				Required: []string{"pattern"},
			},
		},
		{
			Name:        "list",
			Description: "List all services of the graph",
			InputSchema: InputSchema{
				Type: "object",
				Properties: withLimit(map[string]Property{
					"offset": {Type: "number", Description: "Skip the first N services, default 0", Default: 0},
				}),
			},
		},
		{
			Name:        "risk",
			Description: "Rank services by risk level",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: withLimit(map[string]Property{}),
			},
		},
		{
			Name:        "mermaid",
			Description: "Mermaid flowchart of the services around one service",
			InputSchema: InputSchema{
				Type: "object",
				Properties: withDepth(map[string]Property{
					"service":   {Type: "string", Description: "Service name"},
					"direction": {Type: "string", Description: "upstream, downstream or both"},
				}),
				Required: []string{"service"},
			},
		},
	}

	s.sendResult(req.ID, map[string]any{"tools": tools})
}

func (s *Server) handleToolsCall(req *Request) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, codeInvalidParams, "Invalid params")
		return
	}

	var result string
	var isError bool

	switch params.Name {
	case "services":
		result, isError = s.toolServices(params.Arguments)
	case "impact":
		result, isError = s.toolImpact(params.Arguments)
	case "upstream":
		result, isError = s.toolNeighbours(params.Arguments, true)
	case "downstream":
		result, isError = s.toolNeighbours(params.Arguments, false)
	case "search":
		result, isError = s.toolSearch(params.Arguments)
	case "list":
		result, isError = s.toolList(params.Arguments)
	case "risk":
		result, isError = s.toolRisk(params.Arguments)
	case "mermaid":
		result, isError = s.toolMermaid(params.Arguments)
	default:
		result = fmt.Sprintf("Unknown tool: %s", params.Name)
		isError = true
	}

	if isError {
		s.logger.Warn("tool call failed", "tool", params.Name, "result", result)
	}
	s.sendResult(req.ID, ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: result}},
		IsError: isError,
	})
}

func intArg(args map[string]any, name string, def int) int {
	if v, ok := args[name].(float64); ok && v >= 0 {
		return int(v)
	}
	return def
}

func limitArg(args map[string]any) int {
	if l := intArg(args, "limit", defaultLimit); l > 0 {
		return l
	}
	return defaultLimit
}

func errText(err error) string {
	return fmt.Sprintf("Error: %v", err)
}

func (s *Server) toolServices(args map[string]any) (string, bool) {
	if s.graphs == nil {
		return errText(loader.ErrNoSnapshot), true
	}
	snap, err := s.graphs.Current()
	if err != nil {
		return errText(err), true
	}
	query, _ := args["query"].(string)

	g := snap.Graph
	forest := results.Build(g, filter.Filter(g.Nodes(), query))
	data, err := json.MarshalIndent(forest, "", "  ")
	if err != nil {
		return errText(err), true
	}
	return string(data), false
}

func (s *Server) toolImpact(args map[string]any) (string, bool) {
	name, ok := args["service"].(string)
	if !ok || name == "" {
		return "Error: a service name is required", true
	}
	limit := limitArg(args)

	report, err := impact.NewAnalyzer(s.db).AnalyzeImpact(name, 0, 0)
	if err != nil {
		return notFoundHint(name, err), true
	}

	var notes []string
	trim := func(section string, list *[]*storage.Service) {
		if len(*list) > limit {
			notes = append(notes, fmt.Sprintf("_%s: showing %d of %d_", section, limit, len(*list)))
			*list = (*list)[:limit]
		}
	}
	trim("Direct callers", &report.DirectCallers)
	trim("Indirect callers", &report.IndirectCallers)
	trim("Downstream services", &report.DirectCallees)
	trim("Indirect downstream services", &report.IndirectCallees)
	trim("Entry points", &report.EntryPoints)
	trim("Reachable sinks", &report.ReachableSinks)

	result := report.FormatMarkdown()
	if len(notes) > 0 {
		result += strings.Join(notes, "\n") + "\n"
	}
	return result, false
}

func notFoundHint(name string, err error) string {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("Service not found: %s\n\nIf the description changed recently, rebuild the database:\n```bash\nsvcgraph analyze <file>\n```", name)
	}
	return errText(err)
}

func (s *Server) toolNeighbours(args map[string]any, upstream bool) (string, bool) {
	name, ok := args["service"].(string)
	if !ok || name == "" {
		return "Error: a service name is required", true
	}
	depth := intArg(args, "depth", 0)
	limit := limitArg(args)

	target, err := impact.NewAnalyzer(s.db).Resolve(name)
	if err != nil {
		return notFoundHint(name, err), true
	}

	var services []*storage.Service
	title, empty := "Upstream callers of %s", "%s has no upstream callers"
	if upstream {
		services, err = s.db.GetUpstreamServices(target.ID, depth)
	} else {
		title, empty = "Downstream services of %s", "%s calls no other service"
		services, err = s.db.GetDownstreamServices(target.ID, depth)
	}
	if err != nil {
		return errText(err), true
	}
	if len(services) == 0 {
		return fmt.Sprintf(empty, target.Name), false
	}

	return fmt.Sprintf("## "+title+"\n\n", target.Name) + serviceTable(services, limit), false
}

func (s *Server) toolSearch(args map[string]any) (string, bool) {
	pattern, ok := args["pattern"].(string)
	if !ok || pattern == "" {
		return "Error: a search pattern is required", true
	}
	limit := limitArg(args)

	services, err := s.db.FindServicesByPattern(pattern)
	if err != nil {
		return errText(err), true
	}
	if len(services) == 0 {
		return fmt.Sprintf("No service matches '%s'", pattern), false
	}

	result := fmt.Sprintf("## Search results: %s\n\nFound %d matches\n\n", pattern, len(services))
	return result + serviceTable(services, limit), false
}

func (s *Server) toolList(args map[string]any) (string, bool) {
	limit := limitArg(args)
	offset := intArg(args, "offset", 0)

	services, err := s.db.GetAllServices()
	if err != nil {
		return errText(err), true
	}
	total := len(services)
	if total == 0 {
		return "The graph has no services", false
	}
	if offset >= total {
		return fmt.Sprintf("Offset %d is out of range (%d services)", offset, total), false
	}
	services = services[offset:]
	if len(services) > limit {
		services = services[:limit]
	}

	result := fmt.Sprintf("## Services\n\n%d services", total)
	if offset > 0 || len(services) < total {
		result += fmt.Sprintf(" (showing %d-%d)", offset+1, offset+len(services))
	}
	result += "\n\n"
	return result + serviceTable(services, 0), false
}

func (s *Server) toolRisk(args map[string]any) (string, bool) {
	scores, err := s.db.GetTopRiskyServices(limitArg(args))
	if err != nil {
		return errText(err), true
	}
	if len(scores) == 0 {
		return "The graph has no services", false
	}

	var sb strings.Builder
	sb.WriteString("## Riskiest services\n\n")
	sb.WriteString("| Service | Risk | Vulnerabilities | Callers | Entry points | Sinks |\n")
	sb.WriteString("|---------|------|-----------------|---------|--------------|-------|\n")
	for _, r := range scores {
		fmt.Fprintf(&sb, "| %s | %s | %d | %d | %d | %d |\n",
			r.Service.Name, r.RiskLevel, r.Vulnerabilities, r.TotalCallers, r.EntryPoints, r.ReachableSinks)
	}
	return sb.String(), false
}

func (s *Server) toolMermaid(args map[string]any) (string, bool) {
	name, ok := args["service"].(string)
	if !ok || name == "" {
		return "Error: a service name is required", true
	}
	direction := "both"
	if d, ok := args["direction"].(string); ok && d != "" {
		direction = d
	}
	if direction != "upstream" && direction != "downstream" && direction != "both" {
		return fmt.Sprintf("Error: unknown direction %q", direction), true
	}
	depth := intArg(args, "depth", 2)

	target, err := impact.NewAnalyzer(s.db).Resolve(name)
	if err != nil {
		return notFoundHint(name, err), true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n```mermaid\nflowchart LR\n", target.Name)

	added := map[int64]bool{target.ID: true}
	fmt.Fprintf(&sb, "    %s[\"%s\"]\n", nodeID(target.Name), target.Name)
	fmt.Fprintf(&sb, "    style %s fill:#f96,stroke:#333,stroke-width:2px\n", nodeID(target.Name))

	var group []*storage.Service
	if direction != "downstream" {
		up, err := s.db.GetUpstreamServices(target.ID, depth)
		if err != nil {
			return errText(err), true
		}
		group = append(group, up...)
	}
	if direction != "upstream" {
		down, err := s.db.GetDownstreamServices(target.ID, depth)
		if err != nil {
			return errText(err), true
		}
		group = append(group, down...)
	}
	for _, svc := range group {
		if added[svc.ID] {
			continue
		}
		added[svc.ID] = true
		fmt.Fprintf(&sb, "    %s[\"%s\"]\n", nodeID(svc.Name), svc.Name)
		switch {
		case svc.IsSink():
			fmt.Fprintf(&sb, "    style %s fill:#9f9,stroke:#333\n", nodeID(svc.Name))
		case svc.PublicExposed:
			fmt.Fprintf(&sb, "    style %s fill:#9cf,stroke:#333\n", nodeID(svc.Name))
		}
	}

	edges, err := s.db.GetAllEdges()
	if err != nil {
		return errText(err), true
	}
	for _, e := range edges {
		if added[e.FromID] && added[e.ToID] {
			fmt.Fprintf(&sb, "    %s --> %s\n", nodeID(e.From), nodeID(e.To))
		}
	}
	sb.WriteString("```\n")
	return sb.String(), false
}

func serviceTable(services []*storage.Service, limit int) string {
	total := len(services)
	if limit > 0 && total > limit {
		services = services[:limit]
	}

	var sb strings.Builder
	sb.WriteString("| Service | Kind | Path | Public | Sink path | Tainted |\n")
	sb.WriteString("|---------|------|------|--------|-----------|---------|\n")
	for _, svc := range services {
		fmt.Fprintf(&sb, "| %s | %s | %s | %t | %t | %t |\n",
			svc.Name, svc.Kind, svc.Path, svc.PublicExposed, svc.EndWithSink, svc.HasVulnerability)
	}
	if len(services) < total {
		fmt.Fprintf(&sb, "\n_showing %d of %d_\n", len(services), total)
	}
	return sb.String()
}

// nodeID turns a service name into a valid Mermaid node id
func nodeID(name string) string {
	return "s_" + strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

func (s *Server) sendResult(id any, result any) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, code int, message string) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

func (s *Server) send(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	fmt.Fprintln(s.output, string(data))
}
