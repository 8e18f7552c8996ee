package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/loader"
	"github.com/zheng/svcgraph/internal/logging"
	"github.com/zheng/svcgraph/internal/storage"
)

const fixture = `{
	"nodes": [
		{"name": "web-gateway", "kind": "api", "publicExposed": true},
		{"name": "orders", "kind": "service", "vulnerabilities": [{"severity": "high", "message": "sql injection"}]},
		{"name": "orders-worker", "kind": "service"},
		{"name": "payments", "kind": "service"},
		{"name": "ledger", "kind": "db"}
	],
	"edges": [
		{"from": "web-gateway", "to": "orders"},
		{"from": "orders", "to": ["payments", "orders-worker"]},
		{"from": "payments", "to": "ledger"}
	]
}`

type staticSource struct {
	snap *loader.Snapshot
	err  error
}

func (s staticSource) Current() (*loader.Snapshot, error) { return s.snap, s.err }

func newServer(t *testing.T) *Server {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := graph.Build([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, db.SaveGraph(g, nil))

	snap := &loader.Snapshot{Graph: g, Version: "v1", BuiltAt: time.Now()}
	return NewServer(db, staticSource{snap: snap}, logging.Discard())
}

// exchange feeds lines to the server and returns the decoded responses
func exchange(t *testing.T, s *Server, lines ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	s.input = strings.NewReader(strings.Join(lines, "\n") + "\n")
	s.output = &out
	require.NoError(t, s.Run(context.Background()))

	var resps []Response
	sc := bufio.NewScanner(&out)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var r Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		resps = append(resps, r)
	}
	return resps
}

func call(t *testing.T, s *Server, tool string, args map[string]any) ToolCallResult {
	t.Helper()
	params, err := json.Marshal(ToolCallParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	req, err := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	require.NoError(t, err)

	resps := exchange(t, s, string(req))
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	raw, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	return result
}

func TestRun_InitializeAndList(t *testing.T) {
	s := newServer(t)

	resps := exchange(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)

	require.Len(t, resps, 2)
	assert.Equal(t, float64(1), resps[0].ID)
	info := resps[0].Result.(map[string]any)
	assert.Equal(t, "svcgraph", info["serverInfo"].(map[string]any)["name"])

	tools := resps[1].Result.(map[string]any)["tools"].([]any)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"services", "impact", "upstream", "downstream", "search", "list", "risk", "mermaid"}, names)
}

func TestRun_ProtocolErrors(t *testing.T) {
	s := newServer(t)

	resps := exchange(t, s,
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":"oops"}`,
	)

	require.Len(t, resps, 3)
	assert.Equal(t, codeParseError, resps[0].Error.Code)
	assert.Nil(t, resps[0].ID)
	assert.Equal(t, codeMethodNotFound, resps[1].Error.Code)
	assert.Equal(t, float64(7), resps[1].ID)
	assert.Equal(t, codeInvalidParams, resps[2].Error.Code)
}

func TestRun_StopsOnCancelledContext(t *testing.T) {
	s := newServer(t)
	var out bytes.Buffer
	s.input = strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	s.output = &out

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Empty(t, out.String())
}

func TestTool_Services(t *testing.T) {
	s := newServer(t)

	result := call(t, s, "services", map[string]any{"query": "kind=db"})
	require.False(t, result.IsError)

	var forest []map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &forest))
	require.Len(t, forest, 1)
	assert.Equal(t, "ledger", forest[0]["name"])
	assert.Equal(t, true, forest[0]["endWithSink"])
	assert.Equal(t, true, forest[0]["hasVulnerability"])

	result = call(t, s, "services", nil)
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &forest))
	assert.Len(t, forest, 5)
}

func TestTool_ServicesWithoutSnapshot(t *testing.T) {
	s := newServer(t)
	s.graphs = staticSource{err: loader.ErrNoSnapshot}

	result := call(t, s, "services", nil)

	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, loader.ErrNoSnapshot.Error())
}

func TestTool_Impact(t *testing.T) {
	s := newServer(t)

	result := call(t, s, "impact", map[string]any{"service": "payments"})
	require.False(t, result.IsError)
	text := result.Content[0].Text
	assert.Contains(t, text, "## Blast radius: payments")
	assert.Contains(t, text, "| orders |")
	assert.Contains(t, text, "| ledger |")

	result = call(t, s, "impact", map[string]any{"service": "orders", "limit": 1})
	assert.Contains(t, result.Content[0].Text, "_Downstream services: showing 1 of 2_")

	result = call(t, s, "impact", map[string]any{"service": "nothing"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Service not found: nothing")

	result = call(t, s, "impact", map[string]any{})
	assert.True(t, result.IsError)
}

func TestTool_UpstreamDownstream(t *testing.T) {
	s := newServer(t)

	result := call(t, s, "upstream", map[string]any{"service": "ledger"})
	require.False(t, result.IsError)
	text := result.Content[0].Text
	assert.Contains(t, text, "Upstream callers of ledger")
	for _, name := range []string{"payments", "orders", "web-gateway"} {
		assert.Contains(t, text, "| "+name+" |")
	}

	result = call(t, s, "upstream", map[string]any{"service": "ledger", "depth": 1})
	assert.NotContains(t, result.Content[0].Text, "| orders |")

	result = call(t, s, "downstream", map[string]any{"service": "ledger"})
	assert.False(t, result.IsError)
	assert.Equal(t, "ledger calls no other service", result.Content[0].Text)
}

func TestTool_SearchAndList(t *testing.T) {
	s := newServer(t)

	result := call(t, s, "search", map[string]any{"pattern": "order"})
	assert.Contains(t, result.Content[0].Text, "Found 2 matches")

	result = call(t, s, "search", map[string]any{"pattern": "zzz"})
	assert.False(t, result.IsError)
	assert.Equal(t, "No service matches 'zzz'", result.Content[0].Text)

	result = call(t, s, "list", map[string]any{"limit": 2, "offset": 1})
	text := result.Content[0].Text
	assert.Contains(t, text, "5 services (showing 2-3)")
	assert.Contains(t, text, "| orders |")
	assert.Contains(t, text, "| orders-worker |")
	assert.NotContains(t, text, "| web-gateway |")

	result = call(t, s, "list", map[string]any{"offset": 9})
	assert.Contains(t, result.Content[0].Text, "out of range")
}

func TestTool_Risk(t *testing.T) {
	s := newServer(t)

	result := call(t, s, "risk", map[string]any{"limit": 1})

	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "| orders | critical | 1 |")
}

func TestTool_Mermaid(t *testing.T) {
	s := newServer(t)

	result := call(t, s, "mermaid", map[string]any{"service": "payments", "direction": "downstream"})
	require.False(t, result.IsError)
	text := result.Content[0].Text
	assert.Contains(t, text, "flowchart LR")
	assert.Contains(t, text, "s_payments --> s_ledger")
	assert.NotContains(t, text, "s_orders")

	result = call(t, s, "mermaid", map[string]any{"service": "payments", "direction": "sideways"})
	assert.True(t, result.IsError)
}

func TestTool_Unknown(t *testing.T) {
	result := call(t, newServer(t), "nope", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, "Unknown tool: nope", result.Content[0].Text)
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "s_orders_worker_v2", nodeID("orders-worker.v2"))
}
