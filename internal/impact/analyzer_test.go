package impact

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/storage"
)

const fixture = `{
	"nodes": [
		{"name": "web-gateway", "kind": "api", "publicExposed": true},
		{"name": "orders", "kind": "service", "vulnerabilities": [{"severity": "high", "message": "sql injection", "file": "orders.go"}]},
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

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "impact.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := graph.Build([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, db.SaveGraph(g, nil))
	return NewAnalyzer(db)
}

func names(ss []*storage.Service) []string {
	var out []string
	for _, s := range ss {
		out = append(out, s.Name)
	}
	return out
}

func TestAnalyzeImpact(t *testing.T) {
	a := newAnalyzer(t)

	report, err := a.AnalyzeImpact("orders", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, "orders", report.Target.Name)
	assert.Equal(t, []string{"web-gateway"}, names(report.DirectCallers))
	assert.Empty(t, report.IndirectCallers)
	assert.Equal(t, []string{"payments", "orders-worker"}, names(report.DirectCallees))
	assert.Equal(t, []string{"ledger"}, names(report.IndirectCallees))
	assert.Equal(t, []string{"web-gateway"}, names(report.EntryPoints))
	assert.Equal(t, []string{"ledger"}, names(report.ReachableSinks))
	assert.Equal(t, storage.RiskCritical, report.RiskLevel)
	require.Len(t, report.Vulnerabilities, 1)
}

func TestAnalyzeImpact_DirectOnly(t *testing.T) {
	a := newAnalyzer(t)

	report, err := a.AnalyzeImpact("web-gateway", 1, 1)
	require.NoError(t, err)

	assert.Empty(t, report.DirectCallers)
	assert.Equal(t, []string{"orders"}, names(report.DirectCallees))
	assert.Empty(t, report.IndirectCallees)
	assert.Equal(t, storage.RiskMedium, report.RiskLevel)
}

func TestAnalyzeImpact_PatternFallback(t *testing.T) {
	a := newAnalyzer(t)

	report, err := a.AnalyzeImpact("ledg", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ledger", report.Target.Name)
	assert.Empty(t, report.ReachableSinks)
	assert.ElementsMatch(t, []string{"payments", "orders", "web-gateway"},
		append(names(report.DirectCallers), names(report.IndirectCallers)...))
}

func TestAnalyzeImpact_Ambiguous(t *testing.T) {
	a := newAnalyzer(t)

	_, err := a.AnalyzeImpact("order", 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Contains(t, err.Error(), "ambiguous")
	assert.Contains(t, err.Error(), "orders-worker")
}

func TestAnalyzeImpact_NotFound(t *testing.T) {
	a := newAnalyzer(t)

	_, err := a.AnalyzeImpact("billing", 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFormatting(t *testing.T) {
	a := newAnalyzer(t)
	report, err := a.AnalyzeImpact("orders", 0, 0)
	require.NoError(t, err)

	md := report.FormatMarkdown()
	assert.Contains(t, md, "## Blast radius: orders")
	assert.Contains(t, md, "**high** sql injection (`orders.go`)")
	assert.Contains(t, md, "| ledger | db |  | sink, tainted |")

	tree := report.FormatTree()
	assert.Contains(t, tree, "⬆️ Callers (1)")
	assert.Contains(t, tree, "└── ledger")

	assert.Contains(t, report.Summary(), "Risk: critical")
}
