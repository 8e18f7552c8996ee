package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/svcgraph/internal/graph"
)

// gateway(public) -> orders(vuln) -> payments -> ledger(db)
// admin(public)   -> payments
// orders -> cache(db) -> audit
// audit -> orders (cycle)
const fixture = `{
	"nodes": [
		{"name": "gateway", "kind": "api", "language": "go", "publicExposed": true},
		{"name": "orders", "kind": "service", "path": "/svc/orders", "vulnerabilities": [
			{"file": "orders.go", "severity": "high", "message": "sql injection", "metadata": {"cwe": "CWE-89", "refs": ["a", "b"]}},
			"plain warning"
		]},
		{"name": "payments", "kind": "service"},
		{"name": "ledger", "kind": "db"},
		{"name": "admin", "kind": "api", "publicExposed": true},
		{"name": "cache", "kind": "DB"},
		{"name": "audit", "kind": "service"}
	],
	"edges": [
		{"from": "gateway", "to": "orders"},
		{"from": "orders", "to": ["payments", "cache"]},
		{"from": "payments", "to": "ledger"},
		{"from": "admin", "to": "payments"},
		{"from": "cache", "to": "audit"},
		{"from": "audit", "to": "orders"}
	]
}`

func openTestDB(t *testing.T) (*DB, *graph.Graph) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := graph.Build([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, db.SaveGraph(g, nil))
	return db, g
}

func serviceNames(ss []*Service) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Name)
	}
	return out
}

func mustService(t *testing.T, db *DB, name string) *Service {
	t.Helper()
	s, err := db.GetServiceByName(name)
	require.NoError(t, err)
	return s
}

func TestSaveGraph_Progress(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	defer db.Close()
	g, err := graph.Build([]byte(fixture))
	require.NoError(t, err)

	var calls, lastDone, lastTotal int
	require.NoError(t, db.SaveGraph(g, func(done, total int) {
		calls++
		lastDone, lastTotal = done, total
	}))

	assert.Equal(t, 7+7, calls)
	assert.Equal(t, lastTotal, lastDone)
}

func TestSaveGraph_ReplacesSnapshot(t *testing.T) {
	db, _ := openTestDB(t)

	small, err := graph.Build([]byte(`{"nodes": [{"name": "only"}], "edges": []}`))
	require.NoError(t, err)
	require.NoError(t, db.SaveGraph(small, nil))

	all, err := db.GetAllServices()
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, serviceNames(all))

	st, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Edges)
	assert.Equal(t, int64(0), st.Vulnerabilities)
}

func TestGetServiceByName(t *testing.T) {
	db, _ := openTestDB(t)

	orders := mustService(t, db, "orders")
	assert.Equal(t, "service", orders.Kind)
	assert.Equal(t, "unknown", orders.Language)
	assert.Equal(t, "/svc/orders", orders.Path)
	assert.Equal(t, 2, orders.Vulnerabilities)
	assert.True(t, orders.HasVulnerability)
	assert.True(t, orders.EndWithSink)

	_, err := db.GetServiceByName("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetVulnerabilities(t *testing.T) {
	db, _ := openTestDB(t)
	orders := mustService(t, db, "orders")

	vulns, err := db.GetVulnerabilities(orders.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 2)
	assert.Equal(t, "sql injection", vulns[0].Message)
	assert.Equal(t, "CWE-89", vulns[0].Metadata["cwe"])
	assert.Equal(t, []any{"a", "b"}, vulns[0].Metadata["refs"])
	assert.Equal(t, "plain warning", vulns[1].Message)
	assert.Nil(t, vulns[1].Metadata)
}

func TestLoadDescription_RoundTrip(t *testing.T) {
	db, original := openTestDB(t)

	desc, err := db.LoadDescription()
	require.NoError(t, err)
	rebuilt := graph.BuildDescription(desc)

	require.Equal(t, original.Len(), rebuilt.Len())
	assert.Equal(t, original.EdgeCount(), rebuilt.EdgeCount())
	for i, n := range original.Nodes() {
		r := rebuilt.Nodes()[i]
		assert.Equal(t, n.Name, r.Name)
		assert.Equal(t, n.Language, r.Language)
		assert.Equal(t, n.Path, r.Path)
		assert.Equal(t, n.PublicExposed, r.PublicExposed)
		assert.Equal(t, original.SuccessorNames(n.Name), rebuilt.SuccessorNames(r.Name))
		assert.Equal(t, n.EndWithSink, r.EndWithSink, n.Name)
		assert.Equal(t, n.HasVulnerability, r.HasVulnerability, n.Name)
	}
}

func TestFindServicesByPattern(t *testing.T) {
	db, _ := openTestDB(t)

	found, err := db.FindServicesByPattern("a")
	require.NoError(t, err)
	// prefix matches first, then shorter names
	assert.Equal(t, "admin", found[0].Name)
	assert.Equal(t, "audit", found[1].Name)
	assert.Contains(t, serviceNames(found), "gateway")

	found, err = db.FindServicesByPattern("orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, serviceNames(found))
}

func TestDirectNeighbours(t *testing.T) {
	db, _ := openTestDB(t)
	payments := mustService(t, db, "payments")

	callers, err := db.GetDirectCallers(payments.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "admin"}, serviceNames(callers))

	callees, err := db.GetDirectCallees(mustService(t, db, "orders").ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"payments", "cache"}, serviceNames(callees))
}

func TestUpstreamServices_CycleSafe(t *testing.T) {
	db, _ := openTestDB(t)
	orders := mustService(t, db, "orders")

	all, err := db.GetUpstreamServices(orders.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "cache", "audit"}, serviceNames(all))

	one, err := db.GetUpstreamServices(orders.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "audit"}, serviceNames(one))
}

func TestDownstreamServices(t *testing.T) {
	db, _ := openTestDB(t)
	gateway := mustService(t, db, "gateway")

	all, err := db.GetDownstreamServices(gateway.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments", "ledger", "cache", "audit"}, serviceNames(all))

	two, err := db.GetDownstreamServices(gateway.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments", "cache"}, serviceNames(two))
}

func TestEntryPointsAndSinks(t *testing.T) {
	db, _ := openTestDB(t)

	entries, err := db.GetEntryPoints(mustService(t, db, "payments").ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "admin"}, serviceNames(entries))

	entries, err = db.GetEntryPoints(mustService(t, db, "gateway").ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway"}, serviceNames(entries))

	sinks, err := db.GetReachableSinks(mustService(t, db, "orders").ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger", "cache"}, serviceNames(sinks))

	sinks, err = db.GetReachableSinks(mustService(t, db, "cache").ID)
	require.NoError(t, err)
	assert.Empty(t, sinks, "a sink reaches nothing")

	// audit only reaches ledger and cache through orders
	sinks, err = db.GetReachableSinks(mustService(t, db, "audit").ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger", "cache"}, serviceNames(sinks))
}

func TestGetStats(t *testing.T) {
	db, _ := openTestDB(t)

	st, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Services)
	assert.Equal(t, int64(7), st.Edges)
	assert.Equal(t, int64(2), st.Vulnerabilities)
	assert.Equal(t, int64(2), st.Sinks)
	assert.Equal(t, int64(2), st.Public)
}

func TestCalculateRiskLevel(t *testing.T) {
	assert.Equal(t, RiskCritical, CalculateRiskLevel(1, 1, 1, true))
	assert.Equal(t, RiskHigh, CalculateRiskLevel(2, 1, 0, true))
	assert.Equal(t, RiskMedium, CalculateRiskLevel(1, 0, 3, true))
	assert.Equal(t, RiskMedium, CalculateRiskLevel(0, 2, 1, true))
	assert.Equal(t, RiskLow, CalculateRiskLevel(0, 2, 1, false))
}

func TestRiskScores(t *testing.T) {
	db, _ := openTestDB(t)

	score, err := db.GetRiskScore(mustService(t, db, "orders").ID)
	require.NoError(t, err)
	assert.Equal(t, RiskCritical, score.RiskLevel)
	assert.Equal(t, 2, score.DirectCallers)
	assert.Equal(t, 3, score.TotalCallers)
	assert.Equal(t, 2, score.ReachableSinks)
	assert.Equal(t, 1, score.EntryPoints)

	top, err := db.GetTopRiskyServices(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "orders", top[0].Service.Name)
	assert.Equal(t, RiskMedium, top[1].RiskLevel)
}

func TestMeta(t *testing.T) {
	db, _ := openTestDB(t)

	v, err := db.GetMeta("source")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, db.SetMeta("source", "a.json"))
	require.NoError(t, db.SetMeta("source", "b.json"))
	v, err = db.GetMeta("source")
	require.NoError(t, err)
	assert.Equal(t, "b.json", v)
}
