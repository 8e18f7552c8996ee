package storage

import (
	"database/sql"
	"errors"
	"sort"

	"github.com/zheng/svcgraph/internal/graph"
)

// Service is a stored service together with its computed flags
type Service struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	Language         string `json:"language"`
	Path             string `json:"path"`
	PublicExposed    bool   `json:"publicExposed"`
	EndWithSink      bool   `json:"endWithSink"`
	HasVulnerability bool   `json:"hasVulnerability"`
	Vulnerabilities  int    `json:"vulnerabilityCount"`
}

// IsSink reports whether the stored service is a data sink
func (s *Service) IsSink() bool {
	return graph.IsSinkKind(s.Kind)
}

// Edge is a stored edge with both endpoint names resolved
type Edge struct {
	FromID int64  `json:"fromId"`
	ToID   int64  `json:"toId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

const serviceColumns = `s.id, s.name, s.kind, s.language, s.path, s.public_exposed, s.end_with_sink, s.has_vulnerability,
	(SELECT COUNT(*) FROM vulnerabilities v WHERE v.service_id = s.id)`

// sinkCondition must stay in sync with graph.IsSinkKind
const sinkCondition = `lower(s.kind) IN ('rds', 'sql', 'database', 'db')`

// GetServiceByName returns a service by its exact name
func (db *DB) GetServiceByName(name string) (*Service, error) {
	row := db.conn.QueryRow(`SELECT `+serviceColumns+` FROM services s WHERE s.name = ?`, name)
	s, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetServiceByID returns a service by its ID
func (db *DB) GetServiceByID(id int64) (*Service, error) {
	row := db.conn.QueryRow(`SELECT `+serviceColumns+` FROM services s WHERE s.id = ?`, id)
	s, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// FindServicesByPattern returns services whose name contains pattern.
// Results are sorted by match quality: exact name > prefix > contains
func (db *DB) FindServicesByPattern(pattern string) ([]*Service, error) {
	rows, err := db.conn.Query(
		`SELECT `+serviceColumns+` FROM services s
		 WHERE s.name LIKE ?
		 ORDER BY
			CASE
				WHEN s.name = ? THEN 0
				WHEN s.name LIKE ? || '%' THEN 1
				ELSE 2
			END,
			length(s.name) ASC, s.position ASC`,
		"%"+pattern+"%", pattern, pattern,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetAllServices returns every service in description order
func (db *DB) GetAllServices() ([]*Service, error) {
	rows, err := db.conn.Query(`SELECT ` + serviceColumns + ` FROM services s ORDER BY s.position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetAllEdges returns every edge in description order
func (db *DB) GetAllEdges() ([]*Edge, error) {
	rows, err := db.conn.Query(
		`SELECT e.from_id, e.to_id, f.name, t.name
		 FROM edges e
		 JOIN services f ON f.id = e.from_id
		 JOIN services t ON t.id = e.to_id
		 ORDER BY e.position`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.From, &e.To); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// GetVulnerabilities returns the vulnerabilities of a service in their
// original order
func (db *DB) GetVulnerabilities(serviceID int64) ([]graph.Vulnerability, error) {
	rows, err := db.conn.Query(
		`SELECT file, severity, message, metadata FROM vulnerabilities
		 WHERE service_id = ? ORDER BY position`,
		serviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vulns := []graph.Vulnerability{}
	for rows.Next() {
		var v graph.Vulnerability
		var meta sql.NullString
		if err := rows.Scan(&v.File, &v.Severity, &v.Message, &meta); err != nil {
			return nil, err
		}
		if v.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		vulns = append(vulns, v)
	}
	return vulns, rows.Err()
}

// GetDirectCallers returns the services with an edge to the given service
func (db *DB) GetDirectCallers(serviceID int64) ([]*Service, error) {
	rows, err := db.conn.Query(
		`SELECT `+serviceColumns+`
		 FROM services s
		 JOIN edges e ON e.from_id = s.id
		 WHERE e.to_id = ?
		 ORDER BY e.position`,
		serviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetDirectCallees returns the services the given service has an edge to
func (db *DB) GetDirectCallees(serviceID int64) ([]*Service, error) {
	rows, err := db.conn.Query(
		`SELECT `+serviceColumns+`
		 FROM services s
		 JOIN edges e ON e.to_id = s.id
		 WHERE e.from_id = ?
		 ORDER BY e.position`,
		serviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetUpstreamServices returns every service that can reach the given one,
// up to maxDepth edges away. A maxDepth of 0 means no limit.
func (db *DB) GetUpstreamServices(serviceID int64, maxDepth int) ([]*Service, error) {
	return db.traverse(upstreamQuery(maxDepth), serviceID, maxDepth)
}

// GetDownstreamServices returns every service reachable from the given
// one, up to maxDepth edges away. A maxDepth of 0 means no limit.
func (db *DB) GetDownstreamServices(serviceID int64, maxDepth int) ([]*Service, error) {
	return db.traverse(downstreamQuery(maxDepth), serviceID, maxDepth)
}

// Without a depth limit the CTE carries ids only, so UNION drops revisited
// rows and cycles terminate.
func upstreamQuery(maxDepth int) string {
	if maxDepth == 0 {
		return `
		WITH RECURSIVE up(id) AS (
			SELECT from_id FROM edges WHERE to_id = ?1
			UNION
			SELECT e.from_id FROM edges e JOIN up ON e.to_id = up.id
		)
		SELECT ` + serviceColumns + ` FROM services s
		WHERE s.id IN (SELECT id FROM up) AND s.id != ?1
		ORDER BY s.position`
	}
	return `
		WITH RECURSIVE up(id, depth) AS (
			SELECT from_id, 1 FROM edges WHERE to_id = ?1
			UNION
			SELECT e.from_id, up.depth + 1 FROM edges e JOIN up ON e.to_id = up.id
			WHERE up.depth < ?2
		)
		SELECT ` + serviceColumns + ` FROM services s
		WHERE s.id IN (SELECT id FROM up) AND s.id != ?1
		ORDER BY s.position`
}

func downstreamQuery(maxDepth int) string {
	if maxDepth == 0 {
		return `
		WITH RECURSIVE down(id) AS (
			SELECT to_id FROM edges WHERE from_id = ?1
			UNION
			SELECT e.to_id FROM edges e JOIN down ON e.from_id = down.id
		)
		SELECT ` + serviceColumns + ` FROM services s
		WHERE s.id IN (SELECT id FROM down) AND s.id != ?1
		ORDER BY s.position`
	}
	return `
		WITH RECURSIVE down(id, depth) AS (
			SELECT to_id, 1 FROM edges WHERE from_id = ?1
			UNION
			SELECT e.to_id, down.depth + 1 FROM edges e JOIN down ON e.from_id = down.id
			WHERE down.depth < ?2
		)
		SELECT ` + serviceColumns + ` FROM services s
		WHERE s.id IN (SELECT id FROM down) AND s.id != ?1
		ORDER BY s.position`
}

func (db *DB) traverse(query string, serviceID int64, maxDepth int) ([]*Service, error) {
	args := []any{serviceID}
	if maxDepth != 0 {
		args = append(args, maxDepth)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetEntryPoints returns the publicly exposed services that can reach the
// given service, including the service itself when it is exposed
func (db *DB) GetEntryPoints(serviceID int64) ([]*Service, error) {
	rows, err := db.conn.Query(`
		WITH RECURSIVE up(id) AS (
			SELECT ?1
			UNION
			SELECT e.from_id FROM edges e JOIN up ON e.to_id = up.id
		)
		SELECT `+serviceColumns+` FROM services s
		WHERE s.id IN (SELECT id FROM up) AND s.public_exposed = 1
		ORDER BY s.position`,
		serviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// GetReachableSinks returns the sinks reachable from the given service.
// Traversal does not continue past a sink, and a sink reaches nothing.
func (db *DB) GetReachableSinks(serviceID int64) ([]*Service, error) {
	rows, err := db.conn.Query(`
		WITH RECURSIVE down(id) AS (
			SELECT s.id FROM services s WHERE s.id = ?1 AND NOT (`+sinkCondition+`)
			UNION
			SELECT e.to_id FROM edges e
			JOIN down ON e.from_id = down.id
			JOIN services s ON s.id = down.id
			WHERE NOT (`+sinkCondition+`)
		)
		SELECT `+serviceColumns+` FROM services s
		WHERE s.id IN (SELECT id FROM down) AND s.id != ?1 AND `+sinkCondition+`
		ORDER BY s.position`,
		serviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// Stats summarises a stored snapshot
type Stats struct {
	Services        int64 `json:"services"`
	Edges           int64 `json:"edges"`
	Vulnerabilities int64 `json:"vulnerabilities"`
	Sinks           int64 `json:"sinks"`
	Public          int64 `json:"public"`
	OnSinkPath      int64 `json:"endWithSink"`
	Tainted         int64 `json:"hasVulnerability"`
}

// GetStats returns database statistics
func (db *DB) GetStats() (*Stats, error) {
	var st Stats
	err := db.conn.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN ` + sinkCondition + ` THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(s.public_exposed), 0),
			COALESCE(SUM(s.end_with_sink), 0),
			COALESCE(SUM(s.has_vulnerability), 0)
		FROM services s`,
	).Scan(&st.Services, &st.Sinks, &st.Public, &st.OnSinkPath, &st.Tainted)
	if err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&st.Edges); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM vulnerabilities`).Scan(&st.Vulnerabilities); err != nil {
		return nil, err
	}
	return &st, nil
}

// ==================== Risk Score Queries ====================

// Risk levels, lowest first
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// RiskScore is the exposure assessment of one service
type RiskScore struct {
	Service         *Service `json:"service"`
	Vulnerabilities int      `json:"vulnerabilities"`
	DirectCallers   int      `json:"directCallers"`
	TotalCallers    int      `json:"totalCallers"`
	ReachableSinks  int      `json:"reachableSinks"`
	EntryPoints     int      `json:"entryPoints"`
	RiskLevel       string   `json:"riskLevel"`
}

// CalculateRiskLevel grades a service. A vulnerable service that reaches a
// sink is high, and critical when a public entry point reaches it. Any
// other vulnerable or tainted service is medium.
func CalculateRiskLevel(vulns, sinks, entryPoints int, tainted bool) string {
	switch {
	case vulns > 0 && sinks > 0 && entryPoints > 0:
		return RiskCritical
	case vulns > 0 && sinks > 0:
		return RiskHigh
	case vulns > 0 || tainted:
		return RiskMedium
	default:
		return RiskLow
	}
}

// GetDirectCallerCount returns the number of direct callers for a service
func (db *DB) GetDirectCallerCount(serviceID int64) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM edges WHERE to_id = ?`, serviceID).Scan(&count)
	return count, err
}

// GetRiskScore calculates the risk score for a service
func (db *DB) GetRiskScore(serviceID int64) (*RiskScore, error) {
	svc, err := db.GetServiceByID(serviceID)
	if err != nil {
		return nil, err
	}
	return db.riskScore(svc)
}

func (db *DB) riskScore(svc *Service) (*RiskScore, error) {
	direct, err := db.GetDirectCallerCount(svc.ID)
	if err != nil {
		return nil, err
	}
	upstream, err := db.GetUpstreamServices(svc.ID, 0)
	if err != nil {
		return nil, err
	}
	sinks, err := db.GetReachableSinks(svc.ID)
	if err != nil {
		return nil, err
	}
	entries, err := db.GetEntryPoints(svc.ID)
	if err != nil {
		return nil, err
	}

	return &RiskScore{
		Service:         svc,
		Vulnerabilities: svc.Vulnerabilities,
		DirectCallers:   direct,
		TotalCallers:    len(upstream),
		ReachableSinks:  len(sinks),
		EntryPoints:     len(entries),
		RiskLevel:       CalculateRiskLevel(svc.Vulnerabilities, len(sinks), len(entries), svc.HasVulnerability),
	}, nil
}

// GetTopRiskyServices returns up to limit vulnerable or tainted services,
// riskiest first. A limit of 0 returns all of them.
func (db *DB) GetTopRiskyServices(limit int) ([]*RiskScore, error) {
	rows, err := db.conn.Query(`SELECT ` + serviceColumns + ` FROM services s
		WHERE s.has_vulnerability = 1
		   OR EXISTS (SELECT 1 FROM vulnerabilities v WHERE v.service_id = s.id)
		ORDER BY s.position`)
	if err != nil {
		return nil, err
	}
	candidates, err := scanServices(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	scores := make([]*RiskScore, 0, len(candidates))
	for _, svc := range candidates {
		score, err := db.riskScore(svc)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if riskRank[a.RiskLevel] != riskRank[b.RiskLevel] {
			return riskRank[a.RiskLevel] > riskRank[b.RiskLevel]
		}
		if a.Vulnerabilities != b.Vulnerabilities {
			return a.Vulnerabilities > b.Vulnerabilities
		}
		return a.TotalCallers > b.TotalCallers
	})
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Name, &s.Kind, &s.Language, &s.Path,
		&s.PublicExposed, &s.EndWithSink, &s.HasVulnerability, &s.Vulnerabilities)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanServices(rows *sql.Rows) ([]*Service, error) {
	var services []*Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, s)
	}
	return services, rows.Err()
}
