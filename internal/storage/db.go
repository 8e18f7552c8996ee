package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/zheng/svcgraph/internal/graph"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a named service is not stored
var ErrNotFound = errors.New("service not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates a SQLite database at the given path
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// PRAGMAs are per connection
	conn.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, err
	}

	// Initialize schema
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Clear removes all data from the database
func (db *DB) Clear() error {
	_, err := db.conn.Exec("DELETE FROM edges; DELETE FROM vulnerabilities; DELETE FROM services; DELETE FROM meta;")
	return err
}

// Conn returns the underlying database connection for advanced queries
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// SaveGraph replaces the stored snapshot with g in a single transaction.
// onProgress, if set, is called after every stored service and edge.
func (db *DB) SaveGraph(g *graph.Graph, onProgress func(done, total int)) (err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM edges; DELETE FROM vulnerabilities; DELETE FROM services;"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	nodes := g.Nodes()
	total := len(nodes) + g.EdgeCount()
	done := 0
	progress := func() {
		done++
		if onProgress != nil {
			onProgress(done, total)
		}
	}

	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		res, err := tx.Exec(
			`INSERT INTO services (position, name, kind, language, path, public_exposed, end_with_sink, has_vulnerability)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			i, n.Name, n.Kind, n.Language, n.Path, n.PublicExposed, n.EndWithSink, n.HasVulnerability,
		)
		if err != nil {
			return fmt.Errorf("insert service %s: %w", n.Name, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return err
		}

		for j, v := range n.Vulnerabilities {
			meta, err := encodeMetadata(v.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of %s: %w", n.Name, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO vulnerabilities (service_id, position, file, severity, message, metadata)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				ids[i], j, v.File, v.Severity, v.Message, meta,
			); err != nil {
				return fmt.Errorf("insert vulnerability of %s: %w", n.Name, err)
			}
		}
		progress()
	}

	position := 0
	for i, n := range nodes {
		for _, to := range n.To {
			if _, err = tx.Exec(
				`INSERT INTO edges (from_id, to_id, position) VALUES (?, ?, ?)`,
				ids[i], ids[to], position,
			); err != nil {
				return fmt.Errorf("insert edge %s -> %s: %w", n.Name, nodes[to].Name, err)
			}
			position++
			progress()
		}
	}

	return tx.Commit()
}

// LoadDescription reads the stored snapshot back as a raw description.
// Computed flags are not restored; building the description recomputes them.
func (db *DB) LoadDescription() (*graph.Description, error) {
	services, err := db.GetAllServices()
	if err != nil {
		return nil, err
	}

	desc := &graph.Description{
		Nodes: make([]graph.RawNode, 0, len(services)),
		Edges: []graph.RawEdge{},
	}
	for _, s := range services {
		vulns, err := db.GetVulnerabilities(s.ID)
		if err != nil {
			return nil, err
		}
		desc.Nodes = append(desc.Nodes, graph.RawNode{
			Name:            s.Name,
			Kind:            s.Kind,
			Language:        graph.StringPtr(s.Language),
			Path:            graph.StringPtr(s.Path),
			PublicExposed:   graph.BoolPtr(s.PublicExposed),
			Vulnerabilities: vulns,
		})
	}

	edges, err := db.GetAllEdges()
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		desc.Edges = append(desc.Edges, graph.RawEdge{From: e.From, To: e.To})
	}
	return desc, nil
}

// SetMeta stores a key/value pair describing the snapshot
func (db *DB) SetMeta(key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMeta returns a stored meta value, or "" when absent
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
