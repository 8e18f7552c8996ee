package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/storage"
)

// Source yields the raw description a graph is built from
type Source interface {
	Read(ctx context.Context) ([]byte, graph.Format, error)
	String() string
}

// FileSource reads a JSON or YAML description file. The format follows the
// file extension.
type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) ([]byte, graph.Format, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", s.Path, err)
	}
	return data, graph.FormatFromPath(s.Path), nil
}

func (s FileSource) String() string {
	return s.Path
}

// DBSource reads the snapshot stored by the analyze command
type DBSource struct {
	DB   *storage.DB
	Name string
}

func (s DBSource) Read(ctx context.Context) ([]byte, graph.Format, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	desc, err := s.DB.LoadDescription()
	if err != nil {
		return nil, "", fmt.Errorf("load stored graph: %w", err)
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, "", err
	}
	return data, graph.FormatJSON, nil
}

func (s DBSource) String() string {
	return "sqlite:" + s.Name
}
