// Package loader publishes the graph every reader works from.
//
// Builds run one at a time. A build is published only after propagation
// has finished, by swapping an atomic pointer, so readers never see a graph
// that is still being annotated.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/logging"
	"github.com/zheng/svcgraph/internal/metrics"
)

// ErrNoSnapshot is returned by Current before the first successful build
var ErrNoSnapshot = errors.New("no graph has been built yet")

// Snapshot is one published build
type Snapshot struct {
	Graph    *graph.Graph
	Version  string
	BuiltAt  time.Time
	Duration time.Duration
	Source   string

	gen int64 // request generation the build started at
}

// Loader builds graphs from a Source and publishes the latest one
type Loader struct {
	source    Source
	group     singleflight.Group
	current   atomic.Pointer[Snapshot]
	requested atomic.Int64
	logger    *slog.Logger
	onPublish []func(*Snapshot)
}

// Option configures a Loader
type Option func(*Loader)

// WithLogger fixes the loader's logger. Without it the logger carried by
// the Reload context is used.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithOnPublish registers a callback run after each new snapshot is published
func WithOnPublish(fn func(*Snapshot)) Option {
	return func(l *Loader) {
		l.onPublish = append(l.onPublish, fn)
	}
}

// New creates a loader for src. Nothing is built until Reload is called.
func New(src Source, opts ...Option) *Loader {
	l := &Loader{source: src}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Current returns the published snapshot without blocking
func (l *Loader) Current() (*Snapshot, error) {
	s := l.current.Load()
	if s == nil {
		return nil, ErrNoSnapshot
	}
	return s, nil
}

// Reload builds the graph and publishes it. A call made while a build is
// running waits for it, and for one more build when the running one started
// before the call. A failed build leaves the previous snapshot published.
func (l *Loader) Reload(ctx context.Context) (*Snapshot, error) {
	gen := l.requested.Add(1)

	for {
		v, err, _ := l.group.Do("build", func() (any, error) {
			return l.build(ctx)
		})
		if err != nil {
			return nil, err
		}
		snap := v.(*Snapshot)
		if snap.gen >= gen {
			return snap, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (l *Loader) build(ctx context.Context) (*Snapshot, error) {
	gen := l.requested.Load()
	logger := l.log(ctx).With("source", l.source.String())
	start := time.Now()

	g, err := l.parse(ctx)
	elapsed := time.Since(start)
	metrics.RecordBuild(elapsed.Seconds(), err)
	if err != nil {
		logger.Error("graph build failed", "error", err)
		return nil, err
	}

	snap := &Snapshot{
		Graph:    g,
		Version:  uuid.NewString(),
		BuiltAt:  time.Now(),
		Duration: elapsed,
		Source:   l.source.String(),
		gen:      gen,
	}
	l.current.Store(snap)
	metrics.RecordGraph(g.Len(), g.EdgeCount(), g.DroppedEdges())
	logger.Info("graph published",
		"version", snap.Version,
		"nodes", g.Len(),
		"edges", g.EdgeCount(),
		"dropped_edges", g.DroppedEdges(),
		"duration", elapsed)

	for _, fn := range l.onPublish {
		fn(snap)
	}
	return snap, nil
}

func (l *Loader) parse(ctx context.Context) (*graph.Graph, error) {
	data, format, err := l.source.Read(ctx)
	if err != nil {
		return nil, err
	}
	g, err := graph.BuildFormat(data, format)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", l.source, err)
	}
	return g, nil
}

func (l *Loader) log(ctx context.Context) *slog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return logging.FromContext(ctx)
}
