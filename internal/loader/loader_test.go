package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/logging"
	"github.com/zheng/svcgraph/internal/storage"
)

const chain = `{
	"nodes": [{"name": "A", "kind": "api"}, {"name": "B", "vulnerabilities": ["x"]}, {"name": "C", "kind": "db"}],
	"edges": [{"from": "A", "to": "B"}, {"from": "B", "to": "C"}]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_NoSnapshotBeforeReload(t *testing.T) {
	l := New(FileSource{Path: "unused.json"})

	_, err := l.Current()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestLoader_ReloadPublishes(t *testing.T) {
	path := writeFile(t, "graph.json", chain)
	var published []*Snapshot
	l := New(FileSource{Path: path},
		WithLogger(logging.Discard()),
		WithOnPublish(func(s *Snapshot) { published = append(published, s) }))

	snap, err := l.Reload(context.Background())
	require.NoError(t, err)

	cur, err := l.Current()
	require.NoError(t, err)
	assert.Same(t, snap, cur)
	assert.Equal(t, 3, cur.Graph.Len())
	assert.Equal(t, path, cur.Source)
	assert.NotEmpty(t, cur.Version)
	require.Len(t, published, 1)
	assert.Same(t, snap, published[0])

	a, _ := cur.Graph.Node("A")
	assert.True(t, a.EndWithSink)
	assert.True(t, a.HasVulnerability)
}

func TestLoader_ReloadChangesVersion(t *testing.T) {
	path := writeFile(t, "graph.json", chain)
	l := New(FileSource{Path: path}, WithLogger(logging.Discard()))

	first, err := l.Reload(context.Background())
	require.NoError(t, err)
	second, err := l.Reload(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Version, second.Version)
}

func TestLoader_FailedBuildKeepsPrevious(t *testing.T) {
	path := writeFile(t, "graph.json", chain)
	l := New(FileSource{Path: path}, WithLogger(logging.Discard()))
	good, err := l.Reload(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))
	_, err = l.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrMalformedInput)

	cur, err := l.Current()
	require.NoError(t, err)
	assert.Same(t, good, cur)
}

func TestLoader_MissingFile(t *testing.T) {
	l := New(FileSource{Path: filepath.Join(t.TempDir(), "absent.json")}, WithLogger(logging.Discard()))

	_, err := l.Reload(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_YAMLFile(t *testing.T) {
	path := writeFile(t, "graph.yml", "nodes:\n  - name: A\n  - name: B\n    kind: rds\nedges:\n  - from: A\n    to: B\n")
	l := New(FileSource{Path: path}, WithLogger(logging.Discard()))

	snap, err := l.Reload(context.Background())
	require.NoError(t, err)
	a, _ := snap.Graph.Node("A")
	assert.True(t, a.EndWithSink)
}

// blockingSource counts concurrent reads and blocks each one until released
type blockingSource struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	reads    atomic.Int32
	release  chan struct{}
}

func (s *blockingSource) Read(ctx context.Context) ([]byte, graph.Format, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	s.reads.Add(1)
	<-s.release
	return []byte(chain), graph.FormatJSON, nil
}

func (s *blockingSource) String() string { return "blocking" }

func TestLoader_AtMostOneBuildInFlight(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	l := New(src, WithLogger(logging.Discard()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reload(context.Background())
			assert.NoError(t, err)
		}()
	}

	go func() {
		for {
			select {
			case src.release <- struct{}{}:
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(1), src.maxSeen.Load())
	// the first build plus at most one follow-up for callers that arrived during it
	assert.LessOrEqual(t, src.reads.Load(), int32(8))
	_, err := l.Current()
	assert.NoError(t, err)
}

type failingSource struct{}

func (failingSource) Read(context.Context) ([]byte, graph.Format, error) {
	return nil, "", errors.New("unavailable")
}

func (failingSource) String() string { return "failing" }

func TestLoader_SourceError(t *testing.T) {
	l := New(failingSource{}, WithLogger(logging.Discard()))

	_, err := l.Reload(context.Background())
	assert.EqualError(t, err, "unavailable")
	_, err = l.Current()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestDBSource(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer db.Close()
	g, err := graph.Build([]byte(chain))
	require.NoError(t, err)
	require.NoError(t, db.SaveGraph(g, nil))

	l := New(DBSource{DB: db, Name: "snap.db"}, WithLogger(logging.Discard()))
	snap, err := l.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "sqlite:snap.db", snap.Source)
	assert.Equal(t, []string{"B"}, snap.Graph.SuccessorNames("A"))
	b, _ := snap.Graph.Node("B")
	assert.True(t, b.HasVulnerability)
	assert.Equal(t, "x", b.Vulnerabilities[0].Message)
}
