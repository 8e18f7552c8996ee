package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zheng/svcgraph/internal/display"
	"github.com/zheng/svcgraph/internal/loader"
	"github.com/zheng/svcgraph/internal/storage"
)

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openDB() (*storage.DB, error) {
	db, err := storage.Open(DbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", DbPath, err)
	}
	return db, nil
}

// palette colours output only when it goes to a terminal, unless noColor is set
func palette(w io.Writer, noColor bool) display.Palette {
	if noColor {
		return display.NewPalette(false)
	}
	f, ok := w.(*os.File)
	if !ok {
		return display.NewPalette(false)
	}
	info, err := f.Stat()
	return display.NewPalette(err == nil && info.Mode()&os.ModeCharDevice != 0)
}

// newSource picks the description file when one is given and the stored
// snapshot otherwise. The returned close func releases the database.
func newSource(sourcePath string) (loader.Source, func() error, error) {
	if sourcePath != "" {
		return loader.FileSource{Path: sourcePath}, func() error { return nil }, nil
	}
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	return loader.DBSource{DB: db, Name: DbPath}, db.Close, nil
}

// loadSnapshot builds the graph once from sourcePath or the database
// newLoader returns a loader for the long-running commands. The loader
// logs every build itself.
func newLoader(src loader.Source, logger *slog.Logger) *loader.Loader {
	return loader.New(src, loader.WithLogger(logger))
}

func loadSnapshot(ctx context.Context, sourcePath string) (*loader.Snapshot, error) {
	src, closeFn, err := newSource(sourcePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	snap, err := loader.New(src).Reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph from %s: %w", src, err)
	}
	return snap, nil
}
