package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/zheng/svcgraph/internal/graph"
	"github.com/zheng/svcgraph/internal/logging"
	"github.com/zheng/svcgraph/internal/metrics"
)

func analyzeCmd() *cobra.Command {
	var outputPath string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "analyze <description-file>",
		Short: "Build the annotated graph from a description and store it",
		Long: `Parse a JSON or YAML service description, compute the sink and taint
annotations and replace the snapshot stored in the database.

Examples:
  svcgraph analyze graph.json
  svcgraph analyze services.yaml -o prod.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if outputPath != "" {
				DbPath = outputPath
			}
			logger := logging.FromContext(cmd.Context())

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read description: %w", err)
			}

			start := time.Now()
			g, err := graph.BuildFormat(data, graph.FormatFromPath(path))
			metrics.RecordBuild(time.Since(start).Seconds(), err)
			if err != nil {
				return fmt.Errorf("failed to build graph: %w", err)
			}
			metrics.RecordGraph(g.Len(), g.EdgeCount(), g.DroppedEdges())
			logger.Info("graph built",
				"services", g.Len(),
				"edges", g.EdgeCount(),
				"dropped_edges", g.DroppedEdges(),
				"duration", time.Since(start))

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var bar *progressbar.ProgressBar
			onProgress := func(done, total int) {
				if quiet {
					return
				}
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionSetDescription("storing graph"),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}
				bar.Set(done)
			}
			if err := db.SaveGraph(g, onProgress); err != nil {
				return fmt.Errorf("failed to store graph: %w", err)
			}
			if bar != nil {
				bar.Finish()
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			if err := db.SetMeta("source", abs); err != nil {
				return fmt.Errorf("failed to store metadata: %w", err)
			}
			if err := db.SetMeta("built_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return fmt.Errorf("failed to store metadata: %w", err)
			}

			stats, err := db.GetStats()
			if err != nil {
				return fmt.Errorf("failed to read stats: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stored in %s\n", DbPath)
			fmt.Fprintf(out, "Services: %d  Edges: %d  Vulnerabilities: %d  Sinks: %d\n",
				stats.Services, stats.Edges, stats.Vulnerabilities, stats.Sinks)
			fmt.Fprintf(out, "On a sink path: %d  Tainted: %d\n", stats.OnSinkPath, stats.Tainted)
			if dropped := g.DroppedEdges(); dropped > 0 {
				fmt.Fprintf(out, "Dropped %d edges referring to unknown services\n", dropped)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output database path")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")

	return cmd
}
