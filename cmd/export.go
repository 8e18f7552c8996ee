package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zheng/svcgraph/internal/export"
)

func exportCmd() *cobra.Command {
	var outputFile string
	var title string
	var noMermaid bool
	var noBlastRadius bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a Markdown security report",
		Long:  "Export the stored graph as a Markdown report with service tables, a Mermaid diagram and the blast radius of every vulnerable service",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			opts := export.DefaultExportOptions()
			opts.IncludeMermaid = !noMermaid
			opts.IncludeBlastRadius = !noBlastRadius
			if title != "" {
				opts.ProjectName = title
			}

			var w io.Writer = cmd.OutOrStdout()
			if outputFile != "" && outputFile != "-" {
				f, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			if err := export.NewExporter(db).Export(w, opts); err != nil {
				return err
			}
			if outputFile != "" && outputFile != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&title, "title", "", "report title")
	cmd.Flags().BoolVar(&noMermaid, "no-mermaid", false, "omit the Mermaid diagram")
	cmd.Flags().BoolVar(&noBlastRadius, "no-blast-radius", false, "omit the blast radius section")

	return cmd
}
