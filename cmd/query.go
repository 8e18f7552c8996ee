package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zheng/svcgraph/internal/display"
	"github.com/zheng/svcgraph/internal/filter"
	"github.com/zheng/svcgraph/internal/impact"
	"github.com/zheng/svcgraph/internal/results"
	"github.com/zheng/svcgraph/internal/storage"
)

func servicesCmd() *cobra.Command {
	var sourcePath string
	var jsonOut bool
	var noColor bool

	cmd := &cobra.Command{
		Use:   "services [query]",
		Short: "Show the annotated service forest, optionally filtered",
		Long: `Build the graph and print every service matching the query together with
everything reachable from it. A service already printed elsewhere is shown
once more as a back-reference to its first position.

The query is key=value, matched case-insensitively against the service
attributes. For arrays of objects use key=subkey>value.

Examples:
  svcgraph services
  svcgraph services kind=db
  svcgraph services "vulnerabilities=severity>high" --source graph.json
  svcgraph services publicExposed=true --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourcePath == "" {
				sourcePath = cfg.Source
			}
			query := ""
			if len(args) > 0 {
				query = args[0]
			}

			snap, err := loadSnapshot(cmd.Context(), sourcePath)
			if err != nil {
				return err
			}

			g := snap.Graph
			forest := results.Build(g, filter.Filter(g.Nodes(), query))

			out := cmd.OutOrStdout()
			if jsonOut {
				return outputJSON(out, forest)
			}
			if len(forest) == 0 {
				fmt.Fprintln(out, "No service matches the query")
				return nil
			}
			fmt.Fprint(out, display.FormatForest(forest, palette(out, noColor)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourcePath, "source", "s", "", "description file (default: the stored snapshot)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the forest as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colours")

	return cmd
}

// resolveService resolves a partial name; --select picks among several matches
func resolveService(db *storage.DB, name string, selectN int) (*storage.Service, error) {
	target, err := impact.NewAnalyzer(db).Resolve(name)
	if !errors.Is(err, impact.ErrAmbiguous) {
		return target, err
	}

	matches, ferr := db.FindServicesByPattern(name)
	if ferr != nil {
		return nil, ferr
	}
	if selectN >= 1 && selectN <= len(matches) {
		return matches[selectN-1], nil
	}

	var sb strings.Builder
	for i, s := range matches {
		fmt.Fprintf(&sb, "  [%d] %s (%s)\n", i+1, s.Name, s.Kind)
	}
	return nil, fmt.Errorf("%w\nuse --select N to pick one:\n%s", err, sb.String())
}

func impactCmd() *cobra.Command {
	var upstreamDepth int
	var downstreamDepth int
	var format string
	var selectN int

	cmd := &cobra.Command{
		Use:   "impact <service>",
		Short: "Show the blast radius of a service",
		Long: `Show who calls the service, what it calls, which public entry points reach
it and which data sinks it reaches, with its risk level.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			target, err := resolveService(db, args[0], selectN)
			if err != nil {
				return err
			}
			report, err := impact.NewAnalyzer(db).AnalyzeImpact(target.Name, upstreamDepth, downstreamDepth)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return outputJSON(out, report)
			case "markdown":
				fmt.Fprint(out, report.FormatMarkdown())
			default:
				fmt.Fprint(out, report.FormatTree())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&upstreamDepth, "upstream-depth", 0, "upstream depth (0=unlimited)")
	cmd.Flags().IntVar(&downstreamDepth, "downstream-depth", 0, "downstream depth (0=unlimited)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text/json/markdown)")
	cmd.Flags().IntVar(&selectN, "select", 0, "pick the Nth match when the name is ambiguous")

	return cmd
}

func upstreamCmd() *cobra.Command {
	return neighboursCmd("upstream", "List the services that call a service", true)
}

func downstreamCmd() *cobra.Command {
	return neighboursCmd("downstream", "List the services a service calls", false)
}

func neighboursCmd(use, short string, upstream bool) *cobra.Command {
	var depth int
	var jsonOut bool
	var noColor bool
	var selectN int

	cmd := &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			target, err := resolveService(db, args[0], selectN)
			if err != nil {
				return err
			}

			var services []*storage.Service
			if upstream {
				services, err = db.GetUpstreamServices(target.ID, depth)
			} else {
				services, err = db.GetDownstreamServices(target.ID, depth)
			}
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return outputJSON(out, services)
			}
			if len(services) == 0 {
				fmt.Fprintf(out, "%s: no %s services\n", target.Name, use)
				return nil
			}
			fmt.Fprintf(out, "%s services of %s (%d)\n\n", strings.ToUpper(use[:1])+use[1:], target.Name, len(services))
			fmt.Fprint(out, display.FormatServiceTable(services, palette(out, noColor)))
			return nil
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "traversal depth (0=unlimited)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colours")
	cmd.Flags().IntVar(&selectN, "select", 0, "pick the Nth match when the name is ambiguous")

	return cmd
}

func listCmd() *cobra.Command {
	var limit int
	var noColor bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the stored services",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			services, err := db.GetAllServices()
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d services\n\n", len(services))
			total := len(services)
			if limit > 0 && total > limit {
				services = services[:limit]
			}
			fmt.Fprint(out, display.FormatServiceTable(services, palette(out, noColor)))
			if len(services) < total {
				fmt.Fprintf(out, "... %d more\n", total-len(services))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum rows (0=all)")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colours")

	return cmd
}

func searchCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "Search services by partial name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			services, err := db.FindServicesByPattern(args[0])
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(services) == 0 {
				fmt.Fprintf(out, "No service matches '%s'\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%d matches\n\n", len(services))
			fmt.Fprint(out, display.FormatServiceTable(services, palette(out, noColor)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colours")

	return cmd
}
