package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zheng/svcgraph/internal/config"
	"github.com/zheng/svcgraph/internal/logging"
)

var (
	DbPath     string
	configPath string
	logLevel   string
	logFormat  string

	// cfg holds the merged configuration once PersistentPreRunE has run
	cfg = config.Default()
)

// NewRootCmd builds the svcgraph command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "svcgraph",
		Short: "Service graph reachability and taint analysis",
		Long: `svcgraph annotates a service dependency graph with the services that
sit on a path to a data sink and the services that sit on a path through
a vulnerable service, then lets you query, rank and export the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&DbPath, "db", "d", ".svcgraph.db", "database file path")
	pf.StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug/info/warn/error)")
	pf.StringVar(&logFormat, "log-format", "", "log format (text/json)")

	RegisterCommands(rootCmd)
	return rootCmd
}

// RegisterCommands adds all subcommands to the root command
func RegisterCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(impactCmd())
	rootCmd.AddCommand(upstreamCmd())
	rootCmd.AddCommand(downstreamCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

// setup merges the config file with the persistent flags and installs the
// logger. Flags win over the file, the file wins over the defaults.
func setup(cmd *cobra.Command) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		c.DB = DbPath
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if err := c.Validate(); err != nil {
		return err
	}

	cfg = c
	DbPath = c.DB

	logger := logging.New(c.Log.Level, c.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
	return nil
}
