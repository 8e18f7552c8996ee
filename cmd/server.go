package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zheng/svcgraph/internal/cache"
	"github.com/zheng/svcgraph/internal/loader"
	"github.com/zheng/svcgraph/internal/logging"
	"github.com/zheng/svcgraph/internal/mcp"
	"github.com/zheng/svcgraph/internal/storage"
	"github.com/zheng/svcgraph/internal/watcher"
	"github.com/zheng/svcgraph/internal/web"
)

func mcpCmd() *cobra.Command {
	var sourcePath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server on stdio",
		Long: `Start an MCP server so that AI assistants can query the service graph.

Tools:
  - services:   annotated forest for an attribute query
  - impact:     blast radius of a service
  - upstream:   services calling a service
  - downstream: services a service calls
  - search:     find services by partial name
  - list:       list all services
  - risk:       rank services by risk
  - mermaid:    diagram around a service`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)
			if sourcePath == "" {
				sourcePath = cfg.Source
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var src loader.Source = loader.DBSource{DB: db, Name: DbPath}
			if sourcePath != "" {
				src = loader.FileSource{Path: sourcePath}
			}
			ldr := newLoader(src, logger)
			if _, err := ldr.Reload(ctx); err != nil {
				logger.Warn("initial graph build failed, the services tool is unavailable", "error", err)
			}

			return mcp.NewServer(db, ldr, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&sourcePath, "source", "s", "", "description file for the services tool (default: the stored snapshot)")

	return cmd
}

func serveCmd() *cobra.Command {
	var sourcePath string
	var port int
	var watch bool
	var debounceMs int
	var redisURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the annotated graph over HTTP",
		Long: `Start the HTTP API.

Routes:
  GET /api/services?query=key=value   annotated forest
  GET /api/node/{name}                one service and its successors
  GET /api/stats                      graph summary
  GET /healthz                        readiness
  GET /metrics                        Prometheus metrics

With --watch the description file is rebuilt and republished whenever it
changes. Requests keep being served from the previous graph meanwhile.

Examples:
  svcgraph serve --source graph.json --watch
  svcgraph serve -p 3000
  svcgraph serve --source graph.yaml --redis redis://localhost:6379/0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)

			flags := cmd.Flags()
			if sourcePath == "" {
				sourcePath = cfg.Source
			}
			if !flags.Changed("port") {
				port = cfg.Server.Port
			}
			if !flags.Changed("watch") {
				watch = cfg.Watch.Enabled
			}
			if !flags.Changed("debounce") {
				debounceMs = cfg.Watch.DebounceMS
			}
			if redisURL == "" {
				redisURL = cfg.Cache.RedisURL
			}
			if watch && sourcePath == "" {
				return fmt.Errorf("--watch needs a description file (--source)")
			}

			var src loader.Source = loader.FileSource{Path: sourcePath}
			if sourcePath == "" {
				db, err := storage.Open(DbPath)
				if err != nil {
					return fmt.Errorf("failed to open database %s: %w", DbPath, err)
				}
				defer db.Close()
				src = loader.DBSource{DB: db, Name: DbPath}
			}

			ldr := newLoader(src, logger)
			if _, err := ldr.Reload(ctx); err != nil {
				if !watch {
					return err
				}
				logger.Error("initial graph build failed, waiting for the next change", "error", err)
			}

			if watch {
				w, err := watcher.New(sourcePath, ldr,
					watcher.WithDebounceDelay(time.Duration(debounceMs)*time.Millisecond),
					watcher.WithOnReloadStart(func() {
						logger.Info("change detected, rebuilding", "source", sourcePath)
					}),
					watcher.WithOnReloadDone(func(s *loader.Snapshot, d time.Duration) {
						logger.Info("rebuild finished", "version", s.Version, "duration", d.Round(time.Millisecond))
					}),
					watcher.WithOnError(func(err error) {
						logger.Error("watch error", "error", err)
					}),
				)
				if err != nil {
					return fmt.Errorf("failed to watch %s: %w", sourcePath, err)
				}
				w.Start(ctx)
				defer w.Stop()
			}

			opts := []web.Option{web.WithLogger(logger)}
			if redisURL != "" {
				c, err := cache.NewRedisCache(cache.RedisOptions{URL: redisURL})
				if err != nil {
					logger.Warn("redis unavailable, serving without cache", "error", err)
				} else {
					defer c.Close()
					opts = append(opts, web.WithCache(c, cfg.Cache.TTL()))
				}
			}

			return web.NewServer(ldr, port, opts...).Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&sourcePath, "source", "s", "", "description file (default: the stored snapshot)")
	cmd.Flags().IntVarP(&port, "port", "p", 9998, "server port")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rebuild when the description file changes")
	cmd.Flags().IntVar(&debounceMs, "debounce", 500, "watch debounce delay (ms)")
	cmd.Flags().StringVar(&redisURL, "redis", "", "Redis URL for the response cache")

	return cmd
}
