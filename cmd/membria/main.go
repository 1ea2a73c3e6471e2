// Command membria runs the decision-memory engine: a JSON-RPC tool
// server on stdio plus a webhook HTTP listener, with migrate, ingest
// and status maintenance commands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"membria/internal/calibration"
	"membria/internal/chains"
	"membria/internal/composer"
	"membria/internal/config"
	"membria/internal/embedding"
	"membria/internal/engram"
	"membria/internal/firewall"
	"membria/internal/ingest"
	"membria/internal/logging"
	"membria/internal/mcpproxy"
	"membria/internal/memory"
	"membria/internal/outcome"
	"membria/internal/pattern"
	"membria/internal/server"
	"membria/internal/sigqueue"
	"membria/internal/store"
	"membria/internal/types"
	"membria/internal/webhook"
)

var (
	flagConfig  string
	flagTenant  string
	flagTeam    string
	flagProject string
)

func main() {
	root := &cobra.Command{
		Use:           "membria",
		Short:         "Graph-backed decision memory for development teams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", ".membria/config.yaml", "configuration file")
	root.PersistentFlags().StringVar(&flagTenant, "tenant", "default", "tenant id")
	root.PersistentFlags().StringVar(&flagTeam, "team", "default", "team id")
	root.PersistentFlags().StringVar(&flagProject, "project", "default", "project id")

	root.AddCommand(serveCmd(), migrateCmd(), ingestCmd(), statusCmd(), signalsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func namespace() types.Namespace {
	return types.Namespace{TenantID: flagTenant, TeamID: flagTeam, ProjectID: flagProject}
}

// setup loads config, initializes logging and opens the graph store.
func setup() (*config.Config, *store.GraphStore, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Initialize(cfg.Daemon.Workspace, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, nil, err
	}
	dbPath := cfg.Memory.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Daemon.Workspace, dbPath)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stdio tool server and the webhook listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := setup()
			if err != nil {
				return err
			}
			defer s.Close()

			ns := namespace()
			tracker := outcome.NewTracker(s, ns)
			orch := chains.NewOrchestrator(s, ns)

			var proxy *mcpproxy.Proxy
			if cfg.MCPDiscovery.AllowlistPath != "" {
				proxy, err = mcpproxy.New(cfg.MCPDiscovery.AllowlistPath,
					time.Duration(cfg.MCPDiscovery.TimeoutSec)*time.Second,
					time.Duration(cfg.MCPDiscovery.RefreshSec)*time.Second)
				if err != nil {
					return err
				}
				defer proxy.Close()
			}

			engramDir := cfg.Engrams.Dir
			if !filepath.IsAbs(engramDir) {
				engramDir = filepath.Join(cfg.Daemon.Workspace, engramDir)
			}
			deps := server.Deps{
				Store: s,
				Memory: memory.NewManager(s, memory.Policy{
					DefaultTTLDays:  cfg.Memory.DefaultTTLDays,
					HalfLifeDays:    cfg.Memory.HalfLifeDays,
					AllowHardDelete: cfg.Memory.AllowHardDelete,
				}, ns),
				Tracker:     tracker,
				Calibration: calibration.NewEngine(s, ns),
				Composer:    composer.New(s, ns, orch, cfg.ContextPlugins),
				Firewall:    firewall.New(s, ns, os.Getenv("MEMBRIA_OVERRIDE_TOKEN")),
				Patterns:    pattern.NewExtractor(s, ns, 0),
				Engrams:     engram.New(s, ns, engramDir, cfg.Engrams.Branch),
				Proxy:       proxy,
				NS:          ns,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			httpSrv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Daemon.Port),
				Handler: webhook.New(s, tracker, ns, cfg.Webhook.Secret).Mux(),
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logging.Get(logging.CategoryBoot).Info("webhook listener on :%d", cfg.Daemon.Port)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				logging.Get(logging.CategoryBoot).Info("tool server on stdio")
				if err := server.New(deps, os.Stdin, os.Stdout).Run(ctx); err != nil {
					return err
				}
				stop()
				return nil
			})
			return g.Wait()
		},
	}
}

func migrateCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "migrate [version]",
		Short: "Apply schema migrations up to version (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := setup()
			if err != nil {
				return err
			}
			defer s.Close()

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			m := store.NewMigrator(s.DB(), store.Registry())
			if err := m.MigrateTo(target); err != nil {
				return err
			}
			v, err := m.CurrentVersion()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema at", v)
			return nil
		},
	}

	rollback := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Roll the schema back down to version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := setup()
			if err != nil {
				return err
			}
			defer s.Close()

			m := store.NewMigrator(s.DB(), store.Registry())
			if err := m.RollbackTo(args[0], confirm); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back to", args[0])
			return nil
		},
	}
	rollback.Flags().BoolVar(&confirm, "confirm", false, "confirm the destructive rollback")
	cmd.AddCommand(rollback)
	return cmd
}

func ingestCmd() *cobra.Command {
	var docType string
	var strict bool
	var chunkSize, overlap int
	cmd := &cobra.Command{
		Use:   "ingest <root>",
		Short: "Ingest a knowledge-base directory into Document nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := setup()
			if err != nil {
				return err
			}
			defer s.Close()

			engine, err := embedding.New(cfg.Embedding)
			if err != nil {
				return err
			}
			report, err := ingest.New(s, engine, namespace()).Run(cmd.Context(), ingest.Options{
				Root:      args[0],
				DocType:   docType,
				ChunkSize: chunkSize,
				Overlap:   overlap,
				Strict:    strict,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "files=%d chunks=%d skipped=%d\n",
				report.Files, report.Chunks, report.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&docType, "doc-type", "kb", "document type tag")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on the first extraction error")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", ingest.DefaultChunkSize, "chunk size in characters")
	cmd.Flags().IntVar(&overlap, "overlap", ingest.DefaultOverlap, "chunk overlap in characters")
	return cmd
}

func signalsCmd() *cobra.Command {
	openQueue := func() (*sigqueue.Queue, error) {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		path := cfg.Memory.QueuePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Daemon.Workspace, path)
		}
		return sigqueue.Open(path)
	}
	printSignals := func(cmd *cobra.Command, sigs []*sigqueue.Signal) {
		for _, s := range sigs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s %-9s %.2f  %s\n",
				s.Timestamp.Format(time.RFC3339), s.SignalType, s.Status, s.Confidence, s.RawText)
		}
	}

	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Inspect the pending-signal queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List signals awaiting extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			sigs, err := q.GetPendingSignals()
			if err != nil {
				return err
			}
			printSignals(cmd, sigs)
			return nil
		},
	})
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "List recent signals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			sigs, err := q.GetSignalHistory(limit)
			if err != nil {
				return err
			}
			printSignals(cmd, sigs)
			return nil
		},
	}
	history.Flags().IntVar(&limit, "limit", 50, "maximum signals to show")
	cmd.AddCommand(history)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := setup()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats()
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(stats))
			for t := range stats {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			for _, t := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %d\n", t, stats[t])
			}
			return nil
		},
	}
}
