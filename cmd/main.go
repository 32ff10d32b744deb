package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/config"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/services"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "neighbors",
		Short:         "Keep a Bluesky list of the accounts your followers follow",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSyncCmd(), newDiscoverCmd())
	return root
}

// run charge la config, câble l'application et exécute fn avec un contexte annulé sur SIGINT/SIGTERM.
func run(fn func(ctx context.Context, cfg *config.Config, a *app) error, override func(*config.Config)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if override != nil {
		override(cfg)
	}
	initLogger(cfg)
	slog.Info("🚀 Starting Neighbor Service", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, cfg, a)
}

func newSyncCmd() *cobra.Command {
	var (
		listName      string
		maxCandidates int
		dryRun        bool
		strict        bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Discover neighbors and reconcile the target list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			override := func(cfg *config.Config) {
				if listName != "" {
					cfg.ListName = strings.TrimSpace(listName)
				}
				if cmd.Flags().Changed("max") {
					cfg.MaxCandidates = maxCandidates
				}
			}
			return run(func(ctx context.Context, cfg *config.Config, a *app) error {
				report, err := a.service.Sync(ctx, ports.SyncRequest{
					ListName:      cfg.ListName,
					MaxCandidates: cfg.MaxCandidates,
					DryRun:        dryRun,
				})

				// Les échecs par item ne font échouer le process qu'en mode --strict
				var recErr *services.ReconcileError
				if errors.As(err, &recErr) && !strict {
					slog.Warn("⚠️  Some list items could not be applied", "failed", len(recErr.Failures), "error", err)
					err = nil
				}
				if report != nil {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(),
						"list=%q candidates=%d added=%d removed=%d failed=%d dry_run=%t\n",
						report.ListName, report.Candidates, report.Added, report.Removed, report.Failed, report.DryRun)
				}
				return err
			}, override)
		},
	}
	cmd.Flags().StringVar(&listName, "list", "", "target list name (default from LIST_NAME)")
	cmd.Flags().IntVar(&maxCandidates, "max", 0, "maximum number of candidates (default from MAX_CANDIDATES)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "discover only, do not modify the list")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any list item fails")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		maxCandidates int
		handles       bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print neighbor candidates without touching any list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			override := func(cfg *config.Config) {
				if cmd.Flags().Changed("max") {
					cfg.MaxCandidates = maxCandidates
				}
			}
			return run(func(ctx context.Context, cfg *config.Config, a *app) error {
				candidates, err := a.service.Discover(ctx, cfg.MaxCandidates)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, c := range candidates {
					name := string(c.AID)
					if handles {
						name = a.client.Handle(ctx, c.AID)
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\tvia %s\n", c.AID, name, c.Via)
				}
				return w.Flush()
			}, override)
		},
	}
	cmd.Flags().IntVar(&maxCandidates, "max", 0, "maximum number of candidates (default from MAX_CANDIDATES)")
	cmd.Flags().BoolVar(&handles, "handles", true, "resolve handles for display")
	return cmd
}
