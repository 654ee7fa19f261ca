// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/engine"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/models"
	"github.com/syncforge/shopmirror/internal/remote"
)

// syncOptions holds flags for the sync command.
type syncOptions struct {
	*rootOptions
	Scope      string
	DryRun     bool
	TimeBudget time.Duration
}

func newSyncCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &syncOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization session",
		Long: `Run a full differential sync: fetch the remote snapshot, classify local
rows against their stored baselines, and dispatch the resulting creates,
updates, and deletes in batches.

Example:
  shopmirror sync
  shopmirror sync --scope products --dry-run
  shopmirror sync --time-budget 2m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, false)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "full", "sync scope label recorded on the session")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "classify and queue but issue no remote writes")
	cmd.Flags().DurationVar(&opts.TimeBudget, "time-budget", 0, "override the configured time budget")

	return cmd
}

func newResumeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &syncOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the most recent interrupted session",
		Long: `Restore the pending queue of the latest interrupted session and continue
dispatching where it stopped. Falls back to a fresh sync when no resumable
session exists.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, true)
		},
	}

	cmd.Flags().DurationVar(&opts.TimeBudget, "time-budget", 0, "override the configured time budget")

	return cmd
}

func runSync(parent context.Context, opts *syncOptions, resume bool) error {
	cfg, err := loadConfig(opts.rootOptions)
	if err != nil {
		return err
	}
	if opts.DryRun {
		cfg.Sync.DryRun = true
	}
	if opts.TimeBudget > 0 {
		cfg.Sync.TimeBudget = opts.TimeBudget
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closer, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer()

	client := buildClient(&cfg.Remote)
	orch := engine.New(cfg, client, st.mirror, st.states, st.audit, engine.Hooks{
		Progress: func(message string, percent float64) {
			logging.Info().
				Float64("percent", percent).
				Msg(message)
		},
	})

	sess, err := orch.Run(ctx, opts.Scope, resume)
	if err != nil {
		return err
	}

	if cfg.Audit.RetentionDays > 0 {
		retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
		if _, err := st.audit.Purge(ctx, retention); err != nil {
			logging.Warn().Err(err).Msg("Audit retention purge failed")
		}
	}

	printSummary(sess)
	if sess.Status == models.SessionInterrupted {
		return fmt.Errorf("session interrupted with %d items processed; run 'shopmirror resume' to continue", sess.Processed)
	}
	return nil
}

// buildClient wraps the HTTP client in the circuit breaker.
func buildClient(cfg *config.RemoteConfig) remote.Catalog {
	return remote.NewBreakerClient(remote.NewClient(cfg))
}

func printSummary(sess *models.ExportSession) {
	fmt.Printf("Session %s: %s\n", sess.SessionID, sess.Status)
	fmt.Printf("  processed: %d\n", sess.Processed)
	fmt.Printf("  succeeded: %d\n", sess.Succeeded)
	fmt.Printf("  failed:    %d\n", sess.Failed)
	fmt.Printf("  skipped:   %d\n", sess.Skipped)
	if sess.DryRun {
		fmt.Println("  (dry run: no remote writes were issued)")
	}
}
