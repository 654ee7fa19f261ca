// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/syncforge/shopmirror/internal/state"
)

// reportOptions holds flags for the report command.
type reportOptions struct {
	*rootOptions
	JSON bool
}

func newReportCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &reportOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report [session-id]",
		Short: "Print the audit report for a session",
		Long: `Aggregate the audit log into a per-session report: item resolutions,
operation counts, batch totals, and error samples. Without a session ID the
most recent session is reported.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			return runReport(opts, sessionID)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "emit the report as JSON")

	return cmd
}

func runReport(opts *reportOptions, sessionID string) error {
	cfg, err := loadConfig(opts.rootOptions)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, closer, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer()

	if sessionID == "" {
		sessions, err := st.states.ListSessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return errors.New("no sessions recorded")
		}
		sessionID = sessions[0].SessionID
	}

	report, err := st.audit.GenerateReport(ctx, sessionID)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Session %s\n", report.SessionID)
	fmt.Printf("  started: %s\n", report.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if report.Duration != "" {
		fmt.Printf("  duration: %s\n", report.Duration)
	}
	fmt.Printf("  batches: %d\n", report.Batches)
	if len(report.Resolutions) > 0 {
		fmt.Println("  resolutions:")
		for res, n := range report.Resolutions {
			fmt.Printf("    %-22s %d\n", res, n)
		}
	}
	if len(report.ByOperation) > 0 {
		fmt.Println("  operations:")
		for op, n := range report.ByOperation {
			fmt.Printf("    %-22s %d\n", op, n)
		}
	}
	if report.Errors > 0 {
		fmt.Printf("  errors: %d\n", report.Errors)
		for _, sample := range report.ErrorSamples {
			fmt.Printf("    [%s] %s: %s\n",
				sample.Timestamp.Format("15:04:05"), sample.EntityKey, sample.Message)
		}
	}
	// Surface sessions that only exist in the state store.
	if _, err := st.states.LoadSession(sessionID); errors.Is(err, state.ErrNotFound) {
		fmt.Println("  note: session is absent from the state store")
	}
	return nil
}
