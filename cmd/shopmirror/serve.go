// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syncforge/shopmirror/internal/api"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Long: `Expose session history, audit reports, mirror counts, health, and
Prometheus metrics over HTTP. The API is read-only; synchronization always
runs through the sync and resume commands.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, closer, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer closer()

			srv := api.NewServer(&cfg.Server, st.states, st.audit, st.mirror)
			return srv.ListenAndServe(ctx)
		},
	}
}
