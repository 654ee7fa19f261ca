// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncforge/shopmirror/internal/audit"
	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/mirror"
	"github.com/syncforge/shopmirror/internal/state"
)

// rootOptions holds global flags shared by every command.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "shopmirror",
		Short: "Differential catalog synchronization engine",
		Long: `ShopMirror keeps a local product catalog mirror and a remote store in
sync. Only changed records are pushed: each row carries a content hash
baseline, and a diff pass classifies rows into creates, updates, and
deletes before batched, rate-limited dispatch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

// loadConfig layers defaults, the optional config file, and environment
// variables, then applies CLI overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, nil
}

// stores bundles the opened persistence layers and their teardown.
type stores struct {
	mirror *mirror.Store
	states *state.Store
	audit  *audit.Logger
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	m, err := mirror.Open(ctx, &cfg.Mirror)
	if err != nil {
		return nil, nil, err
	}
	st, err := state.Open(&cfg.State)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	a, err := audit.New(ctx, m.DB())
	if err != nil {
		st.Close()
		m.Close()
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	closer := func() {
		if err := st.Close(); err != nil {
			logging.Warn().Err(err).Msg("Closing state store failed")
		}
		if err := m.Close(); err != nil {
			logging.Warn().Err(err).Msg("Closing mirror store failed")
		}
	}
	return &stores{mirror: m, states: st, audit: a}, closer, nil
}
