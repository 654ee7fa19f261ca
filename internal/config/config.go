// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package config loads and validates ShopMirror configuration.
//
// Configuration is layered with koanf: built-in defaults, then an optional
// YAML file, then environment variables (highest priority). The resulting
// Config is constructed once in main and passed explicitly to every
// component; nothing reads configuration ambiently.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Remote  RemoteConfig  `koanf:"remote"`
	Sync    SyncConfig    `koanf:"sync"`
	Mirror  MirrorConfig  `koanf:"mirror"`
	State   StateConfig   `koanf:"state"`
	Audit   AuditConfig   `koanf:"audit"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// RemoteConfig configures the catalog API client.
type RemoteConfig struct {
	// BaseURL is the root of the remote catalog API, e.g.
	// https://shop.example.com/admin/api/2026-01
	BaseURL string `koanf:"base_url"`

	// AccessToken authenticates API calls. Usually supplied by the
	// credential hook at runtime rather than configured statically.
	AccessToken string `koanf:"access_token"`

	Timeout time.Duration `koanf:"timeout"`

	// MinRequestInterval is the minimum spacing between outbound calls.
	MinRequestInterval time.Duration `koanf:"min_request_interval"`

	// PageSize for paginated reads.
	PageSize int `koanf:"page_size"`
}

// SyncConfig tunes the differential sync pipeline.
type SyncConfig struct {
	// Batch sizes per operation type. Deletes tolerate the largest batches,
	// creates the next, updates the smallest.
	CreateBatchSize int `koanf:"create_batch_size"`
	UpdateBatchSize int `koanf:"update_batch_size"`
	DeleteBatchSize int `koanf:"delete_batch_size"`

	// MaxRetries bounds per-item attempts before a retryable error is
	// converted into a fatal one.
	MaxRetries int `koanf:"max_retries"`

	// RetryBaseDelay seeds exponential backoff (base * 2^attempt).
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`

	// RetryMaxDelay caps computed backoff.
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`

	// PromoteAfter is how long an item may wait in the queue before aging
	// promotion raises its tier.
	PromoteAfter time.Duration `koanf:"promote_after"`

	// DedupTTL is how long an operation signature stays in the dedup cache.
	DedupTTL time.Duration `koanf:"dedup_ttl"`

	// TimeBudget bounds a single invocation; the orchestrator checkpoints
	// and marks the session interrupted when it runs out.
	TimeBudget time.Duration `koanf:"time_budget"`

	// DryRun classifies and queues but issues no write calls.
	DryRun bool `koanf:"dry_run"`
}

// MirrorConfig configures the local DuckDB mirror.
type MirrorConfig struct {
	Path string `koanf:"path"`
}

// StateConfig configures the Badger session store.
type StateConfig struct {
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	// RetentionDays bounds how long audit entries are kept. Zero disables
	// pruning.
	RetentionDays int `koanf:"retention_days"`
}

// ServerConfig configures the read-only status API used by serve mode.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config populated with defaults. These are loaded
// first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout:            30 * time.Second,
			MinRequestInterval: 500 * time.Millisecond,
			PageSize:           250,
		},
		Sync: SyncConfig{
			CreateBatchSize: 50,
			UpdateBatchSize: 25,
			DeleteBatchSize: 100,
			MaxRetries:      3,
			RetryBaseDelay:  time.Second,
			RetryMaxDelay:   64 * time.Second,
			PromoteAfter:    10 * time.Minute,
			DedupTTL:        2 * time.Minute,
			TimeBudget:      5 * time.Minute,
		},
		Mirror: MirrorConfig{
			Path: "data/mirror.duckdb",
		},
		State: StateConfig{
			Path:       "data/state",
			SyncWrites: true,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3912,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration consistency before any component is built.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.PageSize <= 0 {
		return fmt.Errorf("remote.page_size must be positive, got %d", c.Remote.PageSize)
	}
	if c.Sync.CreateBatchSize <= 0 || c.Sync.UpdateBatchSize <= 0 || c.Sync.DeleteBatchSize <= 0 {
		return fmt.Errorf("sync batch sizes must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries cannot be negative")
	}
	if c.Sync.RetryBaseDelay <= 0 {
		return fmt.Errorf("sync.retry_base_delay must be positive")
	}
	if c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		return fmt.Errorf("sync.retry_max_delay %v is below retry_base_delay %v",
			c.Sync.RetryMaxDelay, c.Sync.RetryBaseDelay)
	}
	if c.Sync.TimeBudget <= 0 {
		return fmt.Errorf("sync.time_budget must be positive")
	}
	if c.Mirror.Path == "" {
		return fmt.Errorf("mirror.path is required")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
