// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package retry classifies remote call failures and schedules re-attempts
// with capped exponential backoff.
package retry

import (
	"errors"
	"time"

	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/remote"
)

// Category partitions failures into those worth retrying and those that will
// never succeed unchanged.
type Category string

const (
	// CategoryRetryable marks transient failures: network faults,
	// throttling, and temporary quota exhaustion.
	CategoryRetryable Category = "retryable"
	// CategoryFatal marks failures that repeating the same request cannot
	// fix: validation rejections, missing records, bad credentials.
	CategoryFatal Category = "fatal"
)

// Manager decides whether and when a failed sync item runs again.
type Manager struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewManager builds a Manager from the sync configuration.
func NewManager(cfg *config.SyncConfig) *Manager {
	return &Manager{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
	}
}

// Categorize maps a remote error onto a retry category.
func Categorize(err error) Category {
	var (
		netErr      *remote.NetworkError
		throttled   *remote.ThrottledError
		quotaErr    *remote.QuotaError
		validation  *remote.ValidationError
		notFound    *remote.NotFoundError
		authFailure *remote.AuthError
	)
	switch {
	case errors.As(err, &throttled):
		return CategoryRetryable
	case errors.As(err, &netErr):
		return CategoryRetryable
	case errors.As(err, &quotaErr):
		return CategoryRetryable
	case errors.As(err, &validation):
		return CategoryFatal
	case errors.As(err, &notFound):
		return CategoryFatal
	case errors.As(err, &authFailure):
		return CategoryFatal
	default:
		// Unknown failures are treated as transient so a single odd
		// response cannot permanently fail an item.
		return CategoryRetryable
	}
}

// ShouldRetry reports whether the item, on its given attempt count, earns
// another try for this error. Attempts are counted from zero.
func (m *Manager) ShouldRetry(err error, attempts int) bool {
	if err == nil {
		return false
	}
	if Categorize(err) == CategoryFatal {
		return false
	}
	if attempts >= m.maxRetries {
		return false
	}
	metrics.Retries.WithLabelValues(string(CategoryRetryable)).Inc()
	return true
}

// Backoff returns the wait before the given attempt number re-runs. The
// delay doubles per attempt and is capped at the configured maximum. When
// the failure carried a Retry-After hint larger than the computed delay, the
// hint wins.
func (m *Manager) Backoff(err error, attempts int) time.Duration {
	delay := m.baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			delay = m.maxDelay
			break
		}
	}
	if after, ok := remote.IsThrottled(err); ok && after > delay {
		delay = after
	}
	return delay
}

// MaxRetries exposes the configured retry ceiling.
func (m *Manager) MaxRetries() int {
	return m.maxRetries
}
