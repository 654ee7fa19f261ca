// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package metrics exposes Prometheus instrumentation for the sync pipeline.
// Metrics are served by the status API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncDuration observes end-to-end session duration in seconds.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopmirror_sync_duration_seconds",
		Help:    "Duration of full sync sessions",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// ItemsResolved counts terminal item outcomes.
	// resolution: completed, skipped_with_warning, fatally_failed.
	ItemsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmirror_items_resolved_total",
		Help: "Sync items by terminal resolution",
	}, []string{"entity_type", "operation", "resolution"})

	// QueueDepth tracks pending items per priority tier.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shopmirror_queue_depth",
		Help: "Pending sync items per priority tier",
	}, []string{"priority"})

	// Retries counts retry attempts by error category.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmirror_retries_total",
		Help: "Retry attempts by error category",
	}, []string{"category"})

	// ThrottleEvents counts HTTP 429 responses from the remote catalog.
	ThrottleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopmirror_throttle_events_total",
		Help: "Rate-limit responses received from the remote catalog",
	})

	// APIRequests counts outbound catalog API calls.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmirror_api_requests_total",
		Help: "Outbound catalog API requests",
	}, []string{"method", "status"})

	// APIRequestDuration observes outbound request latency.
	APIRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopmirror_api_request_duration_seconds",
		Help:    "Latency of outbound catalog API requests",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// BulkFolds counts individual operations folded into bulk calls.
	BulkFolds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopmirror_bulk_folds_total",
		Help: "Individual operations folded into bulk parent calls",
	})

	// DedupHits counts operations served from the dedup cache.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopmirror_dedup_hits_total",
		Help: "Operations skipped because an identical recent operation was cached",
	})

	// CircuitBreakerState reports breaker state: 0=closed, 1=open, 2=half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shopmirror_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// SessionsInterrupted counts sessions cut off by the time budget.
	SessionsInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopmirror_sessions_interrupted_total",
		Help: "Sync sessions checkpointed and interrupted by the time budget",
	})

	// SessionsResumed counts sessions resumed from a persisted snapshot.
	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopmirror_sessions_resumed_total",
		Help: "Sync sessions resumed from an interrupted snapshot",
	})
)
