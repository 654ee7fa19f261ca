// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// SessionStatus is the lifecycle state of a sync session.
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionRunning     SessionStatus = "running"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// ExportSession is one end-to-end sync attempt. It is checkpointed to the
// session store after every batch so an interrupted run can resume without
// reprocessing completed items.
type ExportSession struct {
	SessionID string        `json:"session_id"`
	Scope     string        `json:"scope"`
	Status    SessionStatus `json:"status"`

	// QueueSnapshot is the serialized pending queue (queue.Snapshot). Stored
	// as raw JSON so the session store stays agnostic to the queue layout.
	QueueSnapshot json.RawMessage `json:"queue_snapshot,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Progress counters, updated at each checkpoint.
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// DryRun sessions detect and classify but issue no write calls.
	DryRun bool `json:"dry_run,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// Terminal reports whether the session has reached an end state.
func (s *ExportSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Resumable reports whether the session can be continued by a later
// invocation.
func (s *ExportSession) Resumable() bool {
	return s.Status == SessionInterrupted && len(s.QueueSnapshot) > 0
}
