// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package audit provides the append-only synchronization audit log backed by
// DuckDB. Every session, batch, item resolution, and error is recorded, and
// per-session reports are aggregated from the log.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/models"
)

// EventType classifies audit log entries.
type EventType string

const (
	EventSessionStart  EventType = "session_start"
	EventSessionEnd    EventType = "session_end"
	EventBatchStart    EventType = "batch_start"
	EventBatchComplete EventType = "batch_complete"
	EventItemResolved  EventType = "item_resolved"
	EventError         EventType = "error"
	EventMetric        EventType = "metric"
)

// Event is one append-only audit log entry.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       EventType       `json:"type"`
	EntityKey  string          `json:"entity_key,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
	Message    string          `json:"message,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Logger appends events to the sync_events table. Entries are never updated
// or deleted by the sync pipeline itself; only retention purges remove them.
type Logger struct {
	db *sql.DB
}

// New creates a Logger over an existing DuckDB connection and ensures the
// schema.
func New(ctx context.Context, db *sql.DB) (*Logger, error) {
	l := &Logger{db: db}
	if err := l.createTable(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) createTable(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sync_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			entity_key TEXT,
			operation TEXT,
			resolution TEXT,
			message TEXT,
			details JSON
		);

		CREATE INDEX IF NOT EXISTS idx_sync_events_session ON sync_events(session_id);
		CREATE INDEX IF NOT EXISTS idx_sync_events_timestamp ON sync_events(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_sync_events_type ON sync_events(type)
	`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create audit schema: %w", err)
		}
	}
	return nil
}

func (l *Logger) append(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var details any
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, session_id, timestamp, type, entity_key, operation, resolution, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Timestamp, string(e.Type),
		nullable(e.EntityKey), nullable(e.Operation), nullable(e.Resolution),
		nullable(e.Message), details)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// StartSession records the beginning of an export session.
func (l *Logger) StartSession(ctx context.Context, sess *models.ExportSession) error {
	details, _ := json.Marshal(map[string]any{
		"scope":   sess.Scope,
		"dry_run": sess.DryRun,
	})
	return l.append(ctx, Event{
		SessionID: sess.SessionID,
		Type:      EventSessionStart,
		Details:   details,
	})
}

// EndSession records a session reaching a terminal or interrupted state.
func (l *Logger) EndSession(ctx context.Context, sess *models.ExportSession) error {
	details, _ := json.Marshal(map[string]any{
		"status":    sess.Status,
		"processed": sess.Processed,
		"succeeded": sess.Succeeded,
		"failed":    sess.Failed,
		"skipped":   sess.Skipped,
	})
	return l.append(ctx, Event{
		SessionID: sess.SessionID,
		Type:      EventSessionEnd,
		Message:   string(sess.Status),
		Details:   details,
	})
}

// BatchStart records a batch being dispatched.
func (l *Logger) BatchStart(ctx context.Context, sessionID string, op models.Operation, size int) error {
	details, _ := json.Marshal(map[string]any{"size": size})
	return l.append(ctx, Event{
		SessionID: sessionID,
		Type:      EventBatchStart,
		Operation: string(op),
		Details:   details,
	})
}

// BatchComplete records a batch finishing, with per-outcome counts.
func (l *Logger) BatchComplete(ctx context.Context, sessionID string, op models.Operation, succeeded, failed int) error {
	details, _ := json.Marshal(map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
	})
	return l.append(ctx, Event{
		SessionID: sessionID,
		Type:      EventBatchComplete,
		Operation: string(op),
		Details:   details,
	})
}

// ItemResolved records the terminal outcome of one sync item.
func (l *Logger) ItemResolved(ctx context.Context, sessionID string, item models.SyncItem, res models.Resolution, message string) error {
	return l.append(ctx, Event{
		SessionID:  sessionID,
		Type:       EventItemResolved,
		EntityKey:  item.Key(),
		Operation:  string(item.Operation),
		Resolution: string(res),
		Message:    message,
	})
}

// Error records a failure with its categorization.
func (l *Logger) Error(ctx context.Context, sessionID, entityKey, category, message string) error {
	details, _ := json.Marshal(map[string]any{"category": category})
	return l.append(ctx, Event{
		SessionID: sessionID,
		Type:      EventError,
		EntityKey: entityKey,
		Message:   message,
		Details:   details,
	})
}

// Metric records a named measurement, such as total duration or throttle
// wait time.
func (l *Logger) Metric(ctx context.Context, sessionID, name string, value float64) error {
	details, _ := json.Marshal(map[string]any{"name": name, "value": value})
	return l.append(ctx, Event{
		SessionID: sessionID,
		Type:      EventMetric,
		Message:   name,
		Details:   details,
	})
}

// Purge removes events older than the retention window and returns the
// number deleted.
func (l *Logger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := l.db.ExecContext(ctx, "DELETE FROM sync_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		logging.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Audit retention purge complete")
	}
	return n, nil
}
