// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/syncforge/shopmirror/internal/models"
)

// Report aggregates the audit log for one session.
type Report struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Duration  string    `json:"duration,omitempty"`

	Resolutions  map[string]int64 `json:"resolutions"`
	ByOperation  map[string]int64 `json:"by_operation"`
	Batches      int64            `json:"batches"`
	Errors       int64            `json:"errors"`
	ErrorSamples []ErrorSample    `json:"error_samples,omitempty"`
}

// ErrorSample is one representative failure from the log.
type ErrorSample struct {
	Timestamp time.Time `json:"timestamp"`
	EntityKey string    `json:"entity_key,omitempty"`
	Message   string    `json:"message"`
}

const maxErrorSamples = 20

// GenerateReport builds a Report for the given session from the audit log.
func (l *Logger) GenerateReport(ctx context.Context, sessionID string) (*Report, error) {
	r := &Report{
		SessionID:   sessionID,
		Resolutions: make(map[string]int64),
		ByOperation: make(map[string]int64),
	}

	if err := l.fillWindow(ctx, r); err != nil {
		return nil, err
	}
	if err := l.fillCounts(ctx, r); err != nil {
		return nil, err
	}
	if err := l.fillErrorSamples(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (l *Logger) fillWindow(ctx context.Context, r *Report) error {
	var started, ended sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT
			MIN(CASE WHEN type = ? THEN timestamp END),
			MAX(CASE WHEN type = ? THEN timestamp END)
		FROM sync_events WHERE session_id = ?`,
		string(EventSessionStart), string(EventSessionEnd), r.SessionID).
		Scan(&started, &ended)
	if err != nil {
		return fmt.Errorf("query session window: %w", err)
	}
	if !started.Valid {
		return fmt.Errorf("no audit events for session %s", r.SessionID)
	}
	r.StartedAt = started.Time
	if ended.Valid {
		r.EndedAt = ended.Time
		r.Duration = ended.Time.Sub(started.Time).Round(time.Millisecond).String()
	}
	return nil
}

func (l *Logger) fillCounts(ctx context.Context, r *Report) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT resolution, operation, COUNT(*)
		FROM sync_events
		WHERE session_id = ? AND type = ?
		GROUP BY resolution, operation`,
		r.SessionID, string(EventItemResolved))
	if err != nil {
		return fmt.Errorf("query resolution counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resolution, operation sql.NullString
		var count int64
		if err := rows.Scan(&resolution, &operation, &count); err != nil {
			return fmt.Errorf("scan resolution count: %w", err)
		}
		if resolution.Valid {
			r.Resolutions[resolution.String] += count
		}
		if operation.Valid {
			r.ByOperation[operation.String] += count
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate resolution counts: %w", err)
	}

	err = l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN type = ? THEN 1 END),
			COUNT(CASE WHEN type = ? THEN 1 END)
		FROM sync_events WHERE session_id = ?`,
		string(EventBatchComplete), string(EventError), r.SessionID).
		Scan(&r.Batches, &r.Errors)
	if err != nil {
		return fmt.Errorf("query batch and error counts: %w", err)
	}
	return nil
}

func (l *Logger) fillErrorSamples(ctx context.Context, r *Report) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT timestamp, entity_key, message
		FROM sync_events
		WHERE session_id = ? AND type = ?
		ORDER BY timestamp ASC
		LIMIT ?`,
		r.SessionID, string(EventError), maxErrorSamples)
	if err != nil {
		return fmt.Errorf("query error samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sample ErrorSample
		var entityKey, message sql.NullString
		if err := rows.Scan(&sample.Timestamp, &entityKey, &message); err != nil {
			return fmt.Errorf("scan error sample: %w", err)
		}
		sample.EntityKey = entityKey.String
		sample.Message = message.String
		r.ErrorSamples = append(r.ErrorSamples, sample)
	}
	return rows.Err()
}

// Unresolved returns how many items a session processed versus resolved.
// Every processed item must carry a terminal resolution; a nonzero gap
// indicates a pipeline defect.
func (r *Report) Unresolved(processed int64) int64 {
	var resolved int64
	for _, res := range []models.Resolution{
		models.ResolutionCompleted, models.ResolutionSkipped, models.ResolutionFatal,
	} {
		resolved += r.Resolutions[string(res)]
	}
	return processed - resolved
}
