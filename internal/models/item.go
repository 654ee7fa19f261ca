// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package models

import "time"

// Operation is the remote write verb a sync item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority is the scheduling tier of a sync item.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// SyncItem is one unit of pending work: a single create/update/delete against
// the remote catalog. Items are unique by (EntityType, ID).
type SyncItem struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	Operation  Operation  `json:"operation"`

	// Entity carries the record payload. Empty for deletes.
	Entity Entity `json:"entity,omitempty"`

	Priority      Priority  `json:"priority"`
	PriorityScore int64     `json:"priority_score"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
}

// Key returns the item's (entityType, id) uniqueness key.
func (it SyncItem) Key() string {
	return EntityKey(it.EntityType, it.ID)
}

// Resolution is the terminal outcome of a sync item. Every queued item must
// reach exactly one of these; none may silently disappear.
type Resolution string

const (
	ResolutionCompleted Resolution = "completed"
	ResolutionSkipped   Resolution = "skipped_with_warning"
	ResolutionFatal     Resolution = "fatally_failed"
)
