// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package diff

import (
	"fmt"
	"time"

	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/models"
)

// Diff is the classified difference between the local mirror and the remote
// snapshot. ToAdd/ToUpdate/ToDelete are outbound sync items; ImportNew holds
// remote records unknown locally, adopted into the mirror without a write
// call.
type Diff struct {
	ToAdd    []models.SyncItem
	ToUpdate []models.SyncItem
	ToDelete []models.SyncItem

	ImportNew []models.Entity

	Unchanged int
}

// Empty reports whether the diff produced no outbound work.
func (d *Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// Outbound returns all outbound items in add, update, delete order.
func (d *Diff) Outbound() []models.SyncItem {
	out := make([]models.SyncItem, 0, len(d.ToAdd)+len(d.ToUpdate)+len(d.ToDelete))
	out = append(out, d.ToAdd...)
	out = append(out, d.ToUpdate...)
	out = append(out, d.ToDelete...)
	return out
}

// Classify compares the current local mirror rows against the remote
// snapshot and buckets every record:
//
//   - a local row with no stored hash has never been synced: ToAdd
//   - a local row whose freshly recomputed hash differs from its stored hash
//     was edited locally (including out-of-band edits): ToUpdate
//   - a remote record absent from the mirror: ImportNew (adopted locally)
//   - a remote record whose mirror row is gone: ToDelete
//
// The comparison hash is always recomputed from the row's current business
// fields at call time. The stored hash is only the baseline from the last
// sync; reusing a cached hash here would make manual edits invisible.
func Classify(local []models.MirrorRow, remote []models.Entity) (*Diff, error) {
	localByKey := make(map[string]models.MirrorRow, len(local))
	for _, row := range local {
		localByKey[row.Key()] = row
	}
	d := &Diff{}
	now := time.Now().UTC()

	for _, row := range local {
		key := row.Key()
		if row.Meta.Hash == "" {
			d.ToAdd = append(d.ToAdd, newItem(row.Entity, models.OpCreate, now))
			continue
		}

		current, err := ComputeHash(row.Entity)
		if err != nil {
			return nil, fmt.Errorf("hash mirror row %s: %w", key, err)
		}
		if current != row.Meta.Hash {
			d.ToUpdate = append(d.ToUpdate, newItem(row.Entity, models.OpUpdate, now))
			continue
		}
		d.Unchanged++
	}

	for _, e := range remote {
		if _, ok := localByKey[models.EntityKey(e.Type, e.ID())]; !ok {
			d.ImportNew = append(d.ImportNew, e)
		}
	}

	logging.Debug().
		Int("to_add", len(d.ToAdd)).
		Int("to_update", len(d.ToUpdate)).
		Int("to_delete", len(d.ToDelete)).
		Int("import_new", len(d.ImportNew)).
		Int("unchanged", d.Unchanged).
		Msg("change detection complete")

	return d, nil
}

// ClassifyWithTombstones extends Classify with explicit local deletions: keys
// the mirror recorded as removed since the last sync become ToDelete items.
func ClassifyWithTombstones(local []models.MirrorRow, remote []models.Entity, deleted []models.MirrorRow) (*Diff, error) {
	d, err := Classify(local, remote)
	if err != nil {
		return nil, err
	}

	remoteKeys := make(map[string]struct{}, len(remote))
	for _, e := range remote {
		remoteKeys[models.EntityKey(e.Type, e.ID())] = struct{}{}
	}

	deletedKeys := make(map[string]struct{}, len(deleted))
	now := time.Now().UTC()
	for _, row := range deleted {
		deletedKeys[row.Key()] = struct{}{}
		// Only delete remotely what the remote still has.
		if _, ok := remoteKeys[row.Key()]; !ok {
			continue
		}
		item := models.SyncItem{
			ID:         row.Entity.ID(),
			EntityType: row.Entity.Type,
			Operation:  models.OpDelete,
			Priority:   PriorityFor(models.OpDelete),
			EnqueuedAt: now,
		}
		d.ToDelete = append(d.ToDelete, item)
	}

	// A tombstoned record still present remotely must not be re-imported;
	// that would resurrect the local deletion.
	if len(deletedKeys) > 0 {
		kept := d.ImportNew[:0]
		for _, e := range d.ImportNew {
			if _, ok := deletedKeys[models.EntityKey(e.Type, e.ID())]; ok {
				continue
			}
			kept = append(kept, e)
		}
		d.ImportNew = kept
	}

	return d, nil
}

// PriorityFor maps an operation to its default scheduling tier. Creates are
// user-visible soonest, so they lead; deletes can wait.
func PriorityFor(op models.Operation) models.Priority {
	switch op {
	case models.OpCreate:
		return models.PriorityHigh
	case models.OpDelete:
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

func newItem(e models.Entity, op models.Operation, now time.Time) models.SyncItem {
	return models.SyncItem{
		ID:         e.ID(),
		EntityType: e.Type,
		Operation:  op,
		Entity:     e,
		Priority:   PriorityFor(op),
		EnqueuedAt: now,
	}
}
