// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package diff

import (
	"testing"

	"github.com/syncforge/shopmirror/internal/models"
)

func syncedRow(t *testing.T, e models.Entity) models.MirrorRow {
	t.Helper()
	hash, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("hash %s: %v", models.EntityKey(e.Type, e.ID()), err)
	}
	return models.MirrorRow{Entity: e, Meta: models.SyncMeta{Hash: hash, LastAction: "create"}}
}

func TestClassifyNeverSyncedRowBecomesCreate(t *testing.T) {
	row := models.MirrorRow{Entity: models.NewProductEntity(testProduct())}

	d, err := Classify([]models.MirrorRow{row}, nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(d.ToAdd) != 1 {
		t.Fatalf("ToAdd = %d, want 1", len(d.ToAdd))
	}
	item := d.ToAdd[0]
	if item.Operation != models.OpCreate {
		t.Errorf("operation = %s, want create", item.Operation)
	}
	if item.Priority != models.PriorityHigh {
		t.Errorf("priority = %s, want high", item.Priority)
	}
	if d.Empty() {
		t.Error("diff with a create should not be empty")
	}
}

func TestClassifyEditedRowBecomesUpdate(t *testing.T) {
	row := syncedRow(t, models.NewProductEntity(testProduct()))
	// Edit after the baseline was stored.
	row.Entity.Product.Title = "Renamed Jacket"

	d, err := Classify([]models.MirrorRow{row}, nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(d.ToUpdate) != 1 {
		t.Fatalf("ToUpdate = %d, want 1", len(d.ToUpdate))
	}
	if d.ToUpdate[0].Priority != models.PriorityNormal {
		t.Errorf("priority = %s, want normal", d.ToUpdate[0].Priority)
	}
	if d.Unchanged != 0 {
		t.Errorf("Unchanged = %d, want 0", d.Unchanged)
	}
}

func TestClassifyUnchangedRowProducesNoWork(t *testing.T) {
	row := syncedRow(t, models.NewProductEntity(testProduct()))

	d, err := Classify([]models.MirrorRow{row}, nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !d.Empty() {
		t.Errorf("expected empty diff, got %d add %d update %d delete",
			len(d.ToAdd), len(d.ToUpdate), len(d.ToDelete))
	}
	if d.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", d.Unchanged)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	// Simulate a completed sync: baseline equals current content.
	rows := []models.MirrorRow{
		syncedRow(t, models.NewProductEntity(testProduct())),
		syncedRow(t, models.NewVariantEntity(testVariant())),
	}

	for i := 0; i < 3; i++ {
		d, err := Classify(rows, nil)
		if err != nil {
			t.Fatalf("Classify pass %d: %v", i, err)
		}
		if !d.Empty() {
			t.Fatalf("pass %d produced outbound work on an in-sync mirror", i)
		}
	}
}

func TestClassifyAdoptsRemoteOnlyRecords(t *testing.T) {
	local := []models.MirrorRow{syncedRow(t, models.NewProductEntity(testProduct()))}

	other := testProduct()
	other.ID = "p-900"
	remote := []models.Entity{
		models.NewProductEntity(testProduct()), // already mirrored
		models.NewProductEntity(other),         // unknown locally
	}

	d, err := Classify(local, remote)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(d.ImportNew) != 1 {
		t.Fatalf("ImportNew = %d, want 1", len(d.ImportNew))
	}
	if d.ImportNew[0].ID() != "p-900" {
		t.Errorf("imported %s, want p-900", d.ImportNew[0].ID())
	}
	// Imports are local adoption, never outbound writes.
	if !d.Empty() {
		t.Error("remote-only record produced outbound work")
	}
}

func TestClassifyWithTombstones(t *testing.T) {
	gone := syncedRow(t, models.NewProductEntity(testProduct()))
	remote := []models.Entity{models.NewProductEntity(testProduct())}

	d, err := ClassifyWithTombstones(nil, remote, []models.MirrorRow{gone})
	if err != nil {
		t.Fatalf("ClassifyWithTombstones: %v", err)
	}
	if len(d.ToDelete) != 1 {
		t.Fatalf("ToDelete = %d, want 1", len(d.ToDelete))
	}
	item := d.ToDelete[0]
	if item.Operation != models.OpDelete || item.Priority != models.PriorityLow {
		t.Errorf("delete item = %s/%s, want delete/low", item.Operation, item.Priority)
	}
	// A record scheduled for deletion must not also be re-imported.
	for _, e := range d.ImportNew {
		if e.ID() == gone.Entity.ID() {
			t.Error("record scheduled for deletion was also imported")
		}
	}
}

func TestClassifyWithTombstonesSkipsRemoteAbsent(t *testing.T) {
	gone := syncedRow(t, models.NewProductEntity(testProduct()))

	d, err := ClassifyWithTombstones(nil, nil, []models.MirrorRow{gone})
	if err != nil {
		t.Fatalf("ClassifyWithTombstones: %v", err)
	}
	if len(d.ToDelete) != 0 {
		t.Errorf("ToDelete = %d for a record the remote no longer has, want 0", len(d.ToDelete))
	}
}

func TestOutboundOrder(t *testing.T) {
	d := &Diff{
		ToAdd:    []models.SyncItem{{ID: "a", Operation: models.OpCreate}},
		ToUpdate: []models.SyncItem{{ID: "u", Operation: models.OpUpdate}},
		ToDelete: []models.SyncItem{{ID: "d", Operation: models.OpDelete}},
	}
	out := d.Outbound()
	if len(out) != 3 {
		t.Fatalf("Outbound len = %d, want 3", len(out))
	}
	if out[0].ID != "a" || out[1].ID != "u" || out[2].ID != "d" {
		t.Errorf("order = %s,%s,%s; want a,u,d", out[0].ID, out[1].ID, out[2].ID)
	}
}
