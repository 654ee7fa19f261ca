// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package mirror persists the local catalog mirror in DuckDB. The mirror is
// the editing surface: rows carry the business fields plus sync metadata
// (content hash baseline, last synced time, last action) and tombstones for
// locally deleted records.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/diff"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/models"
)

// Store is the DuckDB-backed mirror store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the mirror database and ensures the schema.
func Open(ctx context.Context, cfg *config.MirrorConfig) (*Store, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open mirror database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mirror database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("Mirror store opened")
	return s, nil
}

// DB exposes the underlying connection so the audit log can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			vendor TEXT,
			product_type TEXT,
			handle TEXT,
			status TEXT,
			tags TEXT,
			updated_at TIMESTAMPTZ,

			-- Sync metadata
			sync_hash TEXT,
			last_synced_at TIMESTAMPTZ,
			last_action TEXT,
			last_error TEXT,
			deleted_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS variants (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			title TEXT,
			sku TEXT,
			price TEXT,
			compare_at_price TEXT,
			barcode TEXT,
			inventory_quantity INTEGER,
			position INTEGER,
			updated_at TIMESTAMPTZ,

			-- Sync metadata
			sync_hash TEXT,
			last_synced_at TIMESTAMPTZ,
			last_action TEXT,
			last_error TEXT,
			deleted_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_variants_product_id ON variants(product_id);
		CREATE INDEX IF NOT EXISTS idx_products_deleted_at ON products(deleted_at);
		CREATE INDEX IF NOT EXISTS idx_variants_deleted_at ON variants(deleted_at)
	`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create mirror schema: %w", err)
		}
	}
	return nil
}

// LoadRows returns all live (non-tombstoned) mirror rows with their sync
// metadata.
func (s *Store) LoadRows(ctx context.Context) ([]models.MirrorRow, error) {
	products, err := s.loadProducts(ctx, false)
	if err != nil {
		return nil, err
	}
	variants, err := s.loadVariants(ctx, false)
	if err != nil {
		return nil, err
	}
	return append(products, variants...), nil
}

// LoadTombstones returns rows deleted locally but not yet deleted remotely.
func (s *Store) LoadTombstones(ctx context.Context) ([]models.MirrorRow, error) {
	products, err := s.loadProducts(ctx, true)
	if err != nil {
		return nil, err
	}
	variants, err := s.loadVariants(ctx, true)
	if err != nil {
		return nil, err
	}
	return append(products, variants...), nil
}

func (s *Store) loadProducts(ctx context.Context, tombstoned bool) ([]models.MirrorRow, error) {
	cond := "deleted_at IS NULL"
	if tombstoned {
		cond = "deleted_at IS NOT NULL"
	}
	query := `SELECT id, title, description, vendor, product_type, handle, status, tags,
		updated_at, sync_hash, last_synced_at, last_action, last_error
		FROM products WHERE ` + cond

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []models.MirrorRow
	for rows.Next() {
		var (
			p          models.Product
			tags       sql.NullString
			desc       sql.NullString
			updatedAt  sql.NullTime
			syncHash   sql.NullString
			syncedAt   sql.NullTime
			lastAction sql.NullString
			lastError  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Title, &desc, &p.Vendor, &p.ProductType,
			&p.Handle, &p.Status, &tags, &updatedAt,
			&syncHash, &syncedAt, &lastAction, &lastError); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		p.Description = desc.String
		p.Tags = splitTags(tags.String)
		if updatedAt.Valid {
			p.UpdatedAt = updatedAt.Time
		}

		row := models.MirrorRow{Entity: models.NewProductEntity(&p)}
		row.Meta = scannedMeta(syncHash, syncedAt, lastAction, lastError)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return out, nil
}

func (s *Store) loadVariants(ctx context.Context, tombstoned bool) ([]models.MirrorRow, error) {
	cond := "deleted_at IS NULL"
	if tombstoned {
		cond = "deleted_at IS NOT NULL"
	}
	query := `SELECT id, product_id, title, sku, price, compare_at_price, barcode,
		inventory_quantity, position, updated_at,
		sync_hash, last_synced_at, last_action, last_error
		FROM variants WHERE ` + cond

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	var out []models.MirrorRow
	for rows.Next() {
		var (
			v          models.Variant
			comparePr  sql.NullString
			barcode    sql.NullString
			updatedAt  sql.NullTime
			syncHash   sql.NullString
			syncedAt   sql.NullTime
			lastAction sql.NullString
			lastError  sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Title, &v.SKU, &v.Price,
			&comparePr, &barcode, &v.InventoryQuantity, &v.Position, &updatedAt,
			&syncHash, &syncedAt, &lastAction, &lastError); err != nil {
			return nil, fmt.Errorf("scan variant row: %w", err)
		}
		v.CompareAtPrice = comparePr.String
		v.Barcode = barcode.String
		if updatedAt.Valid {
			v.UpdatedAt = updatedAt.Time
		}

		row := models.MirrorRow{Entity: models.NewVariantEntity(&v)}
		row.Meta = scannedMeta(syncHash, syncedAt, lastAction, lastError)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variant rows: %w", err)
	}
	return out, nil
}

func scannedMeta(hash sql.NullString, syncedAt sql.NullTime, action, lastErr sql.NullString) models.SyncMeta {
	meta := models.SyncMeta{
		Hash:       hash.String,
		LastAction: action.String,
		LastError:  lastErr.String,
	}
	if syncedAt.Valid {
		meta.LastSyncedAt = syncedAt.Time
	}
	return meta
}

// UpsertEntity writes an entity's business fields without touching its sync
// metadata. Used by the local editing surface.
func (s *Store) UpsertEntity(ctx context.Context, e models.Entity) error {
	switch e.Type {
	case models.EntityProduct:
		return s.upsertProduct(ctx, e.Product, nil)
	case models.EntityVariant:
		return s.upsertVariant(ctx, e.Variant, nil)
	default:
		return fmt.Errorf("upsert: unknown entity type %q", e.Type)
	}
}

// ImportSnapshot adopts remote-only entities into the mirror. Each imported
// row receives the content hash of its current fields as its baseline, so a
// subsequent diff sees it as unchanged.
func (s *Store) ImportSnapshot(ctx context.Context, entities []models.Entity) (int, error) {
	imported := 0
	now := time.Now().UTC()
	for _, e := range entities {
		hash, err := diff.ComputeHash(e)
		if err != nil {
			return imported, fmt.Errorf("hash imported entity %s: %w", models.EntityKey(e.Type, e.ID()), err)
		}
		meta := &models.SyncMeta{Hash: hash, LastSyncedAt: now, LastAction: "import"}
		switch e.Type {
		case models.EntityProduct:
			err = s.upsertProduct(ctx, e.Product, meta)
		case models.EntityVariant:
			err = s.upsertVariant(ctx, e.Variant, meta)
		default:
			err = fmt.Errorf("unknown entity type %q", e.Type)
		}
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (s *Store) upsertProduct(ctx context.Context, p *models.Product, meta *models.SyncMeta) error {
	if p == nil {
		return errors.New("upsert product: nil payload")
	}
	if meta == nil {
		query := `INSERT INTO products (id, title, description, vendor, product_type, handle, status, tags, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				title = excluded.title, description = excluded.description,
				vendor = excluded.vendor, product_type = excluded.product_type,
				handle = excluded.handle, status = excluded.status,
				tags = excluded.tags, updated_at = excluded.updated_at,
				deleted_at = NULL`
		_, err := s.db.ExecContext(ctx, query, p.ID, p.Title, p.Description,
			p.Vendor, p.ProductType, p.Handle, p.Status, joinTags(p.Tags), p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
		return nil
	}

	query := `INSERT INTO products (id, title, description, vendor, product_type, handle, status, tags, updated_at,
			sync_hash, last_synced_at, last_action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title, description = excluded.description,
			vendor = excluded.vendor, product_type = excluded.product_type,
			handle = excluded.handle, status = excluded.status,
			tags = excluded.tags, updated_at = excluded.updated_at,
			sync_hash = excluded.sync_hash, last_synced_at = excluded.last_synced_at,
			last_action = excluded.last_action, last_error = NULL, deleted_at = NULL`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Title, p.Description,
		p.Vendor, p.ProductType, p.Handle, p.Status, joinTags(p.Tags), p.UpdatedAt,
		meta.Hash, meta.LastSyncedAt, meta.LastAction)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) upsertVariant(ctx context.Context, v *models.Variant, meta *models.SyncMeta) error {
	if v == nil {
		return errors.New("upsert variant: nil payload")
	}
	if meta == nil {
		query := `INSERT INTO variants (id, product_id, title, sku, price, compare_at_price, barcode,
				inventory_quantity, position, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				product_id = excluded.product_id, title = excluded.title,
				sku = excluded.sku, price = excluded.price,
				compare_at_price = excluded.compare_at_price, barcode = excluded.barcode,
				inventory_quantity = excluded.inventory_quantity, position = excluded.position,
				updated_at = excluded.updated_at, deleted_at = NULL`
		_, err := s.db.ExecContext(ctx, query, v.ID, v.ProductID, v.Title, v.SKU,
			v.Price, v.CompareAtPrice, v.Barcode, v.InventoryQuantity, v.Position, v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert variant %s: %w", v.ID, err)
		}
		return nil
	}

	query := `INSERT INTO variants (id, product_id, title, sku, price, compare_at_price, barcode,
			inventory_quantity, position, updated_at, sync_hash, last_synced_at, last_action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			product_id = excluded.product_id, title = excluded.title,
			sku = excluded.sku, price = excluded.price,
			compare_at_price = excluded.compare_at_price, barcode = excluded.barcode,
			inventory_quantity = excluded.inventory_quantity, position = excluded.position,
			updated_at = excluded.updated_at,
			sync_hash = excluded.sync_hash, last_synced_at = excluded.last_synced_at,
			last_action = excluded.last_action, last_error = NULL, deleted_at = NULL`
	_, err := s.db.ExecContext(ctx, query, v.ID, v.ProductID, v.Title, v.SKU,
		v.Price, v.CompareAtPrice, v.Barcode, v.InventoryQuantity, v.Position, v.UpdatedAt,
		meta.Hash, meta.LastSyncedAt, meta.LastAction)
	if err != nil {
		return fmt.Errorf("upsert variant %s: %w", v.ID, err)
	}
	return nil
}

// MarkDeleted tombstones a row so the next diff schedules a remote delete.
func (s *Store) MarkDeleted(ctx context.Context, t models.EntityType, id string) error {
	query := fmt.Sprintf("UPDATE %s SET deleted_at = ? WHERE id = ?", tableFor(t))
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark %s deleted: %w", models.EntityKey(t, id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark deleted: %s not found", models.EntityKey(t, id))
	}
	return nil
}

// CommitSync records a successful create or update: the entity's current
// content hash becomes the new baseline.
func (s *Store) CommitSync(ctx context.Context, e models.Entity, action string) error {
	hash, err := diff.ComputeHash(e)
	if err != nil {
		return fmt.Errorf("hash %s: %w", models.EntityKey(e.Type, e.ID()), err)
	}
	query := fmt.Sprintf(`UPDATE %s SET sync_hash = ?, last_synced_at = ?, last_action = ?, last_error = NULL
		WHERE id = ?`, tableFor(e.Type))
	if _, err := s.db.ExecContext(ctx, query, hash, time.Now().UTC(), action, e.ID()); err != nil {
		return fmt.Errorf("commit sync for %s: %w", models.EntityKey(e.Type, e.ID()), err)
	}
	return nil
}

// CommitDelete purges a tombstoned row after the remote delete succeeded.
func (s *Store) CommitDelete(ctx context.Context, t models.EntityType, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableFor(t))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("commit delete for %s: %w", models.EntityKey(t, id), err)
	}
	return nil
}

// RecordError stores the most recent sync failure message on a row.
func (s *Store) RecordError(ctx context.Context, t models.EntityType, id, message string) error {
	query := fmt.Sprintf("UPDATE %s SET last_error = ? WHERE id = ?", tableFor(t))
	if _, err := s.db.ExecContext(ctx, query, message, id); err != nil {
		return fmt.Errorf("record error for %s: %w", models.EntityKey(t, id), err)
	}
	return nil
}

// Counts returns live row counts per entity type.
func (s *Store) Counts(ctx context.Context) (map[models.EntityType]int64, error) {
	counts := make(map[models.EntityType]int64, 2)
	for _, t := range []models.EntityType{models.EntityProduct, models.EntityVariant} {
		var n int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL", tableFor(t))
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", tableFor(t), err)
		}
		counts[t] = n
	}
	return counts, nil
}

func tableFor(t models.EntityType) string {
	if t == models.EntityVariant {
		return "variants"
	}
	return "products"
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
