// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package diff implements change detection for mirrored catalog records: a
// stable content hash over a fixed per-entity field subset, and the
// classification of records into add/update/delete/unchanged sets.
//
// The hash is computed over a normalized allow-list of business fields.
// Strings are trimmed, arrays sorted, and keys serialized in sorted order, so
// hash equality is insensitive to field insertion order, array order, and
// surrounding whitespace. Identity fields, timestamps, and the reserved sync
// metadata columns never participate.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/syncforge/shopmirror/internal/models"
)

// ComputeHash returns the content hash of an entity's allow-listed business
// fields. Equal logical records always produce equal hashes; any change to an
// allow-listed field produces a different hash.
func ComputeHash(e models.Entity) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}

	var fields map[string]any
	switch e.Type {
	case models.EntityProduct:
		fields = productHashFields(e.Product)
	case models.EntityVariant:
		fields = variantHashFields(e.Variant)
	default:
		return "", fmt.Errorf("unhashable entity type %q", e.Type)
	}

	// Marshaling a map serializes keys in sorted order, which makes the
	// digest independent of field insertion order.
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("serialize hash fields: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// productHashFields is the product allow-list: descriptive fields only.
// The field set is fixed here at compile time; anything not listed can never
// influence the hash.
func productHashFields(p *models.Product) map[string]any {
	return map[string]any{
		"title":        strings.TrimSpace(p.Title),
		"description":  strings.TrimSpace(p.Description),
		"vendor":       strings.TrimSpace(p.Vendor),
		"product_type": strings.TrimSpace(p.ProductType),
		"handle":       strings.TrimSpace(p.Handle),
		"status":       strings.TrimSpace(p.Status),
		"tags":         normalizeTags(p.Tags),
	}
}

// variantHashFields is the variant allow-list: price, inventory, and
// SKU-type fields in addition to the title.
func variantHashFields(v *models.Variant) map[string]any {
	return map[string]any{
		"title":              strings.TrimSpace(v.Title),
		"sku":                strings.TrimSpace(v.SKU),
		"price":              strings.TrimSpace(v.Price),
		"compare_at_price":   strings.TrimSpace(v.CompareAtPrice),
		"barcode":            strings.TrimSpace(v.Barcode),
		"inventory_quantity": v.InventoryQuantity,
	}
}

// normalizeTags trims, drops empties, and sorts so tag order never affects
// the hash.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
