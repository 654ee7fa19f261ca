// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EntityType discriminates the Entity union.
type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityVariant EntityType = "variant"
)

// Product is a top-level catalog record.
type Product struct {
	ID          string   `json:"id" validate:"required"`
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Vendor      string   `json:"vendor"`
	ProductType string   `json:"product_type"`
	Handle      string   `json:"handle"`
	Status      string   `json:"status" validate:"omitempty,oneof=active draft archived"`
	Tags        []string `json:"tags"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Variant is a sellable variation of a Product.
type Variant struct {
	ID                string    `json:"id" validate:"required"`
	ProductID         string    `json:"product_id" validate:"required"`
	Title             string    `json:"title"`
	SKU               string    `json:"sku" validate:"required"`
	Price             string    `json:"price" validate:"required,numeric"`
	CompareAtPrice    string    `json:"compare_at_price" validate:"omitempty,numeric"`
	Barcode           string    `json:"barcode"`
	InventoryQuantity int       `json:"inventory_quantity" validate:"gte=0"`
	Position          int       `json:"position"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Entity is the tagged union over catalog record kinds. Exactly one of
// Product or Variant is non-nil, matching Type.
type Entity struct {
	Type    EntityType `json:"type"`
	Product *Product   `json:"product,omitempty"`
	Variant *Variant   `json:"variant,omitempty"`
}

// NewProductEntity wraps a Product in the union.
func NewProductEntity(p *Product) Entity {
	return Entity{Type: EntityProduct, Product: p}
}

// NewVariantEntity wraps a Variant in the union.
func NewVariantEntity(v *Variant) Entity {
	return Entity{Type: EntityVariant, Variant: v}
}

// ID returns the entity's own identifier.
func (e Entity) ID() string {
	switch e.Type {
	case EntityProduct:
		if e.Product != nil {
			return e.Product.ID
		}
	case EntityVariant:
		if e.Variant != nil {
			return e.Variant.ID
		}
	}
	return ""
}

// ParentID returns the owning product ID for variants, empty otherwise.
func (e Entity) ParentID() string {
	if e.Type == EntityVariant && e.Variant != nil {
		return e.Variant.ProductID
	}
	return ""
}

// Validate checks the union is well formed.
func (e Entity) Validate() error {
	switch e.Type {
	case EntityProduct:
		if e.Product == nil {
			return fmt.Errorf("entity tagged %s has no product payload", e.Type)
		}
	case EntityVariant:
		if e.Variant == nil {
			return fmt.Errorf("entity tagged %s has no variant payload", e.Type)
		}
	default:
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateFields checks the union shape and the payload's field constraints.
// Called before an entity is queued for a remote write, so malformed records
// fail locally instead of burning an API call on a guaranteed rejection.
func (e Entity) ValidateFields() error {
	if err := e.Validate(); err != nil {
		return err
	}
	switch e.Type {
	case EntityProduct:
		if err := validate.Struct(e.Product); err != nil {
			return fmt.Errorf("product %s: %w", e.Product.ID, err)
		}
	case EntityVariant:
		if err := validate.Struct(e.Variant); err != nil {
			return fmt.Errorf("variant %s: %w", e.Variant.ID, err)
		}
	}
	return nil
}

// SyncMeta is the per-record sync bookkeeping stored alongside, but
// structurally separate from, the business fields. It maps to the reserved
// mirror columns and never participates in content hashing.
type SyncMeta struct {
	Hash         string    `json:"hash"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastAction   string    `json:"last_action"`
	LastError    string    `json:"last_error"`
}

// MirrorRow pairs a mirrored entity with its sync metadata.
type MirrorRow struct {
	Entity Entity   `json:"entity"`
	Meta   SyncMeta `json:"meta"`
}

// Key returns the (entityType, id) uniqueness key for a mirrored row.
func (r MirrorRow) Key() string {
	return EntityKey(r.Entity.Type, r.Entity.ID())
}

// EntityKey builds the canonical (entityType, id) key used by the queue, the
// retry store, and the mirror.
func EntityKey(t EntityType, id string) string {
	return string(t) + ":" + id
}
