// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package batch groups sync items into operation-sized batches and executes
// them against the remote catalog. Variant updates sharing a parent product
// fold into a single bulk call, and a short-lived dedup cache suppresses
// repeated identical requests. Failures are isolated per item so one bad
// record never sinks its batch.
package batch

import (
	"context"
	"fmt"

	"github.com/syncforge/shopmirror/internal/cache"
	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/models"
	"github.com/syncforge/shopmirror/internal/remote"
)

// Result is the outcome of dispatching one sync item.
type Result struct {
	Item models.SyncItem
	// Err is nil on success and on deduplicated skips.
	Err error
	// Deduplicated marks items suppressed by the dedup cache.
	Deduplicated bool
	// Canonical is the record as the remote returned it, when the call
	// produced one. Creates in particular may carry server-assigned
	// fields.
	Canonical *models.Entity
}

// Processor executes batches against the remote catalog.
type Processor struct {
	client remote.Catalog
	dedup  *cache.Dedup
	cfg    *config.SyncConfig
	dryRun bool
}

// NewProcessor builds a Processor. The dedup cache may be shared across
// processors within one run.
func NewProcessor(client remote.Catalog, dedup *cache.Dedup, cfg *config.SyncConfig) *Processor {
	return &Processor{
		client: client,
		dedup:  dedup,
		cfg:    cfg,
		dryRun: cfg.DryRun,
	}
}

// BatchSize returns the configured batch size for an operation. Deletes
// tolerate the largest batches, updates the smallest.
func (p *Processor) BatchSize(op models.Operation) int {
	switch op {
	case models.OpCreate:
		return p.cfg.CreateBatchSize
	case models.OpDelete:
		return p.cfg.DeleteBatchSize
	default:
		return p.cfg.UpdateBatchSize
	}
}

// CreateBatches splits items into homogeneous per-operation batches, sized
// by operation, preserving the incoming priority order.
func (p *Processor) CreateBatches(items []models.SyncItem) [][]models.SyncItem {
	var batches [][]models.SyncItem
	var current []models.SyncItem
	for _, item := range items {
		if len(current) > 0 &&
			(current[0].Operation != item.Operation || len(current) >= p.BatchSize(current[0].Operation)) {
			batches = append(batches, current)
			current = nil
		}
		current = append(current, item)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Execute dispatches one batch and returns a result per item. Variant
// updates with a common parent product are folded into single bulk calls
// before individual dispatch.
func (p *Processor) Execute(ctx context.Context, items []models.SyncItem) []Result {
	results := make([]Result, 0, len(items))

	folded, rest := p.foldVariantUpdates(items)
	for _, group := range folded {
		results = append(results, p.executeBulk(ctx, group)...)
	}
	for _, item := range rest {
		results = append(results, p.executeOne(ctx, item))
	}
	return results
}

// foldVariantUpdates extracts groups of two or more variant updates sharing
// a parent product. Remaining items dispatch individually.
func (p *Processor) foldVariantUpdates(items []models.SyncItem) (map[string][]models.SyncItem, []models.SyncItem) {
	byParent := make(map[string][]models.SyncItem)
	for _, item := range items {
		if item.EntityType == models.EntityVariant &&
			item.Operation == models.OpUpdate &&
			item.Entity.Variant != nil {
			pid := item.Entity.Variant.ProductID
			byParent[pid] = append(byParent[pid], item)
		}
	}

	folded := make(map[string][]models.SyncItem)
	for pid, group := range byParent {
		if len(group) >= 2 {
			folded[pid] = group
		}
	}

	var rest []models.SyncItem
	for _, item := range items {
		if item.EntityType == models.EntityVariant &&
			item.Operation == models.OpUpdate &&
			item.Entity.Variant != nil {
			if _, ok := folded[item.Entity.Variant.ProductID]; ok {
				continue
			}
		}
		rest = append(rest, item)
	}
	return folded, rest
}

// executeBulk sends one bulk variant update for a folded group. The bulk
// call succeeds or fails as a unit; its outcome is fanned back out to every
// member.
func (p *Processor) executeBulk(ctx context.Context, group []models.SyncItem) []Result {
	productID := group[0].Entity.Variant.ProductID
	variants := make([]models.Variant, 0, len(group))
	for _, item := range group {
		variants = append(variants, *item.Entity.Variant)
	}

	sig := cache.Signature("PUT", "/products/"+productID+"/variants/bulk.json", variants)
	if p.dedup.Seen(sig) {
		return fanOut(group, nil, true)
	}

	metrics.BulkFolds.Inc()
	logging.Debug().
		Str("product_id", productID).
		Int("variants", len(variants)).
		Msg("Folding variant updates into bulk call")

	if p.dryRun {
		return fanOut(group, nil, false)
	}
	err := p.client.BulkUpdateVariants(ctx, productID, variants)
	if err == nil {
		p.dedup.Record(sig)
	}
	return fanOut(group, err, false)
}

func fanOut(group []models.SyncItem, err error, deduplicated bool) []Result {
	results := make([]Result, len(group))
	for i, item := range group {
		results[i] = Result{Item: item, Err: err, Deduplicated: deduplicated}
	}
	return results
}

// executeOne dispatches a single item.
func (p *Processor) executeOne(ctx context.Context, item models.SyncItem) Result {
	method, endpoint, payload := requestShape(item)
	sig := cache.Signature(method, endpoint, payload)
	if p.dedup.Seen(sig) {
		return Result{Item: item, Deduplicated: true}
	}
	if p.dryRun {
		return Result{Item: item}
	}

	canonical, err := p.dispatch(ctx, item)
	if err == nil {
		p.dedup.Record(sig)
	}
	return Result{Item: item, Err: err, Canonical: canonical}
}

// requestShape describes the remote call an item produces, for dedup
// signatures.
func requestShape(item models.SyncItem) (method, endpoint string, payload any) {
	isVariant := item.EntityType == models.EntityVariant
	switch item.Operation {
	case models.OpCreate:
		if isVariant {
			return "POST", "/products/" + item.Entity.ParentID() + "/variants.json", item.Entity
		}
		return "POST", "/products.json", item.Entity
	case models.OpDelete:
		if isVariant {
			return "DELETE", "/variants/" + item.ID + ".json", nil
		}
		return "DELETE", "/products/" + item.ID + ".json", nil
	default:
		if isVariant {
			return "PUT", "/variants/" + item.ID + ".json", item.Entity
		}
		return "PUT", "/products/" + item.ID + ".json", item.Entity
	}
}

func (p *Processor) dispatch(ctx context.Context, item models.SyncItem) (*models.Entity, error) {
	switch {
	case item.EntityType == models.EntityProduct && item.Operation == models.OpCreate:
		if item.Entity.Product == nil {
			return nil, fmt.Errorf("create product %s: missing payload", item.ID)
		}
		created, err := p.client.CreateProduct(ctx, item.Entity.Product)
		return productEntity(created), err
	case item.EntityType == models.EntityProduct && item.Operation == models.OpUpdate:
		if item.Entity.Product == nil {
			return nil, fmt.Errorf("update product %s: missing payload", item.ID)
		}
		updated, err := p.client.UpdateProduct(ctx, item.Entity.Product)
		return productEntity(updated), err
	case item.EntityType == models.EntityProduct && item.Operation == models.OpDelete:
		return nil, p.client.DeleteProduct(ctx, item.ID)
	case item.EntityType == models.EntityVariant && item.Operation == models.OpCreate:
		if item.Entity.Variant == nil {
			return nil, fmt.Errorf("create variant %s: missing payload", item.ID)
		}
		created, err := p.client.CreateVariant(ctx, item.Entity.Variant)
		return variantEntity(created), err
	case item.EntityType == models.EntityVariant && item.Operation == models.OpUpdate:
		if item.Entity.Variant == nil {
			return nil, fmt.Errorf("update variant %s: missing payload", item.ID)
		}
		updated, err := p.client.UpdateVariant(ctx, item.Entity.Variant)
		return variantEntity(updated), err
	case item.EntityType == models.EntityVariant && item.Operation == models.OpDelete:
		return nil, p.client.DeleteVariant(ctx, item.ID)
	default:
		return nil, fmt.Errorf("dispatch: unsupported item %s %s", item.EntityType, item.Operation)
	}
}

func productEntity(p *models.Product) *models.Entity {
	if p == nil {
		return nil
	}
	e := models.NewProductEntity(p)
	return &e
}

func variantEntity(v *models.Variant) *models.Entity {
	if v == nil {
		return nil
	}
	e := models.NewVariantEntity(v)
	return &e
}
