// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/syncforge/shopmirror/internal/models"
)

// flakyCatalog fails every call with the configured error until healed.
type flakyCatalog struct {
	err   error
	calls int
}

func (f *flakyCatalog) Ping(ctx context.Context) error {
	f.calls++
	return f.err
}

func (f *flakyCatalog) FetchSnapshot(ctx context.Context) ([]models.Product, []models.Variant, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return []models.Product{{ID: "p1", Title: "One"}}, nil, nil
}

func (f *flakyCatalog) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return p, nil
}

func (f *flakyCatalog) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return p, nil
}

func (f *flakyCatalog) DeleteProduct(ctx context.Context, id string) error {
	f.calls++
	return f.err
}

func (f *flakyCatalog) CreateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return v, nil
}

func (f *flakyCatalog) UpdateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return v, nil
}

func (f *flakyCatalog) DeleteVariant(ctx context.Context, id string) error {
	f.calls++
	return f.err
}

func (f *flakyCatalog) BulkUpdateVariants(ctx context.Context, productID string, variants []models.Variant) error {
	f.calls++
	return f.err
}

func TestBreakerOpensOnNetworkFailures(t *testing.T) {
	inner := &flakyCatalog{err: &NetworkError{Op: "GET /products.json", Err: errors.New("connection reset")}}
	bc := NewBreakerClient(inner)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := bc.Ping(ctx); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	calls := inner.calls
	err := bc.Ping(ctx)
	var ne *NetworkError
	if !errors.As(err, &ne) || !errors.Is(ne.Err, ErrCircuitOpen) {
		t.Fatalf("want open-circuit NetworkError, got %v", err)
	}
	if inner.calls != calls {
		t.Errorf("inner called while circuit open: %d extra calls", inner.calls-calls)
	}
}

func TestBreakerIgnoresItemScopedErrors(t *testing.T) {
	inner := &flakyCatalog{err: &ValidationError{EntityKey: "product:p1", Reason: "title too long"}}
	bc := NewBreakerClient(inner)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		err := bc.Ping(ctx)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("call %d: want ValidationError, got %v", i, err)
		}
	}
	if inner.calls != 20 {
		t.Errorf("inner calls = %d, want 20; circuit must stay closed", inner.calls)
	}
}

func TestBreakerIgnoresThrottling(t *testing.T) {
	inner := &flakyCatalog{err: &ThrottledError{}}
	bc := NewBreakerClient(inner)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, ok := IsThrottled(bc.Ping(ctx)); !ok {
			t.Fatalf("call %d: want throttled", i)
		}
	}
	if inner.calls != 20 {
		t.Errorf("inner calls = %d, want 20", inner.calls)
	}
}

func TestBreakerPassThrough(t *testing.T) {
	inner := &flakyCatalog{}
	bc := NewBreakerClient(inner)
	ctx := context.Background()

	products, _, err := bc.FetchSnapshot(ctx)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if len(products) != 1 || products[0].ID != "p1" {
		t.Errorf("snapshot = %+v", products)
	}

	out, err := bc.UpdateProduct(ctx, &models.Product{ID: "p1", Title: "One"})
	if err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if out.ID != "p1" {
		t.Errorf("update result = %+v", out)
	}
}
