// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package remote

import (
	"context"
	"regexp"

	"github.com/syncforge/shopmirror/internal/models"
)

// Catalog is the surface of the remote catalog API the sync engine consumes.
// Implemented by Client for production and by BreakerClient when circuit
// breaker protection is layered on top. Mocks implement it in tests.
type Catalog interface {
	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error

	// FetchSnapshot reads the full remote catalog through paginated list
	// calls, returning products and their flattened variants.
	FetchSnapshot(ctx context.Context) ([]models.Product, []models.Variant, error)

	CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error)
	UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	CreateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error)
	UpdateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error)
	DeleteVariant(ctx context.Context, id string) error

	// BulkUpdateVariants updates several variants of one parent product in a
	// single call.
	BulkUpdateVariants(ctx context.Context, productID string, variants []models.Variant) error
}

// Wire envelopes. The remote API nests each record under a singular or plural
// resource key, with variants embedded in product list responses.

type wireProduct struct {
	models.Product
	Variants []models.Variant `json:"variants,omitempty"`
}

type productsPage struct {
	Products []wireProduct `json:"products"`
}

type productEnvelope struct {
	Product models.Product `json:"product"`
}

type variantEnvelope struct {
	Variant models.Variant `json:"variant"`
}

type bulkVariantsEnvelope struct {
	Variants []models.Variant `json:"variants"`
}

// linkNextRe extracts the page_info cursor from a Link header of the form
// <https://host/path?page_info=abc&limit=250>; rel="next".
var linkNextRe = regexp.MustCompile(`<[^>]*[?&]page_info=([^&>]+)[^>]*>;\s*rel="next"`)

// nextPageInfo parses the cursor for the next page out of a Link header.
// Returns empty when there is no next page.
func nextPageInfo(linkHeader string) string {
	m := linkNextRe.FindStringSubmatch(linkHeader)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}
