// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package remote

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/models"
)

// BreakerClient wraps a Catalog with a circuit breaker so a flapping remote
// fails fast instead of burning the session's time budget on doomed calls.
//
// Throttling and per-item rejections (validation, not-found) are expected
// operating conditions, not remote outages; they are reported to the breaker
// as successes so only genuine transport and server failures can trip it.
type BreakerClient struct {
	inner Catalog
	cb    *gobreaker.CircuitBreaker[any]
}

// breakerName labels breaker metrics and log lines.
const breakerName = "catalog-api"

// NewBreakerClient wraps inner with a circuit breaker. The breaker opens
// after a 60% failure rate across at least 10 calls, stays open for two
// minutes, then probes with up to 3 half-open requests.
func NewBreakerClient(inner Catalog) *BreakerClient {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Item-scoped rejections and throttling do not indicate an
			// unavailable remote.
			var ve *ValidationError
			var nf *NotFoundError
			var te *ThrottledError
			return errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &te)
		},
	})

	return &BreakerClient{inner: inner, cb: cb}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("catalog circuit breaker open")

// execute runs fn through the breaker, normalizing gobreaker's open-state
// errors into ErrCircuitOpen wrapped as a NetworkError (retryable).
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &NetworkError{Op: "circuit breaker", Err: ErrCircuitOpen}
	}
	return out, err
}

// SetToken forwards a refreshed access token to the wrapped client.
func (b *BreakerClient) SetToken(token string) {
	if tc, ok := b.inner.(interface{ SetToken(string) }); ok {
		tc.SetToken(token)
	}
}

// Ping verifies connectivity through the breaker.
func (b *BreakerClient) Ping(ctx context.Context) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.Ping(ctx)
	})
	return err
}

// FetchSnapshot reads the remote catalog through the breaker.
func (b *BreakerClient) FetchSnapshot(ctx context.Context) ([]models.Product, []models.Variant, error) {
	type snapshot struct {
		products []models.Product
		variants []models.Variant
	}
	out, err := b.execute(func() (any, error) {
		p, v, err := b.inner.FetchSnapshot(ctx)
		return snapshot{products: p, variants: v}, err
	})
	if err != nil {
		return nil, nil, err
	}
	snap := out.(snapshot)
	return snap.products, snap.variants, nil
}

// CreateProduct creates a product through the breaker.
func (b *BreakerClient) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	out, err := b.execute(func() (any, error) {
		return b.inner.CreateProduct(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.Product), nil
}

// UpdateProduct updates a product through the breaker.
func (b *BreakerClient) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	out, err := b.execute(func() (any, error) {
		return b.inner.UpdateProduct(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.Product), nil
}

// DeleteProduct deletes a product through the breaker.
func (b *BreakerClient) DeleteProduct(ctx context.Context, id string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.DeleteProduct(ctx, id)
	})
	return err
}

// CreateVariant creates a variant through the breaker.
func (b *BreakerClient) CreateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	out, err := b.execute(func() (any, error) {
		return b.inner.CreateVariant(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.Variant), nil
}

// UpdateVariant updates a variant through the breaker.
func (b *BreakerClient) UpdateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	out, err := b.execute(func() (any, error) {
		return b.inner.UpdateVariant(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.Variant), nil
}

// DeleteVariant deletes a variant through the breaker.
func (b *BreakerClient) DeleteVariant(ctx context.Context, id string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.DeleteVariant(ctx, id)
	})
	return err
}

// BulkUpdateVariants issues a bulk variant update through the breaker.
func (b *BreakerClient) BulkUpdateVariants(ctx context.Context, productID string, variants []models.Variant) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.BulkUpdateVariants(ctx, productID, variants)
	})
	return err
}
