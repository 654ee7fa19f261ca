// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package remote implements the rate-limited HTTP client for the remote
// catalog API, the typed error taxonomy for its failures, and the circuit
// breaker layered on top of it.
//
// The client performs exactly one attempt per call and surfaces failures as
// typed errors; retry policy lives in internal/retry, which owns backoff and
// attempt accounting. What the client does own is pacing: a token-bucket
// limiter enforces the minimum inter-request interval, and consecutive
// throttling responses stretch that interval exponentially until the remote
// stops pushing back.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/models"
)

// maxErrorBodySize caps how much of an error response body is read back for
// diagnostics.
const maxErrorBodySize = 16 * 1024

// maxCoolDownInterval caps the stretched inter-request interval under
// sustained throttling.
const maxCoolDownInterval = time.Minute

// Client talks to the remote catalog API. All outbound calls pass through a
// shared token-bucket limiter, so requests are serialized with at least the
// configured minimum spacing between them.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	pageSize   int

	limiter      *rate.Limiter
	baseInterval time.Duration

	// throttleStreak counts consecutive 429 responses; each one doubles the
	// effective request interval until a call succeeds. Guarded by mu.
	mu             sync.Mutex
	throttleStreak int
}

// NewClient builds a catalog client from configuration. The access token may
// be overridden later via SetToken when credentials come from the
// collaborator hook.
func NewClient(cfg *config.RemoteConfig) *Client {
	interval := cfg.MinRequestInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.AccessToken,
		pageSize:     cfg.PageSize,
		baseInterval: interval,
		limiter:      rate.NewLimiter(rate.Every(interval), 1),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetToken replaces the access token, typically with one obtained from the
// credential hook at session start.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Ping verifies connectivity and credentials with a minimal read.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"limit": {"1"}}
	var page productsPage
	_, err := c.do(ctx, http.MethodGet, "/products.json", q, nil, &page)
	return err
}

// FetchSnapshot pages through the product list, following the Link header
// cursor, and flattens embedded variants.
func (c *Client) FetchSnapshot(ctx context.Context) ([]models.Product, []models.Variant, error) {
	var (
		products []models.Product
		variants []models.Variant
		pageInfo string
	)

	for {
		q := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
		if pageInfo != "" {
			q.Set("page_info", pageInfo)
		}

		var page productsPage
		header, err := c.do(ctx, http.MethodGet, "/products.json", q, nil, &page)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch catalog page: %w", err)
		}

		for _, wp := range page.Products {
			products = append(products, wp.Product)
			variants = append(variants, wp.Variants...)
		}

		pageInfo = nextPageInfo(header.Get("Link"))
		if pageInfo == "" {
			break
		}
	}

	logging.Debug().
		Int("products", len(products)).
		Int("variants", len(variants)).
		Msg("remote snapshot fetched")
	return products, variants, nil
}

// CreateProduct creates a product and returns the remote's canonical copy.
func (c *Client) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	var out productEnvelope
	_, err := c.do(ctx, http.MethodPost, "/products.json", nil, productEnvelope{Product: *p}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Product, nil
}

// UpdateProduct updates a product in place.
func (c *Client) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	var out productEnvelope
	path := "/products/" + url.PathEscape(p.ID) + ".json"
	_, err := c.do(ctx, http.MethodPut, path, nil, productEnvelope{Product: *p}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Product, nil
}

// DeleteProduct removes a product.
func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	path := "/products/" + url.PathEscape(id) + ".json"
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	return err
}

// CreateVariant creates a variant under its parent product.
func (c *Client) CreateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	var out variantEnvelope
	path := "/products/" + url.PathEscape(v.ProductID) + "/variants.json"
	_, err := c.do(ctx, http.MethodPost, path, nil, variantEnvelope{Variant: *v}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Variant, nil
}

// UpdateVariant updates a single variant.
func (c *Client) UpdateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	var out variantEnvelope
	path := "/variants/" + url.PathEscape(v.ID) + ".json"
	_, err := c.do(ctx, http.MethodPut, path, nil, variantEnvelope{Variant: *v}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Variant, nil
}

// DeleteVariant removes a variant.
func (c *Client) DeleteVariant(ctx context.Context, id string) error {
	path := "/variants/" + url.PathEscape(id) + ".json"
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	return err
}

// BulkUpdateVariants updates several variants of one parent in a single call,
// replacing what would otherwise be one call per variant.
func (c *Client) BulkUpdateVariants(ctx context.Context, productID string, variants []models.Variant) error {
	path := "/products/" + url.PathEscape(productID) + "/variants/bulk.json"
	_, err := c.do(ctx, http.MethodPut, path, nil, bulkVariantsEnvelope{Variants: variants}, nil)
	return err
}

// do executes one paced request and maps the response onto the error
// taxonomy. It never retries; callers own retry policy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result interface{}) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Catalog-Access-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequests.WithLabelValues(method, "transport_error").Inc()
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	metrics.APIRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if err := c.checkStatus(resp, method, path); err != nil {
		return nil, err
	}
	c.noteSuccess()

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return nil, fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}

	return resp.Header, nil
}

// checkStatus maps non-success status codes onto the error taxonomy.
func (c *Client) checkStatus(resp *http.Response, method, path string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ThrottleEvents.Inc()
		c.noteThrottle()
		return &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}

	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{EntityKey: method + " " + path}

	case resp.StatusCode == http.StatusPaymentRequired:
		return &QuotaError{Detail: string(readErrorBody(resp.Body))}

	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return &ValidationError{EntityKey: path, Reason: string(readErrorBody(resp.Body))}

	default:
		return &NetworkError{
			Op:  method + " " + path,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readErrorBody(resp.Body)),
		}
	}
}

// noteThrottle stretches the inter-request interval exponentially. Each
// consecutive 429 doubles the spacing, capped at maxCoolDownInterval.
func (c *Client) noteThrottle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttleStreak++
	interval := c.baseInterval << uint(c.throttleStreak)
	if interval > maxCoolDownInterval || interval <= 0 {
		interval = maxCoolDownInterval
	}
	c.limiter.SetLimit(rate.Every(interval))
	logging.Warn().
		Dur("interval", interval).
		Int("streak", c.throttleStreak).
		Msg("remote throttling, cooling down request rate")
}

// noteSuccess restores the base request interval after a successful call.
func (c *Client) noteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.throttleStreak == 0 {
		return
	}
	c.throttleStreak = 0
	c.limiter.SetLimit(rate.Every(c.baseInterval))
	logging.Debug().Dur("interval", c.baseInterval).Msg("request rate restored")
}

// parseRetryAfter reads a Retry-After header given in integer seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// readErrorBody reads at most maxErrorBodySize bytes of an error response.
func readErrorBody(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}
