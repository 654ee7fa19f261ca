// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package remote

import (
	"errors"
	"fmt"
	"time"
)

// The error taxonomy for remote catalog operations. RetryManager classifies
// sync failures by matching against these types:
//
//   - NetworkError:   retryable (transient transport failure)
//   - ThrottledError: retryable, honoring the server's Retry-After hint
//   - ValidationError: fatal for the item, session continues
//   - NotFoundError:  skip with warning, session continues
//   - QuotaError:     fatal for the session once the retry budget is spent

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ThrottledError signals an HTTP 429 from the remote catalog.
type ThrottledError struct {
	// RetryAfter is the server-suggested wait, zero when the server gave
	// no hint.
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled by remote catalog, retry after %s", e.RetryAfter)
	}
	return "throttled by remote catalog"
}

// ValidationError marks a record the remote (or local pre-flight validation)
// rejected as malformed. Fatal for the item; the session continues.
type ValidationError struct {
	EntityKey string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.EntityKey, e.Reason)
}

// NotFoundError marks a permanently missing remote resource. The item is
// skipped with a warning; the session continues.
type NotFoundError struct {
	EntityKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote resource not found: %s", e.EntityKey)
}

// QuotaError signals the remote account's call quota is exhausted. Fatal for
// the session once the retry budget is spent.
type QuotaError struct {
	Detail string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("remote quota exceeded: %s", e.Detail)
}

// AuthError signals rejected credentials. Aborts the session immediately.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote rejected credentials (HTTP %d)", e.Status)
}

// IsThrottled reports whether err is (or wraps) a ThrottledError and returns
// the server's wait hint.
func IsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}
