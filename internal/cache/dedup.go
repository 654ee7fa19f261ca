// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package cache provides the short-lived deduplication cache that suppresses
// repeated identical write calls against the remote catalog within one run.
package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/syncforge/shopmirror/internal/metrics"
)

// entry records when a request signature was last dispatched.
type entry struct {
	seenAt    time.Time
	expiresAt time.Time
}

// Dedup is a thread-safe TTL cache over request signatures. A signature that
// was seen within its TTL marks the request as a duplicate that must not be
// re-sent.
type Dedup struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	stats   Stats
}

// Stats tracks dedup cache behavior for reporting.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	TotalKeys int64
}

// NewDedup creates a dedup cache whose signatures expire after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		entries: make(map[string]entry),
		ttl:     ttl,
	}
}

// Signature builds the canonical request signature from the HTTP method, the
// endpoint path, and the serialized payload. Identical logical requests
// always produce identical signatures.
func Signature(method, endpoint string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s:%s:%v", method, endpoint, payload)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s:%x", method, endpoint, sum[:16])
}

// Seen reports whether the signature was recorded within its TTL. Expired
// entries are removed on access.
func (d *Dedup) Seen(sig string) bool {
	d.mu.RLock()
	e, ok := d.entries[sig]
	d.mu.RUnlock()

	if !ok {
		d.recordMiss()
		return false
	}
	if time.Now().After(e.expiresAt) {
		d.mu.Lock()
		delete(d.entries, sig)
		d.mu.Unlock()
		d.recordEviction()
		d.recordMiss()
		return false
	}
	d.recordHit()
	metrics.DedupHits.Inc()
	return true
}

// Record marks a signature as dispatched now.
func (d *Dedup) Record(sig string) {
	now := time.Now()
	d.mu.Lock()
	d.entries[sig] = entry{seenAt: now, expiresAt: now.Add(d.ttl)}
	d.stats.TotalKeys = int64(len(d.entries))
	d.mu.Unlock()
}

// Forget removes a signature, re-enabling the request. Used when a
// deduplicated call later turns out to have failed remotely.
func (d *Dedup) Forget(sig string) {
	d.mu.Lock()
	delete(d.entries, sig)
	d.mu.Unlock()
	d.recordEviction()
}

// Clear drops all recorded signatures.
func (d *Dedup) Clear() {
	d.mu.Lock()
	evicted := int64(len(d.entries))
	d.entries = make(map[string]entry)
	d.stats.Evictions += evicted
	d.stats.TotalKeys = 0
	d.mu.Unlock()
}

// Cleanup removes expired signatures and returns how many were evicted.
func (d *Dedup) Cleanup() int {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	for sig, e := range d.entries {
		if now.After(e.expiresAt) {
			delete(d.entries, sig)
			evicted++
		}
	}
	d.stats.Evictions += int64(evicted)
	d.stats.TotalKeys = int64(len(d.entries))
	return evicted
}

// GetStats returns a copy of the current counters.
func (d *Dedup) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.stats
	s.TotalKeys = int64(len(d.entries))
	return s
}

// HitRate returns the hit percentage across all lookups.
func (d *Dedup) HitRate() float64 {
	s := d.GetStats()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

func (d *Dedup) recordHit() {
	d.mu.Lock()
	d.stats.Hits++
	d.mu.Unlock()
}

func (d *Dedup) recordMiss() {
	d.mu.Lock()
	d.stats.Misses++
	d.mu.Unlock()
}

func (d *Dedup) recordEviction() {
	d.mu.Lock()
	d.stats.Evictions++
	d.mu.Unlock()
}
