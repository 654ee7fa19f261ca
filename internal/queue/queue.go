// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package queue implements the priority queue that orders pending sync items.
//
// Each item receives a numeric score composed of a large per-tier offset and
// a monotonic insertion sequence, so items within one tier dequeue in FIFO
// order while any critical item always outranks every lower tier. Aged items
// are promoted one tier at a time to prevent starvation. The queue state
// serializes to a Snapshot so it can be persisted between invocations.
package queue

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/models"
)

// Per-tier score offsets. The gap between tiers is far larger than any
// realistic insertion sequence, so tier always dominates ordering.
const (
	offsetCritical int64 = 3 << 40
	offsetHigh     int64 = 2 << 40
	offsetNormal   int64 = 1 << 40
	offsetLow      int64 = 0
)

func tierOffset(p models.Priority) int64 {
	switch p {
	case models.PriorityCritical:
		return offsetCritical
	case models.PriorityHigh:
		return offsetHigh
	case models.PriorityLow:
		return offsetLow
	default:
		return offsetNormal
	}
}

// promote returns the next tier up; critical stays critical.
func promote(p models.Priority) models.Priority {
	switch p {
	case models.PriorityLow:
		return models.PriorityNormal
	case models.PriorityNormal:
		return models.PriorityHigh
	default:
		return models.PriorityCritical
	}
}

// entry is one queued item plus its insertion sequence.
type entry struct {
	Item models.SyncItem `json:"item"`
	Seq  uint64          `json:"seq"`

	index int
}

// score combines tier and insertion order: higher dequeues first, and within
// one tier an earlier sequence yields a higher score.
func (e *entry) score() int64 {
	return tierOffset(e.Item.Priority) - int64(e.Seq)
}

// Queue is the priority queue over pending sync items. Items are unique by
// (entityType, id); re-adding a key replaces the queued payload but keeps the
// original insertion sequence so the item does not lose its place.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	byKey   map[string]*entry
	nextSeq uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{byKey: make(map[string]*entry)}
}

// Add enqueues items, scoring each from its priority tier and insertion
// order. An item whose key is already queued replaces the queued payload in
// place.
func (q *Queue) Add(items ...models.SyncItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range items {
		if item.Priority == "" {
			item.Priority = models.PriorityNormal
		}
		if item.EnqueuedAt.IsZero() {
			item.EnqueuedAt = time.Now().UTC()
		}

		key := item.Key()
		if existing, ok := q.byKey[key]; ok {
			existing.Item = item
			existing.Item.PriorityScore = existing.score()
			heap.Fix(&q.heap, existing.index)
			continue
		}

		e := &entry{Item: item, Seq: q.nextSeq}
		q.nextSeq++
		e.Item.PriorityScore = e.score()
		q.byKey[key] = e
		heap.Push(&q.heap, e)
	}
	q.publishDepth()
}

// GetNext removes and returns the highest-priority item, or nil when the
// queue is empty.
func (q *Queue) GetNext() *models.SyncItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byKey, e.Item.Key())
	q.publishDepth()
	item := e.Item
	return &item
}

// GetBatch removes and returns up to n items in priority order.
func (q *Queue) GetBatch(n int) []models.SyncItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.heap.Len() {
		n = q.heap.Len()
	}
	out := make([]models.SyncItem, 0, n)
	for i := 0; i < n; i++ {
		e := heap.Pop(&q.heap).(*entry)
		delete(q.byKey, e.Item.Key())
		out = append(out, e.Item)
	}
	q.publishDepth()
	return out
}

// SetPriority changes the tier of a queued item. Unknown keys are a no-op
// returning false.
func (q *Queue) SetPriority(entityType models.EntityType, id string, p models.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byKey[models.EntityKey(entityType, id)]
	if !ok {
		return false
	}
	e.Item.Priority = p
	e.Item.PriorityScore = e.score()
	heap.Fix(&q.heap, e.index)
	q.publishDepth()
	return true
}

// PromoteAged raises items that have waited longer than maxAge by one tier.
// Returns the number of promoted items. Critical is the ceiling.
func (q *Queue) PromoteAged(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	promoted := 0
	for _, e := range q.byKey {
		if e.Item.Priority == models.PriorityCritical {
			continue
		}
		if e.Item.EnqueuedAt.After(cutoff) {
			continue
		}
		e.Item.Priority = promote(e.Item.Priority)
		e.Item.PriorityScore = e.score()
		promoted++
	}
	if promoted > 0 {
		heap.Init(&q.heap)
		q.publishDepth()
	}
	return promoted
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Stats returns pending item counts per priority tier.
func (q *Queue) Stats() map[models.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[models.Priority]int{
		models.PriorityCritical: 0,
		models.PriorityHigh:     0,
		models.PriorityNormal:   0,
		models.PriorityLow:      0,
	}
	for _, e := range q.byKey {
		stats[e.Item.Priority]++
	}
	return stats
}

// Snapshot is the serializable queue state.
type Snapshot struct {
	Entries []entry `json:"entries"`
	NextSeq uint64  `json:"next_seq"`
}

// Snapshot captures the queue state for persistence. Entries are emitted in
// dequeue order.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]entry, len(q.heap))
	for i, e := range q.heap {
		entries[i] = *e
	}
	// Deterministic order for the snapshot itself.
	sortEntries(entries)
	return Snapshot{Entries: entries, NextSeq: q.nextSeq}
}

// MarshalSnapshot serializes the current queue state to JSON.
func (q *Queue) MarshalSnapshot() ([]byte, error) {
	snap := q.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal queue snapshot: %w", err)
	}
	return data, nil
}

// Restore rebuilds a queue from a snapshot, preserving insertion sequences
// so FIFO order within tiers survives a restart.
func Restore(snap Snapshot) *Queue {
	q := New()
	q.nextSeq = snap.NextSeq
	for i := range snap.Entries {
		e := snap.Entries[i]
		e.Item.PriorityScore = e.score()
		ptr := &e
		ptr.index = len(q.heap)
		q.byKey[e.Item.Key()] = ptr
		q.heap = append(q.heap, ptr)
		if e.Seq >= q.nextSeq {
			q.nextSeq = e.Seq + 1
		}
	}
	heap.Init(&q.heap)
	q.publishDepth()
	return q
}

// RestoreJSON rebuilds a queue from a serialized snapshot.
func RestoreJSON(data []byte) (*Queue, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal queue snapshot: %w", err)
	}
	return Restore(snap), nil
}

// publishDepth updates the per-tier depth gauges. Callers hold q.mu.
func (q *Queue) publishDepth() {
	counts := map[models.Priority]int{}
	for _, e := range q.byKey {
		counts[e.Item.Priority]++
	}
	for _, p := range []models.Priority{
		models.PriorityCritical, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	} {
		metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

// entryHeap is a max-heap over entry scores with sequence tie-break.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	si, sj := h[i].score(), h[j].score()
	if si != sj {
		return si > sj
	}
	return h[i].Seq < h[j].Seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].score(), entries[j].score()
		if si != sj {
			return si > sj
		}
		return entries[i].Seq < entries[j].Seq
	})
}
