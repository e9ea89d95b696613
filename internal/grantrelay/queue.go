package grantrelay

import (
	"log/slog"
	"sync"
	"time"
)

const defaultStaleThreshold = 5 * time.Minute

type queueItem struct {
	entityID          string
	enqueuedAt        time.Time
	processing        bool
	needsReprocessing bool
}

// QueueEntry is a read-only view of one queued entity, used by the admin API.
type QueueEntry struct {
	EntityID          string    `json:"entityId"`
	EnqueuedAt        time.Time `json:"enqueuedAt"`
	Processing        bool      `json:"processing"`
	NeedsReprocessing bool      `json:"needsReprocessing"`
}

// DebounceQueue coalesces bursts of webhook events per entity. At most one
// pass runs per entity at any time; events arriving during a pass collapse
// into a single follow-up pass.
type DebounceQueue struct {
	mu    sync.Mutex
	items map[string]*queueItem
	log   *slog.Logger
	now   func() time.Time
}

func NewDebounceQueue(logger *slog.Logger) *DebounceQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DebounceQueue{
		items: map[string]*queueItem{},
		log:   logger.With("component", "webhook-queue"),
		now:   time.Now,
	}
}

// Enqueue registers an event for the entity. It returns true when the caller
// should start a processing pass now, false when the event was coalesced into
// a pass that is already running.
func (q *DebounceQueue) Enqueue(entityID string) bool {
	if entityID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[entityID]
	if !ok {
		q.items[entityID] = &queueItem{
			entityID:   entityID,
			enqueuedAt: q.now(),
			processing: true,
		}
		return true
	}
	if !item.processing {
		// An item should never sit in the map without a pass owning it.
		q.log.Warn("queued entity found idle", "entityId", entityID)
		return false
	}
	item.needsReprocessing = true
	item.enqueuedAt = q.now()
	return false
}

// CompleteProcessing marks the current pass finished. It returns true when
// events arrived during the pass and the caller must run another one; the
// item is then re-armed rather than removed.
func (q *DebounceQueue) CompleteProcessing(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[entityID]
	if !ok {
		return false
	}
	if item.needsReprocessing {
		item.needsReprocessing = false
		item.processing = true
		item.enqueuedAt = q.now()
		return true
	}
	delete(q.items, entityID)
	return false
}

// SweepStale removes items older than threshold. A stale item means a pass
// died without calling CompleteProcessing; removing it lets the next webhook
// for that entity start fresh.
func (q *DebounceQueue) SweepStale(threshold time.Duration) int {
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	cutoff := q.now().Add(-threshold)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, item := range q.items {
		if item.enqueuedAt.Before(cutoff) {
			delete(q.items, id)
			removed++
			q.log.Warn("removed stale queue item", "entityId", id, "enqueuedAt", item.enqueuedAt)
		}
	}
	return removed
}

// Snapshot returns a copy of the current queue contents.
func (q *DebounceQueue) Snapshot() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueueEntry, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, QueueEntry{
			EntityID:          item.entityID,
			EnqueuedAt:        item.enqueuedAt,
			Processing:        item.processing,
			NeedsReprocessing: item.needsReprocessing,
		})
	}
	return out
}

func (q *DebounceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
