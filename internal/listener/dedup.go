package listener

import (
	"container/list"
	"fmt"
	"sync"

	"GridSettle/internal/observability"
)

// Deduper implements two-tier event deduplication: an in-memory LRU for the
// hot path and a Postgres lookup behind it. Chain logs can be re-delivered
// after reconnects and reorgs; every handler downstream assumes this layer
// already filtered exact replays it has seen before, and stays idempotent
// for the ones it has not.
//
// Safe for concurrent use: the decode stage checks while the shard workers
// mark after a successful apply.
type Deduper struct {
	mu        sync.Mutex
	lru       *dedupLRU
	dbChecker DBDedupChecker
	metrics   *observability.Metrics
}

// DBDedupChecker is the interface for the Postgres dedup lookup.
type DBDedupChecker interface {
	IsDuplicate(eventType string, dedupKey string) (bool, error)
}

func NewDeduper(capacity int, dbChecker DBDedupChecker, metrics *observability.Metrics) *Deduper {
	return &Deduper{
		lru:       newDedupLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks whether the event was already processed (two-tier).
func (d *Deduper) IsDuplicate(eventType string, dedupKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, dedupKey)

	d.mu.Lock()
	hit := d.lru.Contains(compositeKey)
	d.mu.Unlock()
	if hit {
		if d.metrics != nil {
			d.metrics.EventsDuplicate.WithLabelValues(eventType, "lru").Inc()
		}
		return true
	}

	if d.dbChecker != nil {
		isDup, err := d.dbChecker.IsDuplicate(eventType, dedupKey)
		if err != nil {
			// Conservative: a DB issue must not block ingestion, and the
			// handlers are idempotent anyway.
			return false
		}
		if isDup {
			if d.metrics != nil {
				d.metrics.EventsDuplicate.WithLabelValues(eventType, "postgres").Inc()
			}
			d.mu.Lock()
			d.lru.Add(compositeKey)
			d.mu.Unlock()
			return true
		}
	}

	return false
}

// MarkProcessed adds the key to the LRU. Called only after the handler
// applied the event, so a failed apply stays eligible for redelivery.
func (d *Deduper) MarkProcessed(eventType string, dedupKey string) {
	d.mu.Lock()
	d.lru.Add(fmt.Sprintf("%s:%s", eventType, dedupKey))
	d.mu.Unlock()
}

// WarmFromKeys loads composite keys ("type:key") into the LRU, used on
// restart so recently processed events skip the cold path.
func (d *Deduper) WarmFromKeys(keys []string) {
	d.mu.Lock()
	for _, key := range keys {
		d.lru.Add(key)
	}
	d.mu.Unlock()
}

// Size returns the current LRU entry count.
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Size()
}

// --- LRU ---

type dedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front).
// Not thread-safe on its own; callers hold the Deduper mutex.
func (lru *dedupLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if it exists).
func (lru *dedupLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *dedupLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
	}
}

func (lru *dedupLRU) Size() int {
	return lru.lruList.Len()
}
