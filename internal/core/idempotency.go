package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"DefiLedger/internal/fault"
	"DefiLedger/internal/observability"
)

var ErrDuplicateRequest = fault.New(fault.KindConflict, "core: request id already processed")

// RequestStore is the durable tier of request deduplication.
type RequestStore interface {
	// Record claims op/requestID and reports whether this call inserted it.
	Record(ctx context.Context, op, requestID string) (bool, error)
	Forget(ctx context.Context, op, requestID string) error
}

// RequestGuard implements two-tier deduplication of client request ids:
// an in-memory LRU in front of an optional durable store. A request id is
// reserved before its operation runs, so concurrent retries cannot both
// pass.
type RequestGuard struct {
	mu  sync.Mutex
	lru *IdempotencyLRU

	store   RequestStore
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewRequestGuard(capacity int, store RequestStore, logger zerolog.Logger, metrics *observability.Metrics) *RequestGuard {
	return &RequestGuard{
		lru:     NewIdempotencyLRU(capacity),
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Reserve claims op/requestID. It returns ErrDuplicateRequest when the id is
// already claimed, by a finished request or one still in flight. An empty
// request id opts out of deduplication.
func (g *RequestGuard) Reserve(ctx context.Context, op, requestID string) error {
	if requestID == "" {
		return nil
	}
	key := compositeKey(op, requestID)

	g.mu.Lock()
	if g.lru.Contains(key) {
		g.mu.Unlock()
		g.recordDuplicate(op, "lru")
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	size, evicted := g.add(key)
	g.mu.Unlock()
	g.observeLRU(size, evicted)

	if g.store == nil {
		return nil
	}
	inserted, err := g.store.Record(ctx, op, requestID)
	if err != nil {
		// a store outage must not block traffic; the LRU claim still holds
		// within this process
		g.logger.Warn().Err(err).Str("op", op).Str("request_id", requestID).Msg("request dedup claim failed")
		return nil
	}
	if !inserted {
		g.recordDuplicate(op, "postgres")
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	return nil
}

// Complete settles a reservation with its operation's outcome. Failures
// raised before anything reached the ledger release the id so the client
// may retry it. Everything else keeps it, ambiguous outcomes included.
func (g *RequestGuard) Complete(ctx context.Context, op, requestID string, err error) {
	if requestID == "" || err == nil || !Releasable(err) {
		return
	}
	g.Release(ctx, op, requestID)
}

// Release drops a reservation.
func (g *RequestGuard) Release(ctx context.Context, op, requestID string) {
	if requestID == "" {
		return
	}
	g.mu.Lock()
	g.lru.Remove(compositeKey(op, requestID))
	size := g.lru.Size()
	g.mu.Unlock()
	g.observeLRU(size, 0)

	if g.store == nil {
		return
	}
	if err := g.store.Forget(ctx, op, requestID); err != nil {
		g.logger.Error().Err(err).Str("op", op).Str("request_id", requestID).Msg("failed to release request id")
	}
}

// Releasable reports whether err stops an operation before submission:
// bad input, a missing record or a pre-flight shortfall.
func Releasable(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindInsufficientResource, fault.KindNotFound:
		return true
	}
	return false
}

// Warm preloads recently processed keys, e.g. after a restart.
func (g *RequestGuard) Warm(keys []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lru.WarmFromKeys(keys)
}

// add inserts key; callers hold g.mu.
func (g *RequestGuard) add(key string) (size int, evicted int64) {
	before := g.lru.Evictions()
	g.lru.Add(key)
	return g.lru.Size(), g.lru.Evictions() - before
}

func (g *RequestGuard) observeLRU(size int, evicted int64) {
	if g.metrics == nil {
		return
	}
	g.metrics.DedupLRUSize.Set(float64(size))
	if evicted > 0 {
		g.metrics.DedupLRUEvictions.Add(float64(evicted))
	}
}

func (g *RequestGuard) recordDuplicate(op, tier string) {
	if g.metrics != nil {
		g.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
	}
}

// CompositeKey is the LRU key for an operation's request id.
func CompositeKey(op, requestID string) string {
	return compositeKey(op, requestID)
}

func compositeKey(op, requestID string) string {
	return fmt.Sprintf("%s:%s", op, requestID)
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of composite keys.
// Not thread-safe; RequestGuard serialises access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

// Remove drops key if present.
func (lru *IdempotencyLRU) Remove(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.Remove(elem)
		delete(lru.cache, key)
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys without promoting existing ones.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(key)
		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
