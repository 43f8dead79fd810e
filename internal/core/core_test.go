package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/fault"
)

// ============================================================================
// Test: KeyedMutex
// ============================================================================

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("pool-1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, km.Len(), "entries are dropped once released")
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("a")
	unlock()
	assert.NotPanics(t, unlock)
}

// ============================================================================
// Test: RequestGuard
// ============================================================================

type memRequests struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memRequests) Record(_ context.Context, op, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[op+":"+id] {
		return false, nil
	}
	m.seen[op+":"+id] = true
	return true, nil
}

func (m *memRequests) Forget(_ context.Context, op, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, op+":"+id)
	return nil
}

func TestRequestGuard_LRUTier(t *testing.T) {
	ctx := context.Background()
	g := NewRequestGuard(10, nil, zerolog.Nop(), nil)

	require.NoError(t, g.Reserve(ctx, "swap", "req-1"))

	err := g.Reserve(ctx, "swap", "req-1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	// same id under another operation is distinct
	assert.NoError(t, g.Reserve(ctx, "borrow", "req-1"))
	// empty ids are never deduplicated
	assert.NoError(t, g.Reserve(ctx, "swap", ""))
	assert.NoError(t, g.Reserve(ctx, "swap", ""))
}

func TestRequestGuard_StoreTier(t *testing.T) {
	ctx := context.Background()
	store := &memRequests{seen: map[string]bool{"repay:req-9": true}}
	g := NewRequestGuard(10, store, zerolog.Nop(), nil)

	// claimed by another instance
	assert.ErrorIs(t, g.Reserve(ctx, "repay", "req-9"), ErrDuplicateRequest)

	require.NoError(t, g.Reserve(ctx, "repay", "req-10"))
	assert.True(t, store.seen["repay:req-10"])
}

func TestRequestGuard_ConcurrentReserveAdmitsOne(t *testing.T) {
	ctx := context.Background()
	g := NewRequestGuard(10, &memRequests{seen: map[string]bool{}}, zerolog.Nop(), nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Reserve(ctx, "swap", "req-1") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestRequestGuard_CompleteReleasesOnlyPreflightFailures(t *testing.T) {
	ctx := context.Background()
	store := &memRequests{seen: map[string]bool{}}
	g := NewRequestGuard(10, store, zerolog.Nop(), nil)

	cases := []struct {
		name     string
		err      error
		released bool
	}{
		{"success", nil, false},
		{"validation", fault.Invalid("amount", "must be > 0"), true},
		{"shortfall", fault.Insufficient(fault.ResourceBalance, "native", 10, 1), true},
		{"not found", fmt.Errorf("pool: %w", fault.New(fault.KindNotFound, "missing")), true},
		{"ambiguous", fault.New(fault.KindAmbiguousOutcome, "timeout"), false},
		{"ledger rejection", fault.New(fault.KindLedgerRejection, "rejected"), false},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := "req-" + tc.name
			require.NoError(t, g.Reserve(ctx, "swap", id))
			g.Complete(ctx, "swap", id, tc.err)

			err := g.Reserve(ctx, "swap", id)
			if tc.released {
				assert.NoError(t, err, "retry with the same id is allowed")
			} else {
				assert.ErrorIs(t, err, ErrDuplicateRequest)
			}
			assert.True(t, store.seen["swap:"+id])
		})
	}
}

func TestRequestGuard_StoreErrorDoesNotBlock(t *testing.T) {
	g := NewRequestGuard(10, &memRequests{err: errors.New("db down")}, zerolog.Nop(), nil)
	ctx := context.Background()
	assert.NoError(t, g.Reserve(ctx, "swap", "req-1"))
	assert.ErrorIs(t, g.Reserve(ctx, "swap", "req-1"), ErrDuplicateRequest, "the LRU claim still holds")
}

func TestIdempotencyLRU_Eviction(t *testing.T) {
	lru := NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a")
	lru.Add("c")

	assert.True(t, lru.Contains("a"))
	assert.False(t, lru.Contains("b"))
	assert.Equal(t, int64(1), lru.Evictions())
	assert.Equal(t, 2, lru.Size())

	lru.Remove("a")
	assert.False(t, lru.Contains("a"))
	assert.Equal(t, 1, lru.Size())
}
