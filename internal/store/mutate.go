package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"DefiLedger/internal/state"
)

// DefaultMutateAttempts bounds reload-and-reapply cycles on version conflicts.
const DefaultMutateAttempts = 5

// Mutator applies deltas to stored records, reloading and re-applying the
// delta whenever a concurrent writer bumped the version first. Deltas must be
// pure functions of the record they are given.
type Mutator struct {
	store      Store
	attempts   int
	onConflict func(record string)
}

func NewMutator(s Store, attempts int, onConflict func(record string)) *Mutator {
	if attempts <= 0 {
		attempts = DefaultMutateAttempts
	}
	return &Mutator{store: s, attempts: attempts, onConflict: onConflict}
}

// Store returns the underlying store.
func (m *Mutator) Store() Store {
	return m.store
}

func (m *Mutator) run(record string, once func() error) error {
	var err error
	for i := 0; i < m.attempts; i++ {
		err = once()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if m.onConflict != nil {
			m.onConflict(record)
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", record, m.attempts, err)
}

// Pool applies fn to the stored pool and saves it.
func (m *Mutator) Pool(ctx context.Context, id string, fn func(*state.Pool) error) (*state.Pool, error) {
	var out *state.Pool
	err := m.run("pool", func() error {
		p, err := m.store.GetPool(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := m.store.SavePool(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// LendingPool applies fn to the stored lending pool and saves it.
func (m *Mutator) LendingPool(ctx context.Context, id string, fn func(*state.LendingPool) error) (*state.LendingPool, error) {
	var out *state.LendingPool
	err := m.run("lending_pool", func() error {
		lp, err := m.store.GetLendingPool(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(lp); err != nil {
			return err
		}
		if err := m.store.SaveLendingPool(ctx, lp); err != nil {
			return err
		}
		out = lp
		return nil
	})
	return out, err
}

// BorrowPosition applies fn to the stored position and saves it.
func (m *Mutator) BorrowPosition(ctx context.Context, id uuid.UUID, fn func(*state.BorrowPosition) error) (*state.BorrowPosition, error) {
	var out *state.BorrowPosition
	err := m.run("borrow_position", func() error {
		bp, err := m.store.GetBorrowPosition(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(bp); err != nil {
			return err
		}
		if err := m.store.SaveBorrowPosition(ctx, bp); err != nil {
			return err
		}
		out = bp
		return nil
	})
	return out, err
}

// LiquidityShare applies fn to the user's shares in poolID, creating the
// record when absent. A record left at zero is deleted and nil is returned.
func (m *Mutator) LiquidityShare(ctx context.Context, userID, poolID string, fn func(*state.LiquidityShare) error) (*state.LiquidityShare, error) {
	var out *state.LiquidityShare
	err := m.run("liquidity_share", func() error {
		out = nil
		ls, err := m.store.GetLiquidityShare(ctx, userID, poolID)
		existed := err == nil
		if errors.Is(err, ErrNotFound) {
			ls = &state.LiquidityShare{UserID: userID, PoolID: poolID}
		} else if err != nil {
			return err
		}
		if err := fn(ls); err != nil {
			return err
		}
		if ls.Shares.IsZero() {
			if existed {
				return m.store.DeleteLiquidityShare(ctx, ls)
			}
			return nil
		}
		if err := m.store.SaveLiquidityShare(ctx, ls); err != nil {
			return err
		}
		out = ls
		return nil
	})
	return out, err
}

// SupplyPosition applies fn to the user's position in poolID, creating it
// when absent. A position left at zero is deleted and nil is returned.
func (m *Mutator) SupplyPosition(ctx context.Context, userID, poolID string, fn func(*state.SupplyPosition) error) (*state.SupplyPosition, error) {
	var out *state.SupplyPosition
	err := m.run("supply_position", func() error {
		out = nil
		sp, err := m.store.GetSupplyPosition(ctx, userID, poolID)
		existed := err == nil
		if errors.Is(err, ErrNotFound) {
			sp = &state.SupplyPosition{UserID: userID, PoolID: poolID}
		} else if err != nil {
			return err
		}
		if err := fn(sp); err != nil {
			return err
		}
		if sp.Amount.IsZero() {
			if existed {
				return m.store.DeleteSupplyPosition(ctx, sp)
			}
			return nil
		}
		if err := m.store.SaveSupplyPosition(ctx, sp); err != nil {
			return err
		}
		out = sp
		return nil
	})
	return out, err
}
