package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/state"
)

type supplyKey struct {
	UserID string
	PoolID string
}

// MemoryStore is an in-process Store used by tests and the memory backend.
type MemoryStore struct {
	mu      sync.RWMutex
	pools   map[string]*state.Pool
	lending map[string]*state.LendingPool
	supply  map[supplyKey]*state.SupplyPosition
	shares  map[supplyKey]*state.LiquidityShare
	borrow  map[uuid.UUID]*state.BorrowPosition
	credit  map[string]*state.CreditScore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:   make(map[string]*state.Pool),
		lending: make(map[string]*state.LendingPool),
		supply:  make(map[supplyKey]*state.SupplyPosition),
		shares:  make(map[supplyKey]*state.LiquidityShare),
		borrow:  make(map[uuid.UUID]*state.BorrowPosition),
		credit:  make(map[string]*state.CreditScore),
	}
}

// checkVersion enforces optimistic concurrency: stored is the current
// version (0 when absent).
func checkVersion(record string, stored, given int64) error {
	if stored != given {
		return fmt.Errorf("%w: %s at version %d, write based on %d", ErrVersionConflict, record, stored, given)
	}
	return nil
}

// --- Pools ---

func (m *MemoryStore) GetPool(_ context.Context, id string) (*state.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) SavePool(_ context.Context, p *state.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if cur, ok := m.pools[p.ID]; ok {
		stored = cur.Version
	}
	if err := checkVersion("pool "+p.ID, stored, p.Version); err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	m.pools[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) ListPools(_ context.Context) ([]*state.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*state.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Lending pools ---

func (m *MemoryStore) GetLendingPool(_ context.Context, id string) (*state.LendingPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lp, ok := m.lending[id]
	if !ok {
		return nil, fmt.Errorf("%w: lending pool %s", ErrNotFound, id)
	}
	return lp.Clone(), nil
}

func (m *MemoryStore) SaveLendingPool(_ context.Context, lp *state.LendingPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if cur, ok := m.lending[lp.ID]; ok {
		stored = cur.Version
	}
	if err := checkVersion("lending pool "+lp.ID, stored, lp.Version); err != nil {
		return err
	}
	lp.Version++
	lp.UpdatedAt = time.Now().UTC()
	m.lending[lp.ID] = lp.Clone()
	return nil
}

func (m *MemoryStore) ListLendingPools(_ context.Context) ([]*state.LendingPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*state.LendingPool, 0, len(m.lending))
	for _, lp := range m.lending {
		out = append(out, lp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Liquidity shares ---

func (m *MemoryStore) GetLiquidityShare(_ context.Context, userID, poolID string) (*state.LiquidityShare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.shares[supplyKey{userID, poolID}]
	if !ok {
		return nil, fmt.Errorf("%w: liquidity share %s/%s", ErrNotFound, userID, poolID)
	}
	c := *ls
	return &c, nil
}

func (m *MemoryStore) SaveLiquidityShare(_ context.Context, ls *state.LiquidityShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := supplyKey{ls.UserID, ls.PoolID}
	var stored int64
	if cur, ok := m.shares[key]; ok {
		stored = cur.Version
	}
	if err := checkVersion("liquidity share", stored, ls.Version); err != nil {
		return err
	}
	ls.Version++
	ls.UpdatedAt = time.Now().UTC()
	c := *ls
	m.shares[key] = &c
	return nil
}

func (m *MemoryStore) DeleteLiquidityShare(_ context.Context, ls *state.LiquidityShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := supplyKey{ls.UserID, ls.PoolID}
	cur, ok := m.shares[key]
	if !ok {
		return fmt.Errorf("%w: liquidity share %s/%s", ErrNotFound, ls.UserID, ls.PoolID)
	}
	if err := checkVersion("liquidity share", cur.Version, ls.Version); err != nil {
		return err
	}
	delete(m.shares, key)
	return nil
}

// --- Supply positions ---

func (m *MemoryStore) GetSupplyPosition(_ context.Context, userID, poolID string) (*state.SupplyPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.supply[supplyKey{userID, poolID}]
	if !ok {
		return nil, fmt.Errorf("%w: supply position %s/%s", ErrNotFound, userID, poolID)
	}
	c := *sp
	return &c, nil
}

func (m *MemoryStore) SaveSupplyPosition(_ context.Context, sp *state.SupplyPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := supplyKey{sp.UserID, sp.PoolID}
	var stored int64
	if cur, ok := m.supply[key]; ok {
		stored = cur.Version
	}
	if err := checkVersion("supply position", stored, sp.Version); err != nil {
		return err
	}
	sp.Version++
	sp.UpdatedAt = time.Now().UTC()
	c := *sp
	m.supply[key] = &c
	return nil
}

func (m *MemoryStore) DeleteSupplyPosition(_ context.Context, sp *state.SupplyPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := supplyKey{sp.UserID, sp.PoolID}
	cur, ok := m.supply[key]
	if !ok {
		return fmt.Errorf("%w: supply position %s/%s", ErrNotFound, sp.UserID, sp.PoolID)
	}
	if err := checkVersion("supply position", cur.Version, sp.Version); err != nil {
		return err
	}
	delete(m.supply, key)
	return nil
}

func (m *MemoryStore) ListSupplyPositions(_ context.Context, userID string) ([]*state.SupplyPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*state.SupplyPosition
	for k, sp := range m.supply {
		if k.UserID == userID {
			c := *sp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out, nil
}

// --- Borrow positions ---

func (m *MemoryStore) GetBorrowPosition(_ context.Context, id uuid.UUID) (*state.BorrowPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bp, ok := m.borrow[id]
	if !ok {
		return nil, fmt.Errorf("%w: borrow position %s", ErrNotFound, id)
	}
	return bp.Clone(), nil
}

func (m *MemoryStore) SaveBorrowPosition(_ context.Context, bp *state.BorrowPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if cur, ok := m.borrow[bp.ID]; ok {
		stored = cur.Version
	}
	if err := checkVersion("borrow position "+bp.ID.String(), stored, bp.Version); err != nil {
		return err
	}
	bp.Version++
	m.borrow[bp.ID] = bp.Clone()
	return nil
}

func (m *MemoryStore) ListBorrowPositions(_ context.Context, userID string) ([]*state.BorrowPosition, error) {
	return m.listBorrow(func(bp *state.BorrowPosition) bool { return bp.UserID == userID }), nil
}

func (m *MemoryStore) ListActiveBorrowPositions(_ context.Context) ([]*state.BorrowPosition, error) {
	return m.listBorrow(func(bp *state.BorrowPosition) bool { return bp.Status == state.PositionActive }), nil
}

func (m *MemoryStore) listBorrow(keep func(*state.BorrowPosition) bool) []*state.BorrowPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*state.BorrowPosition
	for _, bp := range m.borrow {
		if keep(bp) {
			out = append(out, bp.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// --- Credit scores ---

func (m *MemoryStore) GetCreditScore(_ context.Context, userID string) (*state.CreditScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.credit[userID]
	if !ok {
		return nil, fmt.Errorf("%w: credit score %s", ErrNotFound, userID)
	}
	c := *cs
	return &c, nil
}

func (m *MemoryStore) SaveCreditScore(_ context.Context, cs *state.CreditScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if cur, ok := m.credit[cs.UserID]; ok {
		stored = cur.Version
	}
	if err := checkVersion("credit score "+cs.UserID, stored, cs.Version); err != nil {
		return err
	}
	cs.Version++
	cs.UpdatedAt = time.Now().UTC()
	c := *cs
	m.credit[cs.UserID] = &c
	return nil
}
