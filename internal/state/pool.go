// internal/state/pool.go
package state

import (
	"time"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
)

// DustThreshold: reserves or shares at or below this mark a pool as empty.
const DustThreshold fpmath.Amount = 1_000 // 0.0001

// Pool is a two-asset constant-product liquidity pool.
type Pool struct {
	ID             string
	AssetA         asset.Asset
	AssetB         asset.Asset
	ReserveA       fpmath.Amount
	ReserveB       fpmath.Amount
	FeeBps         int64
	TotalShares    fpmath.Amount
	CustodyAccount string // ledger account holding the reserves
	Version        int64  // Optimistic concurrency control
	UpdatedAt      time.Time
}

// IsEmpty reports near-zero reserves or shares.
func (p *Pool) IsEmpty() bool {
	return p.ReserveA <= DustThreshold || p.ReserveB <= DustThreshold || p.TotalShares <= DustThreshold
}

// Side returns the reserve matching a, if any.
func (p *Pool) Side(a asset.Asset) (isA bool, ok bool) {
	switch {
	case p.AssetA.Matches(a):
		return true, true
	case p.AssetB.Matches(a):
		return false, true
	}
	return false, false
}

// LiquidityShare is a provider's claim on a pool, in pool shares.
type LiquidityShare struct {
	UserID    string
	PoolID    string
	Shares    fpmath.Amount
	Version   int64
	UpdatedAt time.Time
}

// Clone returns a copy safe to mutate.
func (p *Pool) Clone() *Pool {
	c := *p
	return &c
}
