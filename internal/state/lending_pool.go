// internal/state/lending_pool.go
package state

import (
	"fmt"
	"time"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
)

// CollateralAsset is an accepted collateral with its loan-to-value ratio.
type CollateralAsset struct {
	Asset asset.Asset   `json:"asset" yaml:"asset"`
	LTV   fpmath.Amount `json:"ltv" yaml:"ltv"`
}

// LendingPool holds supplied liquidity for one asset.
// Invariant: TotalBorrow <= TotalSupply - ReserveBuffer.
type LendingPool struct {
	ID               string
	Asset            asset.Asset
	TotalSupply      fpmath.Amount
	TotalBorrow      fpmath.Amount
	SupplyRate       fpmath.Amount // yearly, derived from utilisation
	BorrowRate       fpmath.Amount // yearly, derived from utilisation
	CollateralFactor fpmath.Amount // fallback LTV
	ReserveBuffer    fpmath.Amount
	CollateralAssets []CollateralAsset
	CustodyAccount   string
	Version          int64 // Optimistic concurrency control
	UpdatedAt        time.Time
}

// Available is the liquidity that may still be withdrawn or lent out.
func (lp *LendingPool) Available() fpmath.Amount {
	avail := lp.TotalSupply - lp.TotalBorrow - lp.ReserveBuffer
	if avail < 0 {
		return fpmath.Zero
	}
	return avail
}

// Utilisation is TotalBorrow / TotalSupply.
func (lp *LendingPool) Utilisation() fpmath.Amount {
	if lp.TotalSupply <= 0 || lp.TotalBorrow <= 0 {
		return fpmath.Zero
	}
	u, err := lp.TotalBorrow.Div(lp.TotalSupply, fpmath.RoundDown)
	if err != nil || u > fpmath.One {
		return fpmath.One
	}
	return u
}

// LTVFor resolves the collateral ratio for a, falling back to the pool-wide
// collateral factor.
func (lp *LendingPool) LTVFor(a asset.Asset) fpmath.Amount {
	for _, ca := range lp.CollateralAssets {
		if ca.Asset.Matches(a) {
			return ca.LTV
		}
	}
	return lp.CollateralFactor
}

// Clone returns a deep copy.
func (lp *LendingPool) Clone() *LendingPool {
	c := *lp
	c.CollateralAssets = append([]CollateralAsset(nil), lp.CollateralAssets...)
	return &c
}

// ValidateLendingPool checks static parameters before a pool is created.
func ValidateLendingPool(lp *LendingPool) error {
	if lp.ID == "" {
		return fmt.Errorf("pool id must be set")
	}
	if lp.CustodyAccount == "" {
		return fmt.Errorf("custody account must be set")
	}
	if lp.CollateralFactor < 0 || lp.CollateralFactor > fpmath.One {
		return fmt.Errorf("collateral_factor must be within [0, 1], got %s", lp.CollateralFactor)
	}
	if lp.ReserveBuffer < 0 {
		return fmt.Errorf("reserve_buffer must be >= 0, got %s", lp.ReserveBuffer)
	}
	for _, ca := range lp.CollateralAssets {
		if ca.LTV <= 0 || ca.LTV > fpmath.One {
			return fmt.Errorf("ltv for %s must be within (0, 1], got %s", ca.Asset, ca.LTV)
		}
	}
	return nil
}
