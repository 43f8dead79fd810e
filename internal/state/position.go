// internal/state/position.go
package state

import (
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
)

// PositionStatus tracks a borrow position's lifecycle. Repaid and Liquidated
// are terminal and mutually exclusive.
type PositionStatus int32

const (
	PositionActive PositionStatus = iota
	PositionRepaid
	PositionLiquidated
)

func (ps PositionStatus) String() string {
	switch ps {
	case PositionActive:
		return "active"
	case PositionRepaid:
		return "repaid"
	case PositionLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// ParsePositionStatus is the inverse of String.
func ParsePositionStatus(s string) (PositionStatus, bool) {
	switch s {
	case "active":
		return PositionActive, true
	case "repaid":
		return PositionRepaid, true
	case "liquidated":
		return PositionLiquidated, true
	}
	return 0, false
}

// IsTerminal reports whether no further transitions are allowed.
func (ps PositionStatus) IsTerminal() bool {
	return ps == PositionRepaid || ps == PositionLiquidated
}

// CanTransitionTo reports whether a position in ps may move to next. Only
// active positions change; staying active covers partial payments.
func (ps PositionStatus) CanTransitionTo(next PositionStatus) bool {
	if ps != PositionActive {
		return false
	}
	switch next {
	case PositionActive, PositionRepaid, PositionLiquidated:
		return true
	}
	return false
}

// SupplyPosition is a lender's share of a lending pool.
type SupplyPosition struct {
	UserID    string
	PoolID    string
	Amount    fpmath.Amount
	Version   int64 // Optimistic concurrency control
	UpdatedAt time.Time
}

// BorrowPosition is a collateralized loan. BorrowedAmount is the outstanding
// principal and already includes the origination fee.
type BorrowPosition struct {
	ID               uuid.UUID
	UserID           string
	PoolID           string
	CollateralAsset  asset.Asset
	CollateralAmount fpmath.Amount
	BorrowedAsset    asset.Asset
	BorrowedAmount   fpmath.Amount
	CarriedInterest  fpmath.Amount // unpaid interest from before the last accrual reset
	RateYearly       fpmath.Amount
	RateMonthly      fpmath.Amount
	LTV              fpmath.Amount
	HealthFactor     fpmath.Amount
	Status           PositionStatus
	CreatedAt        time.Time
	AccrualStart     time.Time
	RepaidAt         *time.Time
	LiquidatedAt     *time.Time
	Version          int64
}

// AccruedInterest is the linear interest since AccrualStart. It is always
// recomputed, never stored.
func (p *BorrowPosition) AccruedInterest(now time.Time) (fpmath.Amount, error) {
	return fpmath.AccrueLinear(p.BorrowedAmount, p.RateMonthly, now.Sub(p.AccrualStart))
}

// OutstandingInterest is carried plus freshly accrued interest.
func (p *BorrowPosition) OutstandingInterest(now time.Time) (fpmath.Amount, error) {
	accrued, err := p.AccruedInterest(now)
	if err != nil {
		return 0, err
	}
	return p.CarriedInterest + accrued, nil
}

// TotalDebt is principal plus outstanding interest at now.
func (p *BorrowPosition) TotalDebt(now time.Time) (fpmath.Amount, error) {
	interest, err := p.OutstandingInterest(now)
	if err != nil {
		return 0, err
	}
	return p.BorrowedAmount + interest, nil
}

// ApplyRepayment pays interest first, then principal, and restarts accrual at
// now. The payment must not exceed TotalDebt(now).
func (p *BorrowPosition) ApplyRepayment(payment fpmath.Amount, now time.Time) (interestPaid, principalPaid fpmath.Amount, err error) {
	interest, err := p.OutstandingInterest(now)
	if err != nil {
		return 0, 0, err
	}
	interestPaid, principalPaid = fpmath.SplitRepayment(payment, interest)

	p.CarriedInterest = interest - interestPaid
	p.BorrowedAmount -= principalPaid
	p.AccrualStart = now
	return interestPaid, principalPaid, nil
}

// Clone returns a deep copy.
func (p *BorrowPosition) Clone() *BorrowPosition {
	c := *p
	if p.RepaidAt != nil {
		t := *p.RepaidAt
		c.RepaidAt = &t
	}
	if p.LiquidatedAt != nil {
		t := *p.LiquidatedAt
		c.LiquidatedAt = &t
	}
	return &c
}
