package event

import (
	"github.com/google/uuid"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
)

// Supplied: a lender deposited into a lending pool.
type Supplied struct {
	PlanID uuid.UUID     `json:"plan_id"`
	Pool   string        `json:"pool_id"`
	UserID string        `json:"user_id"`
	Gross  fpmath.Amount `json:"gross"`
	Net    fpmath.Amount `json:"net"`
	Fee    fpmath.Amount `json:"fee"`
}

func (e *Supplied) IdempotencyKey() string { return e.PlanID.String() }
func (e *Supplied) EventType() EventType   { return EventTypeSupplied }
func (e *Supplied) PoolID() string         { return e.Pool }

// Withdrawn: a lender took liquidity out.
type Withdrawn struct {
	PlanID uuid.UUID     `json:"plan_id"`
	Pool   string        `json:"pool_id"`
	UserID string        `json:"user_id"`
	Gross  fpmath.Amount `json:"gross"`
	Net    fpmath.Amount `json:"net"`
	Fee    fpmath.Amount `json:"fee"`
}

func (e *Withdrawn) IdempotencyKey() string { return e.PlanID.String() }
func (e *Withdrawn) EventType() EventType   { return EventTypeWithdrawn }
func (e *Withdrawn) PoolID() string         { return e.Pool }

// Borrowed: a position was opened and the loan disbursed.
type Borrowed struct {
	PlanID           uuid.UUID     `json:"plan_id"`
	PositionID       uuid.UUID     `json:"position_id"`
	Pool             string        `json:"pool_id"`
	UserID           string        `json:"user_id"`
	CollateralAsset  asset.Asset   `json:"collateral_asset"`
	CollateralAmount fpmath.Amount `json:"collateral_amount"`
	Disbursed        fpmath.Amount `json:"disbursed"`
	Debt             fpmath.Amount `json:"debt"`
	RateYearly       fpmath.Amount `json:"rate_yearly"`
	HealthFactor     fpmath.Amount `json:"health_factor"`
}

func (e *Borrowed) IdempotencyKey() string { return e.PlanID.String() }
func (e *Borrowed) EventType() EventType   { return EventTypeBorrowed }
func (e *Borrowed) PoolID() string         { return e.Pool }

// Repaid: a repayment was applied, interest first.
type Repaid struct {
	PlanID        uuid.UUID     `json:"plan_id"`
	PositionID    uuid.UUID     `json:"position_id"`
	Pool          string        `json:"pool_id"`
	InterestPaid  fpmath.Amount `json:"interest_paid"`
	PrincipalPaid fpmath.Amount `json:"principal_paid"`
	Remaining     fpmath.Amount `json:"remaining"`
	Status        string        `json:"status"`
}

func (e *Repaid) IdempotencyKey() string { return e.PlanID.String() }
func (e *Repaid) EventType() EventType   { return EventTypeRepaid }
func (e *Repaid) PoolID() string         { return e.Pool }

// CollateralReleased: collateral returned to the borrower after the
// position closed.
type CollateralReleased struct {
	PlanID     uuid.UUID     `json:"plan_id"`
	PositionID uuid.UUID     `json:"position_id"`
	Pool       string        `json:"pool_id"`
	Asset      asset.Asset   `json:"asset"`
	Amount     fpmath.Amount `json:"amount"`
}

func (e *CollateralReleased) IdempotencyKey() string { return e.PlanID.String() }
func (e *CollateralReleased) EventType() EventType   { return EventTypeCollateralReleased }
func (e *CollateralReleased) PoolID() string         { return e.Pool }
