package store

import (
	"context"

	"github.com/google/uuid"

	"DefiLedger/internal/fault"
	"DefiLedger/internal/state"
)

var (
	ErrNotFound        = fault.New(fault.KindNotFound, "store: record not found")
	ErrVersionConflict = fault.New(fault.KindConflict, "store: stale version")
)

// Store is the Position Store. Every Save is version checked: the record's
// Version must equal the stored one (0 creates) and is bumped on success.
// Getters return copies the caller may mutate freely.
type Store interface {
	GetPool(ctx context.Context, id string) (*state.Pool, error)
	SavePool(ctx context.Context, p *state.Pool) error
	ListPools(ctx context.Context) ([]*state.Pool, error)

	GetLiquidityShare(ctx context.Context, userID, poolID string) (*state.LiquidityShare, error)
	SaveLiquidityShare(ctx context.Context, ls *state.LiquidityShare) error
	DeleteLiquidityShare(ctx context.Context, ls *state.LiquidityShare) error

	GetLendingPool(ctx context.Context, id string) (*state.LendingPool, error)
	SaveLendingPool(ctx context.Context, lp *state.LendingPool) error
	ListLendingPools(ctx context.Context) ([]*state.LendingPool, error)

	GetSupplyPosition(ctx context.Context, userID, poolID string) (*state.SupplyPosition, error)
	SaveSupplyPosition(ctx context.Context, sp *state.SupplyPosition) error
	DeleteSupplyPosition(ctx context.Context, sp *state.SupplyPosition) error
	ListSupplyPositions(ctx context.Context, userID string) ([]*state.SupplyPosition, error)

	GetBorrowPosition(ctx context.Context, id uuid.UUID) (*state.BorrowPosition, error)
	SaveBorrowPosition(ctx context.Context, bp *state.BorrowPosition) error
	ListBorrowPositions(ctx context.Context, userID string) ([]*state.BorrowPosition, error)
	ListActiveBorrowPositions(ctx context.Context) ([]*state.BorrowPosition, error)

	GetCreditScore(ctx context.Context, userID string) (*state.CreditScore, error)
	SaveCreditScore(ctx context.Context, cs *state.CreditScore) error
}
