package lending

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/oracle"
	"DefiLedger/internal/state"
)

// BorrowView is an active position with its interest and health computed at
// read time.
type BorrowView struct {
	Position            *state.BorrowPosition
	AccruedInterest     fpmath.Amount
	OutstandingInterest fpmath.Amount
	TotalDebt           fpmath.Amount
	HealthFactor        fpmath.Amount
}

// Positions is everything a user holds across lending pools.
type Positions struct {
	Supply []*state.SupplyPosition
	Borrow []BorrowView
}

// GetPositions returns the user's supply positions and active borrow
// positions. Interest and health factor are recomputed live.
func (e *Engine) GetPositions(ctx context.Context, userID string) (Positions, error) {
	if userID == "" {
		return Positions{}, fault.Invalid("user_id", "must be set")
	}
	supply, err := e.mutator.Store().ListSupplyPositions(ctx, userID)
	if err != nil {
		return Positions{}, fmt.Errorf("list supply positions: %w", err)
	}
	borrows, err := e.mutator.Store().ListBorrowPositions(ctx, userID)
	if err != nil {
		return Positions{}, fmt.Errorf("list borrow positions: %w", err)
	}

	active := borrows[:0]
	for _, bp := range borrows {
		if bp.Status == state.PositionActive {
			active = append(active, bp)
		}
	}

	now := e.now()
	views := make([]BorrowView, len(active))
	g, gctx := errgroup.WithContext(ctx)
	for i, bp := range active {
		i, bp := i, bp
		g.Go(func() error {
			v, err := e.view(gctx, bp, now)
			if err != nil {
				return fmt.Errorf("position %s: %w", bp.ID, err)
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Positions{}, err
	}

	return Positions{Supply: supply, Borrow: views}, nil
}

func (e *Engine) view(ctx context.Context, bp *state.BorrowPosition, now time.Time) (BorrowView, error) {
	accrued, err := bp.AccruedInterest(now)
	if err != nil {
		return BorrowView{}, err
	}
	collateralPrice, debtPrice, err := oracle.Pair(ctx, e.oracle, bp.CollateralAsset, bp.BorrowedAsset)
	if err != nil {
		return BorrowView{}, err
	}
	v, err := Appraise(bp, collateralPrice, debtPrice, now)
	if err != nil {
		return BorrowView{}, err
	}
	return BorrowView{
		Position:            bp,
		AccruedInterest:     accrued,
		OutstandingInterest: v.OutstandingInterest,
		TotalDebt:           v.TotalDebt,
		HealthFactor:        v.HealthFactor,
	}, nil
}
