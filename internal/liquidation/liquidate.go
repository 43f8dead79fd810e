package liquidation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"DefiLedger/internal/cache"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	"DefiLedger/internal/lending"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

// Request repays RepayAmount of a position's debt on the borrower's behalf.
type Request struct {
	PositionID  uuid.UUID
	RepayAmount fpmath.Amount
	Liquidator  string
}

// Result reports a full or partial liquidation.
type Result struct {
	PlanID             uuid.UUID
	Repaid             fpmath.Amount
	InterestPaid       fpmath.Amount
	PrincipalPaid      fpmath.Amount
	Seized             fpmath.Amount
	SeizedNet          fpmath.Amount
	Fee                fpmath.Amount
	FeeCollected       bool
	HealthBefore       fpmath.Amount
	HealthAfter        fpmath.Amount
	RemainingDebt      fpmath.Amount
	Position           *state.BorrowPosition
	CollateralReleased fpmath.Amount
	ReleasePending     bool
	TxIDs              []string
}

// Liquidate lets a liquidator repay part or all of an unhealthy position in
// exchange for its collateral plus the liquidation bonus, net of the payout
// fee. A position with no principal left becomes liquidated and whatever
// collateral remains goes back to the borrower.
func (e *Engine) Liquidate(ctx context.Context, req Request) (Result, error) {
	res, err := e.liquidate(ctx, req)
	if e.metrics != nil {
		outcome := "partial"
		switch {
		case err != nil:
			outcome = fault.KindOf(err).String()
		case res.Position.Status == state.PositionLiquidated:
			outcome = "full"
		}
		e.metrics.Liquidations.WithLabelValues(outcome).Inc()
	}
	if err != nil || res.Position.Status != state.PositionLiquidated || res.Position.CollateralAmount <= 0 {
		return res, err
	}

	rel, rerr := e.lending.ReleaseCollateral(context.WithoutCancel(ctx), req.PositionID)
	if rerr != nil {
		e.logger.Warn().
			Str("position_id", req.PositionID.String()).
			Err(rerr).
			Msg("collateral release pending")
		res.ReleasePending = true
		return res, nil
	}
	res.CollateralReleased = rel.Amount
	res.TxIDs = append(res.TxIDs, rel.TxIDs...)
	res.Position.CollateralAmount = 0
	return res, nil
}

func (e *Engine) liquidate(ctx context.Context, req Request) (Result, error) {
	if err := fault.RequirePositive("repay_amount", req.RepayAmount); err != nil {
		return Result{}, err
	}
	if req.Liquidator == "" {
		return Result{}, fault.Invalid("liquidator", "must be set")
	}

	unlock := e.locks.Lock(cache.PositionKey(req.PositionID.String()))
	defer unlock()

	pos, err := e.mutator.Store().GetBorrowPosition(ctx, req.PositionID)
	if err != nil {
		return Result{}, err
	}
	if pos.Status != state.PositionActive {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrPositionClosed, pos.ID, pos.Status)
	}
	if pos.UserID == req.Liquidator {
		return Result{}, fault.Invalid("liquidator", "must differ from the borrower")
	}

	now := e.now()
	before, err := e.Appraise(ctx, pos, now)
	if err != nil {
		return Result{}, err
	}
	if req.RepayAmount > before.TotalDebt {
		return Result{}, fmt.Errorf("%w: repay %s, debt %s", ErrExceedsDebt, req.RepayAmount, before.TotalDebt)
	}
	if !e.Liquidatable(before) {
		return Result{}, fmt.Errorf("%w: health factor %s", ErrHealthy, before.HealthFactor)
	}

	seized, err := e.reward(req.RepayAmount, before, pos.CollateralAmount)
	if err != nil {
		return Result{}, err
	}
	fee, err := seized.MulBps(e.cfg.Fees.PayoutFeeBps, fpmath.RoundDown)
	if err != nil {
		return Result{}, err
	}
	seizedNet := seized - fee
	if seizedNet <= 0 {
		return Result{}, fault.Invalid("repay_amount", "too small to seize any collateral")
	}
	if fee > 0 && e.cfg.PlatformAccount == "" {
		e.logger.Error().Str("operation", "liquidate").Msg("platform fee destination missing")
		return Result{}, ErrMissingDestination
	}

	lp, err := e.mutator.Store().GetLendingPool(ctx, pos.PoolID)
	if err != nil {
		return Result{}, err
	}
	if err := e.checkBalance(ctx, req.Liquidator, pos, req.RepayAmount); err != nil {
		return Result{}, err
	}

	plan := ledger.NewPlan("liquidate")
	plan.AddTrustpath(req.Liquidator, pos.CollateralAsset)
	if fee > 0 {
		plan.AddTrustpath(e.cfg.PlatformAccount, pos.CollateralAsset)
	}
	plan.AddLeg(ledger.TransferLiquidationRepayment, ledger.Transfer{
		From: req.Liquidator, To: lp.CustodyAccount, Asset: pos.BorrowedAsset, Amount: req.RepayAmount,
	})
	plan.AddLeg(ledger.TransferCollateralSeizure, ledger.Transfer{
		From: lp.CustodyAccount, To: req.Liquidator, Asset: pos.CollateralAsset, Amount: seizedNet,
	})
	plan.AddFee(ledger.Transfer{
		From: lp.CustodyAccount, To: e.cfg.PlatformAccount, Asset: pos.CollateralAsset, Amount: fee,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return Result{}, err
	}

	bctx := context.WithoutCancel(ctx)

	var interestPaid, principalPaid fpmath.Amount
	updated, err := e.mutator.BorrowPosition(bctx, pos.ID, func(p *state.BorrowPosition) error {
		if p.Status != state.PositionActive {
			return fmt.Errorf("%w: %s became %s", ErrPositionClosed, p.ID, p.Status)
		}
		var err error
		interestPaid, principalPaid, err = p.ApplyRepayment(req.RepayAmount, now)
		if err != nil {
			return err
		}
		p.CollateralAmount -= seized
		if p.CollateralAmount < 0 {
			p.CollateralAmount = 0
		}
		return lending.Settle(p, before.CollateralPrice, before.DebtPrice, now, state.PositionLiquidated)
	})
	if err != nil {
		return Result{}, e.unrecorded(plan, err)
	}
	pool, err := e.mutator.LendingPool(bctx, pos.PoolID, func(p *state.LendingPool) error {
		lending.ApplyRecovery(p, interestPaid, principalPaid)
		return e.lending.RefreshRates(p)
	})
	if err != nil {
		return Result{}, e.unrecorded(plan, err)
	}

	fees := e.executor.ExecuteFees(bctx, plan)
	if !fees.Collected() && e.metrics != nil {
		e.metrics.FeeFailures.WithLabelValues("liquidate").Inc()
	}

	e.cache.Invalidate(bctx, cache.LendingPoolKey(pool.ID))
	for _, acct := range []string{pos.UserID, req.Liquidator} {
		e.cache.Invalidate(bctx, cache.BalanceKey(acct))
		e.cache.Invalidate(bctx, cache.PositionsKey(acct))
	}

	remaining := updated.BorrowedAmount + updated.CarriedInterest
	full := updated.Status == state.PositionLiquidated
	e.events.Publish(bctx, &event.Liquidated{
		PlanID:          plan.PlanID,
		PositionID:      pos.ID,
		Pool:            pos.PoolID,
		Liquidator:      req.Liquidator,
		Repaid:          req.RepayAmount,
		Seized:          seized,
		SeizedNet:       seizedNet,
		HealthBefore:    before.HealthFactor,
		HealthAfter:     updated.HealthFactor,
		RemainingDebt:   remaining,
		FullyLiquidated: full,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("position_id", pos.ID.String()).
		Str("liquidator", req.Liquidator).
		Str("repaid", req.RepayAmount.String()).
		Str("seized", seized.String()).
		Str("health_before", before.HealthFactor.String()).
		Str("health_after", updated.HealthFactor.String()).
		Bool("full", full).
		Msg("position liquidated")

	ids := make([]string, 0, len(settlement.Receipts)+len(fees.Receipts))
	for _, r := range settlement.Receipts {
		ids = append(ids, r.TxID)
	}
	for _, r := range fees.Receipts {
		ids = append(ids, r.TxID)
	}

	return Result{
		PlanID:        plan.PlanID,
		Repaid:        req.RepayAmount,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		Seized:        seized,
		SeizedNet:     seizedNet,
		Fee:           fee,
		FeeCollected:  fees.Collected(),
		HealthBefore:  before.HealthFactor,
		HealthAfter:   updated.HealthFactor,
		RemainingDebt: remaining,
		Position:      updated,
		TxIDs:         ids,
	}, nil
}

// reward converts repay*(1+bonus) from reference units into collateral,
// capped at what the position still holds.
func (e *Engine) reward(repay fpmath.Amount, a Appraisal, collateral fpmath.Amount) (fpmath.Amount, error) {
	repayValue, err := repay.Mul(a.DebtPrice, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	rewardValue, err := repayValue.Mul(fpmath.One+e.cfg.Risk.LiquidationBonus, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	units, err := rewardValue.Div(a.CollateralPrice, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.Min(units, collateral), nil
}

func (e *Engine) checkBalance(ctx context.Context, liquidator string, pos *state.BorrowPosition, repay fpmath.Amount) error {
	st, err := e.loader.Load(ctx, liquidator)
	if err != nil {
		return fmt.Errorf("load account %s: %w", liquidator, err)
	}
	return st.RequireFunds(pos.BorrowedAsset, repay, e.cfg.Ledger.MinReserve, e.cfg.Ledger.TxCost)
}

func (e *Engine) unrecorded(plan *ledger.Plan, err error) error {
	e.logger.Error().
		Str("plan_id", plan.PlanID.String()).
		Str("operation", plan.Operation).
		Err(err).
		Msg("settled on ledger but not recorded")
	return fmt.Errorf("%w: %s %s: %w", ledger.ErrUnrecorded, plan.Operation, plan.PlanID, err)
}

