package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/cache"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/oracle"
	"DefiLedger/internal/state"
)

// BorrowRequest opens a collateralised loan of BorrowAmount in the pool's asset.
type BorrowRequest struct {
	PoolID           string
	UserID           string
	CollateralAsset  asset.Asset
	CollateralAmount fpmath.Amount
	BorrowAmount     fpmath.Amount
}

func (r BorrowRequest) validate() error {
	if r.PoolID == "" {
		return fault.Invalid("pool_id", "must be set")
	}
	if r.UserID == "" {
		return fault.Invalid("user_id", "must be set")
	}
	if err := fault.RequirePositive("collateral_amount", r.CollateralAmount); err != nil {
		return err
	}
	return fault.RequirePositive("borrow_amount", r.BorrowAmount)
}

// BorrowResult reports the opened position.
type BorrowResult struct {
	PlanID          uuid.UUID
	Position        *state.BorrowPosition
	Pool            *state.LendingPool
	CreditScore     int
	CollateralValue fpmath.Amount
	BorrowValue     fpmath.Amount
	TxIDs           []string
}

// Borrow checks credit, collateral and liquidity, then takes the collateral
// into custody and disburses the loan. The recorded principal includes the
// origination fee.
func (e *Engine) Borrow(ctx context.Context, req BorrowRequest) (BorrowResult, error) {
	start := time.Now()
	res, err := e.borrow(ctx, req)
	e.observe("borrow", start, err)
	return res, err
}

func (e *Engine) borrow(ctx context.Context, req BorrowRequest) (BorrowResult, error) {
	if err := req.validate(); err != nil {
		return BorrowResult{}, err
	}

	score, err := e.credit.RequireEligible(ctx, req.UserID)
	if err != nil {
		return BorrowResult{}, err
	}

	unlock := e.locks.Lock(cache.LendingPoolKey(req.PoolID))
	defer unlock()

	lp, err := e.mutator.Store().GetLendingPool(ctx, req.PoolID)
	if err != nil {
		return BorrowResult{}, err
	}
	ltv := lp.LTVFor(req.CollateralAsset)
	if ltv <= 0 {
		return BorrowResult{}, fmt.Errorf("%w: %s in %s", ErrCollateralRejected, req.CollateralAsset, lp.ID)
	}

	collateralPrice, debtPrice, err := oracle.Pair(ctx, e.oracle, req.CollateralAsset, lp.Asset)
	if err != nil {
		return BorrowResult{}, err
	}
	collateralValue, err := req.CollateralAmount.Mul(collateralPrice, fpmath.RoundDown)
	if err != nil {
		return BorrowResult{}, err
	}
	borrowValue, err := req.BorrowAmount.Mul(debtPrice, fpmath.RoundUp)
	if err != nil {
		return BorrowResult{}, err
	}
	maxBorrowValue, err := collateralValue.Mul(ltv, fpmath.RoundDown)
	if err != nil {
		return BorrowResult{}, err
	}
	if maxBorrowValue < borrowValue {
		return BorrowResult{}, fault.Insufficient(fault.ResourceCollateral, req.CollateralAsset.Key(), borrowValue, maxBorrowValue)
	}
	if avail := lp.Available(); avail < req.BorrowAmount {
		return BorrowResult{}, fault.Insufficient(fault.ResourceLiquidity, lp.Asset.Key(), req.BorrowAmount, avail)
	}

	baseRate := e.cfg.Risk.SmallBusinessRate
	if borrowValue > e.cfg.Risk.BusinessThreshold {
		baseRate = e.cfg.Risk.BigBusinessRate
	}
	rateYearly, err := e.credit.ApplyCreditDiscount(baseRate, score)
	if err != nil {
		return BorrowResult{}, err
	}
	rateMonthly, err := fpmath.MonthlyFromYearly(rateYearly)
	if err != nil {
		return BorrowResult{}, err
	}
	origination, err := req.BorrowAmount.MulBps(e.cfg.Fees.OriginationFeeBps, fpmath.RoundUp)
	if err != nil {
		return BorrowResult{}, err
	}
	hf, err := HealthFactor(collateralValue, ltv, borrowValue)
	if err != nil {
		return BorrowResult{}, err
	}

	if err := e.checkBalance(ctx, req.UserID, req.CollateralAsset, req.CollateralAmount, 1); err != nil {
		return BorrowResult{}, err
	}

	plan := ledger.NewPlan("borrow")
	plan.AddTrustpath(req.UserID, lp.Asset)
	plan.AddLeg(ledger.TransferCollateralDeposit, ledger.Transfer{
		From: req.UserID, To: lp.CustodyAccount, Asset: req.CollateralAsset, Amount: req.CollateralAmount,
	})
	plan.AddLeg(ledger.TransferLoanDisbursement, ledger.Transfer{
		From: lp.CustodyAccount, To: req.UserID, Asset: lp.Asset, Amount: req.BorrowAmount,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return BorrowResult{}, err
	}

	bctx := context.WithoutCancel(ctx)
	now := e.now()

	pos := &state.BorrowPosition{
		ID:               uuid.New(),
		UserID:           req.UserID,
		PoolID:           lp.ID,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowedAsset:    lp.Asset,
		BorrowedAmount:   req.BorrowAmount + origination,
		RateYearly:       rateYearly,
		RateMonthly:      rateMonthly,
		LTV:              ltv,
		HealthFactor:     hf,
		Status:           state.PositionActive,
		CreatedAt:        now,
		AccrualStart:     now,
	}
	if err := e.mutator.Store().SaveBorrowPosition(bctx, pos); err != nil {
		return BorrowResult{}, e.unrecorded(plan, err)
	}
	updated, err := e.mutator.LendingPool(bctx, lp.ID, func(p *state.LendingPool) error {
		p.TotalBorrow += req.BorrowAmount
		return refreshRates(e.cfg.Rates, p)
	})
	if err != nil {
		return BorrowResult{}, e.unrecorded(plan, err)
	}

	e.poolChanged(bctx, updated, req.UserID)
	e.events.Publish(bctx, &event.Borrowed{
		PlanID:           plan.PlanID,
		PositionID:       pos.ID,
		Pool:             lp.ID,
		UserID:           req.UserID,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount,
		Disbursed:        req.BorrowAmount,
		Debt:             pos.BorrowedAmount,
		RateYearly:       rateYearly,
		HealthFactor:     hf,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("position_id", pos.ID.String()).
		Str("pool_id", lp.ID).
		Str("user", req.UserID).
		Str("disbursed", req.BorrowAmount.String()).
		Str("debt", pos.BorrowedAmount.String()).
		Str("rate_yearly", rateYearly.String()).
		Str("health_factor", hf.String()).
		Int("credit_score", score).
		Msg("loan opened")

	return BorrowResult{
		PlanID:          plan.PlanID,
		Position:        pos,
		Pool:            updated,
		CreditScore:     score,
		CollateralValue: collateralValue,
		BorrowValue:     borrowValue,
		TxIDs:           txIDs(settlement, ledger.FeeOutcome{}),
	}, nil
}

// RepayResult reports an applied repayment. ReleasePending is set when the
// position closed but its collateral could not be returned yet.
type RepayResult struct {
	PlanID             uuid.UUID
	Paid               fpmath.Amount
	InterestPaid       fpmath.Amount
	PrincipalPaid      fpmath.Amount
	RemainingDebt      fpmath.Amount
	Position           *state.BorrowPosition
	CollateralReleased fpmath.Amount
	ReleasePending     bool
	TxIDs              []string
}

// Repay pays down a position, interest first. Payments above the outstanding
// debt are capped. The accrual clock restarts at the time of payment; a
// position with no principal left becomes repaid and its collateral is
// released.
func (e *Engine) Repay(ctx context.Context, positionID uuid.UUID, amount fpmath.Amount) (RepayResult, error) {
	start := time.Now()
	res, err := e.repay(ctx, positionID, amount)
	e.observe("repay", start, err)
	if err != nil || res.Position.Status != state.PositionRepaid {
		return res, err
	}

	rel, rerr := e.ReleaseCollateral(context.WithoutCancel(ctx), positionID)
	if rerr != nil {
		e.logger.Warn().
			Str("position_id", positionID.String()).
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

func (e *Engine) repay(ctx context.Context, positionID uuid.UUID, amount fpmath.Amount) (RepayResult, error) {
	if err := fault.RequirePositive("amount", amount); err != nil {
		return RepayResult{}, err
	}

	unlock := e.locks.Lock(cache.PositionKey(positionID.String()))
	defer unlock()

	pos, err := e.mutator.Store().GetBorrowPosition(ctx, positionID)
	if err != nil {
		return RepayResult{}, err
	}
	if pos.Status != state.PositionActive {
		return RepayResult{}, fmt.Errorf("%w: %s is %s", ErrPositionClosed, pos.ID, pos.Status)
	}
	lp, err := e.mutator.Store().GetLendingPool(ctx, pos.PoolID)
	if err != nil {
		return RepayResult{}, err
	}

	now := e.now()
	debt, err := pos.TotalDebt(now)
	if err != nil {
		return RepayResult{}, err
	}
	pay := fpmath.Min(amount, debt)
	if pay <= 0 {
		return RepayResult{}, fault.Invalid("amount", "position owes nothing")
	}

	collateralPrice, debtPrice, err := oracle.Pair(ctx, e.oracle, pos.CollateralAsset, pos.BorrowedAsset)
	if err != nil {
		return RepayResult{}, err
	}
	if err := e.checkBalance(ctx, pos.UserID, pos.BorrowedAsset, pay, 1); err != nil {
		return RepayResult{}, err
	}

	plan := ledger.NewPlan("repay")
	plan.AddLeg(ledger.TransferRepayment, ledger.Transfer{
		From: pos.UserID, To: lp.CustodyAccount, Asset: pos.BorrowedAsset, Amount: pay,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return RepayResult{}, err
	}

	bctx := context.WithoutCancel(ctx)

	var interestPaid, principalPaid fpmath.Amount
	updated, err := e.mutator.BorrowPosition(bctx, positionID, func(p *state.BorrowPosition) error {
		if p.Status != state.PositionActive {
			return fmt.Errorf("%w: %s became %s", ErrPositionClosed, p.ID, p.Status)
		}
		var err error
		interestPaid, principalPaid, err = p.ApplyRepayment(pay, now)
		if err != nil {
			return err
		}
		return Settle(p, collateralPrice, debtPrice, now, state.PositionRepaid)
	})
	if err != nil {
		return RepayResult{}, e.unrecorded(plan, err)
	}
	pool, err := e.mutator.LendingPool(bctx, pos.PoolID, func(p *state.LendingPool) error {
		ApplyRecovery(p, interestPaid, principalPaid)
		return refreshRates(e.cfg.Rates, p)
	})
	if err != nil {
		return RepayResult{}, e.unrecorded(plan, err)
	}

	remaining := updated.BorrowedAmount + updated.CarriedInterest
	e.poolChanged(bctx, pool, pos.UserID)
	e.events.Publish(bctx, &event.Repaid{
		PlanID:        plan.PlanID,
		PositionID:    pos.ID,
		Pool:          pos.PoolID,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		Remaining:     remaining,
		Status:        updated.Status.String(),
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("position_id", pos.ID.String()).
		Str("interest_paid", interestPaid.String()).
		Str("principal_paid", principalPaid.String()).
		Str("remaining", remaining.String()).
		Str("status", updated.Status.String()).
		Msg("repayment recorded")

	return RepayResult{
		PlanID:        plan.PlanID,
		Paid:          pay,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		RemainingDebt: remaining,
		Position:      updated,
		TxIDs:         txIDs(settlement, ledger.FeeOutcome{}),
	}, nil
}

// Settle refreshes a position's health factor after its debt or collateral
// changed, and closes it with terminal once no principal is left.
func Settle(p *state.BorrowPosition, collateralPrice, debtPrice fpmath.Amount, now time.Time, terminal state.PositionStatus) error {
	next := state.PositionActive
	if p.BorrowedAmount <= 0 {
		next = terminal
	}
	if !terminal.IsTerminal() || !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, next)
	}
	if next != state.PositionActive {
		p.BorrowedAmount = 0
		p.CarriedInterest = 0
		p.HealthFactor = MaxHealthFactor
		p.Status = terminal
		switch terminal {
		case state.PositionRepaid:
			p.RepaidAt = &now
		case state.PositionLiquidated:
			p.LiquidatedAt = &now
		}
		return nil
	}
	v, err := Appraise(p, collateralPrice, debtPrice, now)
	if err != nil {
		return err
	}
	p.HealthFactor = v.HealthFactor
	return nil
}

// ApplyRecovery books a repayment against the pool. Interest grows the
// supply; principal frees borrowed liquidity. Principal includes the
// origination fee, which never entered TotalBorrow, so the reduction is
// clamped at zero.
func ApplyRecovery(p *state.LendingPool, interestPaid, principalPaid fpmath.Amount) {
	p.TotalSupply += interestPaid
	p.TotalBorrow -= principalPaid
	if p.TotalBorrow < 0 {
		p.TotalBorrow = 0
	}
}

// RefreshRates recomputes a pool's displayed rates with the engine's model.
func (e *Engine) RefreshRates(p *state.LendingPool) error {
	return refreshRates(e.cfg.Rates, p)
}

// ReleaseResult reports returned collateral.
type ReleaseResult struct {
	PlanID uuid.UUID
	Amount fpmath.Amount
	TxIDs  []string
}

// ReleaseCollateral returns what is left of a closed position's collateral to
// the borrower. It is a no-op once nothing is left.
func (e *Engine) ReleaseCollateral(ctx context.Context, positionID uuid.UUID) (ReleaseResult, error) {
	unlock := e.locks.Lock(cache.PositionKey(positionID.String()))
	defer unlock()

	pos, err := e.mutator.Store().GetBorrowPosition(ctx, positionID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !pos.Status.IsTerminal() {
		return ReleaseResult{}, fmt.Errorf("%w: %s", ErrPositionOpen, pos.ID)
	}
	if pos.CollateralAmount <= 0 {
		return ReleaseResult{}, nil
	}
	lp, err := e.mutator.Store().GetLendingPool(ctx, pos.PoolID)
	if err != nil {
		return ReleaseResult{}, err
	}

	amount := pos.CollateralAmount
	plan := ledger.NewPlan("release_collateral")
	plan.AddTrustpath(pos.UserID, pos.CollateralAsset)
	plan.AddLeg(ledger.TransferCollateralRelease, ledger.Transfer{
		From: lp.CustodyAccount, To: pos.UserID, Asset: pos.CollateralAsset, Amount: amount,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return ReleaseResult{}, err
	}

	bctx := context.WithoutCancel(ctx)
	if _, err := e.mutator.BorrowPosition(bctx, positionID, func(p *state.BorrowPosition) error {
		p.CollateralAmount -= amount
		if p.CollateralAmount < 0 {
			p.CollateralAmount = 0
		}
		return nil
	}); err != nil {
		return ReleaseResult{}, e.unrecorded(plan, err)
	}

	e.cache.Invalidate(bctx, cache.BalanceKey(pos.UserID))
	e.cache.Invalidate(bctx, cache.PositionsKey(pos.UserID))
	e.events.Publish(bctx, &event.CollateralReleased{
		PlanID: plan.PlanID, PositionID: pos.ID, Pool: pos.PoolID, Asset: pos.CollateralAsset, Amount: amount,
	})
	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("position_id", pos.ID.String()).
		Str("amount", amount.String()).
		Msg("collateral released")

	return ReleaseResult{PlanID: plan.PlanID, Amount: amount, TxIDs: txIDs(settlement, ledger.FeeOutcome{})}, nil
}
