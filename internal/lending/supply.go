package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/cache"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

// SupplyResult reports a settled supply or withdrawal. Position is nil once a
// withdrawal emptied it.
type SupplyResult struct {
	PlanID       uuid.UUID
	Gross        fpmath.Amount
	Net          fpmath.Amount
	Fee          fpmath.Amount
	FeeCollected bool
	TxIDs        []string
	Position     *state.SupplyPosition
	Pool         *state.LendingPool
}

func validateSupply(poolID, userID string, amount fpmath.Amount) error {
	if poolID == "" {
		return fault.Invalid("pool_id", "must be set")
	}
	if userID == "" {
		return fault.Invalid("user_id", "must be set")
	}
	return fault.RequirePositive("amount", amount)
}

// Supply deposits amount into the pool. The position and the pool are
// credited net of the payout fee, which goes to the platform account once the
// deposit settled.
func (e *Engine) Supply(ctx context.Context, poolID, userID string, amount fpmath.Amount) (SupplyResult, error) {
	start := time.Now()
	res, err := e.supply(ctx, poolID, userID, amount)
	e.observe("supply", start, err)
	return res, err
}

func (e *Engine) supply(ctx context.Context, poolID, userID string, amount fpmath.Amount) (SupplyResult, error) {
	if err := validateSupply(poolID, userID, amount); err != nil {
		return SupplyResult{}, err
	}

	unlock := e.locks.Lock(cache.LendingPoolKey(poolID))
	defer unlock()

	lp, err := e.mutator.Store().GetLendingPool(ctx, poolID)
	if err != nil {
		return SupplyResult{}, err
	}
	fee, net, err := e.payoutFee(amount)
	if err != nil {
		return SupplyResult{}, err
	}
	if net <= 0 {
		return SupplyResult{}, ErrAmountTooSmall
	}
	if err := e.requireDestination(fee, "supply"); err != nil {
		return SupplyResult{}, err
	}
	if err := e.checkBalance(ctx, userID, lp.Asset, amount, 2); err != nil {
		return SupplyResult{}, err
	}

	plan := ledger.NewPlan("supply")
	e.feeTrustpath(plan, lp.Asset, fee)
	plan.AddLeg(ledger.TransferSupplyDeposit, ledger.Transfer{
		From: userID, To: lp.CustodyAccount, Asset: lp.Asset, Amount: net,
	})
	plan.AddFee(ledger.Transfer{
		From: userID, To: e.cfg.PlatformAccount, Asset: lp.Asset, Amount: fee,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return SupplyResult{}, err
	}

	bctx := context.WithoutCancel(ctx)

	updated, err := e.mutator.LendingPool(bctx, poolID, func(p *state.LendingPool) error {
		p.TotalSupply += net
		return refreshRates(e.cfg.Rates, p)
	})
	if err != nil {
		return SupplyResult{}, e.unrecorded(plan, err)
	}
	pos, err := e.mutator.SupplyPosition(bctx, userID, poolID, func(sp *state.SupplyPosition) error {
		sp.Amount += net
		return nil
	})
	if err != nil {
		return SupplyResult{}, e.unrecorded(plan, err)
	}

	fees := e.recordFees(bctx, plan, "supply")
	e.poolChanged(bctx, updated, userID)
	e.events.Publish(bctx, &event.Supplied{
		PlanID: plan.PlanID, Pool: poolID, UserID: userID, Gross: amount, Net: net, Fee: fee,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("pool_id", poolID).
		Str("user", userID).
		Str("gross", amount.String()).
		Str("net", net.String()).
		Bool("fee_collected", fees.Collected()).
		Msg("supply recorded")

	return SupplyResult{
		PlanID:       plan.PlanID,
		Gross:        amount,
		Net:          net,
		Fee:          fee,
		FeeCollected: fees.Collected(),
		TxIDs:        txIDs(settlement, fees),
		Position:     pos,
		Pool:         updated,
	}, nil
}

// Withdraw pays amount out of the user's position, net of the payout fee. It
// needs amount within both the position and the pool's free liquidity.
func (e *Engine) Withdraw(ctx context.Context, poolID, userID string, amount fpmath.Amount) (SupplyResult, error) {
	start := time.Now()
	res, err := e.withdraw(ctx, poolID, userID, amount)
	e.observe("withdraw", start, err)
	return res, err
}

func (e *Engine) withdraw(ctx context.Context, poolID, userID string, amount fpmath.Amount) (SupplyResult, error) {
	if err := validateSupply(poolID, userID, amount); err != nil {
		return SupplyResult{}, err
	}

	unlock := e.locks.Lock(cache.LendingPoolKey(poolID))
	defer unlock()

	lp, err := e.mutator.Store().GetLendingPool(ctx, poolID)
	if err != nil {
		return SupplyResult{}, err
	}
	held := fpmath.Zero
	sp, err := e.mutator.Store().GetSupplyPosition(ctx, userID, poolID)
	switch {
	case err == nil:
		held = sp.Amount
	case !errors.Is(err, store.ErrNotFound):
		return SupplyResult{}, err
	}
	if amount > held {
		return SupplyResult{}, fault.Insufficient(fault.ResourcePosition, lp.Asset.Key(), amount, held)
	}
	if avail := lp.Available(); amount > avail {
		return SupplyResult{}, fault.Insufficient(fault.ResourceLiquidity, lp.Asset.Key(), amount, avail)
	}

	fee, net, err := e.payoutFee(amount)
	if err != nil {
		return SupplyResult{}, err
	}
	if net <= 0 {
		return SupplyResult{}, ErrAmountTooSmall
	}
	if err := e.requireDestination(fee, "withdraw"); err != nil {
		return SupplyResult{}, err
	}

	plan := ledger.NewPlan("withdraw")
	plan.AddTrustpath(userID, lp.Asset)
	e.feeTrustpath(plan, lp.Asset, fee)
	plan.AddLeg(ledger.TransferWithdrawPayout, ledger.Transfer{
		From: lp.CustodyAccount, To: userID, Asset: lp.Asset, Amount: net,
	})
	plan.AddFee(ledger.Transfer{
		From: lp.CustodyAccount, To: e.cfg.PlatformAccount, Asset: lp.Asset, Amount: fee,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return SupplyResult{}, err
	}

	bctx := context.WithoutCancel(ctx)

	updated, err := e.mutator.LendingPool(bctx, poolID, func(p *state.LendingPool) error {
		p.TotalSupply -= amount
		if p.TotalSupply < 0 {
			p.TotalSupply = 0
		}
		return refreshRates(e.cfg.Rates, p)
	})
	if err != nil {
		return SupplyResult{}, e.unrecorded(plan, err)
	}
	pos, err := e.mutator.SupplyPosition(bctx, userID, poolID, func(sp *state.SupplyPosition) error {
		if sp.Amount < amount {
			return fmt.Errorf("supply position of %s holds %s, withdrawing %s", userID, sp.Amount, amount)
		}
		sp.Amount -= amount
		return nil
	})
	if err != nil {
		return SupplyResult{}, e.unrecorded(plan, err)
	}

	fees := e.recordFees(bctx, plan, "withdraw")
	e.poolChanged(bctx, updated, userID)
	e.events.Publish(bctx, &event.Withdrawn{
		PlanID: plan.PlanID, Pool: poolID, UserID: userID, Gross: amount, Net: net, Fee: fee,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("pool_id", poolID).
		Str("user", userID).
		Str("gross", amount.String()).
		Str("net", net.String()).
		Bool("position_closed", pos == nil).
		Msg("withdrawal recorded")

	return SupplyResult{
		PlanID:       plan.PlanID,
		Gross:        amount,
		Net:          net,
		Fee:          fee,
		FeeCollected: fees.Collected(),
		TxIDs:        txIDs(settlement, fees),
		Position:     pos,
		Pool:         updated,
	}, nil
}

// unrecorded reports a settled plan whose bookkeeping could not be written.
func (e *Engine) unrecorded(plan *ledger.Plan, err error) error {
	e.logger.Error().
		Str("plan_id", plan.PlanID.String()).
		Str("operation", plan.Operation).
		Err(err).
		Msg("settled on ledger but not recorded")
	return fmt.Errorf("%w: %s %s: %w", ledger.ErrUnrecorded, plan.Operation, plan.PlanID, err)
}
