package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/asset"
	"DefiLedger/internal/cache"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

// submissions the provider pays for on a deposit: one per asset
const depositSubmissions = 2

// AddLiquidityRequest deposits up to AmountA and AmountB into a pool.
type AddLiquidityRequest struct {
	PoolID      string
	UserAccount string
	AmountA     fpmath.Amount
	AmountB     fpmath.Amount
}

// AddLiquidityResult reports the settled deposit. Only the amounts the
// minted shares are worth are taken.
type AddLiquidityResult struct {
	PlanID      uuid.UUID
	UsedA       fpmath.Amount
	UsedB       fpmath.Amount
	Minted      fpmath.Amount
	TotalShares fpmath.Amount // provider's holding after the deposit
	TxIDs       []string
	Pool        *state.Pool
}

// RemoveLiquidityRequest burns Shares of the provider's holding.
type RemoveLiquidityRequest struct {
	PoolID      string
	UserAccount string
	Shares      fpmath.Amount
}

// RemoveLiquidityResult reports the payout of a withdrawal.
type RemoveLiquidityResult struct {
	PlanID          uuid.UUID
	AmountA         fpmath.Amount
	AmountB         fpmath.Amount
	Burned          fpmath.Amount
	RemainingShares fpmath.Amount
	TxIDs           []string
	Pool            *state.Pool
}

func requireAccount(poolID, account string) error {
	if poolID == "" {
		return fault.Invalid("pool_id", "must be set")
	}
	if account == "" {
		return fault.Invalid("user_account", "must be set")
	}
	return nil
}

// AddLiquidity moves the provider's deposit into pool custody and mints
// shares for it. The pool must already hold reserves.
func (e *Engine) AddLiquidity(ctx context.Context, req AddLiquidityRequest) (AddLiquidityResult, error) {
	res, err := e.addLiquidity(ctx, req)
	e.observeLiquidity(req.PoolID, "add", err)
	return res, err
}

func (e *Engine) addLiquidity(ctx context.Context, req AddLiquidityRequest) (AddLiquidityResult, error) {
	if err := requireAccount(req.PoolID, req.UserAccount); err != nil {
		return AddLiquidityResult{}, err
	}

	unlock := e.locks.Lock(cache.PoolKey(req.PoolID))
	defer unlock()

	pool, err := e.custodiedPool(ctx, req.PoolID)
	if err != nil {
		return AddLiquidityResult{}, err
	}
	dep, err := amm.AddLiquidity(pool.Clone(), req.AmountA, req.AmountB)
	if err != nil {
		return AddLiquidityResult{}, err
	}

	acct, err := e.loader.Load(ctx, req.UserAccount)
	if err != nil {
		return AddLiquidityResult{}, fmt.Errorf("load account %s: %w", req.UserAccount, err)
	}
	cost := e.cfg.Ledger.TxCost * depositSubmissions
	for _, need := range []struct {
		a      asset.Asset
		amount fpmath.Amount
	}{{pool.AssetA, dep.UsedA}, {pool.AssetB, dep.UsedB}} {
		if err := acct.RequireFunds(need.a, need.amount, e.cfg.Ledger.MinReserve, cost); err != nil {
			return AddLiquidityResult{}, err
		}
	}

	plan := ledger.NewPlan("add_liquidity")
	plan.AddTrustpath(pool.CustodyAccount, pool.AssetA)
	plan.AddTrustpath(pool.CustodyAccount, pool.AssetB)
	plan.AddLeg(ledger.TransferLiquidityDeposit, ledger.Transfer{
		From: req.UserAccount, To: pool.CustodyAccount, Asset: pool.AssetA, Amount: dep.UsedA,
	})
	plan.AddLeg(ledger.TransferLiquidityDeposit, ledger.Transfer{
		From: req.UserAccount, To: pool.CustodyAccount, Asset: pool.AssetB, Amount: dep.UsedB,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return AddLiquidityResult{}, err
	}

	bctx := context.WithoutCancel(ctx)

	updated, err := e.mutator.Pool(bctx, pool.ID, func(p *state.Pool) error {
		p.ReserveA += dep.UsedA
		p.ReserveB += dep.UsedB
		p.TotalShares += dep.Shares
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return AddLiquidityResult{}, e.unrecorded(plan, pool.ID, "reserves", err)
	}
	held, err := e.mutator.LiquidityShare(bctx, req.UserAccount, pool.ID, func(ls *state.LiquidityShare) error {
		ls.Shares += dep.Shares
		return nil
	})
	if err != nil {
		return AddLiquidityResult{}, e.unrecorded(plan, pool.ID, "shares", err)
	}

	e.settledLiquidity(bctx, updated, req.UserAccount)
	e.events.Publish(bctx, &event.LiquidityAdded{
		PlanID:   plan.PlanID,
		Pool:     pool.ID,
		UserID:   req.UserAccount,
		AmountA:  dep.UsedA,
		AmountB:  dep.UsedB,
		Shares:   dep.Shares,
		ReserveA: updated.ReserveA,
		ReserveB: updated.ReserveB,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("pool_id", pool.ID).
		Str("user", req.UserAccount).
		Str("used_a", dep.UsedA.String()).
		Str("used_b", dep.UsedB.String()).
		Str("shares", dep.Shares.String()).
		Msg("liquidity added")

	return AddLiquidityResult{
		PlanID:      plan.PlanID,
		UsedA:       dep.UsedA,
		UsedB:       dep.UsedB,
		Minted:      dep.Shares,
		TotalShares: held.Shares,
		TxIDs:       receiptIDs(settlement),
		Pool:        updated,
	}, nil
}

// RemoveLiquidity burns shares the provider holds and pays out the
// proportional slice of both reserves from custody.
func (e *Engine) RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (RemoveLiquidityResult, error) {
	res, err := e.removeLiquidity(ctx, req)
	e.observeLiquidity(req.PoolID, "remove", err)
	return res, err
}

func (e *Engine) removeLiquidity(ctx context.Context, req RemoveLiquidityRequest) (RemoveLiquidityResult, error) {
	if err := requireAccount(req.PoolID, req.UserAccount); err != nil {
		return RemoveLiquidityResult{}, err
	}
	if err := fault.RequirePositive("shares", req.Shares); err != nil {
		return RemoveLiquidityResult{}, err
	}

	unlock := e.locks.Lock(cache.PoolKey(req.PoolID))
	defer unlock()

	pool, err := e.custodiedPool(ctx, req.PoolID)
	if err != nil {
		return RemoveLiquidityResult{}, err
	}

	var held fpmath.Amount
	ls, err := e.mutator.Store().GetLiquidityShare(ctx, req.UserAccount, pool.ID)
	switch {
	case err == nil:
		held = ls.Shares
	case !errors.Is(err, store.ErrNotFound):
		return RemoveLiquidityResult{}, err
	}
	if req.Shares > held {
		return RemoveLiquidityResult{}, fault.Insufficient(fault.ResourcePosition, pool.ID, req.Shares, held)
	}

	outA, outB, err := amm.RemoveLiquidity(pool.Clone(), req.Shares)
	if err != nil {
		return RemoveLiquidityResult{}, err
	}
	if outA <= 0 && outB <= 0 {
		return RemoveLiquidityResult{}, amm.ErrOutputTooSmall
	}

	acct, err := e.loader.Load(ctx, req.UserAccount)
	if err != nil {
		return RemoveLiquidityResult{}, fmt.Errorf("load account %s: %w", req.UserAccount, err)
	}

	plan := ledger.NewPlan("remove_liquidity")
	for _, out := range []struct {
		a      asset.Asset
		amount fpmath.Amount
	}{{pool.AssetA, outA}, {pool.AssetB, outB}} {
		if out.amount <= 0 {
			continue
		}
		if !acct.HasTrustpath(out.a) {
			plan.AddTrustpath(req.UserAccount, out.a)
		}
		plan.AddLeg(ledger.TransferLiquidityWithdrawal, ledger.Transfer{
			From: pool.CustodyAccount, To: req.UserAccount, Asset: out.a, Amount: out.amount,
		})
	}
	if n := len(plan.Trustpaths); n > 0 {
		// opening a trustpath is the provider's own submission
		if err := acct.RequireFunds(asset.Native(), 0, e.cfg.Ledger.MinReserve, e.cfg.Ledger.TxCost*fpmath.Amount(n)); err != nil {
			return RemoveLiquidityResult{}, err
		}
	}

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return RemoveLiquidityResult{}, err
	}

	bctx := context.WithoutCancel(ctx)

	updated, err := e.mutator.Pool(bctx, pool.ID, func(p *state.Pool) error {
		if p.TotalShares < req.Shares || p.ReserveA < outA || p.ReserveB < outB {
			return fmt.Errorf("%w: pool %s moved under the lock", store.ErrVersionConflict, p.ID)
		}
		p.ReserveA -= outA
		p.ReserveB -= outB
		p.TotalShares -= req.Shares
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return RemoveLiquidityResult{}, e.unrecorded(plan, pool.ID, "reserves", err)
	}
	left, err := e.mutator.LiquidityShare(bctx, req.UserAccount, pool.ID, func(ls *state.LiquidityShare) error {
		ls.Shares -= req.Shares
		if ls.Shares < 0 {
			ls.Shares = 0
		}
		return nil
	})
	if err != nil {
		return RemoveLiquidityResult{}, e.unrecorded(plan, pool.ID, "shares", err)
	}
	var remaining fpmath.Amount
	if left != nil {
		remaining = left.Shares
	}

	e.settledLiquidity(bctx, updated, req.UserAccount)
	e.events.Publish(bctx, &event.LiquidityRemoved{
		PlanID:   plan.PlanID,
		Pool:     pool.ID,
		UserID:   req.UserAccount,
		Shares:   req.Shares,
		AmountA:  outA,
		AmountB:  outB,
		ReserveA: updated.ReserveA,
		ReserveB: updated.ReserveB,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("pool_id", pool.ID).
		Str("user", req.UserAccount).
		Str("shares", req.Shares.String()).
		Str("out_a", outA.String()).
		Str("out_b", outB.String()).
		Msg("liquidity removed")

	return RemoveLiquidityResult{
		PlanID:          plan.PlanID,
		AmountA:         outA,
		AmountB:         outB,
		Burned:          req.Shares,
		RemainingShares: remaining,
		TxIDs:           receiptIDs(settlement),
		Pool:            updated,
	}, nil
}

func (e *Engine) custodiedPool(ctx context.Context, id string) (*state.Pool, error) {
	pool, err := e.mutator.Store().GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	if pool.CustodyAccount == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCustody, pool.ID)
	}
	return pool, nil
}

func (e *Engine) unrecorded(plan *ledger.Plan, poolID, what string, err error) error {
	e.logger.Error().
		Str("plan_id", plan.PlanID.String()).
		Str("pool_id", poolID).
		Str("operation", plan.Operation).
		Err(err).
		Msgf("liquidity settled but %s not recorded", what)
	return fmt.Errorf("%w: %s %s: %w", ledger.ErrUnrecorded, plan.Operation, plan.PlanID, err)
}

func (e *Engine) settledLiquidity(ctx context.Context, p *state.Pool, account string) {
	e.cache.Invalidate(ctx, cache.PoolKey(p.ID))
	e.cache.Invalidate(ctx, cache.BalanceKey(account))
	if e.metrics != nil {
		e.metrics.PoolReserve.WithLabelValues(p.ID, p.AssetA.Key()).Set(p.ReserveA.Float64())
		e.metrics.PoolReserve.WithLabelValues(p.ID, p.AssetB.Key()).Set(p.ReserveB.Float64())
	}
}

func (e *Engine) observeLiquidity(poolID, op string, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = fault.KindOf(err).String()
	}
	e.metrics.LiquidityOps.WithLabelValues(poolID, op, outcome).Inc()
}

func receiptIDs(s ledger.Settlement) []string {
	ids := make([]string, 0, len(s.Receipts))
	for _, r := range s.Receipts {
		ids = append(ids, r.TxID)
	}
	return ids
}
