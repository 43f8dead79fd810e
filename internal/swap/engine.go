package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/asset"
	"DefiLedger/internal/cache"
	"DefiLedger/internal/core"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

var (
	ErrMissingDestination = fault.New(fault.KindConfiguration, "swap: platform fee destination not configured")
	ErrNoCustody          = fault.New(fault.KindConfiguration, "swap: pool has no custody account")
	ErrWrongOutputAsset   = fault.New(fault.KindValidation, "swap: output asset is not the pool's other asset")
)

// submissions the caller pays for on a swap: input and platform fee
const callerSubmissions = 2

// Config holds the swap fee schedule and ledger costs.
type Config struct {
	Fees            state.FeeSchedule
	Ledger          state.LedgerParams
	PlatformAccount string
}

// Engine quotes and executes swaps against AMM pools.
type Engine struct {
	mutator  *store.Mutator
	executor *ledger.Executor
	loader   *ledger.StateLoader
	locks    *core.KeyedMutex
	cache    cache.Invalidator
	events   event.Publisher
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewEngine(
	mutator *store.Mutator,
	executor *ledger.Executor,
	loader *ledger.StateLoader,
	locks *core.KeyedMutex,
	invalidator cache.Invalidator,
	events event.Publisher,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	if invalidator == nil {
		invalidator = cache.Noop{}
	}
	if events == nil {
		events = event.Nop{}
	}
	return &Engine{
		mutator:  mutator,
		executor: executor,
		loader:   loader,
		locks:    locks,
		cache:    invalidator,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// QuoteRequest prices a swap of Amount units of From into To.
type QuoteRequest struct {
	PoolID          string
	From            asset.Asset
	To              asset.Asset
	Amount          fpmath.Amount
	SlippagePercent fpmath.Amount
	CallerBalance   *fpmath.Amount // balance of From, optional
	NativeBalance   *fpmath.Amount // caller's native balance, optional; checked only with CallerBalance
}

// QuoteResult is what the caller sees before committing.
type QuoteResult struct {
	PoolID         string
	InputAsset     asset.Asset
	OutputAsset    asset.Asset
	Input          fpmath.Amount
	ExpectedOutput fpmath.Amount
	MinOut         fpmath.Amount
	PlatformFee    fpmath.Amount
	PoolFeePercent fpmath.Amount
	PriceImpactBps int64
}

// ExecuteRequest commits a swap. A nil MinOut is derived from the slippage
// tolerance against the fresh quote; an explicit zero sets no floor.
type ExecuteRequest struct {
	QuoteRequest
	UserAccount string
	MinOut      *fpmath.Amount
}

// ExecuteResult reports the settled swap.
type ExecuteResult struct {
	QuoteResult
	PlanID       uuid.UUID
	TxIDs        []string
	FeeCollected bool
	Pool         *state.Pool
}

func (r QuoteRequest) validate() error {
	if r.PoolID == "" {
		return fault.Invalid("pool_id", "must be set")
	}
	if err := fault.RequirePositive("amount", r.Amount); err != nil {
		return err
	}
	if r.SlippagePercent < 0 || r.SlippagePercent > fpmath.FromUnits(100) {
		return fault.Invalid("slippage_percent", "must be within [0, 100]")
	}
	return nil
}

// QuoteSwap prices a swap against the current pool state without moving
// anything.
func (e *Engine) QuoteSwap(ctx context.Context, req QuoteRequest) (QuoteResult, error) {
	if err := req.validate(); err != nil {
		return QuoteResult{}, err
	}
	pool, err := e.mutator.Store().GetPool(ctx, req.PoolID)
	if err != nil {
		return QuoteResult{}, err
	}
	res, _, err := e.price(pool, req)
	if err != nil {
		return QuoteResult{}, err
	}

	if st, ok := e.quotedAccount(req, res.InputAsset); ok {
		if err := e.checkBalance(res, st); err != nil {
			return res, err
		}
	}
	return res, nil
}

// quotedAccount builds the account view a quote is checked against from the
// balances the caller supplied. Without a native balance the transaction
// costs are assumed covered.
func (e *Engine) quotedAccount(req QuoteRequest, input asset.Asset) (ledger.AccountState, bool) {
	if req.CallerBalance == nil {
		return ledger.AccountState{}, false
	}
	st := ledger.AccountState{Balances: map[string]fpmath.Amount{input.Key(): *req.CallerBalance}}
	if !input.IsNative() {
		native := e.cfg.Ledger.MinReserve + e.cfg.Ledger.TxCost*callerSubmissions
		if req.NativeBalance != nil {
			native = *req.NativeBalance
		}
		st.Balances[asset.Native().Key()] = native
	}
	return st, true
}

func (e *Engine) price(pool *state.Pool, req QuoteRequest) (QuoteResult, amm.Quote, error) {
	q, err := amm.QuoteExactIn(pool, req.From, req.Amount)
	if err != nil {
		return QuoteResult{}, amm.Quote{}, err
	}
	if !q.OutputAsset.Matches(req.To) {
		return QuoteResult{}, amm.Quote{}, fmt.Errorf("%w: pool %s pays %s, asked for %s", ErrWrongOutputAsset, pool.ID, q.OutputAsset, req.To)
	}

	minOut, err := amm.MinOut(q.Output, req.SlippagePercent)
	if err != nil {
		return QuoteResult{}, amm.Quote{}, err
	}
	fee, err := req.Amount.MulBps(e.cfg.Fees.SwapFeeBps, fpmath.RoundDown)
	if err != nil {
		return QuoteResult{}, amm.Quote{}, err
	}

	return QuoteResult{
		PoolID:         pool.ID,
		InputAsset:     q.InputAsset,
		OutputAsset:    q.OutputAsset,
		Input:          req.Amount,
		ExpectedOutput: q.Output,
		MinOut:         minOut,
		PlatformFee:    fee,
		PoolFeePercent: fpmath.Amount(pool.FeeBps * (fpmath.Scale / 100)),
		PriceImpactBps: q.PriceImpactBps(),
	}, q, nil
}

// checkBalance verifies input + fee of the input asset, and native asset for
// the caller's submissions above the minimum reserve.
func (e *Engine) checkBalance(res QuoteResult, st ledger.AccountState) error {
	return st.RequireFunds(res.InputAsset, res.Input+res.PlatformFee,
		e.cfg.Ledger.MinReserve, e.cfg.Ledger.TxCost*callerSubmissions)
}

// ExecuteSwap re-prices against the freshest pool state, settles on the
// ledger and records the new reserves. The platform fee is only collected
// after the swap settled.
func (e *Engine) ExecuteSwap(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	start := time.Now()
	res, err := e.executeSwap(ctx, req)
	if e.metrics != nil {
		e.metrics.SwapDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.SwapsRejected.WithLabelValues(req.PoolID, fault.KindOf(err).String()).Inc()
		} else {
			e.metrics.SwapsExecuted.WithLabelValues(req.PoolID).Inc()
		}
	}
	return res, err
}

func (e *Engine) executeSwap(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := req.validate(); err != nil {
		return ExecuteResult{}, err
	}
	if req.UserAccount == "" {
		return ExecuteResult{}, fault.Invalid("user_account", "must be set")
	}
	if req.MinOut != nil && *req.MinOut < 0 {
		return ExecuteResult{}, fault.Invalid("min_out", "must be >= 0")
	}

	unlock := e.locks.Lock(cache.PoolKey(req.PoolID))
	defer unlock()

	pool, err := e.mutator.Store().GetPool(ctx, req.PoolID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if pool.CustodyAccount == "" {
		return ExecuteResult{}, fmt.Errorf("%w: %s", ErrNoCustody, pool.ID)
	}

	quoted, q, err := e.price(pool, req.QuoteRequest)
	if err != nil {
		return ExecuteResult{}, err
	}
	minOut := quoted.MinOut
	if req.MinOut != nil {
		minOut = *req.MinOut
	}
	quoted.MinOut = minOut
	if err := q.CheckMinOut(minOut); err != nil {
		return ExecuteResult{}, err
	}
	if quoted.PlatformFee > 0 && e.cfg.PlatformAccount == "" {
		e.logger.Error().Str("pool_id", pool.ID).Msg("platform fee destination missing")
		return ExecuteResult{}, ErrMissingDestination
	}

	acct, err := e.loader.Load(ctx, req.UserAccount)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("load account %s: %w", req.UserAccount, err)
	}
	if err := e.checkBalance(quoted, acct); err != nil {
		return ExecuteResult{}, err
	}

	plan := ledger.NewPlan("swap")
	if !acct.HasTrustpath(q.OutputAsset) {
		plan.AddTrustpath(req.UserAccount, q.OutputAsset)
	}
	if quoted.PlatformFee > 0 {
		plan.AddTrustpath(e.cfg.PlatformAccount, q.InputAsset)
	}
	plan.AddLeg(ledger.TransferSwapInput, ledger.Transfer{
		From: req.UserAccount, To: pool.CustodyAccount, Asset: q.InputAsset, Amount: q.Input,
	})
	plan.AddLeg(ledger.TransferSwapOutput, ledger.Transfer{
		From: pool.CustodyAccount, To: req.UserAccount, Asset: q.OutputAsset, Amount: q.Output,
	})
	plan.AddFee(ledger.Transfer{
		From: req.UserAccount, To: e.cfg.PlatformAccount, Asset: q.InputAsset, Amount: quoted.PlatformFee,
	})

	settlement, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return ExecuteResult{}, err
	}

	// transfers are final from here on; bookkeeping must not be cancelled
	bctx := context.WithoutCancel(ctx)

	updated, err := e.mutator.Pool(bctx, pool.ID, func(p *state.Pool) error {
		return amm.ApplySwap(p, q)
	})
	if err != nil {
		e.logger.Error().
			Str("plan_id", plan.PlanID.String()).
			Str("pool_id", pool.ID).
			Err(err).
			Msg("swap settled but reserves not recorded")
		return ExecuteResult{}, fmt.Errorf("%w: swap %s: %w", ledger.ErrUnrecorded, plan.PlanID, err)
	}

	fees := e.executor.ExecuteFees(bctx, plan)
	if !fees.Collected() && e.metrics != nil {
		e.metrics.FeeFailures.WithLabelValues("swap").Inc()
	}

	e.cache.Invalidate(bctx, cache.PoolKey(pool.ID))
	e.cache.Invalidate(bctx, cache.BalanceKey(req.UserAccount))
	if e.metrics != nil {
		e.metrics.PoolReserve.WithLabelValues(pool.ID, updated.AssetA.Key()).Set(updated.ReserveA.Float64())
		e.metrics.PoolReserve.WithLabelValues(pool.ID, updated.AssetB.Key()).Set(updated.ReserveB.Float64())
	}

	e.events.Publish(bctx, &event.SwapExecuted{
		PlanID:       plan.PlanID,
		Pool:         pool.ID,
		UserID:       req.UserAccount,
		InputAsset:   q.InputAsset,
		OutputAsset:  q.OutputAsset,
		Input:        q.Input,
		Output:       q.Output,
		PlatformFee:  quoted.PlatformFee,
		FeeCollected: fees.Collected(),
		ReserveA:     updated.ReserveA,
		ReserveB:     updated.ReserveB,
	})

	e.logger.Info().
		Str("plan_id", plan.PlanID.String()).
		Str("pool_id", pool.ID).
		Str("user", req.UserAccount).
		Str("input", q.Input.String()).
		Str("output", q.Output.String()).
		Str("fee", quoted.PlatformFee.String()).
		Bool("fee_collected", fees.Collected()).
		Msg("swap executed")

	txIDs := make([]string, 0, len(settlement.Receipts)+len(fees.Receipts))
	for _, r := range settlement.Receipts {
		txIDs = append(txIDs, r.TxID)
	}
	for _, r := range fees.Receipts {
		txIDs = append(txIDs, r.TxID)
	}

	return ExecuteResult{
		QuoteResult:  quoted,
		PlanID:       plan.PlanID,
		TxIDs:        txIDs,
		FeeCollected: fees.Collected(),
		Pool:         updated,
	}, nil
}

// CreatePool seeds a new AMM pool.
func (e *Engine) CreatePool(ctx context.Context, id string, assetA, assetB asset.Asset, reserveA, reserveB fpmath.Amount, feeBps int64, custody string) (*state.Pool, error) {
	if id == "" {
		return nil, fault.Invalid("pool_id", "must be set")
	}
	p, err := amm.NewPool(id, assetA, assetB, reserveA, reserveB, feeBps, custody)
	if err != nil {
		return nil, err
	}
	if err := e.mutator.Store().SavePool(ctx, p); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("pool %s already exists: %w", id, err)
		}
		return nil, err
	}
	e.logger.Info().Str("pool_id", id).Str("reserve_a", reserveA.String()).Str("reserve_b", reserveB.String()).Msg("pool created")
	return p, nil
}

// GetPool returns the current pool state.
func (e *Engine) GetPool(ctx context.Context, id string) (*state.Pool, error) {
	return e.mutator.Store().GetPool(ctx, id)
}
