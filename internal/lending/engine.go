package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/cache"
	"DefiLedger/internal/core"
	"DefiLedger/internal/credit"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/oracle"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

var (
	ErrMissingDestination = fault.New(fault.KindConfiguration, "lending: platform fee destination not configured")
	ErrPositionClosed     = fault.New(fault.KindValidation, "lending: position is not active")
	ErrPositionOpen       = fault.New(fault.KindValidation, "lending: position is still active")
	ErrCollateralRejected = fault.New(fault.KindValidation, "lending: collateral asset not accepted by pool")
	ErrAmountTooSmall     = fault.New(fault.KindValidation, "lending: amount does not cover the payout fee")
	ErrIllegalTransition  = fault.New(fault.KindConflict, "lending: illegal position status transition")
)

// Config holds the lending fee schedule, borrow pricing and ledger costs.
type Config struct {
	Fees            state.FeeSchedule
	Risk            state.RiskParams
	Rates           state.RateModel
	Ledger          state.LedgerParams
	PlatformAccount string
}

// Engine keeps the books of lending pools and their supply and borrow
// positions. Every value movement settles on the ledger before any
// bookkeeping is written.
type Engine struct {
	mutator  *store.Mutator
	executor *ledger.Executor
	loader   *ledger.StateLoader
	credit   *credit.Engine
	oracle   oracle.PriceOracle
	locks    *core.KeyedMutex
	cache    cache.Invalidator
	events   event.Publisher
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewEngine(
	mutator *store.Mutator,
	executor *ledger.Executor,
	loader *ledger.StateLoader,
	creditEngine *credit.Engine,
	priceOracle oracle.PriceOracle,
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
		credit:   creditEngine,
		oracle:   priceOracle,
		locks:    locks,
		cache:    invalidator,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock used for interest accrual.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = fault.KindOf(err).String()
	}
	e.metrics.LendingOps.WithLabelValues(op, outcome).Inc()
	e.metrics.LendingOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// payoutFee splits amount into the platform's cut and what moves on.
func (e *Engine) payoutFee(amount fpmath.Amount) (fee, net fpmath.Amount, err error) {
	fee, err = amount.MulBps(e.cfg.Fees.PayoutFeeBps, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	return fee, amount - fee, nil
}

func (e *Engine) requireDestination(fee fpmath.Amount, op string) error {
	if fee > 0 && e.cfg.PlatformAccount == "" {
		e.logger.Error().Str("operation", op).Msg("platform fee destination missing")
		return ErrMissingDestination
	}
	return nil
}

// feeTrustpath lets the platform account receive a fee in a.
func (e *Engine) feeTrustpath(plan *ledger.Plan, a asset.Asset, fee fpmath.Amount) {
	if fee > 0 {
		plan.AddTrustpath(e.cfg.PlatformAccount, a)
	}
}

// checkBalance verifies account can send amount of a and pay for its
// submissions in native asset without dropping below the minimum reserve.
func (e *Engine) checkBalance(ctx context.Context, account string, a asset.Asset, amount fpmath.Amount, submissions int64) error {
	st, err := e.loader.Load(ctx, account)
	if err != nil {
		return fmt.Errorf("load account %s: %w", account, err)
	}
	return st.RequireFunds(a, amount, e.cfg.Ledger.MinReserve, e.cfg.Ledger.TxCost*fpmath.Amount(submissions))
}

func (e *Engine) recordFees(ctx context.Context, plan *ledger.Plan, op string) ledger.FeeOutcome {
	fees := e.executor.ExecuteFees(ctx, plan)
	if !fees.Collected() && e.metrics != nil {
		e.metrics.FeeFailures.WithLabelValues(op).Inc()
	}
	return fees
}

func (e *Engine) poolChanged(ctx context.Context, lp *state.LendingPool, accounts ...string) {
	e.cache.Invalidate(ctx, cache.LendingPoolKey(lp.ID))
	for _, a := range accounts {
		e.cache.Invalidate(ctx, cache.BalanceKey(a))
		e.cache.Invalidate(ctx, cache.PositionsKey(a))
	}
	if e.metrics != nil {
		e.metrics.PoolUtilisation.WithLabelValues(lp.ID).Set(lp.Utilisation().Float64())
	}
}

func txIDs(settlement ledger.Settlement, fees ledger.FeeOutcome) []string {
	out := make([]string, 0, len(settlement.Receipts)+len(fees.Receipts))
	for _, r := range settlement.Receipts {
		out = append(out, r.TxID)
	}
	for _, r := range fees.Receipts {
		out = append(out, r.TxID)
	}
	return out
}

// --- pools ---

// CreateLendingPool validates and stores a new pool with its rates derived
// from the initial utilisation.
func (e *Engine) CreateLendingPool(ctx context.Context, lp *state.LendingPool) (*state.LendingPool, error) {
	if err := state.ValidateLendingPool(lp); err != nil {
		return nil, fault.Invalid("lending_pool", err.Error())
	}
	if lp.TotalSupply < 0 || lp.TotalBorrow < 0 || lp.TotalBorrow > lp.TotalSupply {
		return nil, fault.Invalid("lending_pool", "totals must satisfy 0 <= borrow <= supply")
	}
	lp = lp.Clone()
	lp.Version = 0
	if err := refreshRates(e.cfg.Rates, lp); err != nil {
		return nil, err
	}
	if err := e.mutator.Store().SaveLendingPool(ctx, lp); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("lending pool %s already exists: %w", lp.ID, err)
		}
		return nil, err
	}
	e.logger.Info().
		Str("pool_id", lp.ID).
		Str("asset", lp.Asset.Key()).
		Str("total_supply", lp.TotalSupply.String()).
		Msg("lending pool created")
	return lp, nil
}

// GetLendingPool returns the current pool state.
func (e *Engine) GetLendingPool(ctx context.Context, id string) (*state.LendingPool, error) {
	return e.mutator.Store().GetLendingPool(ctx, id)
}

// ListLendingPools returns every pool ordered by id.
func (e *Engine) ListLendingPools(ctx context.Context) ([]*state.LendingPool, error) {
	return e.mutator.Store().ListLendingPools(ctx)
}
