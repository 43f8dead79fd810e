package liquidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"DefiLedger/internal/cache"
	"DefiLedger/internal/core"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	"DefiLedger/internal/lending"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/oracle"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

var (
	ErrHealthy            = fault.New(fault.KindValidation, "liquidation: position is healthy")
	ErrPositionClosed     = fault.New(fault.KindValidation, "liquidation: position is not active")
	ErrExceedsDebt        = fault.New(fault.KindValidation, "liquidation: repay amount exceeds total debt")
	ErrMissingDestination = fault.New(fault.KindConfiguration, "liquidation: platform fee destination not configured")
)

// scanConcurrency bounds parallel position appraisals during a scan.
const scanConcurrency = 8

// Config holds the engine-wide liquidation rules.
type Config struct {
	Risk            state.RiskParams
	Fees            state.FeeSchedule
	Ledger          state.LedgerParams
	PlatformAccount string
}

// Engine liquidates under-collateralised borrow positions.
type Engine struct {
	mutator  *store.Mutator
	executor *ledger.Executor
	loader   *ledger.StateLoader
	oracle   oracle.PriceOracle
	lending  *lending.Engine
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
	priceOracle oracle.PriceOracle,
	lendingEngine *lending.Engine,
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
		oracle:   priceOracle,
		lending:  lendingEngine,
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

// Appraisal is a position valued with prices fetched for it.
type Appraisal struct {
	Position        *state.BorrowPosition
	CollateralPrice fpmath.Amount
	DebtPrice       fpmath.Amount
	lending.Valuation
}

// Threshold is the health factor below which a position may be liquidated.
func (e *Engine) Threshold() fpmath.Amount { return e.cfg.Risk.LiquidationThreshold }

// Liquidatable reports health below the engine threshold.
func (e *Engine) Liquidatable(a Appraisal) bool {
	return a.HealthFactor < e.Threshold()
}

// Appraise values pos at now, interest accrued to that instant included.
func (e *Engine) Appraise(ctx context.Context, pos *state.BorrowPosition, now time.Time) (Appraisal, error) {
	collateralPrice, debtPrice, err := oracle.Pair(ctx, e.oracle, pos.CollateralAsset, pos.BorrowedAsset)
	if err != nil {
		return Appraisal{}, err
	}
	v, err := lending.Appraise(pos, collateralPrice, debtPrice, now)
	if err != nil {
		return Appraisal{}, err
	}
	return Appraisal{Position: pos, CollateralPrice: collateralPrice, DebtPrice: debtPrice, Valuation: v}, nil
}

// HealthFactor returns the live health factor of a stored position.
func (e *Engine) HealthFactor(ctx context.Context, positionID uuid.UUID) (fpmath.Amount, error) {
	pos, err := e.mutator.Store().GetBorrowPosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	a, err := e.Appraise(ctx, pos, e.now())
	if err != nil {
		return 0, err
	}
	return a.HealthFactor, nil
}

// FindLiquidatable appraises every active position concurrently and returns
// those below the threshold, least healthy first.
func (e *Engine) FindLiquidatable(ctx context.Context) ([]Appraisal, error) {
	start := time.Now()
	positions, err := e.mutator.Store().ListActiveBorrowPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active positions: %w", err)
	}

	now := e.now()
	appraisals := make([]Appraisal, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, pos := range positions {
		i, pos := i, pos
		g.Go(func() error {
			a, err := e.Appraise(gctx, pos, now)
			if err != nil {
				return fmt.Errorf("appraise %s: %w", pos.ID, err)
			}
			appraisals[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Appraisal
	for _, a := range appraisals {
		if e.Liquidatable(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HealthFactor < out[j].HealthFactor })

	if e.metrics != nil {
		e.metrics.LiquidationScanDur.Observe(time.Since(start).Seconds())
		e.metrics.Liquidatable.Set(float64(len(out)))
	}
	return out, nil
}

// RunScanner logs liquidatable positions every interval until ctx ends.
func (e *Engine) RunScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			found, err := e.FindLiquidatable(ctx)
			if err != nil {
				e.logger.Warn().Err(err).Msg("liquidation scan failed")
				continue
			}
			for _, a := range found {
				e.logger.Info().
					Str("position_id", a.Position.ID.String()).
					Str("health_factor", a.HealthFactor.String()).
					Str("total_debt", a.TotalDebt.String()).
					Msg("position liquidatable")
			}
		}
	}
}
