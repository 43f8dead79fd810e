package lending_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/credit"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	"DefiLedger/internal/lending"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/testutil"
)

const poolID = "usdc"

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func defaultConfig() lending.Config {
	return lending.Config{
		Fees:            state.DefaultFeeSchedule,
		Risk:            state.DefaultRiskParams,
		Rates:           state.DefaultRateModel,
		Ledger:          state.DefaultLedgerParams,
		PlatformAccount: testutil.PlatformAccount,
	}
}

type harness struct {
	*testutil.Fixture
	engine *lending.Engine
	now    time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, cfg lending.Config, supply int64) *harness {
	t.Helper()
	f := testutil.NewFixture(t)
	h := &harness{Fixture: f, now: t0}
	ce := credit.NewEngine(f.Store, state.DefaultCreditParams, f.Logger)
	h.engine = lending.NewEngine(f.Mutator, f.Executor, f.Loader, ce, f.Oracle, f.Locks, f.Cache, f.Events, cfg, f.Logger, nil).
		WithClock(func() time.Time { return h.now })
	f.SeedLendingPool(t, poolID, supply)
	return h
}

// borrower has score 700 and 100 native left over after posting collateral.
func (h *harness) borrower(t *testing.T, user string, collateral int64) {
	t.Helper()
	h.SetScore(t, user, 700)
	h.Fund(user, asset.Native(), collateral+100)
}

// lender holds units of USDC and enough native for submission costs.
func (h *harness) lender(units int64) {
	h.Fund("lender", testutil.USDC, units)
	h.Fund("lender", asset.Native(), 10)
}

func borrowReq(user string, collateral, amount int64) lending.BorrowRequest {
	return lending.BorrowRequest{
		PoolID:           poolID,
		UserID:           user,
		CollateralAsset:  asset.Native(),
		CollateralAmount: fpmath.FromUnits(collateral),
		BorrowAmount:     fpmath.FromUnits(amount),
	}
}

func requireInsufficient(t *testing.T, err error, resource fault.Resource) *fault.InsufficientError {
	t.Helper()
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins), "expected insufficient %s, got %v", resource, err)
	assert.Equal(t, resource, ins.Resource)
	return ins
}

// ============================================================================
// Test: Rate model
// ============================================================================

func TestRates_Kinked(t *testing.T) {
	m := state.DefaultRateModel
	tests := []struct {
		u, borrow, supply string
	}{
		{"0", "0.0200000", "0.0000000"},
		{"0.4", "0.0700000", "0.0252000"},
		{"0.8", "0.1200000", "0.0864000"},
		{"0.9", "0.6200000", "0.5022000"},
	}
	for _, tc := range tests {
		t.Run(tc.u, func(t *testing.T) {
			b, s, err := lending.Rates(m, fpmath.MustParse(tc.u))
			require.NoError(t, err)
			assert.Equal(t, tc.borrow, b.String())
			assert.Equal(t, tc.supply, s.String())
		})
	}
}

func TestHealthFactor(t *testing.T) {
	hf, err := lending.HealthFactor(fpmath.FromUnits(10_000), fpmath.MustParse("0.8"), fpmath.FromUnits(5000))
	require.NoError(t, err)
	assert.Equal(t, "1.6000000", hf.String())

	hf, err = lending.HealthFactor(fpmath.FromUnits(10_000), fpmath.MustParse("0.8"), 0)
	require.NoError(t, err)
	assert.Equal(t, lending.MaxHealthFactor, hf)
}

// ============================================================================
// Test: Supply / Withdraw
// ============================================================================

func TestSupplyWithdraw_ConservesModuloFee(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.lender(1000)

	sup, err := h.engine.Supply(ctx, poolID, "lender", fpmath.FromUnits(1000))
	require.NoError(t, err)
	assert.Equal(t, "995.0000000", sup.Net.String())
	assert.Equal(t, "5.0000000", sup.Fee.String())
	assert.True(t, sup.FeeCollected)
	assert.Equal(t, sup.Net, sup.Position.Amount)
	assert.Equal(t, fpmath.FromUnits(20_000)+sup.Net, sup.Pool.TotalSupply)

	wd, err := h.engine.Withdraw(ctx, poolID, "lender", sup.Net)
	require.NoError(t, err)
	assert.Nil(t, wd.Position, "emptied position is deleted")
	assert.Equal(t, "4.9750000", wd.Fee.String())
	assert.Equal(t, fpmath.FromUnits(20_000), wd.Pool.TotalSupply)

	assert.Equal(t, "990.0250000", h.Gateway.Balance("lender", testutil.USDC).String())
	assert.Equal(t, "9.9750000", h.Gateway.Balance(testutil.PlatformAccount, testutil.USDC).String())

	pos, err := h.engine.GetPositions(ctx, "lender")
	require.NoError(t, err)
	assert.Empty(t, pos.Supply)

	assert.Len(t, h.Events.OfType(event.EventTypeSupplied), 1)
	assert.Len(t, h.Events.OfType(event.EventTypeWithdrawn), 1)
}

func TestSupply_Rejections(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.lender(100)

	_, err := h.engine.Supply(ctx, poolID, "lender", fpmath.FromUnits(101))
	requireInsufficient(t, err, fault.ResourceBalance)

	_, err = h.engine.Supply(ctx, poolID, "lender", 0)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = h.engine.Supply(ctx, "missing", "lender", fpmath.One)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	// USDC alone cannot pay the submissions
	h.Fund("dry", testutil.USDC, 100)
	ins := requireInsufficient(t, mustErr(h.engine.Supply(ctx, poolID, "dry", fpmath.FromUnits(50))), fault.ResourceBalance)
	assert.Equal(t, asset.NativeCode, ins.Asset)
	assert.Equal(t, "1.0000200", ins.Required.String())

	assert.Empty(t, h.Gateway.Submitted())
}

func TestSupply_MissingFeeDestination(t *testing.T) {
	cfg := defaultConfig()
	cfg.PlatformAccount = ""
	h := newHarness(t, cfg, 20_000)
	h.lender(100)

	_, err := h.engine.Supply(context.Background(), poolID, "lender", fpmath.FromUnits(100))
	assert.ErrorIs(t, err, lending.ErrMissingDestination)
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
	assert.Empty(t, h.Gateway.Submitted())
}

func TestWithdraw_Bounds(t *testing.T) {
	h := newHarness(t, defaultConfig(), 0)
	ctx := context.Background()
	h.lender(1000)

	_, err := h.engine.Supply(ctx, poolID, "lender", fpmath.FromUnits(1000))
	require.NoError(t, err)

	ins := requireInsufficient(t, mustErr(h.engine.Withdraw(ctx, poolID, "lender", fpmath.FromUnits(996))), fault.ResourcePosition)
	assert.Equal(t, "1.0000000", ins.Shortfall().String())

	// lend most of the pool out
	h.borrower(t, "alice", 2000)
	_, err = h.engine.Borrow(ctx, borrowReq("alice", 2000, 900))
	require.NoError(t, err)

	ins = requireInsufficient(t, mustErr(h.engine.Withdraw(ctx, poolID, "lender", fpmath.FromUnits(995))), fault.ResourceLiquidity)
	assert.Equal(t, "95.0000000", ins.Available.String())
}

func mustErr(_ lending.SupplyResult, err error) error { return err }

// ============================================================================
// Test: Borrow
// ============================================================================

func TestBorrow_CollateralBound(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.borrower(t, "alice", 10_000)
	h.borrower(t, "bob", 10_000)

	// 10000 reference units at LTV 0.8 support 8000
	res, err := h.engine.Borrow(ctx, borrowReq("alice", 10_000, 5000))
	require.NoError(t, err)

	pos := res.Position
	assert.Equal(t, state.PositionActive, pos.Status)
	assert.Equal(t, "5050.0000000", pos.BorrowedAmount.String(), "1% origination folded in")
	assert.Equal(t, "0.1056000", pos.RateYearly.String(), "12% discounted for score 700")
	assert.Equal(t, "0.0088000", pos.RateMonthly.String())
	assert.Equal(t, "1.6000000", pos.HealthFactor.String())
	assert.Equal(t, t0, pos.AccrualStart)
	assert.Equal(t, 700, res.CreditScore)

	assert.Equal(t, fpmath.FromUnits(5000), h.Gateway.Balance("alice", testutil.USDC))
	assert.Equal(t, fpmath.FromUnits(10_010), h.Gateway.Balance(testutil.LendingCustody, asset.Native()))
	assert.Equal(t, fpmath.FromUnits(5000), res.Pool.TotalBorrow)
	assert.Equal(t, "0.0512500", res.Pool.BorrowRate.String())
	require.Len(t, h.Events.OfType(event.EventTypeBorrowed), 1)

	before := len(h.Gateway.Submitted())
	_, err = h.engine.Borrow(ctx, borrowReq("bob", 10_000, 9000))
	ins := requireInsufficient(t, err, fault.ResourceCollateral)
	assert.Equal(t, fpmath.FromUnits(9000), ins.Required)
	assert.Equal(t, fpmath.FromUnits(8000), ins.Available)
	assert.Len(t, h.Gateway.Submitted(), before)
}

func TestBorrow_BigBusinessRate(t *testing.T) {
	h := newHarness(t, defaultConfig(), 50_000)
	h.SetScore(t, "corp", 600)
	h.Fund("corp", asset.Native(), 30_100)

	res, err := h.engine.Borrow(context.Background(), borrowReq("corp", 30_000, 12_000))
	require.NoError(t, err)
	assert.Equal(t, "0.0800000", res.Position.RateYearly.String(), "no discount at the eligibility floor")
}

func TestBorrow_Rejections(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()

	h.Fund("nobody", asset.Native(), 10_100)
	_, err := h.engine.Borrow(ctx, borrowReq("nobody", 10_000, 100))
	ins := requireInsufficient(t, err, fault.ResourceCredit)
	assert.Equal(t, fpmath.FromUnits(300), ins.Available, "unscored users sit at the minimum score")

	h.borrower(t, "whale", 100_000)
	_, err = h.engine.Borrow(ctx, borrowReq("whale", 100_000, 25_000))
	requireInsufficient(t, err, fault.ResourceLiquidity)

	h.borrower(t, "short", 10)
	_, err = h.engine.Borrow(ctx, borrowReq("short", 1000, 100))
	requireInsufficient(t, err, fault.ResourceBalance)

	_, err = h.engine.Borrow(ctx, borrowReq("whale", 0, 100))
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	assert.Empty(t, h.Gateway.Submitted())
}

func TestBorrow_AmbiguousOutcomeRecordsNothing(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.borrower(t, "alice", 10_000)
	h.Gateway.TimeoutNext(false)

	_, err := h.engine.Borrow(ctx, borrowReq("alice", 10_000, 5000))
	assert.ErrorIs(t, err, ledger.ErrAmbiguousOutcome)

	positions, err := h.Store.ListBorrowPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)
	lp, err := h.engine.GetLendingPool(ctx, poolID)
	require.NoError(t, err)
	assert.True(t, lp.TotalBorrow.IsZero())
}

// ============================================================================
// Test: Interest and repayment
// ============================================================================

func TestGetPositions_InterestIsLinear(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.borrower(t, "alice", 10_000)
	_, err := h.engine.Borrow(ctx, borrowReq("alice", 10_000, 5000))
	require.NoError(t, err)

	h.advance(15 * 24 * time.Hour)
	half, err := h.engine.GetPositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, half.Borrow, 1)
	assert.Equal(t, "22.2200000", half.Borrow[0].AccruedInterest.String())

	h.advance(15 * 24 * time.Hour)
	full, err := h.engine.GetPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "44.4400000", full.Borrow[0].AccruedInterest.String())
	assert.Equal(t, 2*half.Borrow[0].AccruedInterest, full.Borrow[0].AccruedInterest)
	assert.Equal(t, "5094.4400000", full.Borrow[0].TotalDebt.String())

	stored, err := h.Store.GetBorrowPosition(ctx, full.Borrow[0].Position.ID)
	require.NoError(t, err)
	assert.Equal(t, "5050.0000000", stored.BorrowedAmount.String(), "interest is never persisted")
}

func TestRepay_InterestFirstThenClose(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.borrower(t, "alice", 10_000)
	h.Fund("alice", testutil.USDC, 200)

	opened, err := h.engine.Borrow(ctx, borrowReq("alice", 10_000, 5000))
	require.NoError(t, err)
	id := opened.Position.ID

	h.advance(30 * 24 * time.Hour)
	part, err := h.engine.Repay(ctx, id, fpmath.FromUnits(1000))
	require.NoError(t, err)
	assert.Equal(t, "44.4400000", part.InterestPaid.String())
	assert.Equal(t, "955.5600000", part.PrincipalPaid.String())
	assert.Equal(t, "4094.4400000", part.RemainingDebt.String())
	assert.Equal(t, state.PositionActive, part.Position.Status)
	assert.Equal(t, h.now, part.Position.AccrualStart, "accrual clock restarts")
	assert.Greater(t, int64(part.Position.HealthFactor), int64(opened.Position.HealthFactor))

	lp, err := h.engine.GetLendingPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, "20044.4400000", lp.TotalSupply.String())
	assert.Equal(t, "4044.4400000", lp.TotalBorrow.String())

	// overpayment is capped at the outstanding debt
	full, err := h.engine.Repay(ctx, id, fpmath.FromUnits(10_000))
	require.NoError(t, err)
	assert.Equal(t, "4094.4400000", full.Paid.String())
	assert.True(t, full.InterestPaid.IsZero())
	assert.Equal(t, state.PositionRepaid, full.Position.Status)
	require.NotNil(t, full.Position.RepaidAt)
	assert.False(t, full.ReleasePending)
	assert.Equal(t, fpmath.FromUnits(10_000), full.CollateralReleased)

	assert.Equal(t, fpmath.FromUnits(10_100), h.Gateway.Balance("alice", asset.Native()))
	assert.Equal(t, "105.5600000", h.Gateway.Balance("alice", testutil.USDC).String())

	lp, err = h.engine.GetLendingPool(ctx, poolID)
	require.NoError(t, err)
	assert.True(t, lp.TotalBorrow.IsZero())

	positions, err := h.engine.GetPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions.Borrow, "repaid positions are not listed")

	_, err = h.engine.Repay(ctx, id, fpmath.One)
	assert.ErrorIs(t, err, lending.ErrPositionClosed)

	assert.Len(t, h.Events.OfType(event.EventTypeRepaid), 2)
	assert.Len(t, h.Events.OfType(event.EventTypeCollateralReleased), 1)
}

func TestRepay_UnpaidInterestIsCarried(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.borrower(t, "alice", 10_000)

	opened, err := h.engine.Borrow(ctx, borrowReq("alice", 10_000, 5000))
	require.NoError(t, err)

	h.advance(30 * 24 * time.Hour)
	res, err := h.engine.Repay(ctx, opened.Position.ID, fpmath.FromUnits(20))
	require.NoError(t, err)
	assert.True(t, res.PrincipalPaid.IsZero())
	assert.Equal(t, "24.4400000", res.Position.CarriedInterest.String())
	assert.Equal(t, "5050.0000000", res.Position.BorrowedAmount.String())

	h.advance(30 * 24 * time.Hour)
	positions, err := h.engine.GetPositions(ctx, "alice")
	require.NoError(t, err)
	// carried interest does not compound
	assert.Equal(t, "68.8800000", positions.Borrow[0].OutstandingInterest.String())
}

func TestReleaseCollateral_RejectsActivePosition(t *testing.T) {
	h := newHarness(t, defaultConfig(), 20_000)
	ctx := context.Background()
	h.borrower(t, "alice", 10_000)

	opened, err := h.engine.Borrow(ctx, borrowReq("alice", 10_000, 5000))
	require.NoError(t, err)

	_, err = h.engine.ReleaseCollateral(ctx, opened.Position.ID)
	assert.ErrorIs(t, err, lending.ErrPositionOpen)
}

func TestSettle_StatusTransitions(t *testing.T) {
	p := &state.BorrowPosition{
		Status:           state.PositionActive,
		CollateralAmount: fpmath.FromUnits(1000),
		BorrowedAmount:   fpmath.FromUnits(100),
		RateMonthly:      fpmath.MustParse("0.01"),
		LTV:              fpmath.MustParse("0.75"),
		AccrualStart:     t0,
	}

	require.NoError(t, lending.Settle(p, fpmath.One, fpmath.One, t0, state.PositionRepaid))
	assert.Equal(t, state.PositionActive, p.Status, "debt left keeps the position open")
	assert.Equal(t, "7.5000000", p.HealthFactor.String())

	p.BorrowedAmount = 0
	require.NoError(t, lending.Settle(p, fpmath.One, fpmath.One, t0, state.PositionRepaid))
	assert.Equal(t, state.PositionRepaid, p.Status)
	require.NotNil(t, p.RepaidAt)

	err := lending.Settle(p, fpmath.One, fpmath.One, t0, state.PositionLiquidated)
	assert.ErrorIs(t, err, lending.ErrIllegalTransition)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
	assert.Equal(t, state.PositionRepaid, p.Status)

	open := &state.BorrowPosition{Status: state.PositionActive}
	assert.ErrorIs(t, lending.Settle(open, fpmath.One, fpmath.One, t0, state.PositionActive), lending.ErrIllegalTransition)
}
