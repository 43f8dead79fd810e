package swap_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/asset"
	"DefiLedger/internal/cache"
	"DefiLedger/internal/event"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/swap"
	"DefiLedger/internal/testutil"
)

const poolID = "native-tok"

func defaultConfig() swap.Config {
	return swap.Config{
		Fees:            state.DefaultFeeSchedule,
		Ledger:          state.DefaultLedgerParams,
		PlatformAccount: testutil.PlatformAccount,
	}
}

// setup seeds the (1000 native, 10000 TOK, 30bp) pool with matching custody
// balances and funds alice with 500 native.
func setup(t *testing.T, cfg swap.Config) (*testutil.Fixture, *swap.Engine) {
	t.Helper()
	f := testutil.NewFixture(t)
	e := swap.NewEngine(f.Mutator, f.Executor, f.Loader, f.Locks, f.Cache, f.Events, cfg, f.Logger, nil)

	_, err := e.CreatePool(context.Background(), poolID, asset.Native(), testutil.TOK,
		fpmath.FromUnits(1000), fpmath.FromUnits(10_000), 30, testutil.PoolCustody)
	require.NoError(t, err)

	f.Fund(testutil.PoolCustody, asset.Native(), 1010)
	f.Fund(testutil.PoolCustody, testutil.TOK, 10_000)
	f.Fund("alice", asset.Native(), 500)
	return f, e
}

func scenarioRequest() swap.QuoteRequest {
	return swap.QuoteRequest{
		PoolID:          poolID,
		From:            asset.Native(),
		To:              testutil.TOK,
		Amount:          fpmath.FromUnits(100),
		SlippagePercent: fpmath.One,
	}
}

// ============================================================================
// Test: QuoteSwap
// ============================================================================

func TestQuoteSwap_Scenario(t *testing.T) {
	_, e := setup(t, defaultConfig())

	q, err := e.QuoteSwap(context.Background(), scenarioRequest())
	require.NoError(t, err)

	assert.Equal(t, "906.6108938", q.ExpectedOutput.String())
	assert.Equal(t, "897.5447848", q.MinOut.String())
	assert.Equal(t, "0.1000000", q.PlatformFee.String())
	assert.Equal(t, "0.3000000", q.PoolFeePercent.String())
	assert.LessOrEqual(t, int64(q.MinOut), int64(q.ExpectedOutput))
}

func TestQuoteSwap_CallerBalanceShortfall(t *testing.T) {
	_, e := setup(t, defaultConfig())

	req := scenarioRequest()
	balance := fpmath.FromUnits(100)
	req.CallerBalance = &balance

	_, err := e.QuoteSwap(context.Background(), req)
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins))
	assert.Equal(t, fault.ResourceBalance, ins.Resource)
	// 100 input + 0.1 fee + 2 x 0.00001 tx cost + 1 reserve
	assert.Equal(t, "101.1000200", ins.Required.String())
	assert.Equal(t, "1.1000200", ins.Shortfall().String())
}

func tokToNative(amount int64) swap.QuoteRequest {
	return swap.QuoteRequest{
		PoolID:          poolID,
		From:            testutil.TOK,
		To:              asset.Native(),
		Amount:          fpmath.FromUnits(amount),
		SlippagePercent: fpmath.One,
	}
}

func TestQuoteSwap_IssuedInputNeedsNativeForCosts(t *testing.T) {
	_, e := setup(t, defaultConfig())
	ctx := context.Background()

	req := tokToNative(100)
	balance := fpmath.MustParse("100.1")
	req.CallerBalance = &balance

	_, err := e.QuoteSwap(ctx, req)
	require.NoError(t, err, "native side assumed covered when not supplied")

	var native fpmath.Amount
	req.NativeBalance = &native
	_, err = e.QuoteSwap(ctx, req)
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins), "got %v", err)
	assert.Equal(t, asset.NativeCode, ins.Asset)
	// 2 x 0.00001 tx cost + 1 reserve
	assert.Equal(t, "1.0000200", ins.Required.String())
}

func TestQuoteSwap_Rejections(t *testing.T) {
	_, e := setup(t, defaultConfig())
	ctx := context.Background()

	wrongTo := scenarioRequest()
	wrongTo.To = testutil.USDC
	_, err := e.QuoteSwap(ctx, wrongTo)
	assert.ErrorIs(t, err, swap.ErrWrongOutputAsset)

	tooBig := scenarioRequest()
	tooBig.Amount = fpmath.FromUnits(1001)
	_, err = e.QuoteSwap(ctx, tooBig)
	assert.ErrorIs(t, err, amm.ErrInputExceedsReserve)

	badSlippage := scenarioRequest()
	badSlippage.SlippagePercent = fpmath.FromUnits(-1)
	_, err = e.QuoteSwap(ctx, badSlippage)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	missing := scenarioRequest()
	missing.PoolID = "nope"
	_, err = e.QuoteSwap(ctx, missing)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

// ============================================================================
// Test: ExecuteSwap
// ============================================================================

func TestExecuteSwap_SettlesThenCollectsFee(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()

	res, err := e.ExecuteSwap(ctx, swap.ExecuteRequest{QuoteRequest: scenarioRequest(), UserAccount: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "906.6108938", res.ExpectedOutput.String())
	assert.True(t, res.FeeCollected)
	assert.Len(t, res.TxIDs, 3)

	assert.Equal(t, "906.6108938", f.Gateway.Balance("alice", testutil.TOK).String())
	assert.Equal(t, "399.9000000", f.Gateway.Balance("alice", asset.Native()).String())
	assert.Equal(t, "0.1000000", f.Gateway.Balance(testutil.PlatformAccount, asset.Native()).String())

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(1100), pool.ReserveA)
	assert.Equal(t, "9093.3891062", pool.ReserveB.String())
	assert.Equal(t, f.Gateway.Balance(testutil.PoolCustody, testutil.TOK), pool.ReserveB)

	evs := f.Events.OfType(event.EventTypeSwapExecuted)
	require.Len(t, evs, 1)
	assert.Equal(t, res.PlanID, evs[0].(*event.SwapExecuted).PlanID)
	assert.ElementsMatch(t, []string{cache.PoolKey(poolID), cache.BalanceKey("alice")}, f.Cache.Keys())
}

func TestExecuteSwap_SlippageRejectedBeforeTransfer(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()

	floor := fpmath.FromUnits(907)
	_, err := e.ExecuteSwap(ctx, swap.ExecuteRequest{
		QuoteRequest: scenarioRequest(),
		UserAccount:  "alice",
		MinOut:       &floor,
	})
	assert.ErrorIs(t, err, amm.ErrSlippageExceeded)
	assert.Empty(t, f.Gateway.Submitted())

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(1000), pool.ReserveA)
}

func TestExecuteSwap_SecondLegRejectedLeavesNoTrace(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	// drain custody TOK so the output leg bounces
	f.Gateway.Fund("sink", testutil.TOK, 0)
	_, err := f.Gateway.SubmitTransfer(ctx, ledger.Transfer{From: testutil.PoolCustody, To: "sink", Asset: testutil.TOK, Amount: fpmath.FromUnits(9_500)})
	require.NoError(t, err)

	_, err = e.ExecuteSwap(ctx, swap.ExecuteRequest{QuoteRequest: scenarioRequest(), UserAccount: "alice"})

	var rej *ledger.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ledger.FailureInsufficientBalance, rej.Code)
	assert.Equal(t, fpmath.FromUnits(500), f.Gateway.Balance("alice", asset.Native()))
	assert.True(t, f.Gateway.Balance(testutil.PlatformAccount, asset.Native()).IsZero(), "no fee for a failed swap")

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(1000), pool.ReserveA)
	assert.Empty(t, f.Events.OfType(event.EventTypeSwapExecuted))
}

func TestExecuteSwap_AmbiguousOutcomeLeavesStateUntouched(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	f.Gateway.TimeoutNext(true)

	_, err := e.ExecuteSwap(ctx, swap.ExecuteRequest{QuoteRequest: scenarioRequest(), UserAccount: "alice"})
	assert.ErrorIs(t, err, ledger.ErrAmbiguousOutcome)
	assert.Equal(t, fault.KindAmbiguousOutcome, fault.KindOf(err))

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(1000), pool.ReserveA, "no bookkeeping on an unknown outcome")
	assert.Equal(t, int64(1), pool.Version)
}

func TestExecuteSwap_MissingFeeDestination(t *testing.T) {
	cfg := defaultConfig()
	cfg.PlatformAccount = ""
	f, e := setup(t, cfg)

	_, err := e.ExecuteSwap(context.Background(), swap.ExecuteRequest{QuoteRequest: scenarioRequest(), UserAccount: "alice"})
	assert.ErrorIs(t, err, swap.ErrMissingDestination)
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
	assert.Empty(t, f.Gateway.Submitted())
}

func TestExecuteSwap_InsufficientLedgerBalance(t *testing.T) {
	f, e := setup(t, defaultConfig())
	f.Fund("bob", asset.Native(), 50)

	_, err := e.ExecuteSwap(context.Background(), swap.ExecuteRequest{QuoteRequest: scenarioRequest(), UserAccount: "bob"})
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins))
	assert.Empty(t, f.Gateway.Submitted())
}

func TestExecuteSwap_IssuedInputWithoutNativeRejected(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	f.Fund("carol", testutil.TOK, 101)

	_, err := e.ExecuteSwap(ctx, swap.ExecuteRequest{QuoteRequest: tokToNative(100), UserAccount: "carol"})
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins), "got %v", err)
	assert.Equal(t, asset.NativeCode, ins.Asset)
	assert.True(t, ins.Available.IsZero())
	assert.Empty(t, f.Gateway.Submitted())

	f.Fund("carol", asset.Native(), 2)
	res, err := e.ExecuteSwap(ctx, swap.ExecuteRequest{QuoteRequest: tokToNative(100), UserAccount: "carol"})
	require.NoError(t, err)
	assert.Equal(t, "0.1000000", f.Gateway.Balance(testutil.PlatformAccount, testutil.TOK).String())
	assert.Equal(t, fpmath.FromUnits(2)+res.ExpectedOutput, f.Gateway.Balance("carol", asset.Native()))
}

func TestExecuteSwap_ExplicitZeroMinOutSetsNoFloor(t *testing.T) {
	_, e := setup(t, defaultConfig())
	var none fpmath.Amount

	res, err := e.ExecuteSwap(context.Background(), swap.ExecuteRequest{
		QuoteRequest: scenarioRequest(),
		UserAccount:  "alice",
		MinOut:       &none,
	})
	require.NoError(t, err)
	assert.True(t, res.MinOut.IsZero())
}

func TestExecuteSwap_ConcurrentSwapsSerialisePerPool(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := scenarioRequest()
			req.Amount = fpmath.FromUnits(10)
			req.SlippagePercent = fpmath.FromUnits(100)
			_, err := e.ExecuteSwap(ctx, swap.ExecuteRequest{QuoteRequest: req, UserAccount: "alice"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(1100), pool.ReserveA)
	assert.Equal(t, f.Gateway.Balance(testutil.PoolCustody, testutil.TOK), pool.ReserveB)
	assert.Equal(t, f.Gateway.Balance("alice", testutil.TOK)+pool.ReserveB, fpmath.FromUnits(10_000))
	assert.Equal(t, int64(11), pool.Version)
}

// ============================================================================
// Test: Liquidity
// ============================================================================

func addRequest() swap.AddLiquidityRequest {
	return swap.AddLiquidityRequest{
		PoolID:      poolID,
		UserAccount: "lp",
		AmountA:     fpmath.FromUnits(10),
		AmountB:     fpmath.FromUnits(200),
	}
}

func TestAddLiquidity_TakesProportionalAmounts(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	f.Fund("lp", asset.Native(), 20)
	f.Fund("lp", testutil.TOK, 200)

	res, err := e.AddLiquidity(ctx, addRequest())
	require.NoError(t, err)

	// native is the limiting side; only 100 of the 200 TOK are worth the shares
	assert.Equal(t, fpmath.FromUnits(10), res.UsedA)
	assert.Equal(t, fpmath.FromUnits(100), res.UsedB)
	assert.Equal(t, "31.6227766", res.Minted.String())
	assert.Equal(t, res.Minted, res.TotalShares)
	assert.Len(t, res.TxIDs, 2)

	assert.Equal(t, fpmath.FromUnits(10), f.Gateway.Balance("lp", asset.Native()))
	assert.Equal(t, fpmath.FromUnits(100), f.Gateway.Balance("lp", testutil.TOK))
	assert.Equal(t, fpmath.FromUnits(1020), f.Gateway.Balance(testutil.PoolCustody, asset.Native()))

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(1010), pool.ReserveA)
	assert.Equal(t, fpmath.FromUnits(10_100), pool.ReserveB)
	assert.Equal(t, "3193.9004367", pool.TotalShares.String())

	held, err := f.Store.GetLiquidityShare(ctx, "lp", poolID)
	require.NoError(t, err)
	assert.Equal(t, res.Minted, held.Shares)

	evs := f.Events.OfType(event.EventTypeLiquidityAdded)
	require.Len(t, evs, 1)
	assert.Equal(t, res.PlanID.String(), evs[0].IdempotencyKey())
	assert.Contains(t, f.Cache.Keys(), cache.PoolKey(poolID))
}

func TestAddLiquidity_EmptyPoolRejected(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	require.NoError(t, f.Store.SavePool(ctx, &state.Pool{
		ID:             "drained",
		AssetA:         asset.Native(),
		AssetB:         testutil.TOK,
		FeeBps:         30,
		CustodyAccount: testutil.PoolCustody,
	}))
	f.Fund("lp", asset.Native(), 20)
	f.Fund("lp", testutil.TOK, 200)

	req := addRequest()
	req.PoolID = "drained"
	_, err := e.AddLiquidity(ctx, req)
	assert.ErrorIs(t, err, amm.ErrPoolEmpty)
	assert.Empty(t, f.Gateway.Submitted())
	assert.Empty(t, f.Events.OfType(event.EventTypeLiquidityAdded))
}

func TestAddLiquidity_Rejections(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()

	bad := addRequest()
	bad.AmountB = 0
	_, err := e.AddLiquidity(ctx, bad)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	bad = addRequest()
	bad.UserAccount = ""
	_, err = e.AddLiquidity(ctx, bad)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	// TOK only: the native side is short
	f.Fund("lp", testutil.TOK, 200)
	_, err = e.AddLiquidity(ctx, addRequest())
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins), "got %v", err)
	assert.Equal(t, asset.NativeCode, ins.Asset)

	assert.Empty(t, f.Gateway.Submitted())
}

func TestAddLiquidity_AmbiguousOutcomeMintsNothing(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	f.Fund("lp", asset.Native(), 20)
	f.Fund("lp", testutil.TOK, 200)
	f.Gateway.TimeoutNext(true)

	_, err := e.AddLiquidity(ctx, addRequest())
	assert.Equal(t, fault.KindAmbiguousOutcome, fault.KindOf(err))

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.Version)
	_, err = f.Store.GetLiquidityShare(ctx, "lp", poolID)
	assert.Error(t, err)
}

func TestRemoveLiquidity_PaysProportionalSlice(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	f.Fund("lp", asset.Native(), 20)
	f.Fund("lp", testutil.TOK, 200)
	added, err := e.AddLiquidity(ctx, addRequest())
	require.NoError(t, err)

	res, err := e.RemoveLiquidity(ctx, swap.RemoveLiquidityRequest{PoolID: poolID, UserAccount: "lp", Shares: added.Minted})
	require.NoError(t, err)

	// rounding favours the pool
	assert.Equal(t, "9.9999999", res.AmountA.String())
	assert.Equal(t, "99.9999999", res.AmountB.String())
	assert.True(t, res.RemainingShares.IsZero())

	assert.Equal(t, fpmath.MustParse("19.9999999"), f.Gateway.Balance("lp", asset.Native()))
	assert.Equal(t, fpmath.MustParse("199.9999999"), f.Gateway.Balance("lp", testutil.TOK))

	pool, err := e.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, "3162.2776601", pool.TotalShares.String())
	assert.Equal(t, fpmath.MustParse("1000.0000001"), pool.ReserveA)

	_, err = f.Store.GetLiquidityShare(ctx, "lp", poolID)
	assert.Error(t, err, "spent holding is deleted")
	assert.Len(t, f.Events.OfType(event.EventTypeLiquidityRemoved), 1)
}

func TestRemoveLiquidity_OnlyHeldShares(t *testing.T) {
	f, e := setup(t, defaultConfig())
	ctx := context.Background()
	f.Fund("lp", asset.Native(), 20)
	f.Fund("lp", testutil.TOK, 200)
	added, err := e.AddLiquidity(ctx, addRequest())
	require.NoError(t, err)
	submitted := len(f.Gateway.Submitted())

	_, err = e.RemoveLiquidity(ctx, swap.RemoveLiquidityRequest{PoolID: poolID, UserAccount: "lp", Shares: added.Minted + 1})
	var ins *fault.InsufficientError
	require.True(t, errors.As(err, &ins), "got %v", err)
	assert.Equal(t, fault.ResourcePosition, ins.Resource)

	// pool creation shares belong to nobody
	_, err = e.RemoveLiquidity(ctx, swap.RemoveLiquidityRequest{PoolID: poolID, UserAccount: "alice", Shares: fpmath.One})
	assert.Equal(t, fault.KindInsufficientResource, fault.KindOf(err))

	_, err = e.RemoveLiquidity(ctx, swap.RemoveLiquidityRequest{PoolID: poolID, UserAccount: "lp"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	assert.Len(t, f.Gateway.Submitted(), submitted)
}
