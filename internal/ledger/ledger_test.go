package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/retry"
)

var tok = asset.New("TOK", "GISSUER")

func newExecutor(gw ledger.Gateway) *ledger.Executor {
	return ledger.NewExecutor(gw, zerolog.Nop(), nil)
}

func swapPlan() *ledger.Plan {
	p := ledger.NewPlan("swap")
	p.AddTrustpath("alice", tok)
	p.AddLeg(ledger.TransferSwapInput, ledger.Transfer{From: "alice", To: "pool", Asset: asset.Native(), Amount: fpmath.FromUnits(100)})
	p.AddLeg(ledger.TransferSwapOutput, ledger.Transfer{From: "pool", To: "alice", Asset: tok, Amount: fpmath.FromUnits(900)})
	p.AddFee(ledger.Transfer{From: "alice", To: "platform", Asset: asset.Native(), Amount: fpmath.FromUnits(1)})
	return p
}

func fundedGateway() *ledger.MemoryGateway {
	gw := ledger.NewMemoryGateway(fpmath.One)
	gw.Fund("alice", asset.Native(), fpmath.FromUnits(500))
	gw.Fund("pool", asset.Native(), fpmath.FromUnits(1000))
	gw.Fund("pool", tok, fpmath.FromUnits(10_000))
	return gw
}

// ============================================================================
// Test: FailureCode
// ============================================================================

func TestRejectionError_Action(t *testing.T) {
	err := ledger.Reject(ledger.FailureMissingTrustpath, "bob cannot hold TOK")
	assert.Equal(t, "establish trustpath before retry", err.Action())
	assert.Equal(t, fault.KindLedgerRejection, fault.KindOf(err))
	assert.Equal(t, fault.KindAmbiguousOutcome, fault.KindOf(ledger.ErrAmbiguousOutcome))
}

// ============================================================================
// Test: Plan
// ============================================================================

func TestPlan_Validate(t *testing.T) {
	require.NoError(t, swapPlan().Validate())

	empty := ledger.NewPlan("noop")
	assert.Error(t, empty.Validate())

	self := ledger.NewPlan("self")
	self.AddLeg(ledger.TransferRepayment, ledger.Transfer{From: "a", To: "a", Asset: asset.Native(), Amount: fpmath.One})
	assert.Error(t, self.Validate())

	zero := ledger.NewPlan("zero")
	zero.AddLeg(ledger.TransferRepayment, ledger.Transfer{From: "a", To: "b", Asset: asset.Native(), Amount: 0})
	assert.Error(t, zero.Validate())
}

func TestPlan_ZeroFeeSkipped(t *testing.T) {
	p := ledger.NewPlan("swap")
	p.AddFee(ledger.Transfer{From: "a", To: "b", Asset: asset.Native()})
	assert.Empty(t, p.FeeLegs)
}

// ============================================================================
// Test: Executor
// ============================================================================

func TestExecutor_ExecuteAndFees(t *testing.T) {
	gw := fundedGateway()
	ex := newExecutor(gw)
	plan := swapPlan()

	settlement, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, settlement.Receipts, 2)
	assert.Equal(t, fpmath.FromUnits(900), gw.Balance("alice", tok))

	fees := ex.ExecuteFees(context.Background(), plan)
	assert.True(t, fees.Collected())
	assert.Equal(t, fpmath.FromUnits(1), gw.Balance("platform", asset.Native()))
}

func TestExecutor_FirstLegRejected(t *testing.T) {
	gw := fundedGateway()
	gw.FailNext(ledger.FailureInsufficientBalance)

	_, err := newExecutor(gw).Execute(context.Background(), swapPlan())

	var rej *ledger.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ledger.FailureInsufficientBalance, rej.Code)
	assert.Equal(t, fpmath.FromUnits(500), gw.Balance("alice", asset.Native()))
}

func TestExecutor_SecondLegRejectedIsRefunded(t *testing.T) {
	gw := fundedGateway()
	totalBefore := gw.Total(asset.Native())
	ex := newExecutor(&secondLegFails{MemoryGateway: gw})

	_, err := ex.Execute(context.Background(), swapPlan())

	var rej *ledger.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ledger.FailureInsufficientRouteLiquidity, rej.Code)
	assert.Equal(t, fpmath.FromUnits(500), gw.Balance("alice", asset.Native()))
	assert.Equal(t, fpmath.FromUnits(1000), gw.Balance("pool", asset.Native()))
	assert.Equal(t, totalBefore, gw.Total(asset.Native()))
	assert.Len(t, gw.Submitted(), 2, "input and its refund")
}

func TestExecutor_AmbiguousFirstLeg(t *testing.T) {
	gw := fundedGateway()
	gw.TimeoutNext(false)

	_, err := newExecutor(gw).Execute(context.Background(), swapPlan())
	assert.ErrorIs(t, err, ledger.ErrAmbiguousOutcome)
	assert.NotErrorIs(t, err, ledger.ErrSettlementIncomplete)
	assert.Equal(t, fault.KindAmbiguousOutcome, fault.KindOf(err))
}

func TestExecutor_AmbiguousSecondLeg(t *testing.T) {
	gw := fundedGateway()
	ex := newExecutor(&secondLegTimesOut{MemoryGateway: gw})

	settlement, err := ex.Execute(context.Background(), swapPlan())
	assert.ErrorIs(t, err, ledger.ErrSettlementIncomplete)
	assert.Len(t, settlement.Receipts, 1)
}

func TestExecutor_UnclassifiedErrorIsAmbiguous(t *testing.T) {
	ex := newExecutor(brokenGateway{})
	_, err := ex.Submit(context.Background(), ledger.Leg{Kind: ledger.TransferRepayment})
	assert.ErrorIs(t, err, ledger.ErrAmbiguousOutcome)
}

func TestExecutor_FeeFailureDoesNotUndo(t *testing.T) {
	gw := fundedGateway()
	ex := newExecutor(gw)
	plan := swapPlan()

	_, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)

	gw.FailNext(ledger.FailureReserveViolation)
	fees := ex.ExecuteFees(context.Background(), plan)
	assert.False(t, fees.Collected())
	assert.Equal(t, fpmath.FromUnits(900), gw.Balance("alice", tok))
}

// ============================================================================
// Test: MemoryGateway
// ============================================================================

func TestMemoryGateway_Failures(t *testing.T) {
	ctx := context.Background()
	gw := ledger.NewMemoryGateway(fpmath.One)
	gw.Fund("alice", asset.Native(), fpmath.FromUnits(10))
	gw.Fund("alice", tok, fpmath.FromUnits(10))

	code := func(err error) ledger.FailureCode {
		var rej *ledger.RejectionError
		require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
		return rej.Code
	}

	_, err := gw.SubmitTransfer(ctx, ledger.Transfer{From: "alice", To: "bob", Asset: tok, Amount: fpmath.One})
	assert.Equal(t, ledger.FailureMissingTrustpath, code(err))

	_, err = gw.SubmitTransfer(ctx, ledger.Transfer{From: "alice", To: "bob", Asset: asset.Native(), Amount: fpmath.FromUnits(10)})
	assert.Equal(t, ledger.FailureReserveViolation, code(err))

	_, err = gw.SubmitTransfer(ctx, ledger.Transfer{From: "alice", To: "bob", Asset: asset.Native(), Amount: fpmath.FromUnits(11)})
	assert.Equal(t, ledger.FailureInsufficientBalance, code(err))

	_, err = gw.SubmitTransfer(ctx, ledger.Transfer{From: "alice", To: "alice", Asset: asset.Native(), Amount: fpmath.One})
	assert.Equal(t, ledger.FailureSelfCross, code(err))

	require.NoError(t, gw.EnsureTrustpath(ctx, "bob", tok))
	_, err = gw.SubmitTransfer(ctx, ledger.Transfer{From: "alice", To: "bob", Asset: tok, Amount: fpmath.One})
	require.NoError(t, err)

	st, err := gw.LoadAccountState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, fpmath.One, st.Balance(tok))
	assert.True(t, st.HasTrustpath(tok))
}

func TestAccountState_Spendable(t *testing.T) {
	st := ledger.AccountState{Balances: map[string]fpmath.Amount{asset.NativeCode: fpmath.FromUnits(10)}}
	assert.Equal(t, fpmath.MustParse("8.99"), st.Spendable(asset.Native(), fpmath.One, fpmath.MustParse("0.01")))
	assert.True(t, st.Spendable(tok, fpmath.One, 0).IsZero())
}

func TestAccountState_RequireFunds(t *testing.T) {
	reserve, cost := fpmath.One, fpmath.MustParse("0.01")
	st := ledger.AccountState{Balances: map[string]fpmath.Amount{
		asset.NativeCode: fpmath.FromUnits(2),
		tok.Key():        fpmath.FromUnits(50),
	}}

	assert.NoError(t, st.RequireFunds(asset.Native(), fpmath.MustParse("0.99"), reserve, cost))
	assert.NoError(t, st.RequireFunds(tok, fpmath.FromUnits(50), reserve, cost))

	var ins *fault.InsufficientError
	require.ErrorAs(t, st.RequireFunds(asset.Native(), fpmath.One, reserve, cost), &ins)
	assert.Equal(t, "2.0100000", ins.Required.String())

	require.ErrorAs(t, st.RequireFunds(tok, fpmath.FromUnits(51), reserve, cost), &ins)
	assert.Equal(t, tok.Key(), ins.Asset)

	// an issued-asset spend still pays its submissions in native
	poor := ledger.AccountState{Balances: map[string]fpmath.Amount{tok.Key(): fpmath.FromUnits(50)}}
	require.ErrorAs(t, poor.RequireFunds(tok, fpmath.FromUnits(10), reserve, cost), &ins)
	assert.Equal(t, asset.NativeCode, ins.Asset)
	assert.Equal(t, "1.0100000", ins.Required.String())

	// a zero spend still needs the reserve and the cost
	require.ErrorAs(t, poor.RequireFunds(asset.Native(), 0, reserve, cost), &ins)
	assert.True(t, ins.Available.IsZero())
}

func TestStateLoader_RetriesReads(t *testing.T) {
	gw := &flakyLoader{MemoryGateway: fundedGateway(), failures: 2}
	retries := 0
	sl := ledger.NewStateLoader(gw, retry.Policy{MaxRetries: 3}, func() { retries++ })

	st, err := sl.Load(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(500), st.Balance(asset.Native()))
	assert.Equal(t, 2, retries)
}

// --- fakes ---

type secondLegFails struct {
	*ledger.MemoryGateway
	calls int
}

func (g *secondLegFails) SubmitTransfer(ctx context.Context, t ledger.Transfer) (ledger.Receipt, error) {
	g.calls++
	if g.calls == 2 {
		return ledger.Receipt{}, ledger.Reject(ledger.FailureInsufficientRouteLiquidity, "")
	}
	return g.MemoryGateway.SubmitTransfer(ctx, t)
}

type secondLegTimesOut struct {
	*ledger.MemoryGateway
	calls int
}

func (g *secondLegTimesOut) SubmitTransfer(ctx context.Context, t ledger.Transfer) (ledger.Receipt, error) {
	g.calls++
	if g.calls == 2 {
		return ledger.Receipt{}, ledger.ErrAmbiguousOutcome
	}
	return g.MemoryGateway.SubmitTransfer(ctx, t)
}

type brokenGateway struct{ ledger.Gateway }

func (brokenGateway) SubmitTransfer(context.Context, ledger.Transfer) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("connection reset by peer")
}

type flakyLoader struct {
	*ledger.MemoryGateway
	failures int
}

func (g *flakyLoader) LoadAccountState(ctx context.Context, account string) (ledger.AccountState, error) {
	if g.failures > 0 {
		g.failures--
		return ledger.AccountState{}, errors.New("horizon unavailable")
	}
	return g.MemoryGateway.LoadAccountState(ctx, account)
}
