package amm_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

var tok = asset.New("TOK", "GTOKENISSUER")

func newScenarioPool(t *testing.T) *state.Pool {
	t.Helper()
	p, err := amm.NewPool("native-tok", asset.Native(), tok, fpmath.FromUnits(1000), fpmath.FromUnits(10_000), 30, "GCUSTODY")
	require.NoError(t, err)
	return p
}

func product(a, b fpmath.Amount) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
}

// ============================================================================
// Test: Quote
// ============================================================================

func TestQuoteExactIn_Scenario(t *testing.T) {
	require := require.New(t)
	p := newScenarioPool(t)

	q, err := amm.QuoteExactIn(p, asset.Native(), fpmath.FromUnits(100))
	require.NoError(err)
	require.Equal("99.7000000", q.InputAfterFee.String())
	require.Equal("906.6108938", q.Output.String())
	require.True(q.OutputAsset.Matches(tok))

	minOut, err := amm.MinOut(q.Output, fpmath.One)
	require.NoError(err)
	require.Equal("897.5447848", minOut.String())
	require.LessOrEqual(int64(minOut), int64(q.Output))

	require.Equal(int64(934), q.PriceImpactBps())
}

func TestQuoteExactIn_DirectionFromPool(t *testing.T) {
	p := newScenarioPool(t)

	// caller asks with lowercase code; direction resolved against reserve B
	q, err := amm.QuoteExactIn(p, asset.New("tok", "GTOKENISSUER"), fpmath.FromUnits(1000))
	require.NoError(t, err)
	assert.False(t, q.InputIsA)
	assert.True(t, q.OutputAsset.IsNative())
	assert.Equal(t, fpmath.FromUnits(10_000), q.ReserveIn)
}

func TestQuoteExactIn_Rejections(t *testing.T) {
	p := newScenarioPool(t)

	tests := []struct {
		name  string
		pool  func() *state.Pool
		from  asset.Asset
		input fpmath.Amount
		want  error
	}{
		{"input exceeds reserve", func() *state.Pool { return p }, asset.Native(), fpmath.FromUnits(1001), amm.ErrInputExceedsReserve},
		{"unknown asset", func() *state.Pool { return p }, asset.New("TOK", "GOTHER"), fpmath.One, amm.ErrAssetNotInPool},
		{"empty pool", func() *state.Pool {
			e := p.Clone()
			e.ReserveA = 0
			return e
		}, asset.Native(), fpmath.One, amm.ErrPoolEmpty},
		{"dust input", func() *state.Pool { return p }, asset.Native(), 1, amm.ErrOutputTooSmall},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := amm.QuoteExactIn(tc.pool(), tc.from, tc.input)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := amm.QuoteExactIn(p, asset.Native(), 0)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestQuoteExactIn_Monotonic(t *testing.T) {
	p := newScenarioPool(t)

	prev := fpmath.Zero
	for _, in := range []int64{1, 5, 10, 50, 100, 500, 999} {
		q, err := amm.QuoteExactIn(p, asset.Native(), fpmath.FromUnits(in))
		require.NoError(t, err)
		assert.Greater(t, int64(q.Output), int64(prev), "input %d", in)
		assert.Less(t, int64(q.Output), int64(p.ReserveB))
		prev = q.Output
	}
}

// ============================================================================
// Test: ApplySwap
// ============================================================================

func TestApplySwap_ConstantProductNeverDecreases(t *testing.T) {
	p := newScenarioPool(t)
	before := product(p.ReserveA, p.ReserveB)

	q, err := amm.QuoteExactIn(p, asset.Native(), fpmath.FromUnits(100))
	require.NoError(t, err)
	require.NoError(t, amm.ApplySwap(p, q))

	after := product(p.ReserveA, p.ReserveB)
	assert.Equal(t, 1, after.Cmp(before), "k must grow with a non-zero fee")
	assert.Equal(t, fpmath.FromUnits(1100), p.ReserveA)
}

func TestApplySwap_ZeroFeeKeepsProduct(t *testing.T) {
	p, err := amm.NewPool("zero", asset.Native(), tok, fpmath.FromUnits(1000), fpmath.FromUnits(10_000), 0, "GCUSTODY")
	require.NoError(t, err)
	before := product(p.ReserveA, p.ReserveB)

	q, err := amm.QuoteExactIn(p, asset.Native(), fpmath.FromUnits(100))
	require.NoError(t, err)
	require.NoError(t, amm.ApplySwap(p, q))

	// rounding down the output can only leave k equal or marginally above
	assert.GreaterOrEqual(t, product(p.ReserveA, p.ReserveB).Cmp(before), 0)
}

func TestQuote_CheckMinOut(t *testing.T) {
	p := newScenarioPool(t)
	q, err := amm.QuoteExactIn(p, asset.Native(), fpmath.FromUnits(100))
	require.NoError(t, err)

	assert.NoError(t, q.CheckMinOut(fpmath.FromUnits(900)))
	assert.ErrorIs(t, q.CheckMinOut(fpmath.FromUnits(907)), amm.ErrSlippageExceeded)
}

func TestNewPool_Validation(t *testing.T) {
	_, err := amm.NewPool("x", tok, asset.New("tok", "GTOKENISSUER"), fpmath.One, fpmath.One, 30, "GCUSTODY")
	assert.ErrorIs(t, err, amm.ErrSameAsset)

	_, err = amm.NewPool("x", asset.Native(), tok, fpmath.One, fpmath.One, 10_000, "GCUSTODY")
	assert.ErrorIs(t, err, amm.ErrInvalidFee)

	_, err = amm.NewPool("x", asset.Native(), tok, 0, fpmath.One, 30, "GCUSTODY")
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestMinOut_Bounds(t *testing.T) {
	_, err := amm.MinOut(fpmath.FromUnits(10), fpmath.FromUnits(101))
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	got, err := amm.MinOut(fpmath.FromUnits(10), fpmath.Zero)
	require.NoError(t, err)
	assert.Equal(t, fpmath.FromUnits(10), got)
}
