package amm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"DefiLedger/internal/amm"
	fpmath "DefiLedger/internal/math"
)

func TestAddLiquidity_ProportionalToSmallerRatio(t *testing.T) {
	require := require.New(t)
	p := newScenarioPool(t)
	require.Equal("3162277.6601000", p.TotalShares.String())

	// 100 native is 10% of reserve A, 2000 TOK is 20% of reserve B
	dep, err := amm.AddLiquidity(p, fpmath.FromUnits(100), fpmath.FromUnits(2000))
	require.NoError(err)
	require.Equal("316227.7660000", dep.Shares.String())
	require.Equal(fpmath.FromUnits(100), dep.UsedA)
	require.Equal(fpmath.FromUnits(1000), dep.UsedB)
	require.Equal(fpmath.FromUnits(1100), p.ReserveA)
	require.Equal(fpmath.FromUnits(11_000), p.ReserveB)
}

func TestAddLiquidity_EmptyPoolRejected(t *testing.T) {
	p := newScenarioPool(t)
	p.TotalShares = 0

	_, err := amm.AddLiquidity(p, fpmath.One, fpmath.One)
	require.ErrorIs(t, err, amm.ErrPoolEmpty)
}

func TestRemoveLiquidity(t *testing.T) {
	require := require.New(t)
	p := newScenarioPool(t)
	half := p.TotalShares / 2

	outA, outB, err := amm.RemoveLiquidity(p, half)
	require.NoError(err)
	require.Equal("499.9999999", outA.String())
	require.Equal("4999.9999998", outB.String())

	_, _, err = amm.RemoveLiquidity(p, p.TotalShares+1)
	require.ErrorIs(err, amm.ErrInsufficientShares)
}
