package amm

import (
	"fmt"
	"time"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

var (
	ErrPoolEmpty            = fault.New(fault.KindInsufficientResource, "amm: pool is empty")
	ErrAssetNotInPool       = fault.New(fault.KindValidation, "amm: asset is not part of the pool")
	ErrSameAsset            = fault.New(fault.KindValidation, "amm: pool assets must differ")
	ErrInputExceedsReserve  = fault.New(fault.KindInsufficientResource, "amm: input exceeds input-side reserve")
	ErrOutputExceedsReserve = fault.New(fault.KindInsufficientResource, "amm: output exceeds output-side reserve")
	ErrOutputTooSmall       = fault.New(fault.KindValidation, "amm: input too small to produce output")
	ErrSlippageExceeded     = fault.New(fault.KindInsufficientResource, "amm: output below minimum")
	ErrInvalidFee           = fault.New(fault.KindValidation, "amm: fee must be within [0, 10000) bps")
	ErrInsufficientShares   = fault.New(fault.KindInsufficientResource, "amm: not enough pool shares")
)

// NewPool seeds a pool. Initial shares are the geometric mean of the reserves.
func NewPool(id string, assetA, assetB asset.Asset, reserveA, reserveB fpmath.Amount, feeBps int64, custody string) (*state.Pool, error) {
	if assetA.Matches(assetB) {
		return nil, ErrSameAsset
	}
	if feeBps < 0 || feeBps >= fpmath.BpsScale {
		return nil, ErrInvalidFee
	}
	if err := fault.RequirePositive("reserve_a", reserveA); err != nil {
		return nil, err
	}
	if err := fault.RequirePositive("reserve_b", reserveB); err != nil {
		return nil, err
	}
	if custody == "" {
		return nil, fault.Invalid("custody_account", "must be set")
	}

	shares, err := fpmath.GeometricMean(int64(reserveA), int64(reserveB))
	if err != nil {
		return nil, fmt.Errorf("initial shares: %w", err)
	}

	return &state.Pool{
		ID:             id,
		AssetA:         assetA,
		AssetB:         assetB,
		ReserveA:       reserveA,
		ReserveB:       reserveB,
		FeeBps:         feeBps,
		TotalShares:    fpmath.Amount(shares),
		CustodyAccount: custody,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

// Quote is a priced exact-input swap against a pool snapshot.
type Quote struct {
	InputAsset    asset.Asset
	OutputAsset   asset.Asset
	Input         fpmath.Amount
	InputAfterFee fpmath.Amount
	Output        fpmath.Amount
	ReserveIn     fpmath.Amount
	ReserveOut    fpmath.Amount
	InputIsA      bool
	FeeBps        int64
}

// QuoteExactIn prices a swap of input units of from. Direction comes from the
// pool's own reserves. Out-of-range requests are rejected, never clamped.
func QuoteExactIn(p *state.Pool, from asset.Asset, input fpmath.Amount) (Quote, error) {
	if err := fault.RequirePositive("input_amount", input); err != nil {
		return Quote{}, err
	}
	if p.IsEmpty() {
		return Quote{}, fmt.Errorf("%w: %s", ErrPoolEmpty, p.ID)
	}

	inputIsA, ok := p.Side(from)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s not in %s", ErrAssetNotInPool, from, p.ID)
	}

	q := Quote{Input: input, InputIsA: inputIsA, FeeBps: p.FeeBps}
	if inputIsA {
		q.InputAsset, q.OutputAsset = p.AssetA, p.AssetB
		q.ReserveIn, q.ReserveOut = p.ReserveA, p.ReserveB
	} else {
		q.InputAsset, q.OutputAsset = p.AssetB, p.AssetA
		q.ReserveIn, q.ReserveOut = p.ReserveB, p.ReserveA
	}

	if input > q.ReserveIn {
		return Quote{}, fmt.Errorf("%w: input %s, reserve %s", ErrInputExceedsReserve, input, q.ReserveIn)
	}

	// inputAfterFee = input * (1 - f)
	afterFee, err := input.MulBps(fpmath.BpsScale-p.FeeBps, fpmath.RoundDown)
	if err != nil {
		return Quote{}, err
	}

	// output = inputAfterFee * y / (x + inputAfterFee)
	output, err := afterFee.MulDiv(q.ReserveOut, q.ReserveIn+afterFee, fpmath.RoundDown)
	if err != nil {
		return Quote{}, err
	}
	if output >= q.ReserveOut {
		return Quote{}, fmt.Errorf("%w: output %s, reserve %s", ErrOutputExceedsReserve, output, q.ReserveOut)
	}
	if output <= 0 {
		return Quote{}, ErrOutputTooSmall
	}

	q.InputAfterFee = afterFee
	q.Output = output
	return q, nil
}

// CheckMinOut fails when the quoted output is below minOut.
func (q Quote) CheckMinOut(minOut fpmath.Amount) error {
	if q.Output < minOut {
		return fmt.Errorf("%w: output %s, minimum %s", ErrSlippageExceeded, q.Output, minOut)
	}
	return nil
}

// MinOut applies a slippage tolerance given in percent.
func MinOut(expected, slippagePercent fpmath.Amount) (fpmath.Amount, error) {
	if slippagePercent < 0 || slippagePercent > fpmath.FromUnits(100) {
		return 0, fault.Invalid("slippage_percent", "must be within [0, 100]")
	}
	frac, err := slippagePercent.Percent()
	if err != nil {
		return 0, err
	}
	return expected.Mul(fpmath.One-frac, fpmath.RoundDown)
}

// PriceImpactBps is how far the execution price falls below the spot price.
func (q Quote) PriceImpactBps() int64 {
	// execution/spot = (output * reserveIn) / (input * reserveOut)
	ratio, err := fpmath.ProductRatio(int64(q.Output), int64(q.ReserveIn), int64(q.Input), int64(q.ReserveOut), fpmath.BpsScale, fpmath.RoundDown)
	if err != nil {
		return fpmath.BpsScale
	}
	return fpmath.BpsScale - ratio
}

// ApplySwap moves the quoted amounts through the reserves. The full input,
// fee included, stays in the pool.
func ApplySwap(p *state.Pool, q Quote) error {
	inputIsA, ok := p.Side(q.InputAsset)
	if !ok || inputIsA != q.InputIsA {
		return ErrAssetNotInPool
	}
	if q.InputIsA {
		if q.Output >= p.ReserveB {
			return ErrOutputExceedsReserve
		}
		p.ReserveA += q.Input
		p.ReserveB -= q.Output
	} else {
		if q.Output >= p.ReserveA {
			return ErrOutputExceedsReserve
		}
		p.ReserveB += q.Input
		p.ReserveA -= q.Output
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}
