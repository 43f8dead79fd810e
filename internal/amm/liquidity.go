package amm

import (
	"fmt"
	"time"

	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

// Deposit is the outcome of AddLiquidity: the amounts actually taken and the
// shares minted for them.
type Deposit struct {
	UsedA  fpmath.Amount
	UsedB  fpmath.Amount
	Shares fpmath.Amount
}

// AddLiquidity mints shares proportional to the smaller of the two deposit
// ratios. Empty pools reject deposits.
func AddLiquidity(p *state.Pool, amountA, amountB fpmath.Amount) (Deposit, error) {
	if err := fault.RequirePositive("amount_a", amountA); err != nil {
		return Deposit{}, err
	}
	if err := fault.RequirePositive("amount_b", amountB); err != nil {
		return Deposit{}, err
	}
	if p.IsEmpty() {
		return Deposit{}, fmt.Errorf("%w: %s", ErrPoolEmpty, p.ID)
	}

	sharesA, err := amountA.MulDiv(p.TotalShares, p.ReserveA, fpmath.RoundDown)
	if err != nil {
		return Deposit{}, err
	}
	sharesB, err := amountB.MulDiv(p.TotalShares, p.ReserveB, fpmath.RoundDown)
	if err != nil {
		return Deposit{}, err
	}
	shares := fpmath.Min(sharesA, sharesB)
	if shares <= 0 {
		return Deposit{}, ErrOutputTooSmall
	}

	// take only what the minted shares are worth, rounding against the depositor
	usedA, err := shares.MulDiv(p.ReserveA, p.TotalShares, fpmath.RoundUp)
	if err != nil {
		return Deposit{}, err
	}
	usedB, err := shares.MulDiv(p.ReserveB, p.TotalShares, fpmath.RoundUp)
	if err != nil {
		return Deposit{}, err
	}
	usedA = fpmath.Min(usedA, amountA)
	usedB = fpmath.Min(usedB, amountB)

	p.ReserveA += usedA
	p.ReserveB += usedB
	p.TotalShares += shares
	p.UpdatedAt = time.Now().UTC()

	return Deposit{UsedA: usedA, UsedB: usedB, Shares: shares}, nil
}

// RemoveLiquidity burns shares for a proportional slice of both reserves.
func RemoveLiquidity(p *state.Pool, shares fpmath.Amount) (outA, outB fpmath.Amount, err error) {
	if err := fault.RequirePositive("shares", shares); err != nil {
		return 0, 0, err
	}
	if shares > p.TotalShares {
		return 0, 0, fmt.Errorf("%w: requested %s, outstanding %s", ErrInsufficientShares, shares, p.TotalShares)
	}

	outA, err = shares.MulDiv(p.ReserveA, p.TotalShares, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	outB, err = shares.MulDiv(p.ReserveB, p.TotalShares, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}

	p.ReserveA -= outA
	p.ReserveB -= outB
	p.TotalShares -= shares
	p.UpdatedAt = time.Now().UTC()
	return outA, outB, nil
}
