package lending

import (
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

// Rates evaluates the kinked utilisation curve. Below the kink the borrow
// rate climbs by Slope1 in total, above it by Slope2. Suppliers earn the
// borrow rate scaled by utilisation, minus the reserve factor.
func Rates(m state.RateModel, utilisation fpmath.Amount) (borrow, supply fpmath.Amount, err error) {
	u := fpmath.Max(fpmath.Zero, fpmath.Min(utilisation, fpmath.One))

	if u <= m.Kink {
		step, err := m.Slope1.MulDiv(u, m.Kink, fpmath.RoundHalfEven)
		if err != nil {
			return 0, 0, err
		}
		borrow = m.BaseRate + step
	} else {
		step, err := m.Slope2.MulDiv(u-m.Kink, fpmath.One-m.Kink, fpmath.RoundHalfEven)
		if err != nil {
			return 0, 0, err
		}
		borrow = m.BaseRate + m.Slope1 + step
	}

	gross, err := borrow.Mul(u, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	supply, err = gross.Mul(fpmath.One-m.ReserveFactor, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	return borrow, supply, nil
}

// refreshRates recomputes the displayed pool rates from its utilisation.
func refreshRates(m state.RateModel, lp *state.LendingPool) error {
	borrow, supply, err := Rates(m, lp.Utilisation())
	if err != nil {
		return err
	}
	lp.BorrowRate, lp.SupplyRate = borrow, supply
	return nil
}
