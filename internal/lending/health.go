package lending

import (
	"time"

	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

// MaxHealthFactor stands in for an infinite health factor on a position that
// owes nothing.
var MaxHealthFactor = fpmath.FromUnits(1_000_000)

// HealthFactor is collateralValue*ltv / debtValue, rounded down.
func HealthFactor(collateralValue, ltv, debtValue fpmath.Amount) (fpmath.Amount, error) {
	if debtValue <= 0 {
		return MaxHealthFactor, nil
	}
	weighted, err := collateralValue.Mul(ltv, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	hf, err := weighted.Div(debtValue, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.Min(hf, MaxHealthFactor), nil
}

// Valuation is a borrow position priced at a single instant.
type Valuation struct {
	OutstandingInterest fpmath.Amount
	TotalDebt           fpmath.Amount
	CollateralValue     fpmath.Amount
	DebtValue           fpmath.Amount
	HealthFactor        fpmath.Amount
}

// Appraise prices pos at now. Interest is recomputed from the stored monthly
// rate and accrual start, never read from storage.
func Appraise(pos *state.BorrowPosition, collateralPrice, debtPrice fpmath.Amount, now time.Time) (Valuation, error) {
	interest, err := pos.OutstandingInterest(now)
	if err != nil {
		return Valuation{}, err
	}
	v := Valuation{
		OutstandingInterest: interest,
		TotalDebt:           pos.BorrowedAmount + interest,
	}
	if v.CollateralValue, err = pos.CollateralAmount.Mul(collateralPrice, fpmath.RoundDown); err != nil {
		return Valuation{}, err
	}
	if v.DebtValue, err = v.TotalDebt.Mul(debtPrice, fpmath.RoundUp); err != nil {
		return Valuation{}, err
	}
	if v.HealthFactor, err = HealthFactor(v.CollateralValue, pos.LTV, v.DebtValue); err != nil {
		return Valuation{}, err
	}
	return v, nil
}
