// internal/math/interest.go
package math

import "time"

// SecondsPerMonth is the 30-day month used for linear accrual.
const SecondsPerMonth int64 = 30 * 24 * 60 * 60

// MonthlyFromYearly divides a yearly rate into twelve equal months.
func MonthlyFromYearly(yearly Amount) (Amount, error) {
	v, err := MulDiv(int64(yearly), 1, 12, RoundHalfEven)
	return Amount(v), err
}

// AccrueLinear computes principal * rateMonthly * months(elapsed) with no
// compounding. Elapsed time is measured in whole seconds.
func AccrueLinear(principal, rateMonthly Amount, elapsed time.Duration) (Amount, error) {
	secs := int64(elapsed / time.Second)
	if secs <= 0 || principal <= 0 || rateMonthly <= 0 {
		return Zero, nil
	}

	// principal * rate / Scale * secs / SecondsPerMonth
	v, err := MulMulDiv(int64(principal), int64(rateMonthly), secs, Scale*SecondsPerMonth, RoundHalfEven)
	return Amount(v), err
}

// SplitRepayment applies a payment to interest first, then principal. The
// payment must already be capped at interest + principal.
func SplitRepayment(payment, interest Amount) (interestPaid, principalPaid Amount) {
	interestPaid = Min(payment, interest)
	principalPaid = payment - interestPaid
	return interestPaid, principalPaid
}
