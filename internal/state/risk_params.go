package state

import (
	"fmt"

	fpmath "DefiLedger/internal/math"
)

// FeeSchedule holds platform fees, all in basis points.
type FeeSchedule struct {
	SwapFeeBps        int64 // platform fee on swap input, collected after settlement
	PayoutFeeBps      int64 // fee on supply, withdraw and seized collateral
	OriginationFeeBps int64 // folded into borrowed principal
}

// RiskParams defines borrow pricing and liquidation rules. Liquidation
// bonus and threshold are engine-wide, not per pool.
type RiskParams struct {
	SmallBusinessRate    fpmath.Amount // yearly
	BigBusinessRate      fpmath.Amount // yearly
	BusinessThreshold    fpmath.Amount // reference-unit loan value above which the big-business rate applies
	LiquidationThreshold fpmath.Amount
	LiquidationBonus     fpmath.Amount
}

// CreditParams bounds credit scores and the borrow-rate discount.
type CreditParams struct {
	MinScore    int
	MaxScore    int
	MinBorrow   int           // eligibility threshold
	MaxDiscount fpmath.Amount // fraction of the base rate removed at MaxScore
}

// RateModel is the kinked utilisation curve behind a lending pool's
// displayed rates. All values are yearly fractions.
type RateModel struct {
	BaseRate      fpmath.Amount
	Slope1        fpmath.Amount // added across [0, Kink]
	Kink          fpmath.Amount
	Slope2        fpmath.Amount // added across (Kink, 1]
	ReserveFactor fpmath.Amount // share of borrow interest kept from suppliers
}

// LedgerParams are the account-level costs checked before a transfer.
type LedgerParams struct {
	TxCost     fpmath.Amount // native units per submission
	MinReserve fpmath.Amount // native units an account must keep
}

var (
	DefaultFeeSchedule = FeeSchedule{
		SwapFeeBps:        10,  // 0.1%
		PayoutFeeBps:      50,  // 0.5%
		OriginationFeeBps: 100, // 1%
	}

	DefaultRiskParams = RiskParams{
		SmallBusinessRate:    fpmath.MustParse("0.12"),
		BigBusinessRate:      fpmath.MustParse("0.08"),
		BusinessThreshold:    fpmath.FromUnits(10_000),
		LiquidationThreshold: fpmath.One,
		LiquidationBonus:     fpmath.MustParse("0.05"),
	}

	DefaultCreditParams = CreditParams{
		MinScore:    300,
		MaxScore:    850,
		MinBorrow:   600,
		MaxDiscount: fpmath.MustParse("0.3"),
	}

	DefaultRateModel = RateModel{
		BaseRate:      fpmath.MustParse("0.02"),
		Slope1:        fpmath.MustParse("0.1"),
		Kink:          fpmath.MustParse("0.8"),
		Slope2:        fpmath.One,
		ReserveFactor: fpmath.MustParse("0.1"),
	}

	DefaultLedgerParams = LedgerParams{
		TxCost:     fpmath.MustParse("0.00001"),
		MinReserve: fpmath.One,
	}
)

func validBps(name string, v int64) error {
	if v < 0 || v >= fpmath.BpsScale {
		return fmt.Errorf("%s must be within [0, %d), got %d", name, fpmath.BpsScale, v)
	}
	return nil
}

func (f FeeSchedule) Validate() error {
	if err := validBps("swap_fee_bps", f.SwapFeeBps); err != nil {
		return err
	}
	if err := validBps("payout_fee_bps", f.PayoutFeeBps); err != nil {
		return err
	}
	return validBps("origination_fee_bps", f.OriginationFeeBps)
}

func (r RiskParams) Validate() error {
	if r.SmallBusinessRate < 0 || r.BigBusinessRate < 0 {
		return fmt.Errorf("borrow rates must be >= 0")
	}
	if r.BusinessThreshold <= 0 {
		return fmt.Errorf("business_threshold must be > 0, got %s", r.BusinessThreshold)
	}
	if r.LiquidationThreshold <= 0 {
		return fmt.Errorf("liquidation_threshold must be > 0, got %s", r.LiquidationThreshold)
	}
	if r.LiquidationBonus < 0 || r.LiquidationBonus > fpmath.One {
		return fmt.Errorf("liquidation_bonus must be within [0, 1], got %s", r.LiquidationBonus)
	}
	return nil
}

func (c CreditParams) Validate() error {
	if c.MinScore >= c.MaxScore {
		return fmt.Errorf("min_score %d must be below max_score %d", c.MinScore, c.MaxScore)
	}
	if c.MinBorrow < c.MinScore || c.MinBorrow > c.MaxScore {
		return fmt.Errorf("min_borrow %d outside [%d, %d]", c.MinBorrow, c.MinScore, c.MaxScore)
	}
	if c.MaxDiscount < 0 || c.MaxDiscount > fpmath.One {
		return fmt.Errorf("max_discount must be within [0, 1], got %s", c.MaxDiscount)
	}
	return nil
}

func (m RateModel) Validate() error {
	if m.BaseRate < 0 || m.Slope1 < 0 || m.Slope2 < 0 {
		return fmt.Errorf("rate model terms must be >= 0")
	}
	if m.Kink <= 0 || m.Kink >= fpmath.One {
		return fmt.Errorf("kink must be within (0, 1), got %s", m.Kink)
	}
	if m.ReserveFactor < 0 || m.ReserveFactor > fpmath.One {
		return fmt.Errorf("reserve_factor must be within [0, 1], got %s", m.ReserveFactor)
	}
	return nil
}

func (l LedgerParams) Validate() error {
	if l.TxCost < 0 || l.MinReserve < 0 {
		return fmt.Errorf("ledger costs must be >= 0")
	}
	return nil
}
