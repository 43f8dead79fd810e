package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"DefiLedger/internal/asset"
)

// TransferKind is the purpose of a plan leg
type TransferKind int32

const (
	TransferSwapInput TransferKind = iota
	TransferSwapOutput
	TransferPlatformFee
	TransferSupplyDeposit
	TransferWithdrawPayout
	TransferCollateralDeposit
	TransferLoanDisbursement
	TransferRepayment
	TransferLiquidationRepayment
	TransferCollateralSeizure
	TransferCollateralRelease
	TransferRefund
	TransferLiquidityDeposit
	TransferLiquidityWithdrawal
)

func (k TransferKind) String() string {
	switch k {
	case TransferSwapInput:
		return "swap_input"
	case TransferSwapOutput:
		return "swap_output"
	case TransferPlatformFee:
		return "platform_fee"
	case TransferSupplyDeposit:
		return "supply_deposit"
	case TransferWithdrawPayout:
		return "withdraw_payout"
	case TransferCollateralDeposit:
		return "collateral_deposit"
	case TransferLoanDisbursement:
		return "loan_disbursement"
	case TransferRepayment:
		return "repayment"
	case TransferLiquidationRepayment:
		return "liquidation_repayment"
	case TransferCollateralSeizure:
		return "collateral_seizure"
	case TransferCollateralRelease:
		return "collateral_release"
	case TransferRefund:
		return "refund"
	case TransferLiquidityDeposit:
		return "liquidity_deposit"
	case TransferLiquidityWithdrawal:
		return "liquidity_withdrawal"
	default:
		return "unknown"
	}
}

// Leg is one transfer of a plan.
type Leg struct {
	Kind TransferKind
	Transfer
}

// Trustpath must exist before any value moves.
type Trustpath struct {
	Account string
	Asset   asset.Asset
}

// Plan is the ordered list of instructions an engine hands to the gateway.
// Trustpaths run first, then Legs in order. FeeLegs run only after the
// caller has recorded the confirmed Legs.
type Plan struct {
	PlanID     uuid.UUID
	Operation  string
	Trustpaths []Trustpath
	Legs       []Leg
	FeeLegs    []Leg
}

// NewPlan creates an empty plan for an operation.
func NewPlan(operation string) *Plan {
	return &Plan{PlanID: uuid.New(), Operation: operation}
}

// AddTrustpath requires account to be able to hold a.
func (p *Plan) AddTrustpath(account string, a asset.Asset) *Plan {
	if !a.IsNative() {
		p.Trustpaths = append(p.Trustpaths, Trustpath{Account: account, Asset: a})
	}
	return p
}

// AddLeg appends a value transfer.
func (p *Plan) AddLeg(kind TransferKind, t Transfer) *Plan {
	p.Legs = append(p.Legs, Leg{Kind: kind, Transfer: t})
	return p
}

// AddFee appends a fee transfer. Zero fees are skipped.
func (p *Plan) AddFee(t Transfer) *Plan {
	if t.Amount > 0 {
		p.FeeLegs = append(p.FeeLegs, Leg{Kind: TransferPlatformFee, Transfer: t})
	}
	return p
}

// Validate ensures the plan is well-formed.
func (p *Plan) Validate() error {
	if len(p.Legs) == 0 {
		return fmt.Errorf("plan %s is empty", p.PlanID)
	}

	for i, leg := range append(append([]Leg(nil), p.Legs...), p.FeeLegs...) {
		if leg.Amount <= 0 {
			return fmt.Errorf("plan %s leg %d (%s) has non-positive amount: %s", p.PlanID, i, leg.Kind, leg.Amount)
		}
		if leg.From == "" || leg.To == "" {
			return fmt.Errorf("plan %s leg %d (%s) has an empty account", p.PlanID, i, leg.Kind)
		}
		if leg.From == leg.To {
			return fmt.Errorf("plan %s leg %d (%s) has same source and destination", p.PlanID, i, leg.Kind)
		}
	}

	for _, tp := range p.Trustpaths {
		if tp.Account == "" {
			return fmt.Errorf("plan %s has a trustpath without account", p.PlanID)
		}
	}

	return nil
}

// reverse is the refund of a confirmed leg.
func (l Leg) reverse(planID uuid.UUID) Leg {
	return Leg{
		Kind: TransferRefund,
		Transfer: Transfer{
			From:   l.To,
			To:     l.From,
			Asset:  l.Asset,
			Amount: l.Amount,
			Memo:   fmt.Sprintf("refund %s %s", planID, l.Kind),
		},
	}
}
