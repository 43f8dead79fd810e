package server

import (
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/lending"
	"DefiLedger/internal/liquidation"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/swap"
)

// Every amount on the wire is an fpmath.Amount, which encodes as a decimal
// string with 7 fractional digits.

// --- swaps ---

type CreatePoolRequest struct {
	PoolID         string        `json:"pool_id"`
	AssetA         asset.Asset   `json:"asset_a"`
	AssetB         asset.Asset   `json:"asset_b"`
	ReserveA       fpmath.Amount `json:"reserve_a"`
	ReserveB       fpmath.Amount `json:"reserve_b"`
	FeeBps         int64         `json:"fee_bps"`
	CustodyAccount string        `json:"custody_account"`
}

type GetPoolRequest struct {
	PoolID string `json:"pool_id"`
}

type Pool struct {
	PoolID         string        `json:"pool_id"`
	AssetA         asset.Asset   `json:"asset_a"`
	AssetB         asset.Asset   `json:"asset_b"`
	ReserveA       fpmath.Amount `json:"reserve_a"`
	ReserveB       fpmath.Amount `json:"reserve_b"`
	FeeBps         int64         `json:"fee_bps"`
	TotalShares    fpmath.Amount `json:"total_shares"`
	CustodyAccount string        `json:"custody_account"`
	Version        int64         `json:"version"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type QuoteSwapRequest struct {
	PoolID          string         `json:"pool_id"`
	From            asset.Asset    `json:"from"`
	To              asset.Asset    `json:"to"`
	Amount          fpmath.Amount  `json:"amount"`
	SlippagePercent fpmath.Amount  `json:"slippage_percent"`
	CallerBalance   *fpmath.Amount `json:"caller_balance,omitempty"`
	NativeBalance   *fpmath.Amount `json:"native_balance,omitempty"`
}

type QuoteSwapResponse struct {
	PoolID         string        `json:"pool_id"`
	InputAsset     asset.Asset   `json:"input_asset"`
	OutputAsset    asset.Asset   `json:"output_asset"`
	Input          fpmath.Amount `json:"input"`
	ExpectedOutput fpmath.Amount `json:"expected_output"`
	MinOut         fpmath.Amount `json:"min_out"`
	PlatformFee    fpmath.Amount `json:"platform_fee"`
	PoolFeePercent fpmath.Amount `json:"pool_fee_percent"`
	PriceImpactBps int64         `json:"price_impact_bps"`
}

type ExecuteSwapRequest struct {
	RequestID string `json:"request_id,omitempty"`
	QuoteSwapRequest
	UserAccount string `json:"user_account"`
	// MinOut omitted: derived from slippage_percent. "0": no floor.
	MinOut *fpmath.Amount `json:"min_out,omitempty"`
}

type ExecuteSwapResponse struct {
	QuoteSwapResponse
	PlanID       uuid.UUID `json:"plan_id"`
	TxIDs        []string  `json:"tx_ids"`
	FeeCollected bool      `json:"fee_collected"`
	Pool         Pool      `json:"pool"`
}

type AddLiquidityRequest struct {
	RequestID   string        `json:"request_id,omitempty"`
	PoolID      string        `json:"pool_id"`
	UserAccount string        `json:"user_account"`
	AmountA     fpmath.Amount `json:"amount_a"`
	AmountB     fpmath.Amount `json:"amount_b"`
}

type AddLiquidityResponse struct {
	PlanID      uuid.UUID     `json:"plan_id"`
	UsedA       fpmath.Amount `json:"used_a"`
	UsedB       fpmath.Amount `json:"used_b"`
	Minted      fpmath.Amount `json:"minted"`
	TotalShares fpmath.Amount `json:"total_shares"`
	TxIDs       []string      `json:"tx_ids"`
	Pool        Pool          `json:"pool"`
}

type RemoveLiquidityRequest struct {
	RequestID   string        `json:"request_id,omitempty"`
	PoolID      string        `json:"pool_id"`
	UserAccount string        `json:"user_account"`
	Shares      fpmath.Amount `json:"shares"`
}

type RemoveLiquidityResponse struct {
	PlanID          uuid.UUID     `json:"plan_id"`
	AmountA         fpmath.Amount `json:"amount_a"`
	AmountB         fpmath.Amount `json:"amount_b"`
	Burned          fpmath.Amount `json:"burned"`
	RemainingShares fpmath.Amount `json:"remaining_shares"`
	TxIDs           []string      `json:"tx_ids"`
	Pool            Pool          `json:"pool"`
}

// --- lending pools and supply ---

type CreateLendingPoolRequest struct {
	PoolID           string                  `json:"pool_id"`
	Asset            asset.Asset             `json:"asset"`
	TotalSupply      fpmath.Amount           `json:"total_supply"`
	CollateralFactor fpmath.Amount           `json:"collateral_factor"`
	ReserveBuffer    *fpmath.Amount          `json:"reserve_buffer,omitempty"`
	CollateralAssets []state.CollateralAsset `json:"collateral_assets"`
	CustodyAccount   string                  `json:"custody_account"`
}

type GetLendingPoolRequest struct {
	PoolID string `json:"pool_id"`
}

type ListLendingPoolsRequest struct{}

type LendingPool struct {
	PoolID           string                  `json:"pool_id"`
	Asset            asset.Asset             `json:"asset"`
	TotalSupply      fpmath.Amount           `json:"total_supply"`
	TotalBorrow      fpmath.Amount           `json:"total_borrow"`
	Available        fpmath.Amount           `json:"available"`
	Utilisation      fpmath.Amount           `json:"utilisation"`
	SupplyRate       fpmath.Amount           `json:"supply_rate"`
	BorrowRate       fpmath.Amount           `json:"borrow_rate"`
	CollateralFactor fpmath.Amount           `json:"collateral_factor"`
	ReserveBuffer    fpmath.Amount           `json:"reserve_buffer"`
	CollateralAssets []state.CollateralAsset `json:"collateral_assets"`
	CustodyAccount   string                  `json:"custody_account"`
	Version          int64                   `json:"version"`
}

type ListLendingPoolsResponse struct {
	Pools []LendingPool `json:"pools"`
}

type SupplyRequest struct {
	RequestID string        `json:"request_id,omitempty"`
	PoolID    string        `json:"pool_id"`
	UserID    string        `json:"user_id"`
	Amount    fpmath.Amount `json:"amount"`
}

type SupplyResponse struct {
	PlanID         uuid.UUID     `json:"plan_id"`
	Gross          fpmath.Amount `json:"gross"`
	Net            fpmath.Amount `json:"net"`
	Fee            fpmath.Amount `json:"fee"`
	FeeCollected   bool          `json:"fee_collected"`
	TxIDs          []string      `json:"tx_ids"`
	PositionAmount fpmath.Amount `json:"position_amount"`
	Pool           LendingPool   `json:"pool"`
}

// --- borrowing ---

type BorrowRequest struct {
	RequestID        string        `json:"request_id,omitempty"`
	PoolID           string        `json:"pool_id"`
	UserID           string        `json:"user_id"`
	CollateralAsset  asset.Asset   `json:"collateral_asset"`
	CollateralAmount fpmath.Amount `json:"collateral_amount"`
	BorrowAmount     fpmath.Amount `json:"borrow_amount"`
}

type BorrowPosition struct {
	PositionID       uuid.UUID     `json:"position_id"`
	UserID           string        `json:"user_id"`
	PoolID           string        `json:"pool_id"`
	CollateralAsset  asset.Asset   `json:"collateral_asset"`
	CollateralAmount fpmath.Amount `json:"collateral_amount"`
	BorrowedAsset    asset.Asset   `json:"borrowed_asset"`
	BorrowedAmount   fpmath.Amount `json:"borrowed_amount"`
	CarriedInterest  fpmath.Amount `json:"carried_interest"`
	RateYearly       fpmath.Amount `json:"rate_yearly"`
	RateMonthly      fpmath.Amount `json:"rate_monthly"`
	LTV              fpmath.Amount `json:"ltv"`
	HealthFactor     fpmath.Amount `json:"health_factor"`
	Status           string        `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	AccrualStart     time.Time     `json:"accrual_start"`
	RepaidAt         *time.Time    `json:"repaid_at,omitempty"`
	LiquidatedAt     *time.Time    `json:"liquidated_at,omitempty"`
}

type BorrowResponse struct {
	PlanID          uuid.UUID      `json:"plan_id"`
	Position        BorrowPosition `json:"position"`
	CreditScore     int            `json:"credit_score"`
	CollateralValue fpmath.Amount  `json:"collateral_value"`
	BorrowValue     fpmath.Amount  `json:"borrow_value"`
	TxIDs           []string       `json:"tx_ids"`
}

type RepayRequest struct {
	RequestID  string        `json:"request_id,omitempty"`
	PositionID uuid.UUID     `json:"position_id"`
	Amount     fpmath.Amount `json:"amount"`
}

type RepayResponse struct {
	PlanID             uuid.UUID      `json:"plan_id"`
	Paid               fpmath.Amount  `json:"paid"`
	InterestPaid       fpmath.Amount  `json:"interest_paid"`
	PrincipalPaid      fpmath.Amount  `json:"principal_paid"`
	RemainingDebt      fpmath.Amount  `json:"remaining_debt"`
	Position           BorrowPosition `json:"position"`
	CollateralReleased fpmath.Amount  `json:"collateral_released"`
	ReleasePending     bool           `json:"release_pending"`
	TxIDs              []string       `json:"tx_ids"`
}

type ReleaseCollateralRequest struct {
	PositionID uuid.UUID `json:"position_id"`
}

type ReleaseCollateralResponse struct {
	PlanID uuid.UUID     `json:"plan_id"`
	Amount fpmath.Amount `json:"amount"`
	TxIDs  []string      `json:"tx_ids"`
}

type GetPositionsRequest struct {
	UserID string `json:"user_id"`
}

type SupplyPosition struct {
	PoolID string        `json:"pool_id"`
	Amount fpmath.Amount `json:"amount"`
}

type BorrowView struct {
	BorrowPosition
	AccruedInterest     fpmath.Amount `json:"accrued_interest"`
	OutstandingInterest fpmath.Amount `json:"outstanding_interest"`
	TotalDebt           fpmath.Amount `json:"total_debt"`
	CurrentHealth       fpmath.Amount `json:"current_health_factor"`
}

type GetPositionsResponse struct {
	Supply []SupplyPosition `json:"supply"`
	Borrow []BorrowView     `json:"borrow"`
}

// --- credit ---

type CanBorrowRequest struct {
	UserID string `json:"user_id"`
}

type CanBorrowResponse struct {
	Eligible bool `json:"eligible"`
	Score    int  `json:"score"`
}

type SetScoreRequest struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

type SetScoreResponse struct {
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- liquidation ---

type HealthFactorRequest struct {
	PositionID uuid.UUID `json:"position_id"`
}

type HealthFactorResponse struct {
	PositionID   uuid.UUID     `json:"position_id"`
	HealthFactor fpmath.Amount `json:"health_factor"`
	Liquidatable bool          `json:"liquidatable"`
}

type LiquidateRequest struct {
	RequestID   string        `json:"request_id,omitempty"`
	PositionID  uuid.UUID     `json:"position_id"`
	RepayAmount fpmath.Amount `json:"repay_amount"`
	Liquidator  string        `json:"liquidator"`
}

type LiquidateResponse struct {
	PlanID             uuid.UUID      `json:"plan_id"`
	Repaid             fpmath.Amount  `json:"repaid"`
	InterestPaid       fpmath.Amount  `json:"interest_paid"`
	PrincipalPaid      fpmath.Amount  `json:"principal_paid"`
	Seized             fpmath.Amount  `json:"seized"`
	SeizedNet          fpmath.Amount  `json:"seized_net"`
	Fee                fpmath.Amount  `json:"fee"`
	FeeCollected       bool           `json:"fee_collected"`
	HealthBefore       fpmath.Amount  `json:"health_before"`
	HealthAfter        fpmath.Amount  `json:"health_after"`
	RemainingDebt      fpmath.Amount  `json:"remaining_debt"`
	Position           BorrowPosition `json:"position"`
	CollateralReleased fpmath.Amount  `json:"collateral_released"`
	ReleasePending     bool           `json:"release_pending"`
	TxIDs              []string       `json:"tx_ids"`
}

type FindLiquidatableRequest struct{}

type LiquidationCandidate struct {
	PositionID      uuid.UUID     `json:"position_id"`
	UserID          string        `json:"user_id"`
	PoolID          string        `json:"pool_id"`
	HealthFactor    fpmath.Amount `json:"health_factor"`
	TotalDebt       fpmath.Amount `json:"total_debt"`
	CollateralValue fpmath.Amount `json:"collateral_value"`
	DebtValue       fpmath.Amount `json:"debt_value"`
}

type FindLiquidatableResponse struct {
	Candidates []LiquidationCandidate `json:"candidates"`
}

// --- conversions ---

func toPool(p *state.Pool) Pool {
	return Pool{
		PoolID:         p.ID,
		AssetA:         p.AssetA,
		AssetB:         p.AssetB,
		ReserveA:       p.ReserveA,
		ReserveB:       p.ReserveB,
		FeeBps:         p.FeeBps,
		TotalShares:    p.TotalShares,
		CustodyAccount: p.CustodyAccount,
		Version:        p.Version,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toQuote(q swap.QuoteResult) QuoteSwapResponse {
	return QuoteSwapResponse{
		PoolID:         q.PoolID,
		InputAsset:     q.InputAsset,
		OutputAsset:    q.OutputAsset,
		Input:          q.Input,
		ExpectedOutput: q.ExpectedOutput,
		MinOut:         q.MinOut,
		PlatformFee:    q.PlatformFee,
		PoolFeePercent: q.PoolFeePercent,
		PriceImpactBps: q.PriceImpactBps,
	}
}

func toLendingPool(lp *state.LendingPool) LendingPool {
	return LendingPool{
		PoolID:           lp.ID,
		Asset:            lp.Asset,
		TotalSupply:      lp.TotalSupply,
		TotalBorrow:      lp.TotalBorrow,
		Available:        lp.Available(),
		Utilisation:      lp.Utilisation(),
		SupplyRate:       lp.SupplyRate,
		BorrowRate:       lp.BorrowRate,
		CollateralFactor: lp.CollateralFactor,
		ReserveBuffer:    lp.ReserveBuffer,
		CollateralAssets: lp.CollateralAssets,
		CustodyAccount:   lp.CustodyAccount,
		Version:          lp.Version,
	}
}

func toBorrowPosition(p *state.BorrowPosition) BorrowPosition {
	if p == nil {
		return BorrowPosition{}
	}
	return BorrowPosition{
		PositionID:       p.ID,
		UserID:           p.UserID,
		PoolID:           p.PoolID,
		CollateralAsset:  p.CollateralAsset,
		CollateralAmount: p.CollateralAmount,
		BorrowedAsset:    p.BorrowedAsset,
		BorrowedAmount:   p.BorrowedAmount,
		CarriedInterest:  p.CarriedInterest,
		RateYearly:       p.RateYearly,
		RateMonthly:      p.RateMonthly,
		LTV:              p.LTV,
		HealthFactor:     p.HealthFactor,
		Status:           p.Status.String(),
		CreatedAt:        p.CreatedAt,
		AccrualStart:     p.AccrualStart,
		RepaidAt:         p.RepaidAt,
		LiquidatedAt:     p.LiquidatedAt,
	}
}

func toPositions(p lending.Positions) *GetPositionsResponse {
	resp := &GetPositionsResponse{
		Supply: make([]SupplyPosition, 0, len(p.Supply)),
		Borrow: make([]BorrowView, 0, len(p.Borrow)),
	}
	for _, sp := range p.Supply {
		resp.Supply = append(resp.Supply, SupplyPosition{PoolID: sp.PoolID, Amount: sp.Amount})
	}
	for _, bv := range p.Borrow {
		resp.Borrow = append(resp.Borrow, BorrowView{
			BorrowPosition:      toBorrowPosition(bv.Position),
			AccruedInterest:     bv.AccruedInterest,
			OutstandingInterest: bv.OutstandingInterest,
			TotalDebt:           bv.TotalDebt,
			CurrentHealth:       bv.HealthFactor,
		})
	}
	return resp
}

func toCandidate(a liquidation.Appraisal) LiquidationCandidate {
	return LiquidationCandidate{
		PositionID:      a.Position.ID,
		UserID:          a.Position.UserID,
		PoolID:          a.Position.PoolID,
		HealthFactor:    a.HealthFactor,
		TotalDebt:       a.TotalDebt,
		CollateralValue: a.CollateralValue,
		DebtValue:       a.DebtValue,
	}
}
