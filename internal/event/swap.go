package event

import (
	"github.com/google/uuid"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
)

// SwapExecuted is emitted once a swap settled and reserves were recorded.
type SwapExecuted struct {
	PlanID       uuid.UUID     `json:"plan_id"`
	Pool         string        `json:"pool_id"`
	UserID       string        `json:"user_id"`
	InputAsset   asset.Asset   `json:"input_asset"`
	OutputAsset  asset.Asset   `json:"output_asset"`
	Input        fpmath.Amount `json:"input"`
	Output       fpmath.Amount `json:"output"`
	PlatformFee  fpmath.Amount `json:"platform_fee"`
	FeeCollected bool          `json:"fee_collected"`
	ReserveA     fpmath.Amount `json:"reserve_a"`
	ReserveB     fpmath.Amount `json:"reserve_b"`
}

func (e *SwapExecuted) IdempotencyKey() string { return e.PlanID.String() }
func (e *SwapExecuted) EventType() EventType   { return EventTypeSwapExecuted }
func (e *SwapExecuted) PoolID() string         { return e.Pool }

// LiquidityAdded is emitted once a deposit settled and shares were minted.
type LiquidityAdded struct {
	PlanID   uuid.UUID     `json:"plan_id"`
	Pool     string        `json:"pool_id"`
	UserID   string        `json:"user_id"`
	AmountA  fpmath.Amount `json:"amount_a"`
	AmountB  fpmath.Amount `json:"amount_b"`
	Shares   fpmath.Amount `json:"shares"`
	ReserveA fpmath.Amount `json:"reserve_a"`
	ReserveB fpmath.Amount `json:"reserve_b"`
}

func (e *LiquidityAdded) IdempotencyKey() string { return e.PlanID.String() }
func (e *LiquidityAdded) EventType() EventType   { return EventTypeLiquidityAdded }
func (e *LiquidityAdded) PoolID() string         { return e.Pool }

// LiquidityRemoved is emitted once burned shares were paid out.
type LiquidityRemoved struct {
	PlanID   uuid.UUID     `json:"plan_id"`
	Pool     string        `json:"pool_id"`
	UserID   string        `json:"user_id"`
	Shares   fpmath.Amount `json:"shares"`
	AmountA  fpmath.Amount `json:"amount_a"`
	AmountB  fpmath.Amount `json:"amount_b"`
	ReserveA fpmath.Amount `json:"reserve_a"`
	ReserveB fpmath.Amount `json:"reserve_b"`
}

func (e *LiquidityRemoved) IdempotencyKey() string { return e.PlanID.String() }
func (e *LiquidityRemoved) EventType() EventType   { return EventTypeLiquidityRemoved }
func (e *LiquidityRemoved) PoolID() string         { return e.Pool }
