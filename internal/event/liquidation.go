package event

import (
	"github.com/google/uuid"

	fpmath "DefiLedger/internal/math"
)

// Liquidated is emitted for full and partial liquidations alike.
type Liquidated struct {
	PlanID          uuid.UUID     `json:"plan_id"`
	PositionID      uuid.UUID     `json:"position_id"`
	Pool            string        `json:"pool_id"`
	Liquidator      string        `json:"liquidator"`
	Repaid          fpmath.Amount `json:"repaid"`
	Seized          fpmath.Amount `json:"seized"`
	SeizedNet       fpmath.Amount `json:"seized_net"`
	HealthBefore    fpmath.Amount `json:"health_before"`
	HealthAfter     fpmath.Amount `json:"health_after"`
	RemainingDebt   fpmath.Amount `json:"remaining_debt"`
	FullyLiquidated bool          `json:"fully_liquidated"`
}

func (e *Liquidated) IdempotencyKey() string { return e.PlanID.String() }
func (e *Liquidated) EventType() EventType   { return EventTypeLiquidated }
func (e *Liquidated) PoolID() string         { return e.Pool }
