package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

var ErrScoreOutOfRange = fault.New(fault.KindValidation, "credit: score out of range")

// Engine reads credit scores and prices them into borrow rates. Users
// without a stored score are treated as MinScore.
type Engine struct {
	store  store.Store
	params state.CreditParams
	logger zerolog.Logger
}

func NewEngine(s store.Store, params state.CreditParams, logger zerolog.Logger) *Engine {
	return &Engine{store: s, params: params, logger: logger}
}

// Params returns the engine's score bounds.
func (e *Engine) Params() state.CreditParams { return e.params }

// Score returns the user's score.
func (e *Engine) Score(ctx context.Context, userID string) (int, error) {
	cs, err := e.store.GetCreditScore(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return e.params.MinScore, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load credit score: %w", err)
	}
	return cs.Score, nil
}

// CanBorrow reports eligibility: score >= MinBorrow.
func (e *Engine) CanBorrow(ctx context.Context, userID string) (bool, int, error) {
	score, err := e.Score(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	return score >= e.params.MinBorrow, score, nil
}

// RequireEligible is CanBorrow as an error.
func (e *Engine) RequireEligible(ctx context.Context, userID string) (int, error) {
	ok, score, err := e.CanBorrow(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return score, fault.Insufficient(fault.ResourceCredit, "",
			fpmath.FromUnits(int64(e.params.MinBorrow)), fpmath.FromUnits(int64(score)))
	}
	return score, nil
}

// ApplyCreditDiscount lowers baseRateYearly linearly from no discount at
// MinBorrow to MaxDiscount at MaxScore. The result never increases with score.
func (e *Engine) ApplyCreditDiscount(baseRateYearly fpmath.Amount, score int) (fpmath.Amount, error) {
	return ApplyCreditDiscount(e.params, baseRateYearly, score)
}

func ApplyCreditDiscount(p state.CreditParams, baseRateYearly fpmath.Amount, score int) (fpmath.Amount, error) {
	if baseRateYearly < 0 {
		return 0, fault.Invalid("base_rate", "must be >= 0")
	}
	if score <= p.MinBorrow {
		return baseRateYearly, nil
	}
	if score > p.MaxScore {
		score = p.MaxScore
	}

	span := fpmath.FromUnits(int64(p.MaxScore - p.MinBorrow))
	frac, err := fpmath.FromUnits(int64(score - p.MinBorrow)).Div(span, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	discount, err := p.MaxDiscount.Mul(frac, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return baseRateYearly.Mul(fpmath.One-discount, fpmath.RoundHalfEven)
}

// SetScore is the administrative write path.
func (e *Engine) SetScore(ctx context.Context, userID string, score int) (*state.CreditScore, error) {
	if userID == "" {
		return nil, fault.Invalid("user_id", "must be set")
	}
	if score < e.params.MinScore || score > e.params.MaxScore {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrScoreOutOfRange, score, e.params.MinScore, e.params.MaxScore)
	}

	cs, err := e.store.GetCreditScore(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		cs = &state.CreditScore{UserID: userID}
	} else if err != nil {
		return nil, fmt.Errorf("load credit score: %w", err)
	}

	previous := cs.Score
	cs.Score = score
	cs.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCreditScore(ctx, cs); err != nil {
		return nil, fmt.Errorf("save credit score: %w", err)
	}

	e.logger.Info().
		Str("user_id", userID).
		Int("previous", previous).
		Int("score", score).
		Msg("credit score set")
	return cs, nil
}
