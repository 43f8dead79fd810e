package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DefiLedger/internal/fault"
	"DefiLedger/internal/observability"
)

var ErrInvalidPlan = fault.New(fault.KindValidation, "ledger: invalid plan")

// Settlement lists the receipts of a plan's confirmed value legs.
type Settlement struct {
	PlanID   uuid.UUID
	Receipts []Receipt
}

// FeeOutcome reports fee legs. Fee failures never undo the settlement.
type FeeOutcome struct {
	Receipts []Receipt
	Err      error
}

// Collected reports whether every fee leg confirmed.
func (f FeeOutcome) Collected() bool { return f.Err == nil }

// Executor submits plans to a Gateway. Submissions are never retried.
type Executor struct {
	gw      Gateway
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewExecutor(gw Gateway, logger zerolog.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{gw: gw, logger: logger, metrics: metrics}
}

// Gateway returns the underlying gateway.
func (e *Executor) Gateway() Gateway { return e.gw }

// Execute establishes trustpaths, then submits the value legs in order. If a
// later leg is rejected the confirmed legs are refunded and the rejection is
// returned, leaving no net movement. An ambiguous later leg, or a failed
// refund, yields ErrSettlementIncomplete.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (Settlement, error) {
	if err := plan.Validate(); err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	for _, tp := range plan.Trustpaths {
		if err := e.gw.EnsureTrustpath(ctx, tp.Account, tp.Asset); err != nil {
			return Settlement{}, fmt.Errorf("trustpath %s for %s: %w", tp.Asset, tp.Account, err)
		}
	}

	settlement := Settlement{PlanID: plan.PlanID}
	confirmed := make([]Leg, 0, len(plan.Legs))

	for _, leg := range plan.Legs {
		receipt, err := e.Submit(ctx, leg)
		if err == nil {
			confirmed = append(confirmed, leg)
			settlement.Receipts = append(settlement.Receipts, receipt)
			continue
		}

		if len(confirmed) == 0 {
			return Settlement{}, err
		}

		if errors.Is(err, ErrAmbiguousOutcome) {
			e.logger.Error().
				Str("plan_id", plan.PlanID.String()).
				Str("operation", plan.Operation).
				Str("leg", leg.Kind.String()).
				Err(err).
				Msg("settlement leg outcome unknown after earlier legs confirmed")
			return settlement, fmt.Errorf("%w: plan %s leg %s: %w", ErrSettlementIncomplete, plan.PlanID, leg.Kind, err)
		}

		if uerr := e.unwind(ctx, plan.PlanID, confirmed); uerr != nil {
			e.logger.Error().
				Str("plan_id", plan.PlanID.String()).
				Str("operation", plan.Operation).
				Err(uerr).
				Msg("refund of confirmed legs failed")
			return settlement, fmt.Errorf("%w: plan %s: refund after %s rejection failed: %w", ErrSettlementIncomplete, plan.PlanID, leg.Kind, uerr)
		}

		e.logger.Warn().
			Str("plan_id", plan.PlanID.String()).
			Str("operation", plan.Operation).
			Str("leg", leg.Kind.String()).
			Err(err).
			Msg("settlement leg rejected, confirmed legs refunded")
		return Settlement{}, err
	}

	return settlement, nil
}

// ExecuteFees submits fee legs after the caller has recorded the settlement.
func (e *Executor) ExecuteFees(ctx context.Context, plan *Plan) FeeOutcome {
	var out FeeOutcome
	var errs []error
	for _, leg := range plan.FeeLegs {
		receipt, err := e.Submit(ctx, leg)
		if err != nil {
			e.logger.Warn().
				Str("plan_id", plan.PlanID.String()).
				Str("amount", leg.Amount.String()).
				Str("asset", leg.Asset.Key()).
				Err(err).
				Msg("fee transfer failed")
			errs = append(errs, err)
			continue
		}
		out.Receipts = append(out.Receipts, receipt)
	}
	out.Err = errors.Join(errs...)
	return out
}

// Submit sends one transfer. Any error that is not a confirmed rejection is
// reported as ErrAmbiguousOutcome.
func (e *Executor) Submit(ctx context.Context, leg Leg) (Receipt, error) {
	start := time.Now()
	receipt, err := e.gw.SubmitTransfer(ctx, leg.Transfer)

	outcome := "confirmed"
	var rej *RejectionError
	switch {
	case err == nil:
	case errors.As(err, &rej):
		outcome = "rejected"
	case errors.Is(err, ErrAmbiguousOutcome):
		outcome = "ambiguous"
	default:
		outcome = "ambiguous"
		err = fmt.Errorf("%w: %w", ErrAmbiguousOutcome, err)
	}

	if e.metrics != nil {
		e.metrics.LedgerSubmissions.WithLabelValues(leg.Kind.String(), outcome).Inc()
		e.metrics.LedgerSubmitDur.WithLabelValues(leg.Kind.String()).Observe(time.Since(start).Seconds())
	}
	return receipt, err
}

func (e *Executor) unwind(ctx context.Context, planID uuid.UUID, confirmed []Leg) error {
	if e.metrics != nil {
		e.metrics.LedgerUnwinds.Inc()
	}
	for i := len(confirmed) - 1; i >= 0; i-- {
		if _, err := e.Submit(ctx, confirmed[i].reverse(planID)); err != nil {
			return err
		}
	}
	return nil
}
