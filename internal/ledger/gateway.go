package ledger

import (
	"context"
	"fmt"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
)

// FailureCode is a confirmed rejection reported by the ledger.
type FailureCode int32

const (
	FailureUnknown FailureCode = iota
	FailureInsufficientBalance
	FailureMissingTrustpath
	FailureReserveViolation
	FailureTransferLimitReached
	FailureNoRoute
	FailureInsufficientRouteLiquidity
	FailureSelfCross
)

func (fc FailureCode) String() string {
	switch fc {
	case FailureInsufficientBalance:
		return "insufficient-balance"
	case FailureMissingTrustpath:
		return "missing-trustpath"
	case FailureReserveViolation:
		return "reserve-violation"
	case FailureTransferLimitReached:
		return "transfer-limit-reached"
	case FailureNoRoute:
		return "no-route"
	case FailureInsufficientRouteLiquidity:
		return "insufficient-route-liquidity"
	case FailureSelfCross:
		return "self-cross"
	default:
		return "unknown"
	}
}

// Action is the remedy presented to the caller.
func (fc FailureCode) Action() string {
	switch fc {
	case FailureInsufficientBalance:
		return "fund the source account before retry"
	case FailureMissingTrustpath:
		return "establish trustpath before retry"
	case FailureReserveViolation:
		return "keep the minimum reserve in the account before retry"
	case FailureTransferLimitReached:
		return "raise the trustpath limit before retry"
	case FailureNoRoute:
		return "no conversion route exists; choose another asset pair"
	case FailureInsufficientRouteLiquidity:
		return "reduce the amount or retry later"
	case FailureSelfCross:
		return "cancel the conflicting offer before retry"
	default:
		return "contact support with the transaction reference"
	}
}

// RejectionError is a confirmed failure: nothing was transferred.
type RejectionError struct {
	Code   FailureCode
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ledger rejected transfer: %s", e.Code)
	}
	return fmt.Sprintf("ledger rejected transfer: %s: %s", e.Code, e.Detail)
}

func (e *RejectionError) Kind() fault.Kind { return fault.KindLedgerRejection }

// Action is the remedy for the rejection.
func (e *RejectionError) Action() string { return e.Code.Action() }

// Reject builds a RejectionError.
func Reject(code FailureCode, detail string) *RejectionError {
	return &RejectionError{Code: code, Detail: detail}
}

var (
	// ErrAmbiguousOutcome means the transfer was submitted but its result is
	// unknown. No bookkeeping may be applied for it.
	ErrAmbiguousOutcome = fault.New(fault.KindAmbiguousOutcome, "ledger: transfer outcome unknown")

	// ErrSettlementIncomplete means a multi-leg settlement stopped after some
	// legs confirmed and could not be unwound. It needs reconciliation.
	ErrSettlementIncomplete = fault.New(fault.KindAmbiguousOutcome, "ledger: settlement incomplete")

	// ErrUnrecorded means a plan settled but its bookkeeping was not
	// written. It needs reconciliation.
	ErrUnrecorded = fault.New(fault.KindAmbiguousOutcome, "ledger: settled but not recorded")
)

// Transfer moves amount of an asset between two ledger accounts.
type Transfer struct {
	From   string
	To     string
	Asset  asset.Asset
	Amount fpmath.Amount
	Memo   string
}

// Receipt confirms a transfer.
type Receipt struct {
	TxID string
}

// Gateway is the boundary to the external distributed ledger. Implementations
// return *RejectionError for confirmed failures and wrap ErrAmbiguousOutcome
// when a submitted transfer times out.
type Gateway interface {
	SubmitTransfer(ctx context.Context, t Transfer) (Receipt, error)
	EnsureTrustpath(ctx context.Context, account string, a asset.Asset) error
	LoadAccountState(ctx context.Context, account string) (AccountState, error)
}
