package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
)

// toStatus maps an engine error onto a gRPC status by its fault kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	msg := err.Error()
	var rej *ledger.RejectionError
	if errors.As(err, &rej) {
		msg += ": " + rej.Action()
	}
	return status.Error(codeFor(fault.KindOf(err)), msg)
}

func codeFor(k fault.Kind) codes.Code {
	switch k {
	case fault.KindValidation:
		return codes.InvalidArgument
	case fault.KindInsufficientResource:
		return codes.FailedPrecondition
	case fault.KindLedgerRejection, fault.KindConflict:
		return codes.Aborted
	case fault.KindAmbiguousOutcome:
		return codes.Unknown
	case fault.KindNotFound:
		return codes.NotFound
	default:
		// configuration and unclassified errors
		return codes.Internal
	}
}
