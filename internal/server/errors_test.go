package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"DefiLedger/internal/config"
	"DefiLedger/internal/core"
	"DefiLedger/internal/fault"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/store"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", fault.Invalid("amount", "must be > 0"), codes.InvalidArgument},
		{"insufficient", fault.Insufficient(fault.ResourceBalance, "native", fpmath.FromUnits(2), fpmath.One), codes.FailedPrecondition},
		{"ledger rejection", ledger.Reject(ledger.FailureMissingTrustpath, ""), codes.Aborted},
		{"conflict", fmt.Errorf("save: %w", store.ErrVersionConflict), codes.Aborted},
		{"duplicate request", core.ErrDuplicateRequest, codes.Aborted},
		{"configuration", config.ErrMissingDestination, codes.Internal},
		{"ambiguous", fmt.Errorf("swap: %w", ledger.ErrAmbiguousOutcome), codes.Unknown},
		{"not found", store.ErrNotFound, codes.NotFound},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"unclassified", fmt.Errorf("boom"), codes.Internal},
		{"already a status", status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, status.Code(toStatus(tc.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestToStatus_RejectionCarriesAction(t *testing.T) {
	err := toStatus(ledger.Reject(ledger.FailureMissingTrustpath, "bob cannot hold TOK"))
	assert.Contains(t, status.Convert(err).Message(), "establish trustpath before retry")
}
