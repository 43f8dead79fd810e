package retry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/fault"
	"DefiLedger/internal/retry"
)

func TestGet_RetriesTransientErrors(t *testing.T) {
	exec := retry.NewExecutor[int](retry.Policy{MaxRetries: 3})

	calls, retries := 0, 0
	got, err := retry.Get(context.Background(), exec, func() { retries++ }, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestGet_DoesNotRetryClassifiedErrors(t *testing.T) {
	exec := retry.NewExecutor[int](retry.Policy{MaxRetries: 3})
	errNotFound := fault.New(fault.KindNotFound, "store: not found")

	calls := 0
	_, err := retry.Get(context.Background(), exec, nil, func(context.Context) (int, error) {
		calls++
		return 0, errNotFound
	})

	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retry.Retryable(nil))
	assert.False(t, retry.Retryable(context.Canceled))
	assert.False(t, retry.Retryable(fault.Invalid("amount", "must be positive")))
	assert.True(t, retry.Retryable(errors.New("timeout talking to horizon")))
}
