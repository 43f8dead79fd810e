package ledger

import (
	"context"

	"github.com/failsafe-go/failsafe-go"

	"DefiLedger/internal/retry"
)

// StateLoader reads account state with retries. Reads are the only ledger
// calls that are ever repeated.
type StateLoader struct {
	gw      Gateway
	exec    failsafe.Executor[AccountState]
	onRetry func()
}

func NewStateLoader(gw Gateway, policy retry.Policy, onRetry func()) *StateLoader {
	return &StateLoader{
		gw:      gw,
		exec:    retry.NewExecutor[AccountState](policy),
		onRetry: onRetry,
	}
}

// Load returns the account state.
func (sl *StateLoader) Load(ctx context.Context, account string) (AccountState, error) {
	return retry.Get(ctx, sl.exec, sl.onRetry, func(ctx context.Context) (AccountState, error) {
		return sl.gw.LoadAccountState(ctx, account)
	})
}
