package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
)

type balanceKey struct {
	account string
	asset   string
}

type injectedFault struct {
	code      FailureCode
	ambiguous bool
	applied   bool
}

// MemoryGateway is an in-process ledger with the same failure surface as a
// real one. It backs the memory deployment mode and tests.
type MemoryGateway struct {
	mu         sync.Mutex
	balances   map[balanceKey]fpmath.Amount
	trustpaths map[balanceKey]bool
	sequences  map[string]int64
	minReserve fpmath.Amount
	faults     []injectedFault
	submitted  []Transfer
}

// NewMemoryGateway creates an empty ledger. Accounts other than exempt ones
// must keep minReserve of native asset.
func NewMemoryGateway(minReserve fpmath.Amount) *MemoryGateway {
	return &MemoryGateway{
		balances:   make(map[balanceKey]fpmath.Amount),
		trustpaths: make(map[balanceKey]bool),
		sequences:  make(map[string]int64),
		minReserve: minReserve,
	}
}

// Fund credits an account out of thin air and opens its trustpath.
func (mg *MemoryGateway) Fund(account string, a asset.Asset, amount fpmath.Amount) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	key := balanceKey{account, a.Key()}
	mg.balances[key] += amount
	mg.trustpaths[key] = true
}

// FailNext makes the next submission fail with a confirmed rejection.
func (mg *MemoryGateway) FailNext(code FailureCode) {
	mg.mu.Lock()
	mg.faults = append(mg.faults, injectedFault{code: code})
	mg.mu.Unlock()
}

// TimeoutNext makes the next submission time out. When applied is true the
// transfer still lands, as happens with a real ledger.
func (mg *MemoryGateway) TimeoutNext(applied bool) {
	mg.mu.Lock()
	mg.faults = append(mg.faults, injectedFault{ambiguous: true, applied: applied})
	mg.mu.Unlock()
}

// Balance returns an account balance.
func (mg *MemoryGateway) Balance(account string, a asset.Asset) fpmath.Amount {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.balances[balanceKey{account, a.Key()}]
}

// Total sums every account's balance of a.
func (mg *MemoryGateway) Total(a asset.Asset) fpmath.Amount {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	var total fpmath.Amount
	for k, v := range mg.balances {
		if k.asset == a.Key() {
			total += v
		}
	}
	return total
}

// Submitted returns the confirmed transfers in order.
func (mg *MemoryGateway) Submitted() []Transfer {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return append([]Transfer(nil), mg.submitted...)
}

func (mg *MemoryGateway) SubmitTransfer(ctx context.Context, t Transfer) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()

	if len(mg.faults) > 0 {
		f := mg.faults[0]
		mg.faults = mg.faults[1:]
		if !f.ambiguous {
			return Receipt{}, Reject(f.code, "injected")
		}
		if f.applied {
			if err := mg.apply(t); err != nil {
				return Receipt{}, err
			}
		}
		return Receipt{}, fmt.Errorf("%w: submission timed out", ErrAmbiguousOutcome)
	}

	if err := mg.apply(t); err != nil {
		return Receipt{}, err
	}
	return Receipt{TxID: uuid.NewString()}, nil
}

func (mg *MemoryGateway) apply(t Transfer) error {
	if t.From == t.To {
		return Reject(FailureSelfCross, t.From)
	}

	from := balanceKey{t.From, t.Asset.Key()}
	to := balanceKey{t.To, t.Asset.Key()}

	if !t.Asset.IsNative() && !mg.trustpaths[to] {
		return Reject(FailureMissingTrustpath, fmt.Sprintf("%s cannot hold %s", t.To, t.Asset))
	}
	if mg.balances[from] < t.Amount {
		return Reject(FailureInsufficientBalance, fmt.Sprintf("%s has %s %s", t.From, mg.balances[from], t.Asset))
	}
	if t.Asset.IsNative() && mg.balances[from]-t.Amount < mg.minReserve {
		return Reject(FailureReserveViolation, t.From)
	}

	mg.balances[from] -= t.Amount
	mg.balances[to] += t.Amount
	mg.sequences[t.From]++
	mg.submitted = append(mg.submitted, t)
	return nil
}

func (mg *MemoryGateway) EnsureTrustpath(ctx context.Context, account string, a asset.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.IsNative() {
		return nil
	}
	mg.mu.Lock()
	mg.trustpaths[balanceKey{account, a.Key()}] = true
	mg.mu.Unlock()
	return nil
}

func (mg *MemoryGateway) LoadAccountState(ctx context.Context, account string) (AccountState, error) {
	if err := ctx.Err(); err != nil {
		return AccountState{}, err
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()

	st := AccountState{
		Account:    account,
		Balances:   make(map[string]fpmath.Amount),
		Trustpaths: make(map[string]bool),
		Sequence:   mg.sequences[account],
	}
	for k, v := range mg.balances {
		if k.account == account {
			st.Balances[k.asset] = v
		}
	}
	for k, ok := range mg.trustpaths {
		if k.account == account && ok {
			st.Trustpaths[k.asset] = true
		}
	}
	return st, nil
}
