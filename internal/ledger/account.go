package ledger

import (
	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
)

// AccountState is the ledger's view of one account.
type AccountState struct {
	Account    string
	Balances   map[string]fpmath.Amount // keyed by asset.Key()
	Trustpaths map[string]bool          // issued assets the account may hold
	Sequence   int64
}

// Balance returns the balance of a, zero if absent.
func (s AccountState) Balance(a asset.Asset) fpmath.Amount {
	return s.Balances[a.Key()]
}

// HasTrustpath reports whether the account can receive a. The native asset
// needs no trustpath.
func (s AccountState) HasTrustpath(a asset.Asset) bool {
	if a.IsNative() {
		return true
	}
	return s.Trustpaths[a.Key()]
}

// Spendable is the balance of a that can leave the account while keeping
// minReserve of native asset and paying txCost.
func (s AccountState) Spendable(a asset.Asset, minReserve, txCost fpmath.Amount) fpmath.Amount {
	bal := s.Balance(a)
	if a.IsNative() {
		bal -= minReserve + txCost
	}
	if bal < 0 {
		return fpmath.Zero
	}
	return bal
}

// RequireFunds checks that amount of a can leave the account. Every
// submission is paid in native asset and minReserve of it must stay behind,
// so an issued-asset spend also needs minReserve + txCost of native.
func (s AccountState) RequireFunds(a asset.Asset, amount, minReserve, txCost fpmath.Amount) error {
	if !a.IsNative() && s.Spendable(a, minReserve, txCost) < amount {
		return fault.Insufficient(fault.ResourceBalance, a.Key(), amount, s.Balance(a))
	}
	need := minReserve + txCost
	if a.IsNative() {
		need += amount
	}
	native := asset.Native()
	if have := s.Balance(native); have < need {
		return fault.Insufficient(fault.ResourceBalance, native.Key(), need, have)
	}
	return nil
}
