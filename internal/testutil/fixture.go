package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/cache"
	"DefiLedger/internal/core"
	"DefiLedger/internal/event"
	"DefiLedger/internal/ledger"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/oracle"
	"DefiLedger/internal/retry"
	"DefiLedger/internal/state"
	"DefiLedger/internal/store"
)

const (
	PlatformAccount = "GPLATFORM"
	PoolCustody     = "GPOOLCUSTODY"
	LendingCustody  = "GLENDCUSTODY"
)

var (
	TOK  = asset.New("TOK", "GTOKENISSUER")
	USDC = asset.New("USDC", "GUSDCISSUER")
)

// Fixture wires the in-memory collaborators every engine needs.
type Fixture struct {
	Store    *store.MemoryStore
	Mutator  *store.Mutator
	Gateway  *ledger.MemoryGateway
	Executor *ledger.Executor
	Loader   *ledger.StateLoader
	Locks    *core.KeyedMutex
	Oracle   *oracle.StaticOracle
	Events   *event.Recorder
	Cache    *cache.Recorder
	Logger   zerolog.Logger
}

// NewFixture prices native at 1, TOK at 0.1 and USDC at 1 reference units.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	s := store.NewMemoryStore()
	gw := ledger.NewMemoryGateway(state.DefaultLedgerParams.MinReserve)
	logger := zerolog.Nop()

	return &Fixture{
		Store:    s,
		Mutator:  store.NewMutator(s, 0, nil),
		Gateway:  gw,
		Executor: ledger.NewExecutor(gw, logger, nil),
		Loader:   ledger.NewStateLoader(gw, retry.Policy{MaxRetries: 1}, nil),
		Locks:    core.NewKeyedMutex(),
		Oracle: oracle.NewStaticOracle(map[string]fpmath.Amount{
			asset.NativeCode: fpmath.One,
			TOK.Key():        fpmath.MustParse("0.1"),
			USDC.Key():       fpmath.One,
		}),
		Events: &event.Recorder{},
		Cache:  cache.NewRecorder(256),
		Logger: logger,
	}
}

// Fund credits a ledger account.
func (f *Fixture) Fund(account string, a asset.Asset, units int64) {
	f.Gateway.Fund(account, a, fpmath.FromUnits(units))
}

// SeedLendingPool stores a USDC lending pool accepting native collateral at
// LTV 0.8, with supply liquidity already on the custody account.
func (f *Fixture) SeedLendingPool(t *testing.T, id string, supply int64) *state.LendingPool {
	t.Helper()
	lp := &state.LendingPool{
		ID:               id,
		Asset:            USDC,
		TotalSupply:      fpmath.FromUnits(supply),
		CollateralFactor: fpmath.MustParse("0.5"),
		CollateralAssets: []state.CollateralAsset{
			{Asset: asset.Native(), LTV: fpmath.MustParse("0.8")},
		},
		CustodyAccount: LendingCustody,
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, state.ValidateLendingPool(lp))
	require.NoError(t, f.Store.SaveLendingPool(context.Background(), lp))
	f.Fund(LendingCustody, USDC, supply)
	f.Fund(LendingCustody, asset.Native(), 10)
	return lp
}

// SetScore stores a credit score directly.
func (f *Fixture) SetScore(t *testing.T, userID string, score int) {
	t.Helper()
	require.NoError(t, f.Store.SaveCreditScore(context.Background(), &state.CreditScore{UserID: userID, Score: score}))
}
