package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DefiLedger/internal/config"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/state"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "defiledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// ============================================================================
// Test: Defaults
// ============================================================================

func TestDefault_MatchesStateDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, state.DefaultFeeSchedule, cfg.FeeSchedule())
	assert.Equal(t, state.DefaultRiskParams, cfg.RiskParams())
	assert.Equal(t, state.DefaultRateModel, cfg.RateModel())
	assert.Equal(t, state.DefaultCreditParams, cfg.CreditParams())
	assert.Equal(t, state.DefaultLedgerParams, cfg.LedgerParams())
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
}

func TestDefault_RequiresPlatformAccount(t *testing.T) {
	err := config.Default().Validate()
	assert.ErrorIs(t, err, config.ErrMissingDestination)
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  grpc_addr: ":7000"
store:
  backend: Postgres
  postgres_dsn: postgres://localhost/defi
fees:
  swap_fee_bps: 20
  payout_fee_bps: 50
  origination_fee_bps: 100
liquidation:
  bonus: "0.08"
  scan_interval: 30s
ledger:
  platform_account: GPLATFORM
oracle:
  prices:
    native: "0.1"
    usdc:GISSUER: "1"
`)
	t.Setenv("DEFI_SWAP_FEE_BPS", "25")
	t.Setenv("DEFI_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr, "unset keys keep defaults")
	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, int64(25), cfg.Fees.SwapFeeBps, "env wins over file")
	assert.Equal(t, fpmath.MustParse("0.08"), cfg.Liquidation.Bonus)
	assert.Equal(t, 30*time.Second, cfg.Liquidation.ScanInterval)
	assert.Equal(t, "GPLATFORM", cfg.Ledger.PlatformAccount)
	assert.Equal(t, fpmath.MustParse("0.1"), cfg.Oracle.Prices["native"])
	assert.Equal(t, fpmath.One, cfg.Oracle.Prices["USDC:GISSUER"], "price keys are canonical asset keys")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	path := writeFile(t, "ledger:\n  platform_account: GFROMFILE\n")
	t.Setenv("DEFI_CONFIG_FILE", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "GFROMFILE", cfg.Ledger.PlatformAccount)
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"unknown key", "ledger:\n  platform_account: G\n  bogus: 1\n", nil},
		{"fee out of range", "ledger:\n  platform_account: G\nfees:\n  payout_fee_bps: 10000\n", nil},
		{"bad backend", "ledger:\n  platform_account: G\nstore:\n  backend: sqlite\n", nil},
		{"postgres without dsn", "ledger:\n  platform_account: G\nstore:\n  backend: postgres\n  postgres_dsn: \"\"\n", nil},
		{"bad kink", "ledger:\n  platform_account: G\nlending:\n  kink: \"1\"\n", nil},
		{"credit bounds", "ledger:\n  platform_account: G\ncredit:\n  min_borrow: 900\n", nil},
		{"non-positive price", "ledger:\n  platform_account: G\noracle:\n  prices:\n    native: \"0\"\n", nil},
		{"malformed price key", "ledger:\n  platform_account: G\noracle:\n  prices:\n    USDC: \"1\"\n", nil},
		{"bad log level", "ledger:\n  platform_account: G\nlog_level: loud\n", nil},
		{"env not a number", "ledger:\n  platform_account: G\n", map[string]string{"DEFI_PAYOUT_FEE_BPS": "lots"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(writeFile(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
