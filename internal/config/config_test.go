package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/bonus"
	"github.com/yourorg/emission-ledger/internal/ledger"
	"github.com/yourorg/emission-ledger/internal/tierlock"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
)

const sampleParams = `
[schedule]
start_block = 200
blocks_per_period = 2
period_count = 5
base_rate = "20000000000000000000"
decay_numerator = 98
decay_denominator = 100

[accounts]
self = "0x00000000000000000000000000000000000000e0"
admin = "0x00000000000000000000000000000000000000ad"
reward_token = "0x00000000000000000000000000000000000000c0"
tier_lock_token = "0x00000000000000000000000000000000000000c1"
treasury_wallet = "0x000000000000000000000000000000000000000a"
community_wallet = "0x000000000000000000000000000000000000000b"

[penalty]
period = "24h"

[[tokens]]
address = "0x00000000000000000000000000000000000000c0"
owner = "0x00000000000000000000000000000000000000e0"

  [[tokens.mint]]
  account = "0x000000000000000000000000000000000000000a"
  amount = "10000000000000000000"

[[tokens]]
address = "0x00000000000000000000000000000000000000c1"
owner = "0x00000000000000000000000000000000000000e0"
`

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RATE_LIMIT_BURST", "many")
	t.Setenv("AUDIT_INTERVAL", "90s")
	t.Setenv("ENABLE_METRICS", "false")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 200, cfg.RateLimitBurst, "invalid values fall back to the default")
	assert.Equal(t, 90*time.Second, cfg.AuditInterval)
	assert.False(t, cfg.EnableMetrics)
	assert.Equal(t, 5, cfg.MaxOracleFailures)
	assert.Equal(t, 13*time.Second, cfg.BlockInterval)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "42")
	t.Setenv("CFG_TEST_FLOAT", "2.5")
	t.Setenv("CFG_TEST_BAD", "x")

	assert.Equal(t, 42, GetEnvAsInt("CFG_TEST_INT", 1))
	assert.Equal(t, 2.5, GetEnvAsFloat("CFG_TEST_FLOAT", 1))
	assert.Equal(t, 1.0, GetEnvAsFloat("CFG_TEST_BAD", 1))
	assert.True(t, GetEnvAsBool("CFG_TEST_BAD", true))
	assert.Equal(t, time.Second, GetEnvAsDuration("CFG_TEST_MISSING", time.Second))

	_, ok := GetEnv("CFG_TEST_MISSING")
	assert.False(t, ok)
}

func TestParams_LedgerConfig(t *testing.T) {
	p, err := ParseParams(sampleParams)
	require.NoError(t, err)

	cfg, err := p.LedgerConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cfg.Schedule.StartBlock)
	assert.Equal(t, "20000000000000000000", cfg.Schedule.BaseRate.Dec())
	assert.Equal(t, common.HexToAddress("0xe0"), cfg.Self)
	assert.Equal(t, common.HexToAddress("0x0b"), cfg.CommunityWallet)
	assert.Equal(t, 24*time.Hour, cfg.Penalty.Period)

	// untouched sections keep the stock values
	assert.Equal(t, uint64(50), cfg.Penalty.Percent)
	assert.Equal(t, ledger.DefaultSplit(), cfg.Split)
	assert.Equal(t, uint64(200), cfg.BonusPoolWeight)
	assert.Equal(t, bonus.DefaultTable(), cfg.TierBonusRates)
}

func TestParams_BuildsEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleParams+"\n[unknown]\nkey = 1\n"), 0o600))

	p, err := LoadParams(path)
	require.NoError(t, err)

	book := token.NewBook()
	require.NoError(t, p.SeedBook(book))
	require.NoError(t, p.SeedBook(book), "seeding twice keeps existing tokens")
	assert.Equal(t, "10000000000000000000", book.BalanceOf(common.HexToAddress("0xc0"), common.HexToAddress("0x0a")).Dec())

	cfg, err := p.LedgerConfig()
	require.NoError(t, err)
	engine, err := ledger.New(cfg, book.Bind(cfg.Self), tierlock.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, uint64(200), engine.TotalPoolWeight())
}

func TestParams_Errors(t *testing.T) {
	_, err := LoadParams(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = ParseParams("[schedule\n")
	assert.Error(t, err)

	p := DefaultParams()
	_, err = p.LedgerConfig()
	assert.True(t, errors.Is(err, types.ErrValidation), "addresses are required")

	p, err = ParseParams(sampleParams)
	require.NoError(t, err)
	p.Schedule.BaseRate = "-1"
	_, err = p.LedgerConfig()
	assert.True(t, errors.Is(err, types.ErrValidation))

	p, err = ParseParams(sampleParams)
	require.NoError(t, err)
	p.Tokens[0].Mint[0].Amount = "lots"
	assert.Error(t, p.SeedBook(token.NewBook()))
}
