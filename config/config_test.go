package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)

	lc, err := cfg.Ledger()
	require.NoError(t, err)
	assert.Equal(t, 3, lc.ConflictRetries)
	assert.True(t, lc.CashbackPercentage.Equal(decimal.NewFromInt(5)))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("RECONCILE_INTERVAL", "15m")
	t.Setenv("CASHBACK_PERCENTAGE", "2.5")
	t.Setenv("LEDGER_CONFLICT_RETRIES", "7")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)

	lc, err := cfg.Ledger()
	require.NoError(t, err)
	assert.Equal(t, 7, lc.ConflictRetries)
	assert.True(t, lc.CashbackPercentage.Equal(decimal.RequireFromString("2.5")))
}

func TestLoad_RejectsBadPercentage(t *testing.T) {
	t.Setenv("CASHBACK_PERCENTAGE", "150")

	_, err := config.Load()

	assert.ErrorContains(t, err, "CASHBACK_PERCENTAGE")
}
