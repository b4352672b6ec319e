package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerConfig carries the tunables of the engine. It is built once at
// startup (see config.Config.Ledger) and passed explicitly.
type LedgerConfig struct {
	// ConflictRetries is how many times an operation is re-run after
	// ErrConflict before giving up.
	ConflictRetries int

	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration

	// Epsilon is the largest discrepancy reconciliation treats as zero.
	Epsilon decimal.Decimal

	// CashbackPercentage is the default yearly cashback rate (5 = 5%).
	CashbackPercentage decimal.Decimal

	// CashbackMaxBatch caps how many owners one batch run may process.
	CashbackMaxBatch int

	// CashbackLockTTL bounds how long a batch run holds its run lock.
	CashbackLockTTL time.Duration

	// ReconcilePageSize is how many balance rows bulk reconciliation reads
	// per page.
	ReconcilePageSize int
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		ConflictRetries:    3,
		RetryBackoff:       20 * time.Millisecond,
		Epsilon:            decimal.New(1, -4),
		CashbackPercentage: decimal.NewFromInt(5),
		CashbackMaxBatch:   10000,
		CashbackLockTTL:    30 * time.Minute,
		ReconcilePageSize:  200,
	}
}

// withDefaults fills zero fields from DefaultLedgerConfig.
func (c LedgerConfig) withDefaults() LedgerConfig {
	d := DefaultLedgerConfig()
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	// Drift finer than the stored scale cannot be recorded.
	if c.Epsilon.LessThan(d.Epsilon) {
		c.Epsilon = d.Epsilon
	}
	if c.CashbackMaxBatch <= 0 {
		c.CashbackMaxBatch = d.CashbackMaxBatch
	}
	if c.CashbackLockTTL <= 0 {
		c.CashbackLockTTL = d.CashbackLockTTL
	}
	if c.ReconcilePageSize <= 0 {
		c.ReconcilePageSize = d.ReconcilePageSize
	}
	return c
}
