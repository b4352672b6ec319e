package wallet_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/generic/store"
	"github.com/warp/ledger-engine/wallet"
)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// steppingClock advances one day per call.
type steppingClock struct{ t time.Time }

func (c *steppingClock) now() time.Time {
	c.t = c.t.Add(24 * time.Hour)
	return c.t
}

func newWallet(t *testing.T) (*wallet.Wallet, *steppingClock) {
	t.Helper()
	clock := &steppingClock{t: time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)}
	svc := generic.NewService(store.NewMemory(), generic.DefaultLedgerConfig(), generic.WithClock(clock.now))
	return wallet.New(svc), clock
}

func TestWallet_TopUpWithdrawRoundTrip(t *testing.T) {
	// GIVEN: top-up 50, withdraw 20
	// THEN: balance 30; withdrawing 31 fails and leaves 30
	w, _ := newWallet(t)
	ctx := context.Background()

	_, err := w.TopUp(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("50")})
	require.NoError(t, err)
	m, err := w.Withdraw(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("20")})
	require.NoError(t, err)
	assert.Equal(t, generic.DirectionDebit, m.Direction)
	assert.True(t, m.Amount.Equal(money("20")), "stored as magnitude")

	_, err = w.Withdraw(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("31")})
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)

	bal, err := w.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("30")))
}

func TestWallet_RejectsNonPositiveAmounts(t *testing.T) {
	w, _ := newWallet(t)
	ctx := context.Background()

	_, err := w.TopUp(ctx, wallet.Request{OwnerID: "cust-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = w.Withdraw(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("-5")})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestWallet_Reverse(t *testing.T) {
	w, _ := newWallet(t)
	ctx := context.Background()

	top, err := w.TopUp(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("12.34")})
	require.NoError(t, err)

	rev, err := w.Reverse(ctx, top.ID, "card chargeback", "ops")
	require.NoError(t, err)
	assert.Equal(t, top.ID, rev.ReversesID)

	bal, err := w.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = w.Reverse(ctx, rev.ID, "undo the undo", "ops")
	assert.ErrorIs(t, err, generic.ErrNotReversible)
}

func TestWallet_IdempotentTopUp(t *testing.T) {
	w, _ := newWallet(t)
	ctx := context.Background()
	req := wallet.Request{OwnerID: "cust-1", Amount: money("10"), IdempotencyKey: "psp-991"}

	_, err := w.TopUp(ctx, req)
	require.NoError(t, err)
	_, err = w.TopUp(ctx, req)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	bal, err := w.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("10")))
}

func TestWallet_Statement(t *testing.T) {
	w, _ := newWallet(t)
	ctx := context.Background()

	// Jan 2: +100, Jan 3: -30, Jan 4: +5, Jan 5: -10
	_, err := w.TopUp(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("100")})
	require.NoError(t, err)
	_, err = w.Withdraw(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("30")})
	require.NoError(t, err)
	_, err = w.TopUp(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("5")})
	require.NoError(t, err)
	_, err = w.Withdraw(ctx, wallet.Request{OwnerID: "cust-1", Amount: money("10")})
	require.NoError(t, err)

	from := time.Date(2025, time.January, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC)
	st, err := w.Statement(ctx, "cust-1", from, to)
	require.NoError(t, err)

	assert.True(t, st.Opening.Equal(money("100")), "opening = %s", st.Opening)
	require.Len(t, st.Entries, 2)
	assert.True(t, st.Entries[0].Balance.Equal(money("70")))
	assert.True(t, st.Entries[1].Balance.Equal(money("75")))
	assert.True(t, st.Closing.Equal(money("75")))
	assert.True(t, st.Credits.Equal(money("5")))
	assert.True(t, st.Debits.Equal(money("30")))
}
