package generic_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeOrders struct {
	mu         sync.Mutex
	created    int
	cancelled  []string
	fail       error
	cancelFail error
}

func (f *fakeOrders) CreateOrder(_ context.Context, d generic.OrderDraft) (generic.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return generic.Order{}, f.fail
	}
	f.created++
	return generic.Order{ID: fmt.Sprintf("SO-%d", f.created), Code: fmt.Sprintf("S%05d", f.created), OwnerID: d.OwnerID}, nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelFail != nil {
		return f.cancelFail
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

// createOnly is an order service that cannot cancel.
type createOnly struct{ f *fakeOrders }

func (c createOnly) CreateOrder(ctx context.Context, d generic.OrderDraft) (generic.Order, error) {
	return c.f.CreateOrder(ctx, d)
}

type countingRecorder struct {
	appended  atomic.Int32
	finished  atomic.Int32
	conflicts atomic.Int32
	drifts    atomic.Int32
}

func (r *countingRecorder) MovementAppended(generic.Movement)          { r.appended.Add(1) }
func (r *countingRecorder) OperationFinished(string, error)            { r.finished.Add(1) }
func (r *countingRecorder) ConflictRetried(string)                     { r.conflicts.Add(1) }
func (r *countingRecorder) DriftDetected(generic.ReconciliationReport) { r.drifts.Add(1) }

// conflictStore fails the first n appends with ErrConflict, the way a
// database reports a lost serialization race.
type conflictStore struct {
	*store.Memory
	n atomic.Int32
}

func (c *conflictStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return c.Memory.WithTx(ctx, func(st generic.Store) error {
		return fn(&conflictView{Store: st, c: c})
	})
}

type conflictView struct {
	generic.Store
	c *conflictStore
}

func (v *conflictView) AppendMovement(ctx context.Context, m generic.Movement) (generic.Movement, error) {
	if v.c.n.Add(-1) >= 0 {
		return generic.Movement{}, generic.ErrConflict
	}
	return v.Store.AppendMovement(ctx, m)
}

func newService(st generic.TxStore, opts ...generic.Option) *generic.Service {
	cfg := generic.DefaultLedgerConfig()
	cfg.RetryBackoff = 1
	return generic.NewService(st, cfg, append([]generic.Option{generic.WithLogger(zap.NewNop())}, opts...)...)
}

func give(t *testing.T, svc *generic.Service, owner generic.OwnerID, qty int64) generic.Movement {
	t.Helper()
	m, err := svc.RecordOut(context.Background(), generic.RecordInput{OwnerID: owner, Resource: crate, Quantity: qty})
	require.NoError(t, err)
	return m
}

func balanceOf(t *testing.T, svc *generic.Service, owner generic.OwnerID, r generic.ResourceType) decimal.Decimal {
	t.Helper()
	b, err := svc.CurrentBalance(context.Background(), owner, r)
	require.NoError(t, err)
	return b
}

// =============================================================================
// RECORD OUT / IN
// =============================================================================

func TestRecord_OutThenIn(t *testing.T) {
	svc := newService(store.NewMemory())
	ctx := context.Background()

	out := give(t, svc, "cust-1", 10)
	in, err := svc.RecordIn(ctx, generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 4})
	require.NoError(t, err)

	assert.Equal(t, generic.SourceManualGive, out.Source)
	assert.Equal(t, generic.SourceManualReturn, in.Source)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(6)))
}

func TestRecord_OrderIDSelectsFulfillmentSource(t *testing.T) {
	svc := newService(store.NewMemory())

	m, err := svc.RecordOut(context.Background(), generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 2, OrderID: "SO-7"})

	require.NoError(t, err)
	assert.Equal(t, generic.SourceOrderFulfillment, m.Source)
	assert.Equal(t, "SO-7", m.RelatedOrderID)
}

func TestRecord_InBeyondBalanceIsRejected(t *testing.T) {
	// GIVEN: 2 crates out
	svc := newService(store.NewMemory())
	give(t, svc, "cust-1", 2)

	// WHEN: 3 come back
	_, err := svc.RecordIn(context.Background(), generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 3})

	// THEN: rejected with the shortfall, nothing written
	var ib *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.True(t, ib.Shortfall().Equal(decimal.NewFromInt(1)))
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(2)))
}

func TestRecord_DuplicateIdempotencyKey(t *testing.T) {
	svc := newService(store.NewMemory())
	in := generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 1, IdempotencyKey: "k"}

	_, err := svc.RecordOut(context.Background(), in)
	require.NoError(t, err)
	_, err = svc.RecordOut(context.Background(), in)

	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(1)))
}

func TestRecord_UnknownOwnerIsNotFound(t *testing.T) {
	svc := newService(store.NewMemory(), generic.WithOwnerDirectory(emptyDirectory{}))

	_, err := svc.RecordOut(context.Background(), generic.RecordInput{OwnerID: "ghost", Resource: crate, Quantity: 1})

	assert.True(t, generic.IsNotFound(err))
}

type emptyDirectory struct{}

func (emptyDirectory) LookupOwner(context.Context, generic.OwnerID) (generic.Owner, bool, error) {
	return generic.Owner{}, false, nil
}

func (emptyDirectory) ListCashbackEligible(context.Context, int) ([]generic.OwnerID, error) {
	return nil, nil
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentReturnsNeverOvershoot(t *testing.T) {
	// GIVEN: 5 crates out
	svc := newService(store.NewMemory())
	give(t, svc, "cust-1", 5)

	// WHEN: 20 concurrent single returns
	var wg sync.WaitGroup
	var ok, short atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordIn(context.Background(), generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 1})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, generic.ErrInsufficientBalance):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 5 succeed, the balance is zero and matches the log
	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(15), short.Load())
	assert.True(t, balanceOf(t, svc, "cust-1", crate).IsZero())
}

func TestAtomic_RetriesConflicts(t *testing.T) {
	st := &conflictStore{Memory: store.NewMemory()}
	st.n.Store(2)
	rec := &countingRecorder{}
	svc := newService(st, generic.WithRecorder(rec))

	give(t, svc, "cust-1", 3)

	assert.Equal(t, int32(2), rec.conflicts.Load())
	assert.Equal(t, int32(1), rec.appended.Load())
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(3)))
}

func TestAtomic_GivesUpAfterRetries(t *testing.T) {
	st := &conflictStore{Memory: store.NewMemory()}
	st.n.Store(100)
	svc := newService(st)

	_, err := svc.RecordOut(context.Background(), generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 1})

	assert.ErrorIs(t, err, generic.ErrConflict)
}

// =============================================================================
// CHARGE
// =============================================================================

func TestCharge_CreatesOrderAndMovement(t *testing.T) {
	orders := &fakeOrders{}
	svc := newService(store.NewMemory(), generic.WithOrderCreator(orders))
	give(t, svc, "cust-1", 7)

	res, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 7})

	require.NoError(t, err)
	assert.Equal(t, "SO-1", res.Order.ID)
	assert.Equal(t, "S00001", res.Order.Code)
	assert.Equal(t, "SO-1", res.Movement.RelatedOrderID)
	assert.Equal(t, generic.DirectionCharge, res.Movement.Direction)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).IsZero())
}

func TestCharge_ConflictCancelsTheOrphanOrder(t *testing.T) {
	// GIVEN: the first append loses a race after the order was created
	st := &conflictStore{Memory: store.NewMemory()}
	orders := &fakeOrders{}
	svc := newService(st, generic.WithOrderCreator(orders))
	give(t, svc, "cust-1", 2)
	st.n.Store(1)

	// WHEN
	res, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 2})

	// THEN: the retry succeeds, the first order is cancelled
	require.NoError(t, err)
	assert.Equal(t, 2, orders.created)
	assert.Equal(t, []string{"SO-1"}, orders.cancelled)
	assert.Equal(t, "SO-2", res.Order.ID)
}

func TestCharge_OrderFailureWritesNothing(t *testing.T) {
	orders := &fakeOrders{fail: errors.New("503")}
	svc := newService(store.NewMemory(), generic.WithOrderCreator(orders))
	give(t, svc, "cust-1", 2)

	_, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 2})

	assert.ErrorIs(t, err, generic.ErrUpstreamFailure)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(2)))
}

func TestCharge_ReplayedKeyIsDuplicate(t *testing.T) {
	// GIVEN: a charge already booked under key inv-7
	orders := &fakeOrders{}
	svc := newService(store.NewMemory(), generic.WithOrderCreator(orders))
	give(t, svc, "cust-1", 5)
	in := generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 2, IdempotencyKey: "inv-7"}
	first, err := svc.Charge(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "inv-7", first.Movement.IdempotencyKey)

	// WHEN
	_, err = svc.Charge(context.Background(), in)

	// THEN: no second order, nothing cancelled, balance unchanged
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.Equal(t, 1, orders.created)
	assert.Empty(t, orders.cancelled)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(3)))
}

func TestCharge_WalletIsNotChargeable(t *testing.T) {
	svc := newService(store.NewMemory(), generic.WithOrderCreator(&fakeOrders{}))

	_, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: generic.WalletResource, Quantity: 1})

	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// WALLET
// =============================================================================

func TestTopup_CreditAndDebit(t *testing.T) {
	svc := newService(store.NewMemory())
	ctx := context.Background()

	_, err := svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.RequireFromString("20.50")})
	require.NoError(t, err)
	m, err := svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.RequireFromString("-5.25")})
	require.NoError(t, err)

	assert.Equal(t, generic.DirectionDebit, m.Direction)
	assert.True(t, m.Amount.Equal(decimal.RequireFromString("5.25")), "amount stored as magnitude")
	assert.True(t, balanceOf(t, svc, "cust-1", generic.WalletResource).Equal(decimal.RequireFromString("15.25")))

	_, err = svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.NewFromInt(-100)})
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
	_, err = svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

// =============================================================================
// REVERSE
// =============================================================================

func TestReverse_Compensations(t *testing.T) {
	tests := []struct {
		name string
		make func(t *testing.T, svc *generic.Service) generic.Movement
		want generic.Direction
	}{
		{"out becomes in", func(t *testing.T, svc *generic.Service) generic.Movement {
			return give(t, svc, "cust-1", 3)
		}, generic.DirectionIn},
		{"charge becomes adjustment", func(t *testing.T, svc *generic.Service) generic.Movement {
			give(t, svc, "cust-1", 3)
			res, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 3})
			require.NoError(t, err)
			return res.Movement
		}, generic.DirectionAdjustment},
		{"adjustment becomes negated adjustment", func(t *testing.T, svc *generic.Service) generic.Movement {
			m, err := svc.Adjust(context.Background(), generic.AdjustInput{OwnerID: "cust-1", Resource: crate, Delta: decimal.NewFromInt(3), Note: "count"})
			require.NoError(t, err)
			return m
		}, generic.DirectionAdjustment},
		{"credit becomes debit", func(t *testing.T, svc *generic.Service) generic.Movement {
			m, err := svc.Topup(context.Background(), generic.TopupInput{OwnerID: "cust-1", Amount: decimal.NewFromInt(3)})
			require.NoError(t, err)
			return m
		}, generic.DirectionDebit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(store.NewMemory(), generic.WithOrderCreator(&fakeOrders{}))
			orig := tt.make(t, svc)
			before := balanceOf(t, svc, orig.OwnerID, orig.Resource)

			rev, err := svc.Reverse(context.Background(), generic.ReverseInput{MovementID: orig.ID, Reason: "mistake"})

			require.NoError(t, err)
			assert.Equal(t, tt.want, rev.Direction)
			assert.Equal(t, orig.ID, rev.ReversesID)
			assert.Equal(t, generic.SourceReversal, rev.Source)
			after := balanceOf(t, svc, orig.OwnerID, orig.Resource)
			assert.True(t, after.Equal(before.Sub(orig.Contribution())), "before %s after %s", before, after)
		})
	}
}

func TestReverse_OnlyOnce(t *testing.T) {
	svc := newService(store.NewMemory())
	ctx := context.Background()
	orig := give(t, svc, "cust-1", 3)

	rev, err := svc.Reverse(ctx, generic.ReverseInput{MovementID: orig.ID, Reason: "typo"})
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, generic.ReverseInput{MovementID: orig.ID, Reason: "typo again"})
	assert.ErrorIs(t, err, generic.ErrNotReversible)

	_, err = svc.Reverse(ctx, generic.ReverseInput{MovementID: rev.ID, Reason: "undo the undo"})
	assert.ErrorIs(t, err, generic.ErrNotReversible)
}

func TestReverse_Validation(t *testing.T) {
	svc := newService(store.NewMemory())
	ctx := context.Background()

	_, err := svc.Reverse(ctx, generic.ReverseInput{MovementID: 42, Reason: "x"})
	assert.ErrorIs(t, err, generic.ErrMovementNotFound)

	orig := give(t, svc, "cust-1", 1)
	_, err = svc.Reverse(ctx, generic.ReverseInput{MovementID: orig.ID})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestReverse_GuardedWhenContainersAlreadyReturned(t *testing.T) {
	// GIVEN: 3 out, 3 back
	svc := newService(store.NewMemory())
	ctx := context.Background()
	orig := give(t, svc, "cust-1", 3)
	_, err := svc.RecordIn(ctx, generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 3})
	require.NoError(t, err)

	// WHEN: reversing the give would need 3 more returns
	_, err = svc.Reverse(ctx, generic.ReverseInput{MovementID: orig.ID, Reason: "typo"})

	// THEN
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
}

func TestReverse_ChargeCancelsItsOrder(t *testing.T) {
	orders := &fakeOrders{}
	svc := newService(store.NewMemory(), generic.WithOrderCreator(orders))
	give(t, svc, "cust-1", 3)
	res, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 3})
	require.NoError(t, err)

	_, err = svc.Reverse(context.Background(), generic.ReverseInput{MovementID: res.Movement.ID, Reason: "billed by mistake"})

	require.NoError(t, err)
	assert.Equal(t, []string{"SO-1"}, orders.cancelled)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(3)))
}

func TestReverse_ChargeNeedsAnOrderCanceler(t *testing.T) {
	svc := newService(store.NewMemory(), generic.WithOrderCreator(createOnly{&fakeOrders{}}))
	give(t, svc, "cust-1", 3)
	res, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 3})
	require.NoError(t, err)

	_, err = svc.Reverse(context.Background(), generic.ReverseInput{MovementID: res.Movement.ID, Reason: "billed by mistake"})

	assert.ErrorIs(t, err, generic.ErrNotReversible)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).IsZero())
}

func TestReverse_ChargeRolledBackWhenCancelFails(t *testing.T) {
	orders := &fakeOrders{}
	svc := newService(store.NewMemory(), generic.WithOrderCreator(orders))
	give(t, svc, "cust-1", 3)
	res, err := svc.Charge(context.Background(), generic.ChargeInput{OwnerID: "cust-1", Resource: crate, Quantity: 3})
	require.NoError(t, err)
	orders.cancelFail = errors.New("order already shipped")

	_, err = svc.Reverse(context.Background(), generic.ReverseInput{MovementID: res.Movement.ID, Reason: "billed by mistake"})

	assert.ErrorIs(t, err, generic.ErrUpstreamFailure)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).IsZero())
	reversed, err := svc.Store().IsReversed(context.Background(), res.Movement.ID)
	require.NoError(t, err)
	assert.False(t, reversed)
}

func TestReverse_CashbackMovementsAreRefused(t *testing.T) {
	svc := newService(store.NewMemory())
	ctx := context.Background()
	credit, err := svc.Topup(ctx, generic.TopupInput{OwnerID: "cust-1", Amount: decimal.NewFromInt(45), Source: generic.SourceCashbackCredit})
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, generic.ReverseInput{MovementID: credit.ID, Reason: "manual"})

	assert.ErrorIs(t, err, generic.ErrNotReversible)
	assert.True(t, balanceOf(t, svc, "cust-1", generic.WalletResource).Equal(decimal.NewFromInt(45)))
}

// =============================================================================
// ADJUST
// =============================================================================

func TestAdjust_MayGoNegativeAndNeedsNote(t *testing.T) {
	svc := newService(store.NewMemory())
	ctx := context.Background()

	_, err := svc.Adjust(ctx, generic.AdjustInput{OwnerID: "cust-1", Resource: crate, Delta: decimal.NewFromInt(-2)})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = svc.Adjust(ctx, generic.AdjustInput{OwnerID: "cust-1", Resource: crate, Delta: decimal.NewFromInt(-2), Note: "stock count"})
	require.NoError(t, err)
	assert.True(t, balanceOf(t, svc, "cust-1", crate).Equal(decimal.NewFromInt(-2)))
}

// =============================================================================
// LOGGING
// =============================================================================

func TestAtomic_LogsRejectionsAtInfo(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	svc := newService(store.NewMemory(), generic.WithLogger(zap.New(core)))

	_, _ = svc.RecordIn(context.Background(), generic.RecordInput{OwnerID: "cust-1", Resource: crate, Quantity: 1})

	entries := logs.FilterMessage("ledger operation rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "insufficient_balance", entries[0].ContextMap()["kind"])
}
