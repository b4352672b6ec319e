// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. Reads take the
// read lock; transactions hold the write lock for their whole duration, so
// writers are serialized and SaveBalance never sees a stale version unless
// a row was overwritten behind the ledger's back.
type Memory struct {
	mu sync.RWMutex
	st state
}

type state struct {
	nextID      generic.MovementID
	movements   []generic.Movement // id order
	byID        map[generic.MovementID]int
	reversedBy  map[generic.MovementID]generic.MovementID
	idempotency map[string]generic.MovementID
	balances    map[generic.BalanceKey]generic.Balance
	cashback    map[string]generic.CashbackRecord
}

func newState() state {
	return state{
		byID:        make(map[generic.MovementID]int),
		reversedBy:  make(map[generic.MovementID]generic.MovementID),
		idempotency: make(map[string]generic.MovementID),
		balances:    make(map[generic.BalanceKey]generic.Balance),
		cashback:    make(map[string]generic.CashbackRecord),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ generic.TxStore = (*Memory)(nil)

func (m *Memory) AppendMovement(_ context.Context, mv generic.Movement) (generic.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendMovement(mv)
}

func (m *Memory) GetMovement(_ context.Context, id generic.MovementID) (generic.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getMovement(id)
}

func (m *Memory) QueryMovements(_ context.Context, f generic.MovementFilter) ([]generic.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.queryMovements(f), nil
}

func (m *Memory) LoadMovements(_ context.Context, owner generic.OwnerID, resourceID string) ([]generic.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loadMovements(owner, resourceID), nil
}

func (m *Memory) IsReversed(_ context.Context, id generic.MovementID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.st.reversedBy[id]
	return ok, nil
}

func (m *Memory) GetBalance(_ context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.st.balances[generic.BalanceKey{OwnerID: owner, ResourceID: resourceID}]
	return b, ok, nil
}

// LockBalance outside a transaction is a plain read.
func (m *Memory) LockBalance(ctx context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	return m.GetBalance(ctx, owner, resourceID)
}

func (m *Memory) SaveBalance(_ context.Context, b generic.Balance) (generic.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveBalance(b)
}

func (m *Memory) ListBalances(_ context.Context, owner generic.OwnerID) ([]generic.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBalances(owner), nil
}

func (m *Memory) ListBalanceKeys(_ context.Context, after generic.BalanceKey, limit int) ([]generic.BalanceKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBalanceKeys(after, limit), nil
}

func (m *Memory) CreateCashbackRecord(_ context.Context, r generic.CashbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createCashback(r)
}

func (m *Memory) UpdateCashbackRecord(_ context.Context, r generic.CashbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateCashback(r)
}

func (m *Memory) GetCashbackRecord(_ context.Context, id string) (generic.CashbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCashback(id)
}

func (m *Memory) FindActiveCashbackRecord(_ context.Context, owner generic.OwnerID, period int) (generic.CashbackRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.st.findActiveCashback(owner, period)
	return r, ok, nil
}

func (m *Memory) ListCashbackRecords(_ context.Context, period int) ([]generic.CashbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCashback(period), nil
}

// ForceBalance overwrites a balance row without a movement. It exists to
// simulate drift in tests and tooling; the ledger never calls it.
func (m *Memory) ForceBalance(owner generic.OwnerID, resource generic.ResourceType, value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := generic.BalanceKey{OwnerID: owner, ResourceID: resource.ResourceID()}
	b, ok := m.st.balances[k]
	if !ok {
		b = generic.NewBalance(owner, resource)
	}
	b.Balance = value
	b.Version++
	m.st.balances[k] = b
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	if err := fn(&txMemoryView{st: &m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// txMemoryView runs against the live state while the parent's write lock
// is held.
type txMemoryView struct {
	st *state
}

func (tv *txMemoryView) AppendMovement(_ context.Context, mv generic.Movement) (generic.Movement, error) {
	return tv.st.appendMovement(mv)
}

func (tv *txMemoryView) GetMovement(_ context.Context, id generic.MovementID) (generic.Movement, error) {
	return tv.st.getMovement(id)
}

func (tv *txMemoryView) QueryMovements(_ context.Context, f generic.MovementFilter) ([]generic.Movement, error) {
	return tv.st.queryMovements(f), nil
}

func (tv *txMemoryView) LoadMovements(_ context.Context, owner generic.OwnerID, resourceID string) ([]generic.Movement, error) {
	return tv.st.loadMovements(owner, resourceID), nil
}

func (tv *txMemoryView) IsReversed(_ context.Context, id generic.MovementID) (bool, error) {
	_, ok := tv.st.reversedBy[id]
	return ok, nil
}

func (tv *txMemoryView) GetBalance(_ context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	b, ok := tv.st.balances[generic.BalanceKey{OwnerID: owner, ResourceID: resourceID}]
	return b, ok, nil
}

func (tv *txMemoryView) LockBalance(ctx context.Context, owner generic.OwnerID, resourceID string) (generic.Balance, bool, error) {
	return tv.GetBalance(ctx, owner, resourceID)
}

func (tv *txMemoryView) SaveBalance(_ context.Context, b generic.Balance) (generic.Balance, error) {
	return tv.st.saveBalance(b)
}

func (tv *txMemoryView) ListBalances(_ context.Context, owner generic.OwnerID) ([]generic.Balance, error) {
	return tv.st.listBalances(owner), nil
}

func (tv *txMemoryView) ListBalanceKeys(_ context.Context, after generic.BalanceKey, limit int) ([]generic.BalanceKey, error) {
	return tv.st.listBalanceKeys(after, limit), nil
}

func (tv *txMemoryView) CreateCashbackRecord(_ context.Context, r generic.CashbackRecord) error {
	return tv.st.createCashback(r)
}

func (tv *txMemoryView) UpdateCashbackRecord(_ context.Context, r generic.CashbackRecord) error {
	return tv.st.updateCashback(r)
}

func (tv *txMemoryView) GetCashbackRecord(_ context.Context, id string) (generic.CashbackRecord, error) {
	return tv.st.getCashback(id)
}

func (tv *txMemoryView) FindActiveCashbackRecord(_ context.Context, owner generic.OwnerID, period int) (generic.CashbackRecord, bool, error) {
	r, ok := tv.st.findActiveCashback(owner, period)
	return r, ok, nil
}

func (tv *txMemoryView) ListCashbackRecords(_ context.Context, period int) ([]generic.CashbackRecord, error) {
	return tv.st.listCashback(period), nil
}

// =============================================================================
// STATE - Unlocked table operations shared by Memory and txMemoryView
// =============================================================================

func (s *state) clone() state {
	c := newState()
	c.nextID = s.nextID
	c.movements = append([]generic.Movement{}, s.movements...)
	for k, v := range s.byID {
		c.byID[k] = v
	}
	for k, v := range s.reversedBy {
		c.reversedBy[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.cashback {
		c.cashback[k] = v
	}
	return c
}

func (s *state) appendMovement(mv generic.Movement) (generic.Movement, error) {
	if mv.IdempotencyKey != "" {
		if _, taken := s.idempotency[mv.IdempotencyKey]; taken {
			return generic.Movement{}, generic.ErrDuplicateIdempotencyKey
		}
	}
	if mv.ReversesID != 0 {
		if _, taken := s.reversedBy[mv.ReversesID]; taken {
			return generic.Movement{}, &generic.StateError{
				Kind: generic.ErrNotReversible, MovementID: mv.ReversesID, Reason: "already reversed",
			}
		}
	}
	s.nextID++
	mv.ID = s.nextID
	s.byID[mv.ID] = len(s.movements)
	s.movements = append(s.movements, mv)
	if mv.IdempotencyKey != "" {
		s.idempotency[mv.IdempotencyKey] = mv.ID
	}
	if mv.ReversesID != 0 {
		s.reversedBy[mv.ReversesID] = mv.ID
	}
	return mv, nil
}

func (s *state) getMovement(id generic.MovementID) (generic.Movement, error) {
	i, ok := s.byID[id]
	if !ok {
		return generic.Movement{}, &generic.StateError{Kind: generic.ErrMovementNotFound, MovementID: id}
	}
	return s.movements[i], nil
}

func (s *state) queryMovements(f generic.MovementFilter) []generic.Movement {
	var result []generic.Movement
	for i := len(s.movements) - 1; i >= 0; i-- {
		mv := s.movements[i]
		if f.BeforeID != 0 && mv.ID >= f.BeforeID {
			continue
		}
		if !matches(mv, f) {
			continue
		}
		result = append(result, mv)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

func matches(mv generic.Movement, f generic.MovementFilter) bool {
	switch {
	case f.OwnerID != "" && mv.OwnerID != f.OwnerID:
		return false
	case f.ResourceID != "" && mv.Resource.ResourceID() != f.ResourceID:
		return false
	case f.Direction != "" && mv.Direction != f.Direction:
		return false
	case f.Source != "" && mv.Source != f.Source:
		return false
	case f.IdempotencyKey != "" && mv.IdempotencyKey != f.IdempotencyKey:
		return false
	case !f.From.IsZero() && mv.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !mv.CreatedAt.Before(f.To):
		return false
	}
	return true
}

func (s *state) loadMovements(owner generic.OwnerID, resourceID string) []generic.Movement {
	var result []generic.Movement
	for _, mv := range s.movements {
		if mv.OwnerID == owner && mv.Resource.ResourceID() == resourceID {
			result = append(result, mv)
		}
	}
	return result
}

func (s *state) saveBalance(b generic.Balance) (generic.Balance, error) {
	k := b.Key()
	current, exists := s.balances[k]
	if exists && current.Version != b.Version || !exists && b.Version != 0 {
		return generic.Balance{}, generic.ErrConflict
	}
	b.Version++
	s.balances[k] = b
	return b, nil
}

func (s *state) listBalances(owner generic.OwnerID) []generic.Balance {
	var result []generic.Balance
	for k, b := range s.balances {
		if k.OwnerID == owner {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Resource.ResourceID() < result[j].Resource.ResourceID()
	})
	return result
}

func (s *state) listBalanceKeys(after generic.BalanceKey, limit int) []generic.BalanceKey {
	keys := make([]generic.BalanceKey, 0, len(s.balances))
	for k := range s.balances {
		if keyLess(after, k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func keyLess(a, b generic.BalanceKey) bool {
	if a.OwnerID != b.OwnerID {
		return a.OwnerID < b.OwnerID
	}
	return a.ResourceID < b.ResourceID
}

func (s *state) createCashback(r generic.CashbackRecord) error {
	if r.Status.Active() {
		if _, ok := s.findActiveCashback(r.OwnerID, r.Period); ok {
			return &generic.StateError{Kind: generic.ErrAlreadyProcessed, OwnerID: r.OwnerID, Period: r.Period}
		}
	}
	s.cashback[r.ID] = r
	return nil
}

func (s *state) updateCashback(r generic.CashbackRecord) error {
	if _, ok := s.cashback[r.ID]; !ok {
		return &generic.StateError{Kind: generic.ErrRecordNotFound, RecordID: r.ID}
	}
	if r.Status.Active() {
		if other, ok := s.findActiveCashback(r.OwnerID, r.Period); ok && other.ID != r.ID {
			return &generic.StateError{Kind: generic.ErrAlreadyProcessed, OwnerID: r.OwnerID, Period: r.Period}
		}
	}
	s.cashback[r.ID] = r
	return nil
}

func (s *state) getCashback(id string) (generic.CashbackRecord, error) {
	r, ok := s.cashback[id]
	if !ok {
		return generic.CashbackRecord{}, &generic.StateError{Kind: generic.ErrRecordNotFound, RecordID: id}
	}
	return r, nil
}

func (s *state) findActiveCashback(owner generic.OwnerID, period int) (generic.CashbackRecord, bool) {
	for _, r := range s.cashback {
		if r.OwnerID == owner && r.Period == period && r.Status.Active() {
			return r, true
		}
	}
	return generic.CashbackRecord{}, false
}

func (s *state) listCashback(period int) []generic.CashbackRecord {
	var result []generic.CashbackRecord
	for _, r := range s.cashback {
		if r.Period == period {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}
