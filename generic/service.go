/*
service.go - Ledger Service: the operations the rest of the system calls

PURPOSE:
  Every balance-changing operation goes through here. Each one runs as a
  single storage transaction that validates, appends the movement and
  applies it to the Balance row. Callers never see a movement without its
  balance update, or the reverse.

OPERATIONS:
  RecordOut / RecordIn   containers handed out / returned
  Charge                 invoice unreturned containers (creates an order)
  ChargeAll              Charge every positive container balance
  Topup                  wallet credit (amount > 0) or debit (amount < 0)
  Adjust                 signed inventory correction
  Reverse                compensating movement for an earlier one
  CurrentBalance         O(1) read of the aggregate

CONCURRENCY:
  Writes lock the Balance row first. If the store reports ErrConflict the
  whole unit of work is re-run, up to LedgerConfig.ConflictRetries times.

COMPOSITION:
  Atomic exposes the unit of work (Tx) so other packages can combine ledger
  writes with their own rows in one transaction (see cashback/).

SEE ALSO:
  - ledger.go: Append validation
  - balance.go: Aggregate maintenance
  - collaborators.go: Order, catalog and directory contracts
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    TxStore
	cfg      LedgerConfig
	agg      Aggregator
	orders   OrderCreator
	enricher OrderEnricher
	prices   PriceLookup
	owners   OwnerDirectory
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithOrderCreator(o OrderCreator) Option     { return func(s *Service) { s.orders = o } }
func WithOrderEnricher(e OrderEnricher) Option   { return func(s *Service) { s.enricher = e } }
func WithPriceLookup(p PriceLookup) Option       { return func(s *Service) { s.prices = p } }
func WithOwnerDirectory(d OwnerDirectory) Option { return func(s *Service) { s.owners = d } }
func WithRecorder(r Recorder) Option             { return func(s *Service) { s.recorder = r } }
func WithLogger(l *zap.Logger) Option            { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }

func NewService(store TxStore, cfg LedgerConfig, opts ...Option) *Service {
	s := &Service{
		store:    store,
		cfg:      cfg.withDefaults(),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Config() LedgerConfig   { return s.cfg }
func (s *Service) Logger() *zap.Logger    { return s.logger }
func (s *Service) Owners() OwnerDirectory { return s.owners }
func (s *Service) Store() TxStore         { return s.store }
func (s *Service) Now() time.Time         { return s.now().UTC() }

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Tx is one storage transaction. It is only valid inside the Atomic
// callback that produced it.
type Tx struct {
	s        *Service
	store    Store
	log      *DefaultMovementLog
	appended []Movement
	orders   []string
}

// Store gives access to the transactional store for writes that must
// commit together with the ledger.
func (t *Tx) Store() Store { return t.store }

// Atomic runs fn in a transaction, retrying the whole callback on
// ErrConflict. fn may run more than once; it must not have side effects
// outside the transaction other than through Tx.
func (s *Service) Atomic(ctx context.Context, op string, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		var tx *Tx
		err = s.store.WithTx(ctx, func(st Store) error {
			tx = &Tx{s: s, store: st, log: NewMovementLog(st, s.now)}
			return fn(tx)
		})
		if err == nil {
			for _, m := range tx.appended {
				s.recorder.MovementAppended(m)
				s.logger.Info("movement appended",
					zap.String("op", op),
					zap.Int64("movement_id", int64(m.ID)),
					zap.String("owner", string(m.OwnerID)),
					zap.String("resource", m.Resource.ResourceID()),
					zap.String("direction", string(m.Direction)),
					zap.String("source", string(m.Source)),
					zap.String("amount", m.Amount.String()),
				)
			}
			break
		}
		if tx != nil {
			s.cancelOrders(ctx, tx.orders)
		}
		if !errors.Is(err, ErrConflict) || attempt >= s.cfg.ConflictRetries {
			break
		}
		s.recorder.ConflictRetried(op)
		s.logger.Warn("conflict, retrying", zap.String("op", op), zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			s.recorder.OperationFinished(op, err)
			return err
		case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	s.recorder.OperationFinished(op, err)
	if err != nil {
		s.logFailure(op, err)
	}
	return err
}

func (s *Service) logFailure(op string, err error) {
	if IsClientError(err) || IsNotFound(err) {
		s.logger.Info("ledger operation rejected", zap.String("op", op), zap.String("kind", KindOf(err)), zap.Error(err))
		return
	}
	s.logger.Error("ledger operation failed", zap.String("op", op), zap.String("kind", KindOf(err)), zap.Error(err))
}

func (s *Service) cancelOrders(ctx context.Context, ids []string) {
	canceler, ok := s.orders.(OrderCanceler)
	if !ok {
		return
	}
	for _, id := range ids {
		if err := canceler.CancelOrder(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Error("order compensation failed", zap.String("order_id", id), zap.Error(err))
		}
	}
}

// Balance reads the row for update inside the transaction.
func (t *Tx) Balance(ctx context.Context, owner OwnerID, resource ResourceType) (Balance, error) {
	return lockOrNew(ctx, t.store, owner, resource)
}

// Post validates the draft, enforces the balance guard, appends it and
// applies it to the aggregate.
func (t *Tx) Post(ctx context.Context, draft MovementDraft) (Movement, Balance, error) {
	if err := ValidateDraft(draft); err != nil {
		return Movement{}, Balance{}, err
	}
	if draft.Direction.Decreases() {
		b, err := t.Balance(ctx, draft.OwnerID, draft.Resource)
		if err != nil {
			return Movement{}, Balance{}, err
		}
		if b.Balance.LessThan(draft.Amount) {
			return Movement{}, Balance{}, &InsufficientBalanceError{
				OwnerID:   draft.OwnerID,
				Resource:  draft.Resource.ResourceID(),
				Available: b.Balance,
				Requested: draft.Amount,
			}
		}
	}
	m, err := t.log.Append(ctx, draft)
	if err != nil {
		return Movement{}, Balance{}, err
	}
	b, err := t.s.agg.Apply(ctx, t.store, m)
	if err != nil {
		return Movement{}, Balance{}, err
	}
	t.appended = append(t.appended, m)
	return m, b, nil
}

// checkKey fails when key is already in the log. Used before side effects
// outside the store; the unique index still decides at append time.
func (t *Tx) checkKey(ctx context.Context, owner OwnerID, resource ResourceType, key string) error {
	if key == "" {
		return nil
	}
	found, err := t.store.QueryMovements(ctx, MovementFilter{IdempotencyKey: key, Limit: 1})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}
	return &StateError{
		Kind: ErrDuplicateIdempotencyKey, OwnerID: owner, Resource: resource.ResourceID(),
		MovementID: found[0].ID, Reason: "key " + key + " already recorded",
	}
}

func (t *Tx) createOrder(ctx context.Context, draft OrderDraft) (Order, error) {
	if t.s.orders == nil {
		return Order{}, Upstream("orders", draft.OwnerID, errors.New("no order creator configured"))
	}
	if t.s.enricher != nil {
		if err := t.s.enricher.EnrichOrder(ctx, &draft); err != nil {
			return Order{}, Upstream("order_enricher", draft.OwnerID, err)
		}
	}
	order, err := t.s.orders.CreateOrder(ctx, draft)
	if err != nil {
		return Order{}, Upstream("orders", draft.OwnerID, err)
	}
	t.orders = append(t.orders, order.ID)
	return order, nil
}

// =============================================================================
// CONTAINER OPERATIONS
// =============================================================================

type RecordInput struct {
	OwnerID        OwnerID
	Resource       ResourceType
	Quantity       int64
	OrderID        string // set when the movement comes from an order
	Source         Source // optional override
	Note           string
	AuthorID       string
	IdempotencyKey string
}

// RecordOut records containers handed to the owner.
func (s *Service) RecordOut(ctx context.Context, in RecordInput) (Movement, error) {
	return s.record(ctx, "record_out", DirectionOut, SourceManualGive, in)
}

// RecordIn records containers returned by the owner.
func (s *Service) RecordIn(ctx context.Context, in RecordInput) (Movement, error) {
	return s.record(ctx, "record_in", DirectionIn, SourceManualReturn, in)
}

func (s *Service) record(ctx context.Context, op string, dir Direction, source Source, in RecordInput) (Movement, error) {
	if in.Source != "" {
		source = in.Source
	} else if in.OrderID != "" {
		source = SourceOrderFulfillment
	}
	if in.Quantity <= 0 {
		return Movement{}, invalidAmount("quantity must be positive")
	}
	if err := s.checkOwner(ctx, in.OwnerID); err != nil {
		return Movement{}, err
	}
	price, err := s.unitPrice(ctx, in.OwnerID, in.Resource)
	if err != nil {
		return Movement{}, err
	}
	draft := MovementDraft{
		OwnerID:        in.OwnerID,
		Resource:       in.Resource,
		Direction:      dir,
		Source:         source,
		Amount:         decimal.NewFromInt(in.Quantity),
		UnitValue:      price,
		RelatedOrderID: in.OrderID,
		IdempotencyKey: in.IdempotencyKey,
		Note:           in.Note,
		AuthorID:       in.AuthorID,
	}
	var m Movement
	err = s.Atomic(ctx, op, func(tx *Tx) error {
		var err error
		m, _, err = tx.Post(ctx, draft)
		return err
	})
	return m, err
}

type ChargeInput struct {
	OwnerID  OwnerID
	Resource ResourceType
	Quantity int64
	Note     string
	AuthorID string

	// IdempotencyKey dedupes replays. A charge whose key is already in the
	// log fails with ErrDuplicateIdempotencyKey before any order is created.
	IdempotencyKey string
}

// ChargeResult is the outcome of charging one resource.
type ChargeResult struct {
	Resource ResourceType
	Quantity decimal.Decimal
	Movement Movement
	Order    Order
	Err      error
}

// Charge invoices unreturned containers: it creates a sales order through
// the OrderCreator and appends a Charge movement in the same transaction.
// If the order cannot be created nothing is written.
func (s *Service) Charge(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	res := ChargeResult{Resource: in.Resource, Quantity: decimal.NewFromInt(in.Quantity)}
	if in.Quantity <= 0 {
		return res, invalidAmount("quantity must be positive")
	}
	if in.Resource == nil || UnitFor(in.Resource) != UnitContainers {
		return res, invalid("resource", "only container resources can be charged")
	}
	if err := s.checkOwner(ctx, in.OwnerID); err != nil {
		return res, err
	}
	price, err := s.unitPrice(ctx, in.OwnerID, in.Resource)
	if err != nil {
		return res, err
	}

	err = s.Atomic(ctx, "charge", func(tx *Tx) error {
		b, err := tx.Balance(ctx, in.OwnerID, in.Resource)
		if err != nil {
			return err
		}
		if err := tx.checkKey(ctx, in.OwnerID, in.Resource, in.IdempotencyKey); err != nil {
			return err
		}
		if b.Balance.LessThan(res.Quantity) {
			return &InsufficientBalanceError{
				OwnerID:   in.OwnerID,
				Resource:  in.Resource.ResourceID(),
				Available: b.Balance,
				Requested: res.Quantity,
			}
		}
		orderKey := uuid.NewString()
		if in.IdempotencyKey != "" {
			orderKey = "charge:" + in.IdempotencyKey
		}
		order, err := tx.createOrder(ctx, OrderDraft{
			OwnerID: in.OwnerID,
			Lines: []LineItem{{
				ResourceID: in.Resource.ResourceID(),
				Quantity:   res.Quantity,
				UnitPrice:  price,
				Note:       in.Note,
			}},
			Note:           in.Note,
			IdempotencyKey: orderKey,
		})
		if err != nil {
			return err
		}
		m, _, err := tx.Post(ctx, MovementDraft{
			OwnerID:        in.OwnerID,
			Resource:       in.Resource,
			Direction:      DirectionCharge,
			Source:         SourceManualCharge,
			Amount:         res.Quantity,
			UnitValue:      price,
			RelatedOrderID: order.ID,
			IdempotencyKey: in.IdempotencyKey,
			Note:           in.Note,
			AuthorID:       in.AuthorID,
		})
		if err != nil {
			return err
		}
		res.Movement, res.Order = m, order
		return nil
	})
	res.Err = err
	return res, err
}

type ChargeAllInput struct {
	OwnerID  OwnerID
	Note     string
	AuthorID string
}

// ChargeAll charges every container resource with a positive balance. Each
// resource is its own transaction; failures are reported per resource and
// do not undo the successes. The error is only set when the balances could
// not be listed.
func (s *Service) ChargeAll(ctx context.Context, in ChargeAllInput) ([]ChargeResult, error) {
	balances, err := s.store.ListBalances(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}
	var results []ChargeResult
	for _, b := range balances {
		if UnitFor(b.Resource) != UnitContainers || !b.Balance.IsPositive() {
			continue
		}
		if err := ctx.Err(); err != nil {
			results = append(results, ChargeResult{Resource: b.Resource, Quantity: b.Balance, Err: err})
			continue
		}
		res, _ := s.Charge(ctx, ChargeInput{
			OwnerID:  in.OwnerID,
			Resource: b.Resource,
			Quantity: b.Balance.IntPart(),
			Note:     in.Note,
			AuthorID: in.AuthorID,
		})
		results = append(results, res)
	}
	return results, nil
}

// =============================================================================
// WALLET OPERATIONS
// =============================================================================

type TopupInput struct {
	OwnerID        OwnerID
	Amount         decimal.Decimal // > 0 credits, < 0 debits
	Description    string
	Source         Source // defaults to SourceTopup
	OrderID        string
	AuthorID       string
	IdempotencyKey string
}

// Topup credits (amount > 0) or debits (amount < 0) the owner's wallet.
func (s *Service) Topup(ctx context.Context, in TopupInput) (Movement, error) {
	if err := s.checkOwner(ctx, in.OwnerID); err != nil {
		return Movement{}, err
	}
	var m Movement
	err := s.Atomic(ctx, "topup", func(tx *Tx) error {
		var err error
		m, err = tx.Topup(ctx, in)
		return err
	})
	return m, err
}

// Topup is the transactional form of Service.Topup.
func (t *Tx) Topup(ctx context.Context, in TopupInput) (Movement, error) {
	if in.Amount.IsZero() {
		return Movement{}, invalidAmount("must be nonzero")
	}
	source := in.Source
	if source == "" {
		source = SourceTopup
	}
	dir := DirectionCredit
	if in.Amount.IsNegative() {
		dir = DirectionDebit
	}
	m, _, err := t.Post(ctx, MovementDraft{
		OwnerID:        in.OwnerID,
		Resource:       WalletResource,
		Direction:      dir,
		Source:         source,
		Amount:         in.Amount.Abs(),
		UnitValue:      decimal.NewFromInt(1),
		RelatedOrderID: in.OrderID,
		IdempotencyKey: in.IdempotencyKey,
		Note:           in.Description,
		AuthorID:       in.AuthorID,
	})
	return m, err
}

// =============================================================================
// ADJUSTMENTS AND REVERSALS
// =============================================================================

type AdjustInput struct {
	OwnerID  OwnerID
	Resource ResourceType
	Delta    decimal.Decimal // signed
	Note     string
	AuthorID string
}

// Adjust records a signed inventory correction. Adjustments are not
// guarded: a count can legitimately reveal the owner holds fewer than zero.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (Movement, error) {
	if in.Note == "" {
		return Movement{}, invalid("note", "adjustments require a note")
	}
	if err := s.checkOwner(ctx, in.OwnerID); err != nil {
		return Movement{}, err
	}
	var m Movement
	err := s.Atomic(ctx, "adjust", func(tx *Tx) error {
		var err error
		m, _, err = tx.Post(ctx, MovementDraft{
			OwnerID:   in.OwnerID,
			Resource:  in.Resource,
			Direction: DirectionAdjustment,
			Source:    SourceInventoryAdjustment,
			Amount:    in.Delta,
			Note:      in.Note,
			AuthorID:  in.AuthorID,
		})
		return err
	})
	return m, err
}

type ReverseInput struct {
	MovementID MovementID
	Reason     string
	AuthorID   string
}

// Reverse appends the compensating movement for in.MovementID. Cashback
// movements are reversed through the cashback processor so the record
// follows; reconciliation entries are not reversible at all. Reversing a
// Charge cancels its sales order, which needs an OrderCanceler.
func (s *Service) Reverse(ctx context.Context, in ReverseInput) (Movement, error) {
	var m Movement
	err := s.Atomic(ctx, "reverse", func(tx *Tx) error {
		var err error
		m, err = tx.Reverse(ctx, in, SourceReversal)
		return err
	})
	return m, err
}

// Reverse is the transactional form of Service.Reverse. source is
// SourceReversal, or SourceCashbackReversal for cashback credits.
func (t *Tx) Reverse(ctx context.Context, in ReverseInput, source Source) (Movement, error) {
	if in.Reason == "" {
		return Movement{}, invalid("reason", "required")
	}
	orig, err := t.store.GetMovement(ctx, in.MovementID)
	if err != nil {
		return Movement{}, err
	}
	notReversible := func(reason string) error {
		return &StateError{
			Kind: ErrNotReversible, OwnerID: orig.OwnerID, Resource: orig.Resource.ResourceID(),
			MovementID: orig.ID, Reason: reason,
		}
	}
	switch {
	case orig.IsReversal():
		return Movement{}, notReversible("compensating movements cannot be reversed")
	case orig.IsAudit():
		return Movement{}, notReversible("reconciliation entries cannot be reversed")
	case source == SourceReversal && (orig.Source == SourceCashbackCredit || orig.Source == SourceCashbackReversal):
		return Movement{}, notReversible("cashback movements are reversed through their cashback record")
	case source == SourceCashbackReversal && orig.Source != SourceCashbackCredit:
		return Movement{}, notReversible("not a cashback credit")
	}
	canceler, _ := t.s.orders.(OrderCanceler)
	cancelOrder := orig.Direction == DirectionCharge && orig.RelatedOrderID != ""
	if cancelOrder && canceler == nil {
		return Movement{}, notReversible("charged orders need an order canceler to be reversed")
	}
	reversed, err := t.store.IsReversed(ctx, orig.ID)
	if err != nil {
		return Movement{}, err
	}
	if reversed {
		return Movement{}, &StateError{
			Kind: ErrNotReversible, OwnerID: orig.OwnerID, Resource: orig.Resource.ResourceID(),
			MovementID: orig.ID, Reason: "already reversed",
		}
	}
	draft := Compensation(orig)
	draft.Source = source
	draft.Note = in.Reason
	draft.AuthorID = in.AuthorID
	m, _, err := t.Post(ctx, draft)
	if err != nil {
		return Movement{}, err
	}
	// Last step: a failed cancel rolls back the compensation.
	if cancelOrder {
		if err := canceler.CancelOrder(ctx, orig.RelatedOrderID); err != nil {
			return Movement{}, Upstream("orders", orig.OwnerID, fmt.Errorf("cancel order %s: %w", orig.RelatedOrderID, err))
		}
	}
	return m, nil
}

// Compensation returns the draft that cancels m's contribution.
//
//   Out ↔ In, Credit ↔ Debit, Charge → Adjustment(+qty), Adjustment → Adjustment(−delta)
func Compensation(m Movement) MovementDraft {
	d := MovementDraft{
		OwnerID:        m.OwnerID,
		Resource:       m.Resource,
		Amount:         m.Amount,
		UnitValue:      m.UnitValue,
		RelatedOrderID: m.RelatedOrderID,
		ReversesID:     m.ID,
	}
	switch m.Direction {
	case DirectionOut:
		d.Direction = DirectionIn
	case DirectionIn:
		d.Direction = DirectionOut
	case DirectionCredit:
		d.Direction = DirectionDebit
	case DirectionDebit:
		d.Direction = DirectionCredit
	case DirectionCharge:
		d.Direction = DirectionAdjustment
	case DirectionAdjustment:
		d.Direction = DirectionAdjustment
		d.Amount = m.Amount.Neg()
	}
	return d
}

// =============================================================================
// READS
// =============================================================================

// CurrentBalance returns the owner's balance for resource, zero if none.
func (s *Service) CurrentBalance(ctx context.Context, owner OwnerID, resource ResourceType) (decimal.Decimal, error) {
	b, err := s.Balance(ctx, owner, resource)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// Balance returns the full aggregate row, or the zero row.
func (s *Service) Balance(ctx context.Context, owner OwnerID, resource ResourceType) (Balance, error) {
	b, ok, err := s.store.GetBalance(ctx, owner, resource.ResourceID())
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		return NewBalance(owner, resource), nil
	}
	return b, nil
}

// Balances returns every balance row of the owner.
func (s *Service) Balances(ctx context.Context, owner OwnerID) ([]Balance, error) {
	return s.store.ListBalances(ctx, owner)
}

// Movement returns one movement by id.
func (s *Service) Movement(ctx context.Context, id MovementID) (Movement, error) {
	return s.store.GetMovement(ctx, id)
}

// Movements returns an iterator over the log, newest first.
func (s *Service) Movements(filter MovementFilter) *MovementIterator {
	return NewMovementIterator(s.store, filter)
}

// =============================================================================
// COLLABORATOR HELPERS
// =============================================================================

func (s *Service) checkOwner(ctx context.Context, owner OwnerID) error {
	if owner == "" {
		return invalid("owner", "required")
	}
	if s.owners == nil {
		return nil
	}
	_, ok, err := s.owners.LookupOwner(ctx, owner)
	if err != nil {
		return Upstream("directory", owner, err)
	}
	if !ok {
		return &StateError{Kind: ErrOwnerNotFound, OwnerID: owner}
	}
	return nil
}

func (s *Service) unitPrice(ctx context.Context, owner OwnerID, resource ResourceType) (decimal.Decimal, error) {
	if s.prices == nil || resource == nil || UnitFor(resource) != UnitContainers {
		return decimal.Zero, nil
	}
	price, err := s.prices.UnitPrice(ctx, resource.ResourceID())
	if err != nil {
		return decimal.Zero, Upstream("catalog", owner, fmt.Errorf("price of %s: %w", resource.ResourceID(), err))
	}
	return price, nil
}
