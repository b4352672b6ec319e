package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/ledger-engine/generic"
)

// Ledger is the deposit vocabulary over generic.Service.
type Ledger struct {
	svc *generic.Service
}

func NewLedger(svc *generic.Service) *Ledger {
	return &Ledger{svc: svc}
}

// Request moves Quantity containers of one type for one owner.
type Request struct {
	OwnerID   generic.OwnerID
	Container generic.ResourceType
	Quantity  int64
	Note      string
	AuthorID  string

	// IdempotencyKey is optional; a retried request with the same key
	// fails with generic.ErrDuplicateIdempotencyKey instead of booking twice.
	IdempotencyKey string
}

func (r Request) validate() error {
	if r.Container == nil || r.Container.ResourceDomain() != Domain {
		return &generic.ValidationError{Field: "container", Reason: "must be a registered container"}
	}
	return nil
}

// Give records containers handed to the owner.
func (l *Ledger) Give(ctx context.Context, r Request) (generic.Movement, error) {
	if err := r.validate(); err != nil {
		return generic.Movement{}, err
	}
	return l.svc.RecordOut(ctx, generic.RecordInput{
		OwnerID: r.OwnerID, Resource: r.Container, Quantity: r.Quantity, Note: r.Note, AuthorID: r.AuthorID,
		IdempotencyKey: r.IdempotencyKey,
	})
}

// Return records containers brought back. Returning more than the owner
// holds is rejected with InsufficientBalance.
func (l *Ledger) Return(ctx context.Context, r Request) (generic.Movement, error) {
	if err := r.validate(); err != nil {
		return generic.Movement{}, err
	}
	return l.svc.RecordIn(ctx, generic.RecordInput{
		OwnerID: r.OwnerID, Resource: r.Container, Quantity: r.Quantity, Note: r.Note, AuthorID: r.AuthorID,
		IdempotencyKey: r.IdempotencyKey,
	})
}

// Charge invoices unreturned containers through a sales order.
func (l *Ledger) Charge(ctx context.Context, r Request) (generic.ChargeResult, error) {
	if err := r.validate(); err != nil {
		return generic.ChargeResult{}, err
	}
	return l.svc.Charge(ctx, generic.ChargeInput{
		OwnerID: r.OwnerID, Resource: r.Container, Quantity: r.Quantity, Note: r.Note, AuthorID: r.AuthorID,
		IdempotencyKey: r.IdempotencyKey,
	})
}

// ChargeAll charges every outstanding container type of the owner. Each
// type succeeds or fails on its own.
func (l *Ledger) ChargeAll(ctx context.Context, owner generic.OwnerID, note, author string) ([]generic.ChargeResult, error) {
	return l.svc.ChargeAll(ctx, generic.ChargeAllInput{OwnerID: owner, Note: note, AuthorID: author})
}

// =============================================================================
// OUTSTANDING
// =============================================================================

// Holding is one container type an owner still has.
type Holding struct {
	Container generic.ResourceType
	Quantity  int64
	TotalOut  int64
	TotalIn   int64
	Charged   int64
	LastAt    time.Time
}

// Outstanding lists the container types the owner holds, in id order.
func (l *Ledger) Outstanding(ctx context.Context, owner generic.OwnerID) ([]Holding, error) {
	balances, err := l.svc.Balances(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out []Holding
	for _, b := range balances {
		if b.Resource.ResourceDomain() != Domain || !b.Balance.IsPositive() {
			continue
		}
		out = append(out, Holding{
			Container: b.Resource,
			Quantity:  b.Balance.IntPart(),
			TotalOut:  b.TotalOut.IntPart(),
			TotalIn:   b.TotalIn.IntPart(),
			Charged:   b.TotalCharged.IntPart(),
			LastAt:    b.LastMovementAt,
		})
	}
	return out, nil
}

// =============================================================================
// ORDER HOOK
// =============================================================================

// CompletedOrder is a delivered sales order as published by the order
// system.
type CompletedOrder struct {
	ID      string
	OwnerID generic.OwnerID
	Lines   []CompletedLine
}

// CompletedLine is one product line. Delivered containers go out with the
// goods; Collected are empties the driver took back.
type CompletedLine struct {
	ResourceID string
	Delivered  int64
	Collected  int64
}

// OnOrderCompleted books the container movements of a delivered order.
// Lines for non-container products are skipped. Each movement carries an
// idempotency key derived from the order, so a redelivered event books
// nothing twice.
func (l *Ledger) OnOrderCompleted(ctx context.Context, order CompletedOrder) ([]generic.Movement, error) {
	if order.ID == "" {
		return nil, &generic.ValidationError{Field: "order_id", Reason: "required"}
	}
	var out []generic.Movement
	var errs []error
	for _, line := range order.Lines {
		container, err := ParseContainer(line.ResourceID)
		if err != nil {
			continue
		}
		if line.Delivered > 0 {
			m, err := l.svc.RecordOut(ctx, generic.RecordInput{
				OwnerID:        order.OwnerID,
				Resource:       container,
				Quantity:       line.Delivered,
				OrderID:        order.ID,
				IdempotencyKey: fmt.Sprintf("order:%s:%s:out", order.ID, line.ResourceID),
			})
			switch {
			case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
			case err != nil:
				errs = append(errs, err)
			default:
				out = append(out, m)
			}
		}
		if line.Collected > 0 {
			m, err := l.svc.RecordIn(ctx, generic.RecordInput{
				OwnerID:        order.OwnerID,
				Resource:       container,
				Quantity:       line.Collected,
				OrderID:        order.ID,
				IdempotencyKey: fmt.Sprintf("order:%s:%s:in", order.ID, line.ResourceID),
			})
			switch {
			case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
			case err != nil:
				errs = append(errs, err)
			default:
				out = append(out, m)
			}
		}
	}
	return out, errors.Join(errs...)
}
