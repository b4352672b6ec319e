/*
Package wallet is the customer-wallet vocabulary over the generic ledger.

PURPOSE:
  One money balance per customer. Top-ups credit it, withdrawals debit it,
  cashback (see cashback/) lands here as CashbackCredit movements. The
  balance can never go negative: a debit larger than the balance fails
  with InsufficientBalance and writes nothing.

EXAMPLE FLOW:
  1. Customer tops up 50.00         balance 50.00
  2. Pays 20.00 from the wallet     balance 30.00
  3. Yearly cashback of 45.00       balance 75.00
  4. Top-up from step 1 reversed    balance 25.00

SEE ALSO:
  - generic/service.go: Topup, Reverse
  - cashback/: yearly credits
*/
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/generic"
)

type Wallet struct {
	svc *generic.Service
}

func New(svc *generic.Service) *Wallet {
	return &Wallet{svc: svc}
}

// Request moves a positive Amount in or out of the wallet.
type Request struct {
	OwnerID        generic.OwnerID
	Amount         decimal.Decimal
	Description    string
	OrderID        string
	AuthorID       string
	IdempotencyKey string
}

func (r Request) input(amount decimal.Decimal) generic.TopupInput {
	return generic.TopupInput{
		OwnerID:        r.OwnerID,
		Amount:         amount,
		Description:    r.Description,
		OrderID:        r.OrderID,
		AuthorID:       r.AuthorID,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &generic.ValidationError{Field: "amount", Reason: "must be positive", Err: generic.ErrInvalidAmount}
	}
	return nil
}

// TopUp credits the wallet.
func (w *Wallet) TopUp(ctx context.Context, r Request) (generic.Movement, error) {
	if err := positive(r.Amount); err != nil {
		return generic.Movement{}, err
	}
	return w.svc.Topup(ctx, r.input(r.Amount))
}

// Withdraw debits the wallet, e.g. when the customer pays with it.
func (w *Wallet) Withdraw(ctx context.Context, r Request) (generic.Movement, error) {
	if err := positive(r.Amount); err != nil {
		return generic.Movement{}, err
	}
	return w.svc.Topup(ctx, r.input(r.Amount.Neg()))
}

// Reverse undoes one wallet movement.
func (w *Wallet) Reverse(ctx context.Context, id generic.MovementID, reason, author string) (generic.Movement, error) {
	m, err := w.svc.Movement(ctx, id)
	if err != nil {
		return generic.Movement{}, err
	}
	if m.Resource.ResourceDomain() != generic.DomainWallet {
		return generic.Movement{}, &generic.ValidationError{Field: "movement_id", Reason: "not a wallet movement"}
	}
	return w.svc.Reverse(ctx, generic.ReverseInput{MovementID: id, Reason: reason, AuthorID: author})
}

func (w *Wallet) Balance(ctx context.Context, owner generic.OwnerID) (decimal.Decimal, error) {
	return w.svc.CurrentBalance(ctx, owner, generic.WalletResource)
}

// =============================================================================
// STATEMENT
// =============================================================================

// Entry is one statement line with the balance right after it.
type Entry struct {
	Movement generic.Movement
	Delta    decimal.Decimal
	Balance  decimal.Decimal
}

// Statement is the wallet history over [From, To).
type Statement struct {
	OwnerID generic.OwnerID
	From    time.Time
	To      time.Time
	Opening decimal.Decimal
	Closing decimal.Decimal
	Credits decimal.Decimal
	Debits  decimal.Decimal
	Entries []Entry
}

// Statement replays the wallet log. Zero From or To leaves that side open.
func (w *Wallet) Statement(ctx context.Context, owner generic.OwnerID, from, to time.Time) (Statement, error) {
	st := Statement{
		OwnerID: owner, From: from, To: to,
		Opening: decimal.Zero, Closing: decimal.Zero, Credits: decimal.Zero, Debits: decimal.Zero,
	}
	if owner == "" {
		return st, &generic.ValidationError{Field: "owner", Reason: "required"}
	}
	movements, err := w.svc.Store().LoadMovements(ctx, owner, generic.WalletResource.ResourceID())
	if err != nil {
		return st, err
	}

	running := decimal.Zero
	for _, m := range movements {
		if !to.IsZero() && !m.CreatedAt.Before(to) {
			break
		}
		delta := m.Contribution()
		running = running.Add(delta)
		if !from.IsZero() && m.CreatedAt.Before(from) {
			st.Opening = running
			continue
		}
		st.Entries = append(st.Entries, Entry{Movement: m, Delta: delta, Balance: running})
		if delta.IsPositive() {
			st.Credits = st.Credits.Add(delta)
		} else {
			st.Debits = st.Debits.Add(delta.Neg())
		}
	}
	st.Closing = running
	return st, nil
}

// StatementFor is Statement over a single period.
func (w *Wallet) StatementFor(ctx context.Context, owner generic.OwnerID, period generic.Period) (Statement, error) {
	return w.Statement(ctx, owner, period.Start, period.End)
}
