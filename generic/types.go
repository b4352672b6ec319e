/*
Package generic provides the core ledger engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for tracking
  per-owner resource balances through an append-only movement log. The
  container-deposit ledger (returnable crates, kegs, bottles) and the
  customer wallet (money) are two vocabularies over the same engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 12 containers, 45.00 money)
  - Movement: An immutable log entry recording one balance change
  - Direction / Source: What the movement does and where it came from
  - Balance: The derived per-(owner, resource) aggregate with rollups

DESIGN PRINCIPLES:
  1. Immutability: Movements are never modified, only compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing owners and movements
  4. Auditability: Every movement has a source, author, note and timestamp

USAGE:
  draft := generic.MovementDraft{
      OwnerID:   "cust-42",
      Resource:  deposit.ContainerCrate,
      Direction: generic.DirectionOut,
      Source:    generic.SourceManualGive,
      Amount:    decimal.NewFromInt(10),
  }

SEE ALSO:
  - ledger.go: Movement log (append + query)
  - balance.go: Sign policy and aggregate maintenance
  - service.go: Ledger operations composed transactionally
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitContainers Unit = "containers"
	UnitMoney      Unit = "money"
)

func NewAmount(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func NewAmountFromInt(value int64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(value), Unit: unit}
}

// MustParseDecimal parses s or panics. Intended for constants and tests.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (a Amount) Zero() Amount           { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount    { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount    { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount            { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool       { return a.Value.IsNegative() }
func (a Amount) IsZero() bool           { return a.Value.IsZero() }
func (a Amount) IsPositive() bool       { return a.Value.IsPositive() }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) String() string         { return fmt.Sprintf("%s %s", a.Value.String(), a.Unit) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type MovementID int64

// ResourceType identifies what kind of resource is being tracked.
// Domain packages define their own concrete types:
//
//   // In deposit/types.go
//   type Container string
//   func (c Container) ResourceID() string     { return string(c) }
//   func (c Container) ResourceDomain() string { return "deposit" }
//
type ResourceType interface {
	// ResourceID returns the unique identifier for this resource type.
	ResourceID() string

	// ResourceDomain returns which domain this resource belongs to.
	ResourceDomain() string
}

// UnitFor returns the unit balances of r are expressed in.
func UnitFor(r ResourceType) Unit {
	if r != nil && r.ResourceDomain() == DomainWallet {
		return UnitMoney
	}
	return UnitContainers
}

// =============================================================================
// DIRECTION - What a movement does to the balance
// =============================================================================

type Direction string

const (
	DirectionOut        Direction = "out"        // resource handed to the owner
	DirectionIn         Direction = "in"         // resource returned by the owner
	DirectionCharge     Direction = "charge"     // unreturned resource invoiced
	DirectionAdjustment Direction = "adjustment" // signed correction
	DirectionCredit     Direction = "credit"     // wallet funds added
	DirectionDebit      Direction = "debit"      // wallet funds removed
)

// Decreases reports whether movements in this direction lower the balance.
// Such movements are guarded against overdrawing.
func (d Direction) Decreases() bool {
	return d == DirectionIn || d == DirectionCharge || d == DirectionDebit
}

// =============================================================================
// SOURCE - Where a movement originated
// =============================================================================

type Source string

const (
	SourceManualGive          Source = "manual_give"
	SourceManualReturn        Source = "manual_return"
	SourceManualCharge        Source = "manual_charge"
	SourceOrderFulfillment    Source = "order_fulfillment"
	SourceInventoryAdjustment Source = "inventory_adjustment"
	SourceTopup               Source = "topup"
	SourceCashbackCredit      Source = "cashback_credit"
	SourceCashbackReversal    Source = "cashback_reversal"
	SourceReconciliation      Source = "reconciliation"
	SourceReversal            Source = "reversal"
)

// validPairs lists the sources each direction may be recorded with.
var validPairs = map[Direction][]Source{
	DirectionOut:        {SourceManualGive, SourceOrderFulfillment, SourceReversal},
	DirectionIn:         {SourceManualReturn, SourceOrderFulfillment, SourceReversal},
	DirectionCharge:     {SourceManualCharge},
	DirectionAdjustment: {SourceInventoryAdjustment, SourceReconciliation, SourceReversal},
	DirectionCredit:     {SourceTopup, SourceCashbackCredit, SourceReversal},
	DirectionDebit:      {SourceTopup, SourceCashbackReversal, SourceReversal},
}

// ValidPair reports whether a movement may be recorded with this direction and source.
func ValidPair(d Direction, s Source) bool {
	for _, allowed := range validPairs[d] {
		if allowed == s {
			return true
		}
	}
	return false
}

// =============================================================================
// MOVEMENT - Immutable log entry
// =============================================================================

// MovementDraft is a movement that has not been appended yet.
// Amount is a positive magnitude for every direction except Adjustment,
// which carries an explicit signed delta.
type MovementDraft struct {
	OwnerID        OwnerID
	Resource       ResourceType
	Direction      Direction
	Source         Source
	Amount         decimal.Decimal
	UnitValue      decimal.Decimal // price per unit at the time of the movement
	RelatedOrderID string
	ReversesID     MovementID // set on compensating movements
	IdempotencyKey string     // optional, unique when set
	Note           string
	AuthorID       string
}

// Movement is an appended, immutable log entry.
type Movement struct {
	ID             MovementID
	OwnerID        OwnerID
	Resource       ResourceType
	Direction      Direction
	Source         Source
	Amount         decimal.Decimal
	UnitValue      decimal.Decimal
	RelatedOrderID string
	ReversesID     MovementID
	IdempotencyKey string
	Note           string
	AuthorID       string
	CreatedAt      time.Time
}

// Contribution returns the signed effect of the movement on its balance.
//
//   Out, Credit        → +amount
//   In, Charge, Debit  → −amount
//   Adjustment         → +delta (already signed)
//
// Reconciliation entries are audit records of discarded drift and
// contribute nothing.
func (m Movement) Contribution() decimal.Decimal {
	if m.IsAudit() {
		return decimal.Zero
	}
	switch m.Direction {
	case DirectionOut, DirectionCredit, DirectionAdjustment:
		return m.Amount
	case DirectionIn, DirectionCharge, DirectionDebit:
		return m.Amount.Neg()
	}
	return decimal.Zero
}

// Value returns the monetary value of the movement (amount × unit value).
func (m Movement) Value() decimal.Decimal {
	return m.Amount.Abs().Mul(m.UnitValue)
}

// IsAudit reports whether the movement only documents a reconciliation.
func (m Movement) IsAudit() bool {
	return m.Source == SourceReconciliation
}

// IsReversal reports whether the movement compensates another movement.
func (m Movement) IsReversal() bool {
	return m.ReversesID != 0
}

func (d MovementDraft) toMovement(at time.Time) Movement {
	return Movement{
		OwnerID:        d.OwnerID,
		Resource:       d.Resource,
		Direction:      d.Direction,
		Source:         d.Source,
		Amount:         d.Amount,
		UnitValue:      d.UnitValue,
		RelatedOrderID: d.RelatedOrderID,
		ReversesID:     d.ReversesID,
		IdempotencyKey: d.IdempotencyKey,
		Note:           d.Note,
		AuthorID:       d.AuthorID,
		CreatedAt:      at,
	}
}

// =============================================================================
// BALANCE - Derived aggregate per (owner, resource)
// =============================================================================

// Balance is the materialized result of folding every movement for one
// (owner, resource) pair. Balance == Σ contributions at every commit.
type Balance struct {
	OwnerID        OwnerID
	Resource       ResourceType
	Balance        decimal.Decimal
	TotalOut       decimal.Decimal
	TotalIn        decimal.Decimal
	TotalCharged   decimal.Decimal
	TotalCredited  decimal.Decimal
	TotalDebited   decimal.Decimal
	TotalAdjusted  decimal.Decimal // net of signed adjustments
	LastMovementID MovementID
	LastMovementAt time.Time
	Version        int64 // bumped on every save, used for conflict detection
}

// NewBalance returns the zero aggregate for a pair.
func NewBalance(owner OwnerID, resource ResourceType) Balance {
	return Balance{OwnerID: owner, Resource: resource}
}

// Amount returns the balance with its unit.
func (b Balance) Amount() Amount {
	return NewAmount(b.Balance, UnitFor(b.Resource))
}

// BalanceKey identifies a balance row.
type BalanceKey struct {
	OwnerID    OwnerID
	ResourceID string
}

func (b Balance) Key() BalanceKey {
	return BalanceKey{OwnerID: b.OwnerID, ResourceID: b.Resource.ResourceID()}
}
