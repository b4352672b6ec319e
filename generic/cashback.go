package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashbackStatus is the lifecycle state of a CashbackRecord.
//
//   pending → processed → reversed
//   pending → failed
type CashbackStatus string

const (
	CashbackPending   CashbackStatus = "pending"
	CashbackProcessed CashbackStatus = "processed"
	CashbackReversed  CashbackStatus = "reversed"
	CashbackFailed    CashbackStatus = "failed"
)

// Active reports whether the status blocks another record for the same
// (owner, period).
func (s CashbackStatus) Active() bool {
	return s == CashbackPending || s == CashbackProcessed
}

// CashbackRecord is the per-(owner, period) result of the cashback batch.
// At most one active record exists per pair.
type CashbackRecord struct {
	ID                 string
	OwnerID            OwnerID
	Period             int // calendar year
	TotalPurchases     decimal.Decimal
	TotalRefunds       decimal.Decimal
	Percentage         decimal.Decimal
	ComputedAmount     decimal.Decimal
	Status             CashbackStatus
	LinkedMovementID   MovementID // credit movement
	ReversalMovementID MovementID // compensating debit, once reversed
	Description        string
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ProcessedAt        time.Time
	ReversedAt         time.Time
}
