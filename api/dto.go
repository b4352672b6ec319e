/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  types from the external contract. Amounts are decimal strings
  ("17.50"), never floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/deposit"
	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/wallet"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ContainerRequest is the body of give / return / charge.
type ContainerRequest struct {
	Container      string `json:"container"`
	Quantity       int64  `json:"quantity"`
	Note           string `json:"note"`
	AuthorID       string `json:"author_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ChargeAllRequest struct {
	Note     string `json:"note"`
	AuthorID string `json:"author_id"`
}

// WalletRequest is the body of top-up / withdraw.
type WalletRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	OrderID        string          `json:"order_id"`
	AuthorID       string          `json:"author_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type AdjustmentRequest struct {
	Resource string          `json:"resource"`
	Delta    decimal.Decimal `json:"delta"`
	Note     string          `json:"note"`
	AuthorID string          `json:"author_id"`
}

type ReverseRequest struct {
	Reason   string `json:"reason"`
	AuthorID string `json:"author_id"`
}

type ReconcileRequest struct {
	OwnerID  string `json:"owner_id"`
	Resource string `json:"resource"`
}

type CompletedOrderRequest struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Lines   []struct {
		ResourceID string `json:"resource_id"`
		Delivered  int64  `json:"delivered"`
		Collected  int64  `json:"collected"`
	} `json:"lines"`
}

type CashbackProcessRequest struct {
	OwnerID     string `json:"owner_id"`
	Period      int    `json:"period"`
	Force       bool   `json:"force"`
	Description string `json:"description"`
	AuthorID    string `json:"author_id"`
}

type CashbackBatchRequest struct {
	Period   int      `json:"period"`
	OwnerIDs []string `json:"owner_ids"`
	Force    bool     `json:"force"`
	AuthorID string   `json:"author_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type MovementDTO struct {
	ID             int64           `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Resource       string          `json:"resource"`
	Direction      string          `json:"direction"`
	Source         string          `json:"source"`
	Amount         decimal.Decimal `json:"amount"`
	UnitValue      decimal.Decimal `json:"unit_value"`
	RelatedOrderID string          `json:"related_order_id,omitempty"`
	ReversesID     int64           `json:"reverses_id,omitempty"`
	Note           string          `json:"note,omitempty"`
	AuthorID       string          `json:"author_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toMovementDTO(m generic.Movement) MovementDTO {
	return MovementDTO{
		ID:             int64(m.ID),
		OwnerID:        string(m.OwnerID),
		Resource:       m.Resource.ResourceID(),
		Direction:      string(m.Direction),
		Source:         string(m.Source),
		Amount:         m.Amount,
		UnitValue:      m.UnitValue,
		RelatedOrderID: m.RelatedOrderID,
		ReversesID:     int64(m.ReversesID),
		Note:           m.Note,
		AuthorID:       m.AuthorID,
		CreatedAt:      m.CreatedAt,
	}
}

type MovementPageDTO struct {
	Movements  []MovementDTO `json:"movements"`
	NextCursor int64         `json:"next_cursor,omitempty"`
}

type BalanceDTO struct {
	OwnerID        string          `json:"owner_id"`
	Resource       string          `json:"resource"`
	Unit           string          `json:"unit"`
	Balance        decimal.Decimal `json:"balance"`
	TotalOut       decimal.Decimal `json:"total_out"`
	TotalIn        decimal.Decimal `json:"total_in"`
	TotalCharged   decimal.Decimal `json:"total_charged"`
	TotalCredited  decimal.Decimal `json:"total_credited"`
	TotalDebited   decimal.Decimal `json:"total_debited"`
	TotalAdjusted  decimal.Decimal `json:"total_adjusted"`
	LastMovementID int64           `json:"last_movement_id,omitempty"`
	LastMovementAt *time.Time      `json:"last_movement_at,omitempty"`
}

func toBalanceDTO(b generic.Balance) BalanceDTO {
	dto := BalanceDTO{
		OwnerID:        string(b.OwnerID),
		Resource:       b.Resource.ResourceID(),
		Unit:           string(generic.UnitFor(b.Resource)),
		Balance:        b.Balance,
		TotalOut:       b.TotalOut,
		TotalIn:        b.TotalIn,
		TotalCharged:   b.TotalCharged,
		TotalCredited:  b.TotalCredited,
		TotalDebited:   b.TotalDebited,
		TotalAdjusted:  b.TotalAdjusted,
		LastMovementID: int64(b.LastMovementID),
	}
	if !b.LastMovementAt.IsZero() {
		at := b.LastMovementAt
		dto.LastMovementAt = &at
	}
	return dto
}

type HoldingDTO struct {
	Container string    `json:"container"`
	Quantity  int64     `json:"quantity"`
	TotalOut  int64     `json:"total_out"`
	TotalIn   int64     `json:"total_in"`
	Charged   int64     `json:"charged"`
	LastAt    time.Time `json:"last_at"`
}

func toHoldingDTO(h deposit.Holding) HoldingDTO {
	return HoldingDTO{
		Container: h.Container.ResourceID(),
		Quantity:  h.Quantity,
		TotalOut:  h.TotalOut,
		TotalIn:   h.TotalIn,
		Charged:   h.Charged,
		LastAt:    h.LastAt,
	}
}

type ChargeResultDTO struct {
	Resource  string          `json:"resource"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderID   string          `json:"order_id,omitempty"`
	OrderCode string          `json:"order_code,omitempty"`
	Total     decimal.Decimal `json:"order_total"`
	Movement  *MovementDTO    `json:"movement,omitempty"`
	Error     *ErrorResponse  `json:"error,omitempty"`
}

func toChargeResultDTO(r generic.ChargeResult) ChargeResultDTO {
	dto := ChargeResultDTO{Quantity: r.Quantity, OrderID: r.Order.ID, OrderCode: r.Order.Code, Total: r.Order.Total}
	if r.Resource != nil {
		dto.Resource = r.Resource.ResourceID()
	}
	if r.Err != nil {
		e := errorBody(r.Err)
		dto.Error = &e
		return dto
	}
	m := toMovementDTO(r.Movement)
	dto.Movement = &m
	return dto
}

type StatementDTO struct {
	OwnerID string              `json:"owner_id"`
	Opening decimal.Decimal     `json:"opening"`
	Closing decimal.Decimal     `json:"closing"`
	Credits decimal.Decimal     `json:"credits"`
	Debits  decimal.Decimal     `json:"debits"`
	Entries []StatementEntryDTO `json:"entries"`
}

type StatementEntryDTO struct {
	Movement MovementDTO     `json:"movement"`
	Delta    decimal.Decimal `json:"delta"`
	Balance  decimal.Decimal `json:"balance"`
}

func toStatementDTO(s wallet.Statement) StatementDTO {
	dto := StatementDTO{
		OwnerID: string(s.OwnerID),
		Opening: s.Opening,
		Closing: s.Closing,
		Credits: s.Credits,
		Debits:  s.Debits,
		Entries: make([]StatementEntryDTO, 0, len(s.Entries)),
	}
	for _, e := range s.Entries {
		dto.Entries = append(dto.Entries, StatementEntryDTO{Movement: toMovementDTO(e.Movement), Delta: e.Delta, Balance: e.Balance})
	}
	return dto
}

type ReconciliationDTO struct {
	OwnerID         string          `json:"owner_id"`
	Resource        string          `json:"resource"`
	Status          string          `json:"status"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
	ComputedBalance decimal.Decimal `json:"computed_balance"`
	Discrepancy     decimal.Decimal `json:"discrepancy"`
	OldBalance      decimal.Decimal `json:"old_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	AdjustmentID    int64           `json:"adjustment_id,omitempty"`
	CheckedAt       time.Time       `json:"checked_at"`
}

func toReconciliationDTO(r generic.ReconciliationReport) ReconciliationDTO {
	return ReconciliationDTO{
		OwnerID:         string(r.OwnerID),
		Resource:        r.ResourceID,
		Status:          string(r.Status),
		StoredBalance:   r.StoredBalance,
		ComputedBalance: r.ComputedBalance,
		Discrepancy:     r.Discrepancy,
		OldBalance:      r.OldBalance,
		NewBalance:      r.NewBalance,
		AdjustmentID:    int64(r.AdjustmentID),
		CheckedAt:       r.CheckedAt,
	}
}

type BulkReconciliationDTO struct {
	Checked     int                 `json:"checked"`
	Adjusted    int                 `json:"adjusted"`
	Failed      int                 `json:"failed"`
	Interrupted bool                `json:"interrupted"`
	Adjustments []ReconciliationDTO `json:"adjustments"`
	Errors      []PairErrorDTO      `json:"errors"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
}

type PairErrorDTO struct {
	OwnerID  string `json:"owner_id"`
	Resource string `json:"resource"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

func toBulkReconciliationDTO(r generic.BulkReconciliationReport) BulkReconciliationDTO {
	dto := BulkReconciliationDTO{
		Checked:     r.Checked,
		Adjusted:    r.Adjusted,
		Failed:      r.Failed,
		Interrupted: r.Interrupted,
		Adjustments: make([]ReconciliationDTO, 0, len(r.Adjustments)),
		Errors:      make([]PairErrorDTO, 0, len(r.Errors)),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	for _, a := range r.Adjustments {
		dto.Adjustments = append(dto.Adjustments, toReconciliationDTO(a))
	}
	for _, e := range r.Errors {
		dto.Errors = append(dto.Errors, PairErrorDTO{
			OwnerID: string(e.Key.OwnerID), Resource: e.Key.ResourceID, Kind: e.Kind, Error: e.Error,
		})
	}
	return dto
}

type CalculationDTO struct {
	OwnerID        string          `json:"owner_id"`
	Period         int             `json:"period"`
	Eligible       bool            `json:"eligible"`
	Reason         string          `json:"reason,omitempty"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	TotalRefunds   decimal.Decimal `json:"total_refunds"`
	Percentage     decimal.Decimal `json:"percentage"`
	Amount         decimal.Decimal `json:"amount"`
}

func toCalculationDTO(c cashback.Calculation) CalculationDTO {
	return CalculationDTO{
		OwnerID:        string(c.OwnerID),
		Period:         c.Period,
		Eligible:       c.Eligible,
		Reason:         c.Reason,
		TotalPurchases: c.TotalPurchases,
		TotalRefunds:   c.TotalRefunds,
		Percentage:     c.Percentage,
		Amount:         c.Amount,
	}
}

type CashbackRecordDTO struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"owner_id"`
	Period             int             `json:"period"`
	TotalPurchases     decimal.Decimal `json:"total_purchases"`
	TotalRefunds       decimal.Decimal `json:"total_refunds"`
	Percentage         decimal.Decimal `json:"percentage"`
	ComputedAmount     decimal.Decimal `json:"computed_amount"`
	Status             string          `json:"status"`
	LinkedMovementID   int64           `json:"linked_movement_id,omitempty"`
	ReversalMovementID int64           `json:"reversal_movement_id,omitempty"`
	Description        string          `json:"description,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	ReversedAt         *time.Time      `json:"reversed_at,omitempty"`
}

func toCashbackRecordDTO(r generic.CashbackRecord) CashbackRecordDTO {
	dto := CashbackRecordDTO{
		ID:                 r.ID,
		OwnerID:            string(r.OwnerID),
		Period:             r.Period,
		TotalPurchases:     r.TotalPurchases,
		TotalRefunds:       r.TotalRefunds,
		Percentage:         r.Percentage,
		ComputedAmount:     r.ComputedAmount,
		Status:             string(r.Status),
		LinkedMovementID:   int64(r.LinkedMovementID),
		ReversalMovementID: int64(r.ReversalMovementID),
		Description:        r.Description,
		FailureReason:      r.FailureReason,
		CreatedAt:          r.CreatedAt,
	}
	if !r.ProcessedAt.IsZero() {
		at := r.ProcessedAt
		dto.ProcessedAt = &at
	}
	if !r.ReversedAt.IsZero() {
		at := r.ReversedAt
		dto.ReversedAt = &at
	}
	return dto
}

type BatchReportDTO struct {
	Period      int             `json:"period"`
	Total       int             `json:"total"`
	Processed   int             `json:"processed"`
	Failed      int             `json:"failed"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Errors      []OwnerErrorDTO `json:"errors"`
	Interrupted bool            `json:"interrupted"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

type OwnerErrorDTO struct {
	OwnerID string `json:"owner_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toBatchReportDTO(r cashback.BatchReport) BatchReportDTO {
	dto := BatchReportDTO{
		Period:      r.Period,
		Total:       r.Total,
		Processed:   r.Processed,
		Failed:      r.Failed,
		TotalAmount: r.TotalAmount,
		Errors:      make([]OwnerErrorDTO, 0, len(r.Errors)),
		Interrupted: r.Interrupted,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	for _, e := range r.Errors {
		dto.Errors = append(dto.Errors, OwnerErrorDTO{OwnerID: string(e.OwnerID), Kind: e.Kind, Message: e.Message})
	}
	return dto
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}
