/*
collaborators.go - Contracts for systems outside the ledger

PURPOSE:
  The ledger never reaches into order management, the product catalog or
  the customer directory directly. It calls these interfaces, which are
  implemented over HTTP in package upstream and by fakes in tests.

  Order enrichment is an explicit hook on the charge path instead of a
  broadcast event: whoever needs to add or reprice lines implements
  OrderEnricher and is passed to the service.

SEE ALSO:
  - service.go: Charge calls PriceLookup → OrderEnricher → OrderCreator
  - upstream/: HTTP implementations
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// LineItem is one line of an order produced by a charge.
type LineItem struct {
	ResourceID string
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	Note       string
}

// OrderDraft is what the ledger asks the order system to create.
type OrderDraft struct {
	OwnerID        OwnerID
	Lines          []LineItem
	Note           string
	IdempotencyKey string
}

// Order is the order system's answer.
type Order struct {
	ID      string
	Code    string // human-readable order number
	OwnerID OwnerID
	Total   decimal.Decimal
}

// OrderCreator creates sales orders for charged containers. It is called
// inside the ledger transaction; an error rolls the charge back.
type OrderCreator interface {
	CreateOrder(ctx context.Context, draft OrderDraft) (Order, error)
}

// OrderCanceler is optionally implemented by an OrderCreator. The service
// calls it when the ledger write fails after the order was created.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderEnricher may add or adjust lines before the order is created.
type OrderEnricher interface {
	EnrichOrder(ctx context.Context, draft *OrderDraft) error
}

// PriceLookup returns the deposit value of one unit of a resource.
type PriceLookup interface {
	UnitPrice(ctx context.Context, resourceID string) (decimal.Decimal, error)
}

// Owner is what the directory knows about an owner.
type Owner struct {
	ID                 OwnerID
	Name               string
	CashbackEligible   bool
	CashbackPercentage *decimal.Decimal // nil means the configured default
}

// OwnerDirectory resolves owners. Lookup returns ok=false for unknown owners.
type OwnerDirectory interface {
	LookupOwner(ctx context.Context, id OwnerID) (Owner, bool, error)
	ListCashbackEligible(ctx context.Context, limit int) ([]OwnerID, error)
}

// Recorder receives observations for metrics. All methods must be cheap
// and must not fail.
type Recorder interface {
	MovementAppended(m Movement)
	OperationFinished(op string, err error)
	ConflictRetried(op string)
	DriftDetected(r ReconciliationReport)
}

type nopRecorder struct{}

func (nopRecorder) MovementAppended(Movement)          {}
func (nopRecorder) OperationFinished(string, error)    {}
func (nopRecorder) ConflictRetried(string)             {}
func (nopRecorder) DriftDetected(ReconciliationReport) {}
