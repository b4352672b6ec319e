package upstream

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/generic"
)

// OrdersClient creates and cancels sales orders in the order service.
type OrdersClient struct {
	http *resty.Client
}

func NewOrdersClient(cfg Config) *OrdersClient {
	return &OrdersClient{http: newClient(cfg)}
}

type orderLine struct {
	ResourceID string          `json:"resource_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Note       string          `json:"note,omitempty"`
}

type orderRequest struct {
	CustomerID string      `json:"customer_id"`
	Lines      []orderLine `json:"lines"`
	Note       string      `json:"note,omitempty"`
}

type orderResponse struct {
	ID    string          `json:"id"`
	Code  string          `json:"code"`
	Total decimal.Decimal `json:"total"`
}

// CreateOrder posts the draft. The idempotency key lets the order service
// collapse retried requests into one order.
func (c *OrdersClient) CreateOrder(ctx context.Context, draft generic.OrderDraft) (generic.Order, error) {
	body := orderRequest{CustomerID: string(draft.OwnerID), Note: draft.Note}
	for _, l := range draft.Lines {
		body.Lines = append(body.Lines, orderLine{
			ResourceID: l.ResourceID,
			Quantity:   l.Quantity,
			UnitPrice:  l.UnitPrice,
			Note:       l.Note,
		})
	}

	var out orderResponse
	req := c.http.R().SetContext(ctx).SetBody(body).SetResult(&out)
	if draft.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", draft.IdempotencyKey)
	}
	if err := checkResponse(req.Post("/orders")); err != nil {
		return generic.Order{}, err
	}
	return generic.Order{ID: out.ID, Code: out.Code, OwnerID: draft.OwnerID, Total: out.Total}, nil
}

// CancelOrder voids an order whose ledger write did not commit.
func (c *OrdersClient) CancelOrder(ctx context.Context, orderID string) error {
	return checkResponse(c.http.R().
		SetContext(ctx).
		SetPathParam("id", orderID).
		Post("/orders/{id}/cancel"))
}
