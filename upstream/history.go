package upstream

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/generic"
)

// HistoryClient sums an owner's completed purchases and refunds per year.
type HistoryClient struct {
	http *resty.Client
}

func NewHistoryClient(cfg Config) *HistoryClient {
	return &HistoryClient{http: newClient(cfg)}
}

type totalsResponse struct {
	Purchases decimal.Decimal `json:"purchases"`
	Refunds   decimal.Decimal `json:"refunds"`
}

// PurchaseTotals returns Found=false on 404.
func (c *HistoryClient) PurchaseTotals(ctx context.Context, owner generic.OwnerID, period int) (cashback.Totals, error) {
	var out totalsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", string(owner)).
		SetQueryParam("year", strconv.Itoa(period)).
		SetResult(&out).
		Get("/customers/{id}/purchase-totals")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return cashback.Totals{Purchases: decimal.Zero, Refunds: decimal.Zero}, nil
	}
	if err := checkResponse(resp, err); err != nil {
		return cashback.Totals{}, err
	}
	return cashback.Totals{Purchases: out.Purchases, Refunds: out.Refunds, Found: true}, nil
}
