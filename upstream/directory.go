package upstream

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/generic"
)

// DirectoryClient answers owner existence and cashback eligibility.
type DirectoryClient struct {
	http *resty.Client
}

func NewDirectoryClient(cfg Config) *DirectoryClient {
	return &DirectoryClient{http: newClient(cfg)}
}

type ownerResponse struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	CashbackEligible   bool             `json:"cashback_eligible"`
	CashbackPercentage *decimal.Decimal `json:"cashback_percentage"`
}

func (c *DirectoryClient) LookupOwner(ctx context.Context, id generic.OwnerID) (generic.Owner, bool, error) {
	var out ownerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", string(id)).
		SetResult(&out).
		Get("/customers/{id}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return generic.Owner{}, false, nil
	}
	if err := checkResponse(resp, err); err != nil {
		return generic.Owner{}, false, err
	}
	return generic.Owner{
		ID:                 generic.OwnerID(out.ID),
		Name:               out.Name,
		CashbackEligible:   out.CashbackEligible,
		CashbackPercentage: out.CashbackPercentage,
	}, true, nil
}

type ownerListResponse struct {
	Customers []ownerResponse `json:"customers"`
}

func (c *DirectoryClient) ListCashbackEligible(ctx context.Context, limit int) ([]generic.OwnerID, error) {
	var out ownerListResponse
	err := checkResponse(c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"cashback_eligible": "true",
			"limit":             strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get("/customers"))
	if err != nil {
		return nil, err
	}
	ids := make([]generic.OwnerID, 0, len(out.Customers))
	for _, o := range out.Customers {
		ids = append(ids, generic.OwnerID(o.ID))
	}
	return ids, nil
}
