package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/generic"
)

// CatalogClient reads deposit prices from the product catalog. Prices are
// cached for cacheTTL since they change rarely and charge-all asks for the
// same resources repeatedly.
type CatalogClient struct {
	http     *resty.Client
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	price   decimal.Decimal
	expires time.Time
}

func NewCatalogClient(cfg Config, cacheTTL time.Duration) *CatalogClient {
	return &CatalogClient{
		http:     newClient(cfg),
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    map[string]cachedPrice{},
	}
}

type priceResponse struct {
	ResourceID string          `json:"resource_id"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

func (c *CatalogClient) UnitPrice(ctx context.Context, resourceID string) (decimal.Decimal, error) {
	c.mu.Lock()
	if p, ok := c.cache[resourceID]; ok && c.now().Before(p.expires) {
		c.mu.Unlock()
		return p.price, nil
	}
	c.mu.Unlock()

	var out priceResponse
	err := checkResponse(c.http.R().
		SetContext(ctx).
		SetPathParam("id", resourceID).
		SetResult(&out).
		Get("/products/{id}/deposit"))
	if err != nil {
		return decimal.Zero, err
	}

	if c.cacheTTL > 0 {
		c.mu.Lock()
		c.cache[resourceID] = cachedPrice{price: out.UnitPrice, expires: c.now().Add(c.cacheTTL)}
		c.mu.Unlock()
	}
	return out.UnitPrice, nil
}

// EnrichOrder fills in missing line prices.
func (c *CatalogClient) EnrichOrder(ctx context.Context, draft *generic.OrderDraft) error {
	for i := range draft.Lines {
		if !draft.Lines[i].UnitPrice.IsZero() {
			continue
		}
		price, err := c.UnitPrice(ctx, draft.Lines[i].ResourceID)
		if err != nil {
			return err
		}
		draft.Lines[i].UnitPrice = price
	}
	return nil
}
