package upstream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/upstream"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func cfgFor(srv *httptest.Server) upstream.Config {
	return upstream.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}
}

// =============================================================================
// ORDERS
// =============================================================================

func TestOrdersClient_CreateOrder(t *testing.T) {
	var got map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		key = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{"id": "SO-42", "code": "S00042", "total": "17.50"})
	}))
	defer srv.Close()

	client := upstream.NewOrdersClient(cfgFor(srv))
	order, err := client.CreateOrder(context.Background(), generic.OrderDraft{
		OwnerID:        "cust-1",
		Lines:          []generic.LineItem{{ResourceID: "crate", Quantity: decimal.NewFromInt(7), UnitPrice: decimal.RequireFromString("2.50")}},
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "SO-42", order.ID)
	assert.Equal(t, "S00042", order.Code)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("17.5")))
	assert.Equal(t, "k-1", key)
	assert.Equal(t, "cust-1", got["customer_id"])
}

func TestOrdersClient_ServerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := upstream.NewOrdersClient(cfgFor(srv)).CreateOrder(context.Background(), generic.OrderDraft{OwnerID: "cust-1"})

	var se *upstream.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestOrdersClient_CancelOrder(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := upstream.NewOrdersClient(cfgFor(srv)).CancelOrder(context.Background(), "SO-42")

	require.NoError(t, err)
	assert.Equal(t, "/orders/SO-42/cancel", path)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalogClient_UnitPriceIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/products/keg/deposit", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"resource_id": "keg", "unit_price": "30.00"})
	}))
	defer srv.Close()

	client := upstream.NewCatalogClient(cfgFor(srv), time.Minute)
	ctx := context.Background()

	p1, err := client.UnitPrice(ctx, "keg")
	require.NoError(t, err)
	p2, err := client.UnitPrice(ctx, "keg")
	require.NoError(t, err)

	assert.True(t, p1.Equal(decimal.NewFromInt(30)))
	assert.True(t, p2.Equal(p1))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCatalogClient_EnrichOrderFillsMissingPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"unit_price": "1.25"})
	}))
	defer srv.Close()

	draft := generic.OrderDraft{Lines: []generic.LineItem{
		{ResourceID: "bottle", Quantity: decimal.NewFromInt(4)},
		{ResourceID: "crate", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(3)},
	}}
	err := upstream.NewCatalogClient(cfgFor(srv), 0).EnrichOrder(context.Background(), &draft)

	require.NoError(t, err)
	assert.True(t, draft.Lines[0].UnitPrice.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, draft.Lines[1].UnitPrice.Equal(decimal.NewFromInt(3)), "existing price kept")
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestDirectoryClient_LookupOwner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customers/cust-1" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "cust-1", "name": "Corner Shop", "cashback_eligible": true, "cashback_percentage": "3",
		})
	}))
	defer srv.Close()

	client := upstream.NewDirectoryClient(cfgFor(srv))
	ctx := context.Background()

	owner, ok, err := client.LookupOwner(ctx, "cust-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, owner.CashbackEligible)
	require.NotNil(t, owner.CashbackPercentage)
	assert.True(t, owner.CashbackPercentage.Equal(decimal.NewFromInt(3)))

	_, ok, err = client.LookupOwner(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectoryClient_ListCashbackEligible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("cashback_eligible"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"customers": []map[string]any{{"id": "a"}, {"id": "b"}}})
	}))
	defer srv.Close()

	ids, err := upstream.NewDirectoryClient(cfgFor(srv)).ListCashbackEligible(context.Background(), 50)

	require.NoError(t, err)
	assert.Equal(t, []generic.OwnerID{"a", "b"}, ids)
}

// =============================================================================
// PURCHASE HISTORY
// =============================================================================

func TestHistoryClient_PurchaseTotals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customers/cust-1/purchase-totals" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "2023", r.URL.Query().Get("year"))
		writeJSON(w, http.StatusOK, map[string]any{"purchases": "1000", "refunds": "100"})
	}))
	defer srv.Close()

	client := upstream.NewHistoryClient(cfgFor(srv))
	ctx := context.Background()

	totals, err := client.PurchaseTotals(ctx, "cust-1", 2023)
	require.NoError(t, err)
	assert.True(t, totals.Found)
	assert.True(t, totals.Purchases.Equal(decimal.NewFromInt(1000)))
	assert.True(t, totals.Refunds.Equal(decimal.NewFromInt(100)))

	totals, err = client.PurchaseTotals(ctx, "nobody", 2023)
	require.NoError(t, err)
	assert.False(t, totals.Found)
}
