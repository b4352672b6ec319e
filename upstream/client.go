/*
Package upstream holds the HTTP clients for the systems the ledger talks to
but does not own.

CLIENTS:
  OrdersClient    generic.OrderCreator, generic.OrderCanceler
  CatalogClient   generic.PriceLookup, generic.OrderEnricher
  DirectoryClient generic.OwnerDirectory
  HistoryClient   cashback.PurchaseHistory

Every client shares one configuration: base URL, timeout and retry count.
Transport errors and non-2xx responses come back as *StatusError or the
resty error; the ledger wraps them into generic.UpstreamError.
*/
package upstream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func newClient(cfg Config) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")
}

// checkResponse turns a transport error or a non-2xx status into an error.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{
			Method: resp.Request.Method,
			URL:    resp.Request.URL,
			Status: resp.StatusCode(),
			Body:   truncate(resp.String(), 256),
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
