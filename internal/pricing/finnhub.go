package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finnacle/ledger-engine/internal/metrics"
	"github.com/finnacle/ledger-engine/internal/money"
)

// DefaultFinnhubURL is the public Finnhub REST endpoint.
const DefaultFinnhubURL = "https://finnhub.io/api/v1"

// finnhubQuote is the subset of GET /quote we use.
// Unknown symbols come back as all zeros.
type finnhubQuote struct {
	Current decimal.Decimal `json:"c"`
}

// FinnhubClient implements Quoter against the Finnhub /quote endpoint.
type FinnhubClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewFinnhubClient creates a client. An empty baseURL uses DefaultFinnhubURL.
func NewFinnhubClient(baseURL, token string, timeout time.Duration) *FinnhubClient {
	if baseURL == "" {
		baseURL = DefaultFinnhubURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FinnhubClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Quote returns the last price for sym in cents.
func (c *FinnhubClient) Quote(ctx context.Context, sym string) (money.Cents, error) {
	q := url.Values{"symbol": {sym}, "token": {c.token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: finnhub status %d", ErrQuoteUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		metrics.QuoteLookups.WithLabelValues("unknown_symbol").Inc()
		return 0, fmt.Errorf("%w: %s (finnhub status %d)", ErrUnknownSymbol, sym, resp.StatusCode)
	}

	var fq finnhubQuote
	if err := json.NewDecoder(resp.Body).Decode(&fq); err != nil {
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: decode: %v", ErrQuoteUnavailable, err)
	}
	cents, err := money.FromDecimal(fq.Current)
	if err != nil || cents <= 0 {
		metrics.QuoteLookups.WithLabelValues("no_price").Inc()
		return 0, fmt.Errorf("%w: no last price for %s", ErrQuoteUnavailable, sym)
	}

	metrics.QuoteLookups.WithLabelValues("ok").Inc()
	return cents, nil
}
