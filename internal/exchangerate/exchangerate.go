// Package exchangerate fetches the current BTC price in supported fiat
// currencies from CoinMarketCap, for the poller to stamp against each newly
// ingested block.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stabledger/stabled/internal/chain"
)

const quotesURL = "https://pro-api.coinmarketcap.com/v2/cryptocurrency/quotes/latest"

// Client fetches BTC quotes from CoinMarketCap.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client authenticated with apiKey.
func New(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    quotesURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewForTest constructs a Client pointed at baseURL instead of the real
// CoinMarketCap host, for tests that stand up a local fake.
func NewForTest(apiKey, baseURL string) *Client {
	c := New(apiKey)
	c.baseURL = baseURL
	return c
}

var tickers = map[chain.Currency]string{
	chain.CurrencyUSD: "USD",
}

// Quote fetches the current price of 1 BTC in currency, as a float in the
// currency's major units (e.g. 1000.00 for USD).
func (c *Client) Quote(ctx context.Context, currency chain.Currency) (float64, error) {
	ticker, ok := tickers[currency]
	if !ok {
		return 0, fmt.Errorf("exchangerate: no CoinMarketCap ticker for currency %s", currency)
	}

	q := url.Values{}
	q.Set("symbol", "BTC")
	q.Set("convert", ticker)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("exchangerate: building request: %w", err)
	}
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, chain.NewExternalError(err, "fetching CoinMarketCap quote")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("exchangerate: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, chain.NewExternalError(nil, "CoinMarketCap returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("exchangerate: parsing response: %w", err)
	}

	btc, ok := parsed.Data["BTC"]
	if !ok || len(btc) == 0 {
		return 0, chain.NewExternalError(nil, "CoinMarketCap response missing BTC quote")
	}
	quote, ok := btc[0].Quote[ticker]
	if !ok {
		return 0, chain.NewExternalError(nil, "CoinMarketCap response missing %s quote", ticker)
	}
	return quote.Price, nil
}

type quoteResponse struct {
	Data map[string][]struct {
		Quote map[string]struct {
			Price float64 `json:"price"`
		} `json:"quote"`
	} `json:"data"`
}
