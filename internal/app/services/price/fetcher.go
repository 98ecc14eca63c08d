// Package price fetches USD asset prices from the external oracle and
// derives the USD-pegged token amount for premium payments.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solguard/auditd/pkg/logger"
)

// Fetcher retrieves USD prices for asset identifiers.
type Fetcher interface {
	Fetch(ctx context.Context, ids ...string) (map[string]float64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, ids ...string) (map[string]float64, error)

func (f FetcherFunc) Fetch(ctx context.Context, ids ...string) (map[string]float64, error) {
	return f(ctx, ids...)
}

// HTTPFetcher queries a batched price endpoint:
// GET <endpoint>?ids=a,b -> {"a": {"usd": 1.23}, "b": {"usd": 4.56}}.
type HTTPFetcher struct {
	client   *http.Client
	endpoint *url.URL
	log      *logger.Logger
}

// NewHTTPFetcher constructs a fetcher for the oracle endpoint.
func NewHTTPFetcher(client *http.Client, endpoint string, log *logger.Logger) (*HTTPFetcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("price endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse price endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("price-fetcher")
	}
	return &HTTPFetcher{client: client, endpoint: parsed, log: log}, nil
}

// Fetch performs one batched lookup.
func (f *HTTPFetcher) Fetch(ctx context.Context, ids ...string) (map[string]float64, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one asset id required")
	}

	requestURL := *f.endpoint
	q := requestURL.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price oracle status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	prices := make(map[string]float64, len(ids))
	for _, id := range ids {
		entry, ok := payload[id]
		if !ok || entry.USD <= 0 {
			return nil, fmt.Errorf("no usd price for asset %q", id)
		}
		prices[id] = entry.USD
	}
	return prices, nil
}
