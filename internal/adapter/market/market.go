// Package market fetches the market data snapshot report pipelines start from.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Snapshot is the market state of one symbol at fetch time.
type Snapshot struct {
	Symbol    string     `json:"symbol"`
	Name      string     `json:"name,omitempty"`
	Price     float64    `json:"price"`
	Change    float64    `json:"change"`
	ChangePct float64    `json:"change_pct"`
	Volume    int64      `json:"volume"`
	MarketCap float64    `json:"market_cap,omitempty"`
	PERatio   float64    `json:"pe_ratio,omitempty"`
	High52w   float64    `json:"high_52w,omitempty"`
	Low52w    float64    `json:"low_52w,omitempty"`
	Headlines []Headline `json:"headlines,omitempty"`
	AsOf      time.Time  `json:"as_of"`
}

// Headline is a recent news item about the symbol.
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Provider returns market snapshots.
type Provider interface {
	Snapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// Client fetches snapshots from an HTTP market data service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*Client)(nil)

// NewClient creates a new market data client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Snapshot fetches GET {baseURL}/v1/snapshot?symbol=.
func (c *Client) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	endpoint := c.baseURL + "/v1/snapshot?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market data: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read market data: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market data error [%d]: %s", resp.StatusCode, string(body))
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode market data: %w", err)
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = time.Now().UTC()
	}
	return &snap, nil
}

// MockProvider serves synthetic snapshots.
type MockProvider struct {
	// Unknown lists symbols that fail as if the provider did not know them.
	Unknown map[string]bool
}

var _ Provider = (*MockProvider)(nil)

// Snapshot returns a deterministic snapshot derived from the symbol.
func (m *MockProvider) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if m.Unknown[symbol] {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	seed := 0
	for _, r := range symbol {
		seed += int(r)
	}
	price := float64(50+seed%400) + 0.25
	return &Snapshot{
		Symbol:    symbol,
		Name:      symbol + " Inc.",
		Price:     price,
		Change:    1.5,
		ChangePct: 1.5 / price * 100,
		Volume:    int64(seed) * 10000,
		MarketCap: price * 1e9,
		PERatio:   float64(10 + seed%30),
		High52w:   price * 1.2,
		Low52w:    price * 0.8,
		Headlines: []Headline{{Title: symbol + " reports quarterly results", Source: "mock"}},
		AsOf:      time.Now().UTC(),
	}, nil
}

// NewProvider returns the mock provider when mode is MOCK or no URL is configured.
func NewProvider(mode, baseURL, apiKey string, timeout time.Duration) Provider {
	if strings.EqualFold(mode, "MOCK") || baseURL == "" {
		log.Println("INFO: using mock market data provider")
		return &MockProvider{}
	}
	return NewClient(baseURL, apiKey, timeout)
}
