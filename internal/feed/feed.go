// Package feed retrieves live futures mark prices for settlement decisions.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
)

const premiumIndexPath = "/fapi/v1/premiumIndex"

// PriceSource supplies the current futures price for a symbol such as "BTCUSDT".
type PriceSource interface {
	FuturePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Futures fetches mark prices from a Binance-style futures API.
type Futures struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewFutures constructs a futures price fetcher.
func NewFutures(cfg config.FeedConfig, logger zerolog.Logger) *Futures {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &Futures{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "price_feed").Logger(),
	}
}

type premiumIndexResponse struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

// FuturePrice returns the mark price for the symbol.
func (f *Futures) FuturePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if symbol == "" {
		return decimal.Decimal{}, fmt.Errorf("feed: symbol required")
	}

	endpoint := f.baseURL + premiumIndexPath + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("feed: premium index error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out premiumIndexResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return decimal.Decimal{}, fmt.Errorf("feed: decode premium index: %w", err)
	}

	price, err := decimal.NewFromString(out.MarkPrice)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("feed: parse mark price: %w", err)
	}
	if price.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("feed: mark price returned zero")
	}
	return price, nil
}

var _ PriceSource = (*Futures)(nil)
