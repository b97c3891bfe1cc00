// Package hedge forwards activated positions to the external futures venue
// that carries the offsetting exposure. Order matching and fill handling
// stay with the venue; this client only submits the opening order.
package hedge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

const orderPath = "/fapi/v1/order"

// Forwarder places the offsetting hedge order for a position.
type Forwarder interface {
	PlaceHedge(ctx context.Context, ins storage.Insurance) error
}

// FuturesForwarder submits HMAC-signed market orders to a Binance-style
// futures API.
type FuturesForwarder struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	logger    zerolog.Logger
	now       func() time.Time
}

// NewFuturesForwarder constructs the futures order client.
func NewFuturesForwarder(cfg config.HedgeConfig, logger zerolog.Logger) *FuturesForwarder {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &FuturesForwarder{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "hedge_forwarder").Logger(),
		now:       time.Now,
	}
}

// PlaceHedge opens the offsetting futures position. Down-protection
// positions hedge short, up-protection positions hedge long.
func (f *FuturesForwarder) PlaceHedge(ctx context.Context, ins storage.Insurance) error {
	if ins.FutureQuantity.IsZero() {
		return fmt.Errorf("hedge: position %s has no future quantity", ins.ID)
	}

	side := "BUY"
	if ins.PClaim.LessThan(ins.POpen) {
		side = "SELL"
	}

	params := url.Values{}
	params.Set("symbol", ins.Asset+ins.Unit)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", ins.FutureQuantity.String())
	params.Set("newClientOrderId", "ins-"+ins.ID.String())
	params.Set("timestamp", strconv.FormatInt(f.now().UnixMilli(), 10))

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(f.apiSecret))
	mac.Write([]byte(query))
	signed := query + "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+orderPath, strings.NewReader(signed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-MBX-APIKEY", f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("hedge: submit order: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hedge: order rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	f.logger.Info().
		Str("insurance_id", ins.ID.String()).
		Str("side", side).
		Str("quantity", ins.FutureQuantity.String()).
		Msg("hedge order placed")
	return nil
}

var _ Forwarder = (*FuturesForwarder)(nil)
