package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoinGeckoSource reads a single asset spot price in fiat from a
// CoinGecko-shaped simple/price endpoint.
type CoinGeckoSource struct {
	baseURL  string
	assetID  string
	fiatCode string
	client   *http.Client
}

func NewCoinGeckoSource(baseURL, assetID, fiatCode string, timeout time.Duration) *CoinGeckoSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGeckoSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		assetID:  strings.TrimSpace(assetID),
		fiatCode: strings.ToLower(strings.TrimSpace(fiatCode)),
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *CoinGeckoSource) SpotRate(ctx context.Context) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf(
		"%s/simple/price?ids=%s&vs_currencies=%s",
		s.baseURL,
		url.QueryEscape(s.assetID),
		url.QueryEscape(s.fiatCode),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build spot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "cjspay-backend/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: fetch spot price: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: read spot response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("%w: spot request failed (%d): %s", ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode spot response: %v", ErrInvalidQuote, err)
	}

	rate, ok := payload[s.assetID][s.fiatCode]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no %s/%s rate in spot response", ErrInvalidQuote, s.assetID, s.fiatCode)
	}
	if rate.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: spot rate %s", ErrInvalidQuote, rate)
	}
	return rate, nil
}
