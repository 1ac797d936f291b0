package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinGeckoSourceSpotRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "stellar", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stellar":{"usd":0.10}}`))
	}))
	defer server.Close()

	source := NewCoinGeckoSource(server.URL, "stellar", "USD", 5*time.Second)
	rate, err := source.SpotRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.10")), "rate: %s", rate)
}

func TestCoinGeckoSourceSpotRateNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	source := NewCoinGeckoSource(server.URL, "stellar", "usd", 5*time.Second)
	_, err := source.SpotRate(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestCoinGeckoSourceSpotRateTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	source := NewCoinGeckoSource(server.URL, "stellar", "usd", time.Second)
	_, err := source.SpotRate(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestCoinGeckoSourceSpotRateBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing asset", `{"bitcoin":{"usd":0.10}}`},
		{"missing currency", `{"stellar":{"eur":0.10}}`},
		{"zero rate", `{"stellar":{"usd":0}}`},
		{"negative rate", `{"stellar":{"usd":-1}}`},
		{"not json", `<html>maintenance</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			source := NewCoinGeckoSource(server.URL, "stellar", "usd", 5*time.Second)
			_, err := source.SpotRate(context.Background())
			assert.ErrorIs(t, err, ErrInvalidQuote)
		})
	}
}
