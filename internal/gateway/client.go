package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cjslabs/cjspay/backend/internal/config"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable means the gateway could not be reached or rejected the
	// request at the transport level.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrPaymentTimeout means the session never reached a terminal Paid
	// status within the polling budget, or the gateway expired it. The
	// session may still complete gateway-side later; the user is told to
	// re-check, never charged again.
	ErrPaymentTimeout = errors.New("payment not completed in time")
)

// Status is the pipeline's view of a checkout session.
// Created -> Pending -> {Paid | Expired}; terminal states are sticky.
type Status string

const (
	StatusCreated Status = "created"
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired
}

// Session is owned by the gateway; this process only observes it.
type Session struct {
	ID         string
	URL        string
	Status     Status
	GrossCents int64
	Metadata   map[string]string
}

type CreateSessionInput struct {
	GrossCents int64
	Currency   string
	Label      string
	Metadata   map[string]string
}

// Client talks to a Stripe-shaped hosted-checkout REST API.
type Client struct {
	apiBase    string
	secretKey  string
	successURL string
	cancelURL  string
	client     *http.Client
}

func NewClient(cfg config.GatewayConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		secretKey:  cfg.SecretKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateSession(ctx context.Context, input CreateSessionInput) (Session, error) {
	if input.GrossCents <= 0 {
		return Session{}, fmt.Errorf("gross amount %d cents must be positive", input.GrossCents)
	}

	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "usd"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("payment_method_types[1]", "cashapp")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(input.GrossCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", input.Label)
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	form.Set("client_reference_id", uuid.NewString())
	for key, value := range input.Metadata {
		form.Set("metadata["+key+"]", value)
	}

	wire, err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}

	session := wire.toSession()
	if !session.Status.Terminal() {
		session.Status = StatusCreated
	}
	return session, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, fmt.Errorf("session id is required")
	}

	wire, err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return Session{}, err
	}
	return wire.toSession(), nil
}

type wireSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Metadata      map[string]string `json:"metadata"`
}

func (w wireSession) toSession() Session {
	return Session{
		ID:         w.ID,
		URL:        w.URL,
		Status:     mapStatus(w.Status, w.PaymentStatus),
		GrossCents: w.AmountTotal,
		Metadata:   w.Metadata,
	}
}

func mapStatus(status, paymentStatus string) Status {
	if strings.EqualFold(paymentStatus, "paid") {
		return StatusPaid
	}
	if strings.EqualFold(status, "expired") {
		return StatusExpired
	}
	return StatusPending
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (wireSession, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return wireSession{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return wireSession{}, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return wireSession{}, fmt.Errorf("%w: read gateway response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return wireSession{}, fmt.Errorf("%w: %s %s failed (%d): %s", ErrUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var wire wireSession
	if err := json.Unmarshal(raw, &wire); err != nil {
		return wireSession{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if wire.ID == "" {
		return wireSession{}, fmt.Errorf("gateway response has no session id")
	}
	return wire, nil
}
