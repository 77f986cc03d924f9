package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// HTTPClient calls a hosted gateway over JSON/HTTP. The secret key is sent as
// the basic-auth username with an empty password.
type HTTPClient struct {
	baseURL    string
	authHeader string
	client     *http.Client
}

var _ Gateway = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, secretKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(secretKey+":")),
		client:     &http.Client{Timeout: timeout},
	}
}

type checkoutRequest struct {
	Amount  int64  `json:"amount"`
	OrderID string `json:"orderId"`
}

type paymentBody struct {
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
	CheckoutURL string `json:"checkoutUrl"`
}

// gatewayStates maps the hosted gateway's status vocabulary onto State.
var gatewayStates = map[string]State{
	"DONE":                StateSettled,
	"READY":               StatePending,
	"IN_PROGRESS":         StatePending,
	"WAITING_FOR_DEPOSIT": StatePending,
	"ABORTED":             StateFailed,
	"EXPIRED":             StateFailed,
	"CANCELED":            StateCancelled,
	"PARTIAL_CANCELED":    StateCancelled,
}

func (c *HTTPClient) InitiateCheckout(ctx context.Context, amount int64, orderID string) (*Checkout, error) {
	body, err := json.Marshal(checkoutRequest{Amount: amount, OrderID: orderID})
	if err != nil {
		return nil, err
	}
	var resp paymentBody
	if _, err := c.do(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentKey == "" {
		return nil, domain.Upstreamf(nil, "gateway checkout for %s returned no payment key", orderID)
	}
	return &Checkout{Token: resp.PaymentKey, CheckoutURL: resp.CheckoutURL}, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, token string) (*PaymentStatus, error) {
	var resp paymentBody
	raw, err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(token), nil, &resp)
	if err != nil {
		return nil, err
	}
	state, ok := gatewayStates[resp.Status]
	if !ok {
		return nil, domain.Upstreamf(nil, "gateway returned unknown status %q for %s", resp.Status, token)
	}
	return &PaymentStatus{State: state, SettledAmount: resp.TotalAmount, Raw: raw}, nil
}

// do performs one request and decodes a 2xx body into out. Transport errors,
// 5xx and undecodable bodies are upstream failures; 4xx are validation errors.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Upstreamf(err, "gateway %s %s failed", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Upstreamf(err, "gateway %s %s: reading body", method, path)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, domain.Upstreamf(nil, "gateway %s %s returned %d", method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("gateway %s %s: payment %w", method, path, domain.ErrNotFound)
	case resp.StatusCode >= 400:
		return nil, domain.Validationf("gateway %s %s rejected the request with %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, domain.Upstreamf(err, "gateway %s %s returned a malformed body", method, path)
	}
	return raw, nil
}
