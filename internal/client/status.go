package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/models"
)

// StatusClient calls GET /api/v1/status on a ledger server.
type StatusClient struct {
	baseURL string
	http    *http.Client
	poll    PollConfig
}

func NewStatusClient(baseURL string, timeout time.Duration, poll PollConfig) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		poll:    poll,
	}
}

// CheckStatus performs a single status call. Server answers are mapped back
// to the domain error classes so callers can branch with errors.Is.
func (c *StatusClient) CheckStatus(ctx context.Context, q models.StatusQuery) (*models.StatusResponse, error) {
	v := url.Values{}
	v.Set("payment_key", q.PaymentKey)
	v.Set("order_id", q.OrderID)
	v.Set("amount", strconv.FormatInt(q.Amount, 10))
	if q.AccountID != nil {
		v.Set("account_id", strconv.FormatInt(*q.AccountID, 10))
	}
	if q.LoanID != nil {
		v.Set("loan_id", strconv.FormatInt(*q.LoanID, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Upstreamf(err, "status request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Upstreamf(err, "read status response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var out models.StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, domain.Upstreamf(err, "malformed status response")
	}
	return &out, nil
}

// WaitForCompletion polls until the deposit reaches a terminal state. It
// returns the last observed response with ErrPollTimeout when the attempt
// budget runs out first.
func (c *StatusClient) WaitForCompletion(ctx context.Context, q models.StatusQuery) (*models.StatusResponse, error) {
	return Poll(ctx, c.poll, func(ctx context.Context) (*models.StatusResponse, bool, error) {
		res, err := c.CheckStatus(ctx, q)
		if err != nil {
			return nil, false, err
		}
		return res, res.Terminal(), nil
	})
}

func statusError(code int, body []byte) error {
	var e models.ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	var class error
	switch {
	case code == http.StatusNotFound:
		class = domain.ErrNotFound
	case code == http.StatusConflict:
		class = domain.ErrConflict
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		class = domain.ErrValidation
	case code == http.StatusServiceUnavailable, code == http.StatusBadGateway, code == http.StatusGatewayTimeout:
		class = domain.ErrUpstreamUnavailable
	default:
		return fmt.Errorf("status endpoint returned %d: %s", code, msg)
	}
	return fmt.Errorf("status endpoint returned %d: %s: %w", code, msg, class)
}
