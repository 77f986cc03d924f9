package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/gateway"
	"github.com/punchamoorthee/ledgercore/internal/models"
	"github.com/punchamoorthee/ledgercore/internal/service"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

type testServer struct {
	router http.Handler
	gw     *gateway.Sandbox
}

func newTestServer(t *testing.T) *testServer {
	return buildTestServer(t, false)
}

// newCachedTestServer fronts the sandbox with the redis status cache the way
// the api binary does when redis is enabled.
func newCachedTestServer(t *testing.T) *testServer {
	return buildTestServer(t, true)
}

func buildTestServer(t *testing.T, cached bool) *testServer {
	t.Helper()
	s, err := store.NewBolt(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	sandbox := gateway.NewSandbox("http://sandbox.local")
	var (
		gw    gateway.Gateway = sandbox
		cache *gateway.CachedGateway
	)
	if cached {
		mr := miniredis.RunT(t)
		cache = gateway.NewCachedGateway(sandbox, redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
		gw = cache
	}

	reconciler := service.NewReconciler(s, gw, nil)
	loans := service.NewLoanService(s, nil, service.PartialAccept)
	h := NewHandler(Services{
		Ledger:      service.NewLedgerService(s),
		Deposits:    service.NewDepositService(s, gw, nil, 24*time.Hour),
		Reconciler:  reconciler,
		Loans:       loans,
		Status:      service.NewStatusService(s, reconciler, loans),
		Sandbox:     sandbox,
		StatusCache: cache,
	})
	return &testServer{router: NewRouter(h), gw: sandbox}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func statusPath(dep *domain.DepositRequest, target string, id int64) string {
	v := url.Values{}
	v.Set("payment_key", dep.PaymentKey)
	v.Set("order_id", dep.OrderID)
	v.Set("amount", fmt.Sprint(dep.Amount))
	v.Set(target, fmt.Sprint(id))
	return "/api/v1/status?" + v.Encode()
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil, "X-Request-ID", "req-42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_http_requests_total")
}

func TestDepositFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/accounts", models.CreateAccountRequest{UserID: "user-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decodeBody[models.AccountResponse](t, rec).Account

	rec = ts.do(t, http.MethodPost, "/api/v1/accounts", models.CreateAccountRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/deposits", models.CreateDepositRequest{UserID: "user-1", Amount: 5000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dep := decodeBody[domain.DepositRequest](t, rec)
	assert.Equal(t, domain.DepositPending, dep.Status)

	rec = ts.do(t, http.MethodGet, statusPath(&dep, "account_id", acct.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[models.StatusResponse](t, rec).IsProcessed)

	rec = ts.do(t, http.MethodPost, "/sandbox/payments/"+dep.PaymentKey+"/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	webhook := models.GatewayWebhook{PaymentKey: dep.PaymentKey, OrderID: dep.OrderID, Status: "DONE"}
	rec = ts.do(t, http.MethodPost, "/api/v1/webhooks/gateway", webhook)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"COMPLETED","applied":true}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/webhooks/gateway", webhook)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"COMPLETED","applied":false}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, statusPath(&dep, "account_id", acct.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[models.StatusResponse](t, rec)
	assert.Equal(t, domain.DepositCompleted, status.Status)
	assert.True(t, status.IsProcessed)
	assert.Equal(t, int64(5000), status.ResultingBalance)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/transactions", acct.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Transaction](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/users/user-1/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5000), decodeBody[domain.Account](t, rec).AvailableBalance)
}

func TestWebhookSeesSettlementBehindStatusCache(t *testing.T) {
	ts := newCachedTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/accounts", models.CreateAccountRequest{UserID: "user-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decodeBody[models.AccountResponse](t, rec).Account

	rec = ts.do(t, http.MethodPost, "/api/v1/deposits", models.CreateDepositRequest{UserID: "user-1", Amount: 3000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dep := decodeBody[domain.DepositRequest](t, rec)

	// pending is now cached for the full TTL
	rec = ts.do(t, http.MethodGet, statusPath(&dep, "account_id", acct.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[models.StatusResponse](t, rec).IsProcessed)

	// the gateway settles out of band, leaving the cached entry stale
	require.NoError(t, ts.gw.Settle(dep.PaymentKey))

	webhook := models.GatewayWebhook{PaymentKey: dep.PaymentKey, OrderID: dep.OrderID, Status: "DONE"}
	rec = ts.do(t, http.MethodPost, "/api/v1/webhooks/gateway", webhook)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"COMPLETED","applied":true}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", acct.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3000), decodeBody[domain.Account](t, rec).AvailableBalance)
}

func TestDepositErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/deposits", `{"user_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/deposits", models.CreateDepositRequest{UserID: "user-1", Amount: 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/deposits/77", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/deposits/abc", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/deposits", models.CreateDepositRequest{UserID: "user-1", Amount: 100})
	require.Equal(t, http.StatusCreated, rec.Code)
	dep := decodeBody[domain.DepositRequest](t, rec)
	path := fmt.Sprintf("/api/v1/deposits/%d", dep.ID)

	ts.gw.SetUnavailable(true)
	rec = ts.do(t, http.MethodPost, path+"/reconcile", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, GenericPaymentError, decodeBody[models.ErrorResponse](t, rec).Error)
	ts.gw.SetUnavailable(false)

	rec = ts.do(t, http.MethodPost, path+"/cancel", models.CancelDepositRequest{Reason: "nope"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.DepositCancelled, decodeBody[domain.DepositRequest](t, rec).Status)

	rec = ts.do(t, http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sandbox/payments/sbx_missing/settle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/status?payment_key=k&order_id=o&amount=1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "a target is required")
}

func TestLoanFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/loans", models.OpenLoanRequest{
		UserID: "borrower", Principal: 1_200_000, AnnualRateBps: 1200, TermPeriods: 12,
		Method: domain.EqualPrincipalInterest,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decodeBody[models.LoanResponse](t, rec)
	require.Len(t, opened.Schedule, 12)
	base := fmt.Sprintf("/api/v1/loans/%d", opened.Loan.ID)

	rec = ts.do(t, http.MethodPost, base+"/repayments", models.RepaymentRequest{Amount: 106_619})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "missing Idempotency-Key")

	rec = ts.do(t, http.MethodPost, base+"/repayments", models.RepaymentRequest{Amount: 106_619}, "Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[service.RepaymentResult](t, rec)
	assert.Equal(t, int64(1_105_381), first.Loan.PrincipalBalance)

	rec = ts.do(t, http.MethodPost, base+"/repayments", models.RepaymentRequest{Amount: 106_619}, "Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[service.RepaymentResult](t, rec).AlreadyApplied)

	rec = ts.do(t, http.MethodPost, base+"/repayments", models.RepaymentRequest{Amount: 5}, "Idempotency-Key", "pay-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, GenericPaymentError, decodeBody[models.ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, base+"/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]domain.ScheduleRow](t, rec)
	assert.Equal(t, domain.RowPaid, rows[0].Status)

	rec = ts.do(t, http.MethodGet, base+"/repayments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.RepaymentTransaction](t, rec), 1)

	rec = ts.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[models.LoanResponse](t, rec).Loan.ElapsedPeriods)

	rec = ts.do(t, http.MethodPost, "/api/v1/loans", models.OpenLoanRequest{UserID: "borrower", Principal: 100, TermPeriods: 12, Method: "WEEKLY"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTransactionsAndTransfers(t *testing.T) {
	ts := newTestServer(t)

	open := func(user string) int64 {
		rec := ts.do(t, http.MethodPost, "/api/v1/accounts", models.CreateAccountRequest{UserID: user})
		require.Equal(t, http.StatusCreated, rec.Code)
		return decodeBody[models.AccountResponse](t, rec).Account.ID
	}
	a, b := open("alice"), open("bob")

	path := fmt.Sprintf("/api/v1/accounts/%d/transactions", a)
	rec := ts.do(t, http.MethodPost, path, models.TransactionRequest{Type: domain.TxDeposit, Amount: 1000}, "Idempotency-Key", "seed-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, path, models.TransactionRequest{Type: domain.TxDeposit, Amount: 1000}, "Idempotency-Key", "seed-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1000), decodeBody[domain.Transaction](t, rec).BalanceAfter)

	rec = ts.do(t, http.MethodPost, path, models.TransactionRequest{Type: domain.TxDeposit, Amount: 999}, "Idempotency-Key", "seed-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, path, models.TransactionRequest{Type: domain.TxRepayment, Amount: 10}, "Idempotency-Key", "r")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	transfer := models.TransferRequest{FromAccountID: a, ToAccountID: b, Amount: 400}
	rec = ts.do(t, http.MethodPost, "/api/v1/transfers", transfer, "Idempotency-Key", "xfer-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[service.TransferResult](t, rec)
	assert.False(t, first.AlreadyApplied)

	rec = ts.do(t, http.MethodPost, "/api/v1/transfers", transfer, "Idempotency-Key", "xfer-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decodeBody[service.TransferResult](t, rec)
	assert.True(t, replay.AlreadyApplied)
	assert.Equal(t, first.Debit.ID, replay.Debit.ID)

	transfer.Amount = 401
	rec = ts.do(t, http.MethodPost, "/api/v1/transfers", transfer, "Idempotency-Key", "xfer-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	transfer.Amount = 10_000
	rec = ts.do(t, http.MethodPost, "/api/v1/transfers", transfer, "Idempotency-Key", "xfer-2")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	transfer.ToAccountID = a
	rec = ts.do(t, http.MethodPost, "/api/v1/transfers", transfer, "Idempotency-Key", "xfer-3")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", b), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(400), decodeBody[domain.Account](t, rec).AvailableBalance)

	rec = ts.do(t, http.MethodGet, path+"?type=DEPOSIT&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Transaction](t, rec), 1)

	rec = ts.do(t, http.MethodGet, path+"?limit=lots", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/accounts/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
