package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/models"
	"github.com/punchamoorthee/ledgercore/internal/service"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Accounts

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	acct, created, err := h.svc.Ledger.OpenAccount(r.Context(), req.UserID)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acct.ID))
	}
	respondWithJSON(w, code, models.AccountResponse{Account: acct, Created: created})
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	account, err := h.svc.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) GetUserAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.svc.Ledger.GetAccountByUser(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	q := r.URL.Query()
	filter := domain.TransactionFilter{
		Type:   domain.TransactionType(q.Get("type")),
		Status: domain.TransactionStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			respondWithDomainError(w, r, domain.Validationf("invalid limit"), false)
			return
		}
	}
	txs, err := h.svc.Ledger.ListTransactions(r.Context(), id, filter)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	var req models.TransactionRequest
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	t, replayed, err := h.svc.Ledger.ApplyTransaction(r.Context(), id, req.Type, req.Amount, key)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	if replayed {
		respondWithJSON(w, http.StatusOK, t)
		return
	}
	respondWithJSON(w, http.StatusCreated, t)
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	var req models.TransferRequest
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	resp, err := h.svc.Ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, key)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}

	// Handle Idempotent Replay
	if resp.AlreadyApplied {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

// Deposits

func (h *Handler) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDepositRequest
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	dep, err := h.svc.Deposits.CreateRequest(r.Context(), req.UserID, req.Amount)
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/deposits/%d", dep.ID))
	respondWithJSON(w, http.StatusCreated, dep)
}

func (h *Handler) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	dep, err := h.svc.Deposits.Get(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, dep)
}

func (h *Handler) ReconcileDepositHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	res, err := h.svc.Reconciler.Reconcile(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelDepositHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	var req models.CancelDepositRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			respondWithDomainError(w, r, err, false)
			return
		}
	}
	dep, err := h.svc.Deposits.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, dep)
}

// GatewayWebhookHandler treats the notification as a hint: the reconciler
// re-reads the payment from the gateway, so replays and forged bodies are
// harmless.
func (h *Handler) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GatewayWebhook
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	h.invalidateStatus(r, req.PaymentKey)
	res, err := h.svc.Reconciler.ReconcileByToken(r.Context(), req.PaymentKey)
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"status": res.Status, "applied": res.Applied})
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatusQuery(r)
	if err == nil {
		err = h.check(&q)
	}
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	res, err := h.svc.Status.CheckStatus(r.Context(), service.StatusQuery{
		AccountID: q.AccountID,
		LoanID:    q.LoanID,
		Token:     q.PaymentKey,
		OrderID:   q.OrderID,
		Amount:    q.Amount,
	})
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	respondWithJSON(w, http.StatusOK, models.StatusResponse{
		Status:           res.Status,
		IsProcessed:      res.IsProcessed,
		ResultingBalance: res.ResultingBalance,
	})
}

func parseStatusQuery(r *http.Request) (models.StatusQuery, error) {
	v := r.URL.Query()
	q := models.StatusQuery{PaymentKey: v.Get("payment_key"), OrderID: v.Get("order_id")}

	var err error
	if raw := v.Get("amount"); raw != "" {
		if q.Amount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return q, domain.Validationf("invalid amount")
		}
	}
	for name, dst := range map[string]**int64{"account_id": &q.AccountID, "loan_id": &q.LoanID} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, domain.Validationf("invalid %s", name)
		}
		*dst = &id
	}
	return q, nil
}

// Loans

func (h *Handler) OpenLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OpenLoanRequest
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	in := service.OpenLoanInput{
		UserID:        req.UserID,
		AccountID:     req.AccountID,
		Principal:     req.Principal,
		AnnualRateBps: req.AnnualRateBps,
		TermPeriods:   req.TermPeriods,
		Method:        req.Method,
	}
	if req.StartDate != nil {
		in.StartDate = *req.StartDate
	}
	loan, rows, err := h.svc.Loans.OpenLoan(r.Context(), in)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/loans/%d", loan.ID))
	respondWithJSON(w, http.StatusCreated, models.LoanResponse{Loan: loan, Schedule: rows})
}

func (h *Handler) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	loan, err := h.svc.Loans.GetLoan(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, models.LoanResponse{Loan: loan})
}

func (h *Handler) GetScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	rows, err := h.svc.Loans.GetSchedule(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, rows)
}

func (h *Handler) ListRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	reps, err := h.svc.Loans.GetRepaymentHistory(r.Context(), id)
	if err != nil {
		respondWithDomainError(w, r, err, false)
		return
	}
	respondWithJSON(w, http.StatusOK, reps)
}

func (h *Handler) CreateRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}
	var req models.RepaymentRequest
	if err := h.decode(r, &req); err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}

	res, err := h.svc.Loans.ApplyRepayment(r.Context(), service.ApplyRepaymentInput{
		LoanID:          id,
		Amount:          req.Amount,
		ExternalRef:     key,
		SourceAccountID: req.SourceAccountID,
	})
	if err != nil {
		respondWithDomainError(w, r, err, true)
		return
	}

	// Handle Idempotent Replay
	if res.AlreadyApplied {
		respondWithJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/loans/%d/repayments", id))
	respondWithJSON(w, http.StatusCreated, res)
}

// Sandbox

func (h *Handler) SandboxSettleHandler(w http.ResponseWriter, r *http.Request) {
	h.sandboxTransition(w, r, h.svc.Sandbox.Settle)
}

func (h *Handler) SandboxFailHandler(w http.ResponseWriter, r *http.Request) {
	h.sandboxTransition(w, r, h.svc.Sandbox.Fail)
}

func (h *Handler) sandboxTransition(w http.ResponseWriter, r *http.Request, fn func(token string) error) {
	token := mux.Vars(r)["token"]
	if err := fn(token); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Payment not found")
			return
		}
		respondWithDomainError(w, r, err, false)
		return
	}
	h.invalidateStatus(r, token)
	respondWithJSON(w, http.StatusOK, map[string]string{"payment_key": token})
}
