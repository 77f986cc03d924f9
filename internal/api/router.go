package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route. Sandbox routes exist only when a sandbox
// gateway is configured.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/users/{userId}/account", h.GetUserAccountHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)

	apiV1.HandleFunc("/deposits", h.CreateDepositHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/deposits/{id}", h.GetDepositHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/deposits/{id}/reconcile", h.ReconcileDepositHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/deposits/{id}/cancel", h.CancelDepositHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/webhooks/gateway", h.GatewayWebhookHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)

	apiV1.HandleFunc("/loans", h.OpenLoanHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/loans/{id}", h.GetLoanHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/loans/{id}/schedule", h.GetScheduleHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/loans/{id}/repayments", h.ListRepaymentsHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/loans/{id}/repayments", h.CreateRepaymentHandler).Methods(http.MethodPost)

	if h.svc.Sandbox != nil {
		sandbox := r.PathPrefix("/sandbox/payments/{token}").Subrouter()
		sandbox.HandleFunc("/settle", h.SandboxSettleHandler).Methods(http.MethodPost)
		sandbox.HandleFunc("/fail", h.SandboxFailHandler).Methods(http.MethodPost)
	}
	return r
}
