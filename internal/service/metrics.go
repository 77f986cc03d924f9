package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/punchamoorthee/ledgercore/internal/service")

// Metrics
var (
	ledgerMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mutations_total",
		Help: "Committed balance mutations, labeled by transaction type",
	}, []string{"type"})

	depositRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposit_requests_total",
		Help: "Deposit request lifecycle events, labeled by result",
	}, []string{"result"})

	reconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_outcomes_total",
		Help: "Reconciliation attempts, labeled by outcome",
	}, []string{"outcome"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_gateway_request_duration_seconds",
		Help:    "Latency distribution of payment gateway calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation", "result"})

	repaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_repayments_total",
		Help: "Repayment applications, labeled by result",
	}, []string{"result"})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
