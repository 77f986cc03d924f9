package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/events"
	"github.com/punchamoorthee/ledgercore/internal/gateway"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// ReconcileResult describes what one reconciliation observed and did.
// Applied is true only for the call that credited the ledger.
type ReconcileResult struct {
	Request     *domain.DepositRequest `json:"request"`
	Status      domain.DepositStatus   `json:"status"`
	Applied     bool                   `json:"applied"`
	Transaction *domain.Transaction    `json:"transaction,omitempty"`
	Account     *domain.Account        `json:"account,omitempty"`
}

// Reconciler settles deposit requests against the gateway's view of the
// payment. It is safe to call any number of times, from any number of
// callers, for the same request: the ledger is credited at most once.
type Reconciler struct {
	store     store.Store
	gateway   gateway.Gateway
	publisher events.Publisher
	Now       func() time.Time
}

func NewReconciler(s store.Store, gw gateway.Gateway, pub events.Publisher) *Reconciler {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Reconciler{store: s, gateway: gw, publisher: pub, Now: time.Now}
}

func (r *Reconciler) Reconcile(ctx context.Context, requestID int64) (*ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Reconcile", trace.WithAttributes(attribute.Int64("deposit.id", requestID)))
	defer span.End()

	req, err := r.store.GetDepositRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return r.traced(ctx, span, req)
}

// ReconcileByToken is the webhook entry point. Webhook bodies are never
// trusted; the gateway is always asked for the authoritative status.
func (r *Reconciler) ReconcileByToken(ctx context.Context, token string) (*ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.ReconcileByToken")
	defer span.End()

	if token == "" {
		return nil, domain.Validationf("payment token is required")
	}
	req, err := r.store.GetDepositRequestByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("deposit.id", req.ID))
	return r.traced(ctx, span, req)
}

func (r *Reconciler) traced(ctx context.Context, span trace.Span, req *domain.DepositRequest) (*ReconcileResult, error) {
	res, err := r.reconcile(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("deposit.status", string(res.Status)), attribute.Bool("deposit.applied", res.Applied))
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, req *domain.DepositRequest) (*ReconcileResult, error) {
	if req.Status.Terminal() {
		reconcileOutcomesTotal.WithLabelValues("already_terminal").Inc()
		return r.terminalResult(ctx, req), nil
	}

	// Past the horizon a pending answer expires the request for good, so it
	// must come from the gateway itself rather than the status cache.
	pastHorizon := !r.Now().Before(req.ExpiresAt)
	st, err := fetchStatus(ctx, r.gateway, req.PaymentKey, pastHorizon)
	if err != nil {
		reconcileOutcomesTotal.WithLabelValues("gateway_error").Inc()
		logger.CtxWarn(ctx, "gateway status lookup failed",
			zap.Int64("request_id", req.ID), zap.String("payment_key", req.PaymentKey), zap.Error(err))
		return nil, err
	}

	switch st.State {
	case gateway.StateSettled:
		if st.SettledAmount != req.Amount {
			reconcileOutcomesTotal.WithLabelValues("amount_mismatch").Inc()
			err := fmt.Errorf("request %d settled %d, requested %d: %w",
				req.ID, st.SettledAmount, req.Amount, domain.ErrSettledAmountMismatch)
			logger.CtxError(ctx, "gateway settled amount mismatch, manual review required", err,
				zap.Int64("request_id", req.ID),
				zap.String("payment_key", req.PaymentKey),
				zap.Int64("requested", req.Amount),
				zap.Int64("settled", st.SettledAmount),
			)
			return nil, err
		}
		return r.complete(ctx, req.ID, st)

	case gateway.StatePending:
		if !pastHorizon {
			reconcileOutcomesTotal.WithLabelValues("pending").Inc()
			return &ReconcileResult{Request: req, Status: domain.DepositPending}, nil
		}
		return r.close(ctx, req.ID, domain.DepositExpired, "expired", st, events.TypeDepositExpired)

	case gateway.StateFailed, gateway.StateCancelled:
		return r.close(ctx, req.ID, domain.DepositCancelled, "gateway reported "+string(st.State), st, events.TypeDepositCancelled)
	}

	reconcileOutcomesTotal.WithLabelValues("gateway_error").Inc()
	return nil, domain.Upstreamf(nil, "gateway returned unknown state %q", st.State)
}

// complete credits the ledger and marks the request COMPLETED in one unit.
// Lock order is request then account.
func (r *Reconciler) complete(ctx context.Context, requestID int64, st *gateway.PaymentStatus) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		req, err := tx.LockDepositRequest(ctx, requestID)
		if err != nil {
			return err
		}
		res.Request, res.Status = req, req.Status
		if req.Status.Terminal() {
			// lost the race to another reconciler
			return nil
		}

		now := r.Now()
		acct, _, err := tx.EnsureAccount(ctx, req.UserID, now)
		if err != nil {
			return err
		}
		t, err := applyToAccount(ctx, tx, acct, mutation{
			Type:        domain.TxDeposit,
			Amount:      req.Amount,
			ExternalRef: req.PaymentKey,
			Description: "deposit " + req.OrderID,
		}, now)
		if errors.Is(err, domain.ErrDuplicateExternalRef) {
			return domain.Invariantf("request %d is PENDING but payment key %s is already in the ledger", req.ID, req.PaymentKey)
		}
		if err != nil {
			return err
		}

		req.Status = domain.DepositCompleted
		req.AccountID = &acct.ID
		req.TransactionID = &t.ID
		req.GatewayResponse = st.Raw
		req.CompletedAt = &now
		req.UpdatedAt = now
		if err := tx.UpdateDepositRequest(ctx, req); err != nil {
			return err
		}

		res.Status, res.Applied, res.Transaction, res.Account = domain.DepositCompleted, true, t, acct
		return nil
	})
	if err != nil {
		reconcileOutcomesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !res.Applied {
		reconcileOutcomesTotal.WithLabelValues("already_terminal").Inc()
		return r.terminalResult(ctx, res.Request), nil
	}

	reconcileOutcomesTotal.WithLabelValues("completed").Inc()
	ledgerMutationsTotal.WithLabelValues(string(domain.TxDeposit)).Inc()
	logger.CtxInfo(ctx, "deposit settled",
		zap.Int64("request_id", res.Request.ID),
		zap.Int64("account_id", res.Account.ID),
		zap.Int64("amount", res.Request.Amount),
		zap.Int64("balance_after", res.Transaction.BalanceAfter),
	)
	publish(ctx, r.publisher, events.Event{
		Type:       events.TypeDepositCompleted,
		Key:        idKey(res.Account.ID),
		OccurredAt: res.Transaction.CreatedAt,
		Payload: events.DepositSettled{
			RequestID:     res.Request.ID,
			UserID:        res.Request.UserID,
			OrderID:       res.Request.OrderID,
			Amount:        res.Request.Amount,
			AccountID:     res.Account.ID,
			TransactionID: res.Transaction.ID,
			BalanceAfter:  res.Transaction.BalanceAfter,
		},
	})
	return res, nil
}

func (r *Reconciler) close(ctx context.Context, requestID int64, to domain.DepositStatus, reason string,
	st *gateway.PaymentStatus, eventType string,
) (*ReconcileResult, error) {
	now := r.Now()
	var guard func(*domain.DepositRequest) error
	if to == domain.DepositExpired {
		guard = func(req *domain.DepositRequest) error {
			if now.Before(req.ExpiresAt) {
				return fmt.Errorf("request %d: %w", req.ID, domain.ErrNotExpired)
			}
			return nil
		}
	}
	req, changed, err := closeRequest(ctx, r.store, requestID, to, reason, st.Raw, now, guard)
	if err != nil {
		return nil, err
	}
	if !changed {
		reconcileOutcomesTotal.WithLabelValues("already_terminal").Inc()
		return r.terminalResult(ctx, req), nil
	}
	reconcileOutcomesTotal.WithLabelValues(strings.ToLower(string(to))).Inc()
	publishClosed(ctx, r.publisher, eventType, req)
	return &ReconcileResult{Request: req, Status: req.Status}, nil
}

// terminalResult reports a request that was settled earlier, attaching the
// ledger state so replays see the same outcome as the first call.
func (r *Reconciler) terminalResult(ctx context.Context, req *domain.DepositRequest) *ReconcileResult {
	res := &ReconcileResult{Request: req, Status: req.Status}
	if req.Status == domain.DepositCompleted && req.AccountID != nil {
		if acct, err := r.store.GetAccount(ctx, *req.AccountID); err == nil {
			res.Account = acct
		}
	}
	return res
}

// SweepResult tallies one expiry sweep.
type SweepResult struct {
	Examined  int `json:"examined"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// SweepExpired reconciles every PENDING request whose horizon has passed.
// Each one is checked with the gateway first so a late settlement is still
// credited; requests the gateway still reports as pending are expired.
// Requests that fail to reconcile stay PENDING for the next sweep.
func (r *Reconciler) SweepExpired(ctx context.Context, limit int) (SweepResult, error) {
	var out SweepResult
	pending, err := r.store.ListPendingDepositRequests(ctx, r.Now(), limit)
	if err != nil {
		return out, err
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Examined++
		res, err := r.reconcile(ctx, &pending[i])
		if err != nil {
			out.Failed++
			logger.CtxWarn(ctx, "expiry sweep could not reconcile request",
				zap.Int64("request_id", pending[i].ID), zap.Error(err))
			continue
		}
		switch res.Status {
		case domain.DepositCompleted:
			out.Completed++
		case domain.DepositExpired:
			out.Expired++
		case domain.DepositCancelled:
			out.Cancelled++
		}
	}
	return out, nil
}
