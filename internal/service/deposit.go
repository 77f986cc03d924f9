package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/events"
	"github.com/punchamoorthee/ledgercore/internal/gateway"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// DepositService issues gateway checkouts and drives the non-settling
// transitions of a deposit request. Settlement belongs to the Reconciler.
type DepositService struct {
	store     store.Store
	gateway   gateway.Gateway
	publisher events.Publisher
	horizon   time.Duration
	Now       func() time.Time
}

func NewDepositService(s store.Store, gw gateway.Gateway, pub events.Publisher, horizon time.Duration) *DepositService {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &DepositService{store: s, gateway: gw, publisher: pub, horizon: horizon, Now: time.Now}
}

// CreateRequest opens a checkout with the gateway and records a PENDING
// request keyed by the returned token. No balance changes here.
func (s *DepositService) CreateRequest(ctx context.Context, userID string, amount int64) (*domain.DepositRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.Validationf("user id is required")
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	orderID := "DEP-" + uuid.NewString()
	co, err := initiateCheckout(ctx, s.gateway, amount, orderID)
	if err != nil {
		depositRequestsTotal.WithLabelValues("gateway_error").Inc()
		logger.CtxWarn(ctx, "checkout initiation failed",
			zap.String("user_id", userID), zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	now := s.Now()
	req := &domain.DepositRequest{
		UserID:      userID,
		PaymentKey:  co.Token,
		OrderID:     orderID,
		CheckoutURL: co.CheckoutURL,
		Status:      domain.DepositPending,
		Amount:      amount,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.horizon),
	}
	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertDepositRequest(ctx, req)
	}); err != nil {
		return nil, err
	}

	depositRequestsTotal.WithLabelValues("created").Inc()
	logger.CtxInfo(ctx, "deposit request created",
		zap.Int64("request_id", req.ID),
		zap.String("order_id", orderID),
		zap.Int64("amount", amount),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

// Expire moves a PENDING request past its horizon to EXPIRED. A request that
// is already terminal is returned unchanged.
func (s *DepositService) Expire(ctx context.Context, id int64) (*domain.DepositRequest, error) {
	now := s.Now()
	req, changed, err := closeRequest(ctx, s.store, id, domain.DepositExpired, "expired", nil, now,
		func(r *domain.DepositRequest) error {
			if now.Before(r.ExpiresAt) {
				return fmt.Errorf("request %d expires at %s: %w", r.ID, r.ExpiresAt.Format(time.RFC3339), domain.ErrNotExpired)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if changed {
		depositRequestsTotal.WithLabelValues("expired").Inc()
		publishClosed(ctx, s.publisher, events.TypeDepositExpired, req)
	}
	return req, nil
}

// Cancel moves a PENDING request to CANCELLED.
func (s *DepositService) Cancel(ctx context.Context, id int64, reason string) (*domain.DepositRequest, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	req, changed, err := closeRequest(ctx, s.store, id, domain.DepositCancelled, reason, nil, s.Now(), nil)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("request %d is %s: %w", id, req.Status, domain.ErrTerminalState)
	}
	depositRequestsTotal.WithLabelValues("cancelled").Inc()
	publishClosed(ctx, s.publisher, events.TypeDepositCancelled, req)
	return req, nil
}

func (s *DepositService) Get(ctx context.Context, id int64) (*domain.DepositRequest, error) {
	return s.store.GetDepositRequest(ctx, id)
}

func (s *DepositService) GetByToken(ctx context.Context, token string) (*domain.DepositRequest, error) {
	if token == "" {
		return nil, domain.Validationf("payment token is required")
	}
	return s.store.GetDepositRequestByToken(ctx, token)
}

// closeRequest moves a PENDING request to a non-completed terminal status
// under its row lock. guard, when set, may veto the transition. changed is
// false when the request was already terminal.
func closeRequest(ctx context.Context, st store.Store, id int64, to domain.DepositStatus, reason string,
	raw json.RawMessage, now time.Time, guard func(*domain.DepositRequest) error,
) (req *domain.DepositRequest, changed bool, err error) {
	err = st.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockDepositRequest(ctx, id)
		if err != nil {
			return err
		}
		req = r
		if r.Status.Terminal() {
			return nil
		}
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		r.Status = to
		r.FailureReason = reason
		if len(raw) > 0 {
			r.GatewayResponse = raw
		}
		r.UpdatedAt = now
		changed = true
		return tx.UpdateDepositRequest(ctx, r)
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		logger.CtxInfo(ctx, "deposit request closed",
			zap.Int64("request_id", req.ID),
			zap.String("status", string(to)),
			zap.String("reason", reason),
		)
	}
	return req, changed, nil
}

func initiateCheckout(ctx context.Context, gw gateway.Gateway, amount int64, orderID string) (*gateway.Checkout, error) {
	ctx, span := tracer.Start(ctx, "gateway.InitiateCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Int64("amount", amount))

	start := time.Now()
	co, err := gw.InitiateCheckout(ctx, amount, orderID)
	gatewayLatency.WithLabelValues("initiate_checkout", resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return co, err
}

// fetchStatus asks the gateway for token's state. fresh bypasses any status
// cache and must be used when the answer can lead to a final transition.
func fetchStatus(ctx context.Context, gw gateway.Gateway, token string, fresh bool) (*gateway.PaymentStatus, error) {
	ctx, span := tracer.Start(ctx, "gateway.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.Bool("gateway.fresh", fresh))

	start := time.Now()
	var (
		st  *gateway.PaymentStatus
		err error
	)
	if fresh {
		st, err = gateway.FreshStatus(ctx, gw, token)
	} else {
		st, err = gw.GetStatus(ctx, token)
	}
	gatewayLatency.WithLabelValues("get_status", resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.state", string(st.State)))
	return st, nil
}

// publish is best-effort: the state change is already committed.
func publish(ctx context.Context, pub events.Publisher, e events.Event) {
	if err := pub.Publish(ctx, e); err != nil {
		logger.CtxWarn(ctx, "event publish failed", zap.String("event_type", e.Type), zap.String("key", e.Key), zap.Error(err))
	}
}

func publishClosed(ctx context.Context, pub events.Publisher, typ string, r *domain.DepositRequest) {
	publish(ctx, pub, events.Event{
		Type:       typ,
		Key:        r.UserID,
		OccurredAt: r.UpdatedAt,
		Payload: events.DepositClosed{
			RequestID: r.ID,
			UserID:    r.UserID,
			OrderID:   r.OrderID,
			Amount:    r.Amount,
			Status:    string(r.Status),
			Reason:    r.FailureReason,
		},
	})
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }
