package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/gateway"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/models"
	"github.com/punchamoorthee/ledgercore/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

var tracer = otel.Tracer("github.com/punchamoorthee/ledgercore/internal/api")

// GenericPaymentError is the only detail clients get when a deposit or
// repayment cannot be completed.
const GenericPaymentError = "payment could not be confirmed, please retry or contact support"

var errMalformedBody = errors.New("malformed JSON body")

// Services bundles what the handlers call into.
type Services struct {
	Ledger     *service.LedgerService
	Deposits   *service.DepositService
	Reconciler *service.Reconciler
	Loans      *service.LoanService
	Status     *service.StatusService

	// Sandbox enables the /sandbox routes. Nil in production.
	Sandbox *gateway.Sandbox
	// StatusCache, when set, is invalidated after sandbox transitions.
	StatusCache *gateway.CachedGateway
}

type Handler struct {
	svc      Services
	validate *validator.Validate
}

func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		return errMalformedBody
	}
	return h.check(dst)
}

func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return domain.Validationf("%s", strings.Join(msgs, "; "))
	}
	return domain.Validationf("%v", err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Validationf("invalid %s", name)
	}
	return id, nil
}

func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return "", domain.Validationf("missing Idempotency-Key header")
	}
	if len(key) > 255 {
		return "", domain.Validationf("Idempotency-Key header too long")
	}
	return key, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondWithDomainError maps err to its HTTP status. For payment flows only
// input problems are echoed back; everything else gets the generic message.
func respondWithDomainError(w http.ResponseWriter, r *http.Request, err error, payment bool) {
	code := statusFor(err)
	msg := err.Error()
	switch {
	case code >= http.StatusInternalServerError:
		logger.CtxError(r.Context(), "request failed", err, zap.String("path", r.URL.Path))
		msg = "Internal Server Error"
		if payment {
			msg = GenericPaymentError
		}
		if code == http.StatusServiceUnavailable && !payment {
			msg = "Upstream service unavailable"
		}
	case payment && code == http.StatusConflict:
		logger.CtxWarn(r.Context(), "payment request rejected", zap.String("path", r.URL.Path), zap.Error(err))
		msg = GenericPaymentError
	default:
		logger.CtxDebug(r.Context(), "request rejected", zap.Int("status", code), zap.Error(err))
	}
	respondWithJSON(w, code, models.ErrorResponse{Error: msg, RequestID: logger.RequestID(r.Context())})
}

// invalidateStatus drops any cached gateway status for token so the next
// read goes to the gateway.
func (h *Handler) invalidateStatus(r *http.Request, token string) {
	if h.svc.StatusCache == nil {
		return
	}
	if err := h.svc.StatusCache.Invalidate(r.Context(), token); err != nil {
		logger.CtxWarn(r.Context(), "gateway status cache invalidation failed", zap.String("token", token), zap.Error(err))
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument assigns a request ID, opens a server span and records the
// per-route request metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+endpoint,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.route", endpoint), attribute.String("request.id", reqID)),
		)
		defer span.End()
		ctx = logger.WithRequestID(ctx, reqID)
		w.Header().Set("X-Request-ID", reqID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
