package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

type sandboxPayment struct {
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	State         State  `json:"state"`
	SettledAmount int64  `json:"settled_amount"`
}

// Sandbox is an in-process gateway for development and tests. Payments stay
// pending until Settle, SettleAmount, Fail or Cancel is called.
type Sandbox struct {
	mu          sync.Mutex
	payments    map[string]*sandboxPayment
	unavailable bool
	statusCalls int
	baseURL     string
}

var _ Gateway = (*Sandbox)(nil)

func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{payments: make(map[string]*sandboxPayment), baseURL: baseURL}
}

func (s *Sandbox) InitiateCheckout(_ context.Context, amount int64, orderID string) (*Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, domain.Upstreamf(nil, "sandbox gateway unavailable")
	}
	token := "sbx_" + uuid.NewString()
	s.payments[token] = &sandboxPayment{OrderID: orderID, Amount: amount, State: StatePending}
	return &Checkout{Token: token, CheckoutURL: fmt.Sprintf("%s/sandbox/checkout/%s", s.baseURL, token)}, nil
}

func (s *Sandbox) GetStatus(_ context.Context, token string) (*PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if s.unavailable {
		return nil, domain.Upstreamf(nil, "sandbox gateway unavailable")
	}
	p, ok := s.payments[token]
	if !ok {
		return nil, fmt.Errorf("sandbox payment %s: %w", token, domain.ErrNotFound)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &PaymentStatus{State: p.State, SettledAmount: p.SettledAmount, Raw: raw}, nil
}

// Settle marks the payment as paid in full.
func (s *Sandbox) Settle(token string) error {
	return s.transition(token, func(p *sandboxPayment) {
		p.State, p.SettledAmount = StateSettled, p.Amount
	})
}

// SettleAmount marks the payment as paid with an arbitrary amount.
func (s *Sandbox) SettleAmount(token string, amount int64) error {
	return s.transition(token, func(p *sandboxPayment) {
		p.State, p.SettledAmount = StateSettled, amount
	})
}

func (s *Sandbox) Fail(token string) error {
	return s.transition(token, func(p *sandboxPayment) { p.State = StateFailed })
}

func (s *Sandbox) Cancel(token string) error {
	return s.transition(token, func(p *sandboxPayment) { p.State = StateCancelled })
}

// SetUnavailable makes every call fail with ErrUpstreamUnavailable.
func (s *Sandbox) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// StatusCalls counts GetStatus invocations.
func (s *Sandbox) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

func (s *Sandbox) transition(token string, fn func(*sandboxPayment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[token]
	if !ok {
		return fmt.Errorf("sandbox payment %s: %w", token, domain.ErrNotFound)
	}
	if p.State.Terminal() {
		return fmt.Errorf("sandbox payment %s is already %s: %w", token, p.State, domain.ErrConflict)
	}
	fn(p)
	return nil
}
