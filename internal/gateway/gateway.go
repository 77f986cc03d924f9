// Package gateway talks to the external payment gateway that settles deposits.
package gateway

import (
	"context"
	"encoding/json"
)

// State is the gateway's view of a payment, normalized.
type State string

const (
	StateSettled   State = "settled"
	StatePending   State = "pending"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the gateway will never change the state again.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateCancelled
}

// Checkout is the gateway's answer to a checkout request. Token is the
// payment key used for every later status lookup.
type Checkout struct {
	Token       string `json:"token"`
	CheckoutURL string `json:"checkout_url"`
}

// PaymentStatus is one status lookup. Raw keeps the gateway body for auditing.
type PaymentStatus struct {
	State         State           `json:"state"`
	SettledAmount int64           `json:"settled_amount"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Gateway is the narrow collaborator the deposit flow depends on.
// Transport failures must be reported as domain.ErrUpstreamUnavailable.
type Gateway interface {
	InitiateCheckout(ctx context.Context, amount int64, orderID string) (*Checkout, error)
	GetStatus(ctx context.Context, token string) (*PaymentStatus, error)
}

// FreshReader is implemented by gateways that may answer GetStatus from a
// cache. GetFreshStatus always asks the payment provider.
type FreshReader interface {
	GetFreshStatus(ctx context.Context, token string) (*PaymentStatus, error)
}

// FreshStatus returns the provider's current answer for token, bypassing any
// cache in front of gw.
func FreshStatus(ctx context.Context, gw Gateway, token string) (*PaymentStatus, error) {
	if f, ok := gw.(FreshReader); ok {
		return f.GetFreshStatus(ctx, token)
	}
	return gw.GetStatus(ctx, token)
}
