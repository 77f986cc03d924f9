// Package events publishes ledger state changes to downstream consumers.
// Publishing is best-effort and always happens after the database commit.
package events

import (
	"context"
	"time"
)

const (
	TypeDepositCompleted = "deposit.completed"
	TypeDepositCancelled = "deposit.cancelled"
	TypeDepositExpired   = "deposit.expired"
	TypeRepaymentApplied = "repayment.applied"
	TypeLoanClosed       = "loan.closed"
)

// Event is the envelope written to the bus. Key selects the partition.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type DepositSettled struct {
	RequestID     int64  `json:"request_id"`
	UserID        string `json:"user_id"`
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	AccountID     int64  `json:"account_id"`
	TransactionID int64  `json:"transaction_id"`
	BalanceAfter  int64  `json:"balance_after"`
}

type DepositClosed struct {
	RequestID int64  `json:"request_id"`
	UserID    string `json:"user_id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type RepaymentApplied struct {
	LoanID            int64  `json:"loan_id"`
	TransactionNumber string `json:"transaction_number"`
	Amount            int64  `json:"amount"`
	PrincipalApplied  int64  `json:"principal_applied"`
	InterestApplied   int64  `json:"interest_applied"`
	PrincipalBalance  int64  `json:"principal_balance"`
	LoanStatus        string `json:"loan_status"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
