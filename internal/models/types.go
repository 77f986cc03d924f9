// Package models holds the HTTP request and response payloads. Inbound types
// carry validate tags checked by the API layer.
package models

import (
	"time"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// CreateAccountRequest opens (or returns) the caller's virtual account.
type CreateAccountRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

type AccountResponse struct {
	Account *domain.Account `json:"account"`
	Created bool            `json:"created"`
}

// TransactionRequest applies one mutation to an account. The external
// reference comes from the Idempotency-Key header.
type TransactionRequest struct {
	Type   domain.TransactionType `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL INTEREST FEE"`
	Amount int64                  `json:"amount" validate:"gt=0"`
}

// TransferRequest is the payload from the client.
type TransferRequest struct {
	FromAccountID int64 `json:"from_account_id" validate:"gt=0"`
	ToAccountID   int64 `json:"to_account_id" validate:"gt=0,nefield=FromAccountID"`
	Amount        int64 `json:"amount" validate:"gt=0"`
}

type CreateDepositRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type CancelDepositRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// GatewayWebhook is the gateway's notification body. Only the payment key is
// used; the status is always re-read from the gateway.
type GatewayWebhook struct {
	PaymentKey string `json:"paymentKey" validate:"required"`
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
}

type OpenLoanRequest struct {
	UserID        string                 `json:"user_id" validate:"required,max=64"`
	AccountID     *int64                 `json:"account_id,omitempty" validate:"omitempty,gt=0"`
	Principal     int64                  `json:"principal" validate:"gt=0"`
	AnnualRateBps int64                  `json:"annual_rate_bps" validate:"gte=0,lte=100000"`
	TermPeriods   int                    `json:"term_periods" validate:"gt=0,lte=600"`
	Method        domain.RepaymentMethod `json:"method" validate:"required,oneof=EQUAL_PRINCIPAL_INTEREST EQUAL_PRINCIPAL BULLET"`
	StartDate     *time.Time             `json:"start_date,omitempty"`
}

type LoanResponse struct {
	Loan     *domain.LoanAccount  `json:"loan"`
	Schedule []domain.ScheduleRow `json:"schedule,omitempty"`
}

// RepaymentRequest applies money to a loan. The Idempotency-Key header is
// the external reference.
type RepaymentRequest struct {
	Amount          int64  `json:"amount" validate:"gt=0"`
	SourceAccountID *int64 `json:"source_account_id,omitempty" validate:"omitempty,gt=0"`
}

// StatusQuery mirrors the query string of GET /api/v1/status.
type StatusQuery struct {
	PaymentKey string `validate:"required"`
	OrderID    string `validate:"required"`
	Amount     int64  `validate:"gt=0"`
	AccountID  *int64 `validate:"required_without=LoanID,excluded_with=LoanID"`
	LoanID     *int64 `validate:"required_without=AccountID"`
}

type StatusResponse struct {
	Status           domain.DepositStatus `json:"status"`
	IsProcessed      bool                 `json:"is_processed"`
	ResultingBalance int64                `json:"resulting_balance"`
}

// Terminal reports whether polling can stop.
func (r StatusResponse) Terminal() bool { return r.Status.Terminal() }

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
