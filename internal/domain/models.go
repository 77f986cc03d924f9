package domain

import (
	"encoding/json"
	"time"
)

// AccountStatus is the lifecycle state of a virtual account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountInactive  AccountStatus = "INACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// Account is a user's virtual account. All amounts are minor currency units.
// Available + Frozen must always equal TotalDeposited - TotalWithdrawn - AppliedRepayments.
type Account struct {
	ID                int64         `json:"id"`
	UserID            string        `json:"user_id"`
	AvailableBalance  int64         `json:"available_balance"`
	FrozenBalance     int64         `json:"frozen_balance"`
	TotalDeposited    int64         `json:"total_deposited"`
	TotalWithdrawn    int64         `json:"total_withdrawn"`
	AppliedRepayments int64         `json:"applied_repayments"`
	Status            AccountStatus `json:"status"`
	LastTransactionAt *time.Time    `json:"last_transaction_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// CheckBalance reports an ErrInvariantViolation when the account's buckets disagree.
func (a *Account) CheckBalance() error {
	if a.AvailableBalance < 0 || a.FrozenBalance < 0 {
		return Invariantf("account %d has a negative balance (available=%d frozen=%d)",
			a.ID, a.AvailableBalance, a.FrozenBalance)
	}
	held := a.AvailableBalance + a.FrozenBalance
	net := a.TotalDeposited - a.TotalWithdrawn - a.AppliedRepayments
	if held != net {
		return Invariantf("account %d balance mismatch: held=%d net=%d", a.ID, held, net)
	}
	return nil
}

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TxDeposit     TransactionType = "DEPOSIT"
	TxWithdrawal  TransactionType = "WITHDRAWAL"
	TxTransferIn  TransactionType = "TRANSFER_IN"
	TxTransferOut TransactionType = "TRANSFER_OUT"
	TxInterest    TransactionType = "INTEREST"
	TxFee         TransactionType = "FEE"
	TxRepayment   TransactionType = "REPAYMENT"
)

// IsCredit reports whether the type increases the available balance.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TxDeposit, TxTransferIn, TxInterest:
		return true
	}
	return false
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTransferIn, TxTransferOut, TxInterest, TxFee, TxRepayment:
		return true
	}
	return false
}

// TransactionStatus tracks a transaction row. COMPLETED, FAILED and CANCELLED are terminal.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// Transaction is one immutable balance mutation on an account.
// BalanceBefore and BalanceAfter refer to the available balance.
type Transaction struct {
	ID            int64             `json:"id"`
	AccountID     int64             `json:"account_id"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Status        TransactionStatus `json:"status"`
	ExternalRef   string            `json:"external_ref,omitempty"`
	Description   string            `json:"description,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	FailedAt      *time.Time        `json:"failed_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// CheckDelta verifies BalanceAfter == BalanceBefore ± Amount for the row's type.
func (t *Transaction) CheckDelta() error {
	want := t.BalanceBefore - t.Amount
	if t.Type.IsCredit() {
		want = t.BalanceBefore + t.Amount
	}
	if t.BalanceAfter != want {
		return Invariantf("transaction %s on account %d: balance_after=%d, want %d",
			t.Type, t.AccountID, t.BalanceAfter, want)
	}
	return nil
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	Type   TransactionType
	Status TransactionStatus
	Limit  int
}

// DepositStatus is the state of a gateway checkout attempt.
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositCompleted DepositStatus = "COMPLETED"
	DepositExpired   DepositStatus = "EXPIRED"
	DepositCancelled DepositStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s DepositStatus) Terminal() bool {
	return s == DepositCompleted || s == DepositExpired || s == DepositCancelled
}

// DepositRequest tracks one checkout issued to the payment gateway.
// PaymentKey is the gateway token and doubles as the ledger idempotency key.
type DepositRequest struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	PaymentKey      string          `json:"payment_key"`
	OrderID         string          `json:"order_id"`
	CheckoutURL     string          `json:"checkout_url"`
	Status          DepositStatus   `json:"status"`
	Amount          int64           `json:"amount"`
	AccountID       *int64          `json:"account_id,omitempty"`
	TransactionID   *int64          `json:"transaction_id,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// RepaymentMethod selects the amortization formula.
type RepaymentMethod string

const (
	EqualPrincipalInterest RepaymentMethod = "EQUAL_PRINCIPAL_INTEREST"
	EqualPrincipal         RepaymentMethod = "EQUAL_PRINCIPAL"
	Bullet                 RepaymentMethod = "BULLET"
)

// LoanStatus is the lifecycle state of a loan account.
type LoanStatus string

const (
	LoanActive LoanStatus = "ACTIVE"
	LoanClosed LoanStatus = "CLOSED"
)

// LoanAccount is a loan being repaid against a generated schedule.
type LoanAccount struct {
	ID                int64           `json:"id"`
	UserID            string          `json:"user_id"`
	AccountID         *int64          `json:"account_id,omitempty"`
	Principal         int64           `json:"principal"`
	PrincipalBalance  int64           `json:"principal_balance"`
	TotalPaid         int64           `json:"total_paid"`
	AccruedInterest   int64           `json:"accrued_interest"`
	NextPaymentAmount int64           `json:"next_payment_amount"`
	NextPaymentDate   *time.Time      `json:"next_payment_date,omitempty"`
	MonthlyPayment    int64           `json:"monthly_payment"`
	TermPeriods       int             `json:"term_periods"`
	ElapsedPeriods    int             `json:"elapsed_periods"`
	AnnualRateBps     int64           `json:"annual_rate_bps"`
	Method            RepaymentMethod `json:"method"`
	Status            LoanStatus      `json:"status"`
	StartDate         time.Time       `json:"start_date"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RowStatus is the settlement state of a schedule row.
type RowStatus string

const (
	RowUnpaid  RowStatus = "UNPAID"
	RowPaid    RowStatus = "PAID"
	RowOverdue RowStatus = "OVERDUE"
)

// ScheduleRow is one period of a repayment schedule.
type ScheduleRow struct {
	LoanID        int64      `json:"loan_id"`
	Period        int        `json:"period"`
	DueDate       time.Time  `json:"due_date"`
	Principal     int64      `json:"principal"`
	Interest      int64      `json:"interest"`
	PaidPrincipal int64      `json:"paid_principal"`
	PaidInterest  int64      `json:"paid_interest"`
	Status        RowStatus  `json:"status"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	PaidAmount    int64      `json:"paid_amount"`
}

// Open reports whether the row still accepts payment.
func (r *ScheduleRow) Open() bool {
	return r.Status == RowUnpaid || r.Status == RowOverdue
}

// OutstandingInterest is the unpaid part of the row's interest component.
func (r *ScheduleRow) OutstandingInterest() int64 { return r.Interest - r.PaidInterest }

// OutstandingPrincipal is the unpaid part of the row's principal component.
func (r *ScheduleRow) OutstandingPrincipal() int64 { return r.Principal - r.PaidPrincipal }

// Outstanding is everything still owed on the row.
func (r *ScheduleRow) Outstanding() int64 {
	return r.OutstandingInterest() + r.OutstandingPrincipal()
}

// RepaymentTransaction records one application of money to a loan.
type RepaymentTransaction struct {
	ID                  int64             `json:"id"`
	TransactionNumber   string            `json:"transaction_number"`
	LoanID              int64             `json:"loan_id"`
	Amount              int64             `json:"amount"`
	PrincipalApplied    int64             `json:"principal_applied"`
	InterestApplied     int64             `json:"interest_applied"`
	Status              TransactionStatus `json:"status"`
	ExternalRef         string            `json:"external_ref"`
	SourceAccountID     *int64            `json:"source_account_id,omitempty"`
	LedgerTransactionID *int64            `json:"ledger_transaction_id,omitempty"`
	RowsSettled         int               `json:"rows_settled"`
	Partial             bool              `json:"partial"`
	CreatedAt           time.Time         `json:"created_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}
