// Package store persists ledger state. Two backends implement Store:
// PostgreSQL (pgx, row locks) and an embedded BoltDB file (single writer).
//
// Every mutation runs inside InTx. The callback's Tx is the atomic unit: if
// the callback returns an error nothing it wrote is committed. Lock* methods
// take a row lock on PostgreSQL; on Bolt the whole write transaction is
// already exclusive so they are plain reads.
//
// Missing rows are reported with the domain not-found errors and unique
// violations with the domain conflict errors, so callers never see driver
// errors for expected outcomes.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// Reader is the read-only surface used outside transactions.
type Reader interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByUser(ctx context.Context, userID string) (*domain.Account, error)
	ListTransactions(ctx context.Context, accountID int64, f domain.TransactionFilter) ([]domain.Transaction, error)

	GetDepositRequest(ctx context.Context, id int64) (*domain.DepositRequest, error)
	GetDepositRequestByToken(ctx context.Context, paymentKey string) (*domain.DepositRequest, error)
	ListPendingDepositRequests(ctx context.Context, expiresBefore time.Time, limit int) ([]domain.DepositRequest, error)

	GetLoan(ctx context.Context, id int64) (*domain.LoanAccount, error)
	GetSchedule(ctx context.Context, loanID int64) ([]domain.ScheduleRow, error)
	ListRepayments(ctx context.Context, loanID int64) ([]domain.RepaymentTransaction, error)
}

// Tx is the write surface available inside InTx.
type Tx interface {
	// EnsureAccount returns the user's account, creating an ACTIVE one if
	// none exists. The returned row is locked.
	EnsureAccount(ctx context.Context, userID string, now time.Time) (acct *domain.Account, created bool, err error)
	LockAccount(ctx context.Context, id int64) (*domain.Account, error)
	UpdateAccount(ctx context.Context, a *domain.Account) error

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	TransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error)

	InsertDepositRequest(ctx context.Context, d *domain.DepositRequest) error
	LockDepositRequest(ctx context.Context, id int64) (*domain.DepositRequest, error)
	UpdateDepositRequest(ctx context.Context, d *domain.DepositRequest) error

	InsertLoan(ctx context.Context, l *domain.LoanAccount) error
	LockLoan(ctx context.Context, id int64) (*domain.LoanAccount, error)
	UpdateLoan(ctx context.Context, l *domain.LoanAccount) error
	InsertScheduleRows(ctx context.Context, rows []domain.ScheduleRow) error
	// ScheduleRows returns every row of the loan ordered by period, locked.
	ScheduleRows(ctx context.Context, loanID int64) ([]domain.ScheduleRow, error)
	UpdateScheduleRow(ctx context.Context, r *domain.ScheduleRow) error
	// MarkOverdue flips UNPAID rows due before asOf to OVERDUE.
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)

	InsertRepayment(ctx context.Context, r *domain.RepaymentTransaction) error
	RepaymentByRef(ctx context.Context, ref string) (*domain.RepaymentTransaction, error)
}

// Store is a transactional ledger backend.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}
