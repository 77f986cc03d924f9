package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production Store. Mutations run at READ COMMITTED and rely
// on SELECT ... FOR UPDATE row locks for serialization per row.
type Postgres struct {
	Db *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, connString string, maxConns int32) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// InTx runs fn inside one database transaction.
func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapPgError(err))
	}
	return nil
}

// queryer is satisfied by both the pool and an open transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const accountColumns = `id, user_id, available_balance, frozen_balance, total_deposited, total_withdrawn,
	applied_repayments, status, last_transaction_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.UserID, &a.AvailableBalance, &a.FrozenBalance, &a.TotalDeposited,
		&a.TotalWithdrawn, &a.AppliedRepayments, &a.Status, &a.LastTransactionAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	return &a, nil
}

const transactionColumns = `id, account_id, type, amount, balance_before, balance_after, status,
	COALESCE(external_ref, ''), description, created_at, completed_at, failed_at, failure_reason`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Status,
		&t.ExternalRef, &t.Description, &t.CreatedAt, &t.CompletedAt, &t.FailedAt, &t.FailureReason)
	if err != nil {
		return nil, notFound(err, domain.ErrTransactionAbsent)
	}
	return &t, nil
}

const depositColumns = `id, user_id, payment_key, order_id, checkout_url, status, amount, account_id,
	transaction_id, COALESCE(gateway_response::text, ''), failure_reason, created_at, updated_at,
	completed_at, expires_at`

func scanDeposit(row pgx.Row) (*domain.DepositRequest, error) {
	var (
		d   domain.DepositRequest
		raw string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.PaymentKey, &d.OrderID, &d.CheckoutURL, &d.Status, &d.Amount,
		&d.AccountID, &d.TransactionID, &raw, &d.FailureReason, &d.CreatedAt, &d.UpdatedAt,
		&d.CompletedAt, &d.ExpiresAt)
	if err != nil {
		return nil, notFound(err, domain.ErrDepositNotFound)
	}
	if raw != "" {
		d.GatewayResponse = []byte(raw)
	}
	return &d, nil
}

const loanColumns = `id, user_id, account_id, principal, principal_balance, total_paid, accrued_interest,
	next_payment_amount, next_payment_date, monthly_payment, term_periods, elapsed_periods,
	annual_rate_bps, method, status, start_date, created_at, updated_at`

func scanLoan(row pgx.Row) (*domain.LoanAccount, error) {
	var l domain.LoanAccount
	err := row.Scan(&l.ID, &l.UserID, &l.AccountID, &l.Principal, &l.PrincipalBalance, &l.TotalPaid,
		&l.AccruedInterest, &l.NextPaymentAmount, &l.NextPaymentDate, &l.MonthlyPayment, &l.TermPeriods,
		&l.ElapsedPeriods, &l.AnnualRateBps, &l.Method, &l.Status, &l.StartDate, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err, domain.ErrLoanNotFound)
	}
	return &l, nil
}

const scheduleColumns = `loan_id, period, due_date, principal, interest, paid_principal, paid_interest,
	status, paid_at, paid_amount`

func scanScheduleRow(row pgx.Row) (*domain.ScheduleRow, error) {
	var r domain.ScheduleRow
	err := row.Scan(&r.LoanID, &r.Period, &r.DueDate, &r.Principal, &r.Interest, &r.PaidPrincipal,
		&r.PaidInterest, &r.Status, &r.PaidAt, &r.PaidAmount)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const repaymentColumns = `id, transaction_number, loan_id, amount, principal_applied, interest_applied,
	status, external_ref, source_account_id, ledger_transaction_id, rows_settled, partial,
	created_at, completed_at`

func scanRepayment(row pgx.Row) (*domain.RepaymentTransaction, error) {
	var r domain.RepaymentTransaction
	err := row.Scan(&r.ID, &r.TransactionNumber, &r.LoanID, &r.Amount, &r.PrincipalApplied,
		&r.InterestApplied, &r.Status, &r.ExternalRef, &r.SourceAccountID, &r.LedgerTransactionID,
		&r.RowsSettled, &r.Partial, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, notFound(err, domain.ErrRepaymentAbsent)
	}
	return &r, nil
}

// collect drains rows with scan, closing them.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (s *Postgres) GetAccountByUser(ctx context.Context, userID string) (*domain.Account, error) {
	return scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE user_id = $1", userID))
}

// ListTransactions returns an account's transactions, newest first.
func (s *Postgres) ListTransactions(ctx context.Context, accountID int64, f domain.TransactionFilter) ([]domain.Transaction, error) {
	// First check if account exists
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	var (
		where = []string{"account_id = $1"}
		args  = []any{accountID}
	)
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, listLimit(f.Limit))

	sql := fmt.Sprintf("SELECT %s FROM transactions WHERE %s ORDER BY id DESC LIMIT $%d",
		transactionColumns, strings.Join(where, " AND "), len(args))
	rows, err := s.Db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTransaction)
}

func (s *Postgres) GetDepositRequest(ctx context.Context, id int64) (*domain.DepositRequest, error) {
	return scanDeposit(s.Db.QueryRow(ctx, "SELECT "+depositColumns+" FROM deposit_requests WHERE id = $1", id))
}

func (s *Postgres) GetDepositRequestByToken(ctx context.Context, paymentKey string) (*domain.DepositRequest, error) {
	return scanDeposit(s.Db.QueryRow(ctx,
		"SELECT "+depositColumns+" FROM deposit_requests WHERE payment_key = $1", paymentKey))
}

// ListPendingDepositRequests returns PENDING requests whose horizon is before expiresBefore.
func (s *Postgres) ListPendingDepositRequests(ctx context.Context, expiresBefore time.Time, limit int) ([]domain.DepositRequest, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+depositColumns+` FROM deposit_requests
		 WHERE status = 'PENDING' AND expires_at < $1 ORDER BY expires_at, id LIMIT $2`,
		expiresBefore, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDeposit)
}

func (s *Postgres) GetLoan(ctx context.Context, id int64) (*domain.LoanAccount, error) {
	return scanLoan(s.Db.QueryRow(ctx, "SELECT "+loanColumns+" FROM loan_accounts WHERE id = $1", id))
}

func (s *Postgres) GetSchedule(ctx context.Context, loanID int64) ([]domain.ScheduleRow, error) {
	if _, err := s.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return scheduleRows(ctx, s.Db, loanID, false)
}

func (s *Postgres) ListRepayments(ctx context.Context, loanID int64) ([]domain.RepaymentTransaction, error) {
	if _, err := s.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	rows, err := s.Db.Query(ctx,
		"SELECT "+repaymentColumns+" FROM repayment_transactions WHERE loan_id = $1 ORDER BY id", loanID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRepayment)
}

func scheduleRows(ctx context.Context, q queryer, loanID int64, lock bool) ([]domain.ScheduleRow, error) {
	sql := "SELECT " + scheduleColumns + " FROM schedule_rows WHERE loan_id = $1 ORDER BY period"
	if lock {
		sql += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, sql, loanID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanScheduleRow)
}

// notFound maps pgx.ErrNoRows to the given domain error.
func notFound(err, target error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return target
	}
	return err
}

// mapPgError turns unique violations into domain conflicts.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "deposit_requests_payment_key_key", "deposit_requests_order_id_key":
		return fmt.Errorf("%w (%s)", domain.ErrDuplicatePaymentKey, pgErr.ConstraintName)
	default:
		return fmt.Errorf("%w (%s)", domain.ErrDuplicateExternalRef, pgErr.ConstraintName)
	}
}

// nullable stores empty strings as NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
