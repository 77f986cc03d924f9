package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) EnsureAccount(ctx context.Context, userID string, now time.Time) (*domain.Account, bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (user_id, status, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, domain.AccountActive, now)
	if err != nil {
		return nil, false, fmt.Errorf("account insert failed: %w", err)
	}
	acct, err := scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 FOR UPDATE", userID))
	if err != nil {
		return nil, false, err
	}
	return acct, tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET available_balance = $2, frozen_balance = $3, total_deposited = $4,
		 total_withdrawn = $5, applied_repayments = $6, status = $7, last_transaction_at = $8, updated_at = $9
		 WHERE id = $1`,
		a.ID, a.AvailableBalance, a.FrozenBalance, a.TotalDeposited, a.TotalWithdrawn,
		a.AppliedRepayments, a.Status, a.LastTransactionAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("account update failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, type, amount, balance_before, balance_after, status,
		 external_ref, description, created_at, completed_at, failed_at, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		tr.AccountID, tr.Type, tr.Amount, tr.BalanceBefore, tr.BalanceAfter, tr.Status,
		nullable(tr.ExternalRef), tr.Description, tr.CreatedAt, tr.CompletedAt, tr.FailedAt, tr.FailureReason,
	).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) TransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE external_ref = $1", ref))
}

func (t *pgTx) InsertDepositRequest(ctx context.Context, d *domain.DepositRequest) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO deposit_requests (user_id, payment_key, order_id, checkout_url, status, amount,
		 account_id, transaction_id, gateway_response, failure_reason, created_at, updated_at,
		 completed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		d.UserID, d.PaymentKey, d.OrderID, d.CheckoutURL, d.Status, d.Amount, d.AccountID,
		d.TransactionID, nullable(string(d.GatewayResponse)), d.FailureReason, d.CreatedAt, d.UpdatedAt,
		d.CompletedAt, d.ExpiresAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("deposit request insert failed: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) LockDepositRequest(ctx context.Context, id int64) (*domain.DepositRequest, error) {
	return scanDeposit(t.tx.QueryRow(ctx,
		"SELECT "+depositColumns+" FROM deposit_requests WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) UpdateDepositRequest(ctx context.Context, d *domain.DepositRequest) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE deposit_requests SET status = $2, account_id = $3, transaction_id = $4,
		 gateway_response = $5, failure_reason = $6, updated_at = $7, completed_at = $8
		 WHERE id = $1`,
		d.ID, d.Status, d.AccountID, d.TransactionID, nullable(string(d.GatewayResponse)),
		d.FailureReason, d.UpdatedAt, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("deposit request update failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertLoan(ctx context.Context, l *domain.LoanAccount) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO loan_accounts (user_id, account_id, principal, principal_balance, total_paid,
		 accrued_interest, next_payment_amount, next_payment_date, monthly_payment, term_periods,
		 elapsed_periods, annual_rate_bps, method, status, start_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17) RETURNING id`,
		l.UserID, l.AccountID, l.Principal, l.PrincipalBalance, l.TotalPaid, l.AccruedInterest,
		l.NextPaymentAmount, l.NextPaymentDate, l.MonthlyPayment, l.TermPeriods, l.ElapsedPeriods,
		l.AnnualRateBps, l.Method, l.Status, l.StartDate, l.CreatedAt, l.UpdatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("loan insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) LockLoan(ctx context.Context, id int64) (*domain.LoanAccount, error) {
	return scanLoan(t.tx.QueryRow(ctx, "SELECT "+loanColumns+" FROM loan_accounts WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) UpdateLoan(ctx context.Context, l *domain.LoanAccount) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE loan_accounts SET principal_balance = $2, total_paid = $3, accrued_interest = $4,
		 next_payment_amount = $5, next_payment_date = $6, elapsed_periods = $7, status = $8, updated_at = $9
		 WHERE id = $1`,
		l.ID, l.PrincipalBalance, l.TotalPaid, l.AccruedInterest, l.NextPaymentAmount,
		l.NextPaymentDate, l.ElapsedPeriods, l.Status, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("loan update failed: %w", err)
	}
	return nil
}

// InsertScheduleRows bulk loads the generated rows with COPY.
func (t *pgTx) InsertScheduleRows(ctx context.Context, rows []domain.ScheduleRow) error {
	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		data = append(data, []any{r.LoanID, r.Period, r.DueDate, r.Principal, r.Interest,
			r.PaidPrincipal, r.PaidInterest, string(r.Status), r.PaidAt, r.PaidAmount})
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"schedule_rows"},
		[]string{"loan_id", "period", "due_date", "principal", "interest", "paid_principal",
			"paid_interest", "status", "paid_at", "paid_amount"},
		pgx.CopyFromRows(data),
	)
	if err != nil {
		return fmt.Errorf("schedule insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ScheduleRows(ctx context.Context, loanID int64) ([]domain.ScheduleRow, error) {
	return scheduleRows(ctx, t.tx, loanID, true)
}

func (t *pgTx) UpdateScheduleRow(ctx context.Context, r *domain.ScheduleRow) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE schedule_rows SET paid_principal = $3, paid_interest = $4, status = $5, paid_at = $6,
		 paid_amount = $7 WHERE loan_id = $1 AND period = $2`,
		r.LoanID, r.Period, r.PaidPrincipal, r.PaidInterest, r.Status, r.PaidAt, r.PaidAmount)
	if err != nil {
		return fmt.Errorf("schedule row update failed: %w", err)
	}
	return nil
}

func (t *pgTx) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		"UPDATE schedule_rows SET status = $1 WHERE status = $2 AND due_date < $3",
		domain.RowOverdue, domain.RowUnpaid, asOf)
	if err != nil {
		return 0, fmt.Errorf("overdue sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertRepayment(ctx context.Context, r *domain.RepaymentTransaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO repayment_transactions (transaction_number, loan_id, amount, principal_applied,
		 interest_applied, status, external_ref, source_account_id, ledger_transaction_id, rows_settled,
		 partial, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		r.TransactionNumber, r.LoanID, r.Amount, r.PrincipalApplied, r.InterestApplied, r.Status,
		r.ExternalRef, r.SourceAccountID, r.LedgerTransactionID, r.RowsSettled, r.Partial,
		r.CreatedAt, r.CompletedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("repayment insert failed: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) RepaymentByRef(ctx context.Context, ref string) (*domain.RepaymentTransaction, error) {
	return scanRepayment(t.tx.QueryRow(ctx,
		"SELECT "+repaymentColumns+" FROM repayment_transactions WHERE external_ref = $1", ref))
}
