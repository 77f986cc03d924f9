package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

func newTestStore(t *testing.T) *store.Bolt {
	t.Helper()
	s, err := store.NewBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test store")
	t.Cleanup(s.Close)
	return s
}

var now = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestEnsureAccountIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first, second *domain.Account
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		a, created, err := tx.EnsureAccount(ctx, "user-1", now)
		assert.True(t, created)
		first = a
		return err
	}))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		a, created, err := tx.EnsureAccount(ctx, "user-1", now.Add(time.Hour))
		assert.False(t, created)
		second = a
		return err
	}))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.AccountActive, second.Status)
	assert.True(t, second.CreatedAt.Equal(now))

	byUser, err := s.GetAccountByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byUser.ID)
}

func TestGetMissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAccount(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = s.GetAccountByUser(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetDepositRequest(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrDepositNotFound)
	_, err = s.GetDepositRequestByToken(ctx, "tok")
	assert.ErrorIs(t, err, domain.ErrDepositNotFound)
	_, err = s.GetLoan(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrLoanNotFound)
	_, err = s.GetSchedule(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrLoanNotFound)
	_, err = s.ListTransactions(ctx, 9, domain.TransactionFilter{})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTransactionRefIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var acct *domain.Account
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		var err error
		acct, _, err = tx.EnsureAccount(ctx, "user-1", now)
		if err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &domain.Transaction{
			AccountID: acct.ID, Type: domain.TxDeposit, Amount: 10, BalanceAfter: 10,
			Status: domain.TxCompleted, ExternalRef: "pay-1", CreatedAt: now,
		})
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{
			AccountID: acct.ID, Type: domain.TxDeposit, Amount: 10, Status: domain.TxCompleted,
			ExternalRef: "pay-1", CreatedAt: now,
		})
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateExternalRef)
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.TransactionByRef(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Amount)
		_, err = tx.TransactionByRef(ctx, "pay-2")
		assert.ErrorIs(t, err, domain.ErrTransactionAbsent)
		return nil
	}))
}

func TestFailedCallbackRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, _, err := tx.EnsureAccount(ctx, "user-1", now); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAccountByUser(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestListTransactionsNewestFirstWithFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var a1, a2 *domain.Account
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		a1, _, _ = tx.EnsureAccount(ctx, "user-1", now)
		a2, _, _ = tx.EnsureAccount(ctx, "user-2", now)
		types := []domain.TransactionType{domain.TxDeposit, domain.TxWithdrawal, domain.TxDeposit}
		for i, typ := range types {
			err := tx.InsertTransaction(ctx, &domain.Transaction{
				AccountID: a1.ID, Type: typ, Amount: int64(i + 1), Status: domain.TxCompleted, CreatedAt: now,
			})
			if err != nil {
				return err
			}
		}
		// another account's rows must not leak into a1's listing
		return tx.InsertTransaction(ctx, &domain.Transaction{
			AccountID: a2.ID, Type: domain.TxDeposit, Amount: 99, Status: domain.TxCompleted, CreatedAt: now,
		})
	}))

	all, err := s.ListTransactions(ctx, a1.ID, domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Amount)
	assert.Equal(t, int64(1), all[2].Amount)

	deposits, err := s.ListTransactions(ctx, a1.ID, domain.TransactionFilter{Type: domain.TxDeposit, Limit: 1})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, int64(3), deposits[0].Amount)

	other, err := s.ListTransactions(ctx, a2.ID, domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(99), other[0].Amount)
}

func TestDepositRequestIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &domain.DepositRequest{
		UserID: "user-1", PaymentKey: "tok-1", OrderID: "DEP-1", Status: domain.DepositPending,
		Amount: 500, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertDepositRequest(ctx, req) }))
	assert.NotZero(t, req.ID)

	dup := *req
	dup.OrderID = "DEP-2"
	err := s.InTx(ctx, func(tx store.Tx) error { return tx.InsertDepositRequest(ctx, &dup) })
	assert.ErrorIs(t, err, domain.ErrDuplicatePaymentKey)

	got, err := s.GetDepositRequestByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	pending, err := s.ListPendingDepositRequests(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	notYet, err := s.ListPendingDepositRequests(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockDepositRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		locked.Status = domain.DepositExpired
		return tx.UpdateDepositRequest(ctx, locked)
	}))
	pending, err = s.ListPendingDepositRequests(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduleAndOverdue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := &domain.LoanAccount{UserID: "user-1", Principal: 300, PrincipalBalance: 300, TermPeriods: 3,
		Method: domain.EqualPrincipal, Status: domain.LoanActive, StartDate: now}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		rows := make([]domain.ScheduleRow, 3)
		for i := range rows {
			rows[i] = domain.ScheduleRow{LoanID: loan.ID, Period: i + 1, DueDate: now.AddDate(0, i+1, 0),
				Principal: 100, Status: domain.RowUnpaid}
		}
		return tx.InsertScheduleRows(ctx, rows)
	}))

	var marked int64
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		var err error
		marked, err = tx.MarkOverdue(ctx, now.AddDate(0, 2, 1))
		return err
	}))
	assert.Equal(t, int64(2), marked)

	rows, err := s.GetSchedule(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].Period)
	assert.Equal(t, domain.RowOverdue, rows[0].Status)
	assert.Equal(t, domain.RowOverdue, rows[1].Status)
	assert.Equal(t, domain.RowUnpaid, rows[2].Status)
}

func TestRepaymentRefIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := &domain.LoanAccount{UserID: "user-1", Principal: 100, PrincipalBalance: 100, TermPeriods: 1,
		Status: domain.LoanActive, StartDate: now}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		return tx.InsertRepayment(ctx, &domain.RepaymentTransaction{
			TransactionNumber: "RP-1", LoanID: loan.ID, Amount: 50, ExternalRef: "ref-1",
			Status: domain.TxCompleted, CreatedAt: now,
		})
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertRepayment(ctx, &domain.RepaymentTransaction{
			TransactionNumber: "RP-2", LoanID: loan.ID, Amount: 50, ExternalRef: "ref-1", CreatedAt: now,
		})
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateExternalRef)

	history, err := s.ListRepayments(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "RP-1", history[0].TransactionNumber)
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.InTx(ctx, func(tx store.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.GetAccount(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
