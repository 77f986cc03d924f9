package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

func (t *boltTx) EnsureAccount(ctx context.Context, userID string, now time.Time) (*domain.Account, bool, error) {
	var a domain.Account
	err := getByIndex(t.tx, bucketAccountsByUser, bucketAccounts, []byte(userID), &a, domain.ErrAccountNotFound)
	if err == nil {
		return &a, false, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, false, err
	}

	accounts := t.bucket(bucketAccounts)
	id, err := nextID(accounts)
	if err != nil {
		return nil, false, err
	}
	a = domain.Account{
		ID:        id,
		UserID:    userID,
		Status:    domain.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := putJSON(accounts, itob(id), &a); err != nil {
		return nil, false, err
	}
	if err := t.bucket(bucketAccountsByUser).Put([]byte(userID), itob(id)); err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

func (t *boltTx) LockAccount(_ context.Context, id int64) (*domain.Account, error) {
	var a domain.Account
	if err := getByID(t.tx, bucketAccounts, id, &a, domain.ErrAccountNotFound); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *boltTx) UpdateAccount(_ context.Context, a *domain.Account) error {
	accounts := t.bucket(bucketAccounts)
	if accounts.Get(itob(a.ID)) == nil {
		return domain.ErrAccountNotFound
	}
	return putJSON(accounts, itob(a.ID), a)
}

func (t *boltTx) InsertTransaction(_ context.Context, tr *domain.Transaction) error {
	byRef := t.bucket(bucketTxByRef)
	if tr.ExternalRef != "" && byRef.Get([]byte(tr.ExternalRef)) != nil {
		return domain.ErrDuplicateExternalRef
	}
	txs := t.bucket(bucketTransactions)
	id, err := nextID(txs)
	if err != nil {
		return err
	}
	tr.ID = id
	if err := putJSON(txs, itob(id), tr); err != nil {
		return err
	}
	if tr.ExternalRef != "" {
		if err := byRef.Put([]byte(tr.ExternalRef), itob(id)); err != nil {
			return err
		}
	}
	return t.bucket(bucketTxByAccount).Put(compositeKey(tr.AccountID, id), []byte{})
}

func (t *boltTx) TransactionByRef(_ context.Context, ref string) (*domain.Transaction, error) {
	var tr domain.Transaction
	if err := getByIndex(t.tx, bucketTxByRef, bucketTransactions, []byte(ref), &tr, domain.ErrTransactionAbsent); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *boltTx) InsertDepositRequest(_ context.Context, d *domain.DepositRequest) error {
	byToken, byOrder := t.bucket(bucketDepositsByToken), t.bucket(bucketDepositsByOrder)
	if byToken.Get([]byte(d.PaymentKey)) != nil || byOrder.Get([]byte(d.OrderID)) != nil {
		return domain.ErrDuplicatePaymentKey
	}
	deposits := t.bucket(bucketDeposits)
	id, err := nextID(deposits)
	if err != nil {
		return err
	}
	d.ID = id
	if err := putJSON(deposits, itob(id), d); err != nil {
		return err
	}
	if err := byToken.Put([]byte(d.PaymentKey), itob(id)); err != nil {
		return err
	}
	return byOrder.Put([]byte(d.OrderID), itob(id))
}

func (t *boltTx) LockDepositRequest(_ context.Context, id int64) (*domain.DepositRequest, error) {
	var d domain.DepositRequest
	if err := getByID(t.tx, bucketDeposits, id, &d, domain.ErrDepositNotFound); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *boltTx) UpdateDepositRequest(_ context.Context, d *domain.DepositRequest) error {
	deposits := t.bucket(bucketDeposits)
	if deposits.Get(itob(d.ID)) == nil {
		return domain.ErrDepositNotFound
	}
	return putJSON(deposits, itob(d.ID), d)
}

func (t *boltTx) InsertLoan(_ context.Context, l *domain.LoanAccount) error {
	loans := t.bucket(bucketLoans)
	id, err := nextID(loans)
	if err != nil {
		return err
	}
	l.ID = id
	return putJSON(loans, itob(id), l)
}

func (t *boltTx) LockLoan(_ context.Context, id int64) (*domain.LoanAccount, error) {
	var l domain.LoanAccount
	if err := getByID(t.tx, bucketLoans, id, &l, domain.ErrLoanNotFound); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *boltTx) UpdateLoan(_ context.Context, l *domain.LoanAccount) error {
	loans := t.bucket(bucketLoans)
	if loans.Get(itob(l.ID)) == nil {
		return domain.ErrLoanNotFound
	}
	return putJSON(loans, itob(l.ID), l)
}

func (t *boltTx) InsertScheduleRows(_ context.Context, rows []domain.ScheduleRow) error {
	schedule := t.bucket(bucketSchedule)
	for i := range rows {
		if err := putJSON(schedule, compositeKey(rows[i].LoanID, int64(rows[i].Period)), &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) ScheduleRows(_ context.Context, loanID int64) ([]domain.ScheduleRow, error) {
	return loadSchedule(t.tx, loanID)
}

func (t *boltTx) UpdateScheduleRow(_ context.Context, r *domain.ScheduleRow) error {
	return putJSON(t.bucket(bucketSchedule), compositeKey(r.LoanID, int64(r.Period)), r)
}

func (t *boltTx) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	schedule := t.bucket(bucketSchedule)

	// collect first: bolt cursors must not be used across Put on the same bucket
	type pending struct {
		key []byte
		row domain.ScheduleRow
	}
	var due []pending
	err := schedule.ForEach(func(k, v []byte) error {
		var r domain.ScheduleRow
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.Status == domain.RowUnpaid && r.DueDate.Before(asOf) {
			due = append(due, pending{key: append([]byte(nil), k...), row: r})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range due {
		due[i].row.Status = domain.RowOverdue
		if err := putJSON(schedule, due[i].key, &due[i].row); err != nil {
			return 0, err
		}
	}
	return int64(len(due)), nil
}

func (t *boltTx) InsertRepayment(_ context.Context, r *domain.RepaymentTransaction) error {
	byRef, byNum := t.bucket(bucketRepaymentsByRef), t.bucket(bucketRepaymentsByNum)
	if byRef.Get([]byte(r.ExternalRef)) != nil || byNum.Get([]byte(r.TransactionNumber)) != nil {
		return domain.ErrDuplicateExternalRef
	}
	reps := t.bucket(bucketRepayments)
	id, err := nextID(reps)
	if err != nil {
		return err
	}
	r.ID = id
	if err := putJSON(reps, itob(id), r); err != nil {
		return err
	}
	if err := byRef.Put([]byte(r.ExternalRef), itob(id)); err != nil {
		return err
	}
	if err := byNum.Put([]byte(r.TransactionNumber), itob(id)); err != nil {
		return err
	}
	return t.bucket(bucketRepaymentsLoan).Put(compositeKey(r.LoanID, id), []byte{})
}

func (t *boltTx) RepaymentByRef(_ context.Context, ref string) (*domain.RepaymentTransaction, error) {
	var r domain.RepaymentTransaction
	if err := getByIndex(t.tx, bucketRepaymentsByRef, bucketRepayments, []byte(ref), &r, domain.ErrRepaymentAbsent); err != nil {
		return nil, err
	}
	return &r, nil
}
