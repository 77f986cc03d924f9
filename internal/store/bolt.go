package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// Bucket names. Index buckets map a secondary key to the primary ID.
var (
	bucketAccounts        = []byte("accounts")
	bucketAccountsByUser  = []byte("accounts_by_user")
	bucketTransactions    = []byte("transactions")
	bucketTxByRef         = []byte("transactions_by_ref")
	bucketTxByAccount     = []byte("transactions_by_account")
	bucketDeposits        = []byte("deposit_requests")
	bucketDepositsByToken = []byte("deposit_requests_by_token")
	bucketDepositsByOrder = []byte("deposit_requests_by_order")
	bucketLoans           = []byte("loan_accounts")
	bucketSchedule        = []byte("schedule_rows")
	bucketRepayments      = []byte("repayment_transactions")
	bucketRepaymentsByRef = []byte("repayment_transactions_by_ref")
	bucketRepaymentsByNum = []byte("repayment_transactions_by_number")
	bucketRepaymentsLoan  = []byte("repayment_transactions_by_loan")

	allBuckets = [][]byte{
		bucketAccounts, bucketAccountsByUser, bucketTransactions, bucketTxByRef, bucketTxByAccount,
		bucketDeposits, bucketDepositsByToken, bucketDepositsByOrder, bucketLoans, bucketSchedule,
		bucketRepayments, bucketRepaymentsByRef, bucketRepaymentsByNum, bucketRepaymentsLoan,
	}
)

// Bolt is the embedded Store. BoltDB allows one write transaction at a time,
// so every InTx callback is exclusive and Lock* methods need no extra locking.
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// NewBolt opens (or creates) the database file at path and ensures every bucket exists.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("unable to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() {
	s.db.Close()
}

func (s *Bolt) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *Bolt) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Bolt) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var a domain.Account
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getByID(tx, bucketAccounts, id, &a, domain.ErrAccountNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Bolt) GetAccountByUser(ctx context.Context, userID string) (*domain.Account, error) {
	var a domain.Account
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getByIndex(tx, bucketAccountsByUser, bucketAccounts, []byte(userID), &a, domain.ErrAccountNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListTransactions returns an account's transactions, newest first.
func (s *Bolt) ListTransactions(ctx context.Context, accountID int64, f domain.TransactionFilter) ([]domain.Transaction, error) {
	limit := listLimit(f.Limit)
	out := []domain.Transaction{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAccounts).Get(itob(accountID)) == nil {
			return domain.ErrAccountNotFound
		}
		prefix := itob(accountID)
		txs := tx.Bucket(bucketTransactions)
		c := tx.Bucket(bucketTxByAccount).Cursor()

		// seek past the last key carrying the prefix, then walk backwards
		k, _ := c.Seek(itob(accountID + 1))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, _ = c.Prev() {
			var t domain.Transaction
			if err := json.Unmarshal(txs.Get(k[8:]), &t); err != nil {
				return err
			}
			if f.Type != "" && t.Type != f.Type {
				continue
			}
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) GetDepositRequest(ctx context.Context, id int64) (*domain.DepositRequest, error) {
	var d domain.DepositRequest
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getByID(tx, bucketDeposits, id, &d, domain.ErrDepositNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Bolt) GetDepositRequestByToken(ctx context.Context, paymentKey string) (*domain.DepositRequest, error) {
	var d domain.DepositRequest
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getByIndex(tx, bucketDepositsByToken, bucketDeposits, []byte(paymentKey), &d, domain.ErrDepositNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Bolt) ListPendingDepositRequests(ctx context.Context, expiresBefore time.Time, limit int) ([]domain.DepositRequest, error) {
	out := []domain.DepositRequest{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeposits).ForEach(func(_, v []byte) error {
			var d domain.DepositRequest
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Status == domain.DepositPending && d.ExpiresAt.Before(expiresBefore) {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Bolt) GetLoan(ctx context.Context, id int64) (*domain.LoanAccount, error) {
	var l domain.LoanAccount
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getByID(tx, bucketLoans, id, &l, domain.ErrLoanNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Bolt) GetSchedule(ctx context.Context, loanID int64) ([]domain.ScheduleRow, error) {
	var rows []domain.ScheduleRow
	err := s.view(ctx, func(tx *bolt.Tx) error {
		if tx.Bucket(bucketLoans).Get(itob(loanID)) == nil {
			return domain.ErrLoanNotFound
		}
		var err error
		rows, err = loadSchedule(tx, loanID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Bolt) ListRepayments(ctx context.Context, loanID int64) ([]domain.RepaymentTransaction, error) {
	out := []domain.RepaymentTransaction{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		if tx.Bucket(bucketLoans).Get(itob(loanID)) == nil {
			return domain.ErrLoanNotFound
		}
		prefix := itob(loanID)
		reps := tx.Bucket(bucketRepayments)
		c := tx.Bucket(bucketRepaymentsLoan).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var r domain.RepaymentTransaction
			if err := json.Unmarshal(reps.Get(k[8:]), &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func loadSchedule(tx *bolt.Tx, loanID int64) ([]domain.ScheduleRow, error) {
	rows := []domain.ScheduleRow{}
	prefix := itob(loanID)
	c := tx.Bucket(bucketSchedule).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var r domain.ScheduleRow
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// itob encodes an ID as an 8-byte big-endian key so cursor order matches numeric order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// compositeKey joins two IDs, e.g. accountID|transactionID.
func compositeKey(a, b int64) []byte {
	return append(itob(a), itob(b)...)
}

func getByID(tx *bolt.Tx, bucket []byte, id int64, v any, missing error) error {
	data := tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return missing
	}
	return json.Unmarshal(data, v)
}

func getByIndex(tx *bolt.Tx, index, bucket, key []byte, v any, missing error) error {
	id := tx.Bucket(index).Get(key)
	if id == nil {
		return missing
	}
	return getByID(tx, bucket, btoi(id), v, missing)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// nextID allocates the next sequence value of bucket. Rolled back with the transaction.
func nextID(b *bolt.Bucket) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}
