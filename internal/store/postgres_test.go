package store_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// newPostgresStore connects to LEDGER_TEST_DB_SOURCE, skipping when unset.
func newPostgresStore(t *testing.T) *store.Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DB_SOURCE not set")
	}
	ctx := context.Background()
	s, err := store.NewPostgres(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresUniqueRefMapsToConflict(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	user := "pg-" + uuid.NewString()
	ref := "ref-" + uuid.NewString()

	var acct *domain.Account
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		var err error
		acct, _, err = tx.EnsureAccount(ctx, user, time.Now())
		if err != nil {
			return err
		}
		acct.AvailableBalance, acct.TotalDeposited = 5, 5
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &domain.Transaction{
			AccountID: acct.ID, Type: domain.TxDeposit, Amount: 5, BalanceAfter: 5,
			Status: domain.TxCompleted, ExternalRef: ref, CreatedAt: time.Now(),
		})
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{
			AccountID: acct.ID, Type: domain.TxDeposit, Amount: 5, Status: domain.TxCompleted,
			ExternalRef: ref, CreatedAt: time.Now(),
		})
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateExternalRef)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.AvailableBalance)
}

func TestPostgresRowLockSerializesIncrements(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	user := "pg-" + uuid.NewString()

	var id int64
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		a, _, err := tx.EnsureAccount(ctx, user, time.Now())
		id = a.ID
		return err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InTx(ctx, func(tx store.Tx) error {
				a, err := tx.LockAccount(ctx, id)
				if err != nil {
					return err
				}
				a.AvailableBalance++
				a.TotalDeposited++
				if err := tx.UpdateAccount(ctx, a); err != nil {
					return err
				}
				return tx.InsertTransaction(ctx, &domain.Transaction{
					AccountID: id, Type: domain.TxDeposit, Amount: 1, Status: domain.TxCompleted,
					ExternalRef: fmt.Sprintf("%s-%d", user, i), CreatedAt: time.Now(),
				})
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.AvailableBalance)
}
