package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountCheckBalance(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		wantErr bool
	}{
		{"empty", Account{}, false},
		{"consistent", Account{AvailableBalance: 700, FrozenBalance: 100, TotalDeposited: 1000, TotalWithdrawn: 150, AppliedRepayments: 50}, false},
		{"buckets disagree", Account{AvailableBalance: 701, TotalDeposited: 1000, TotalWithdrawn: 300}, true},
		{"negative available", Account{AvailableBalance: -1, FrozenBalance: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.account.CheckBalance()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvariantViolation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransactionCheckDelta(t *testing.T) {
	assert.NoError(t, (&Transaction{Type: TxDeposit, Amount: 50, BalanceBefore: 100, BalanceAfter: 150}).CheckDelta())
	assert.NoError(t, (&Transaction{Type: TxRepayment, Amount: 50, BalanceBefore: 100, BalanceAfter: 50}).CheckDelta())
	assert.ErrorIs(t, (&Transaction{Type: TxFee, Amount: 50, BalanceBefore: 100, BalanceAfter: 150}).CheckDelta(), ErrInvariantViolation)
}

func TestTransactionTypeClassification(t *testing.T) {
	for _, typ := range []TransactionType{TxDeposit, TxTransferIn, TxInterest} {
		assert.True(t, typ.IsCredit(), typ)
	}
	for _, typ := range []TransactionType{TxWithdrawal, TxTransferOut, TxFee, TxRepayment} {
		assert.False(t, typ.IsCredit(), typ)
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, TransactionType("REFUND").Valid())
}

func TestDepositStatusTerminal(t *testing.T) {
	assert.False(t, DepositPending.Terminal())
	assert.True(t, DepositCompleted.Terminal())
	assert.True(t, DepositExpired.Terminal())
	assert.True(t, DepositCancelled.Terminal())
}

func TestScheduleRowOutstanding(t *testing.T) {
	row := ScheduleRow{Principal: 94619, Interest: 12000, PaidInterest: 12000, PaidPrincipal: 619, Status: RowOverdue}
	assert.Equal(t, int64(0), row.OutstandingInterest())
	assert.Equal(t, int64(94000), row.OutstandingPrincipal())
	assert.Equal(t, int64(94000), row.Outstanding())
	assert.True(t, row.Open())

	row.Status = RowPaid
	assert.False(t, row.Open())
}

func TestErrorClasses(t *testing.T) {
	assert.ErrorIs(t, ErrIdempotencyMismatch, ErrConflict)
	assert.ErrorIs(t, ErrOverpayment, ErrValidation)
	assert.ErrorIs(t, ErrDepositNotFound, ErrNotFound)
	assert.ErrorIs(t, Validationf("bad %s", "input"), ErrValidation)
	assert.EqualError(t, Validationf("bad %s", "input"), "bad input: validation error")

	cause := errors.New("dial tcp: refused")
	err := Upstreamf(cause, "gateway status")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, Upstreamf(nil, "gateway status"), ErrUpstreamUnavailable)
}
