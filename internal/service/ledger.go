package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// LedgerService owns every balance mutation on virtual accounts.
type LedgerService struct {
	store store.Store
	Now   func() time.Time
}

func NewLedgerService(s store.Store) *LedgerService {
	return &LedgerService{store: s, Now: time.Now}
}

// mutation is one requested change to a locked account.
type mutation struct {
	Type        domain.TransactionType
	Amount      int64
	ExternalRef string
	Description string
}

// applyToAccount mutates an account the caller has already locked inside tx,
// writes the immutable transaction row and persists the account. Nothing is
// written when it returns an error; the caller's tx must then be rolled back.
func applyToAccount(ctx context.Context, tx store.Tx, acct *domain.Account, m mutation, now time.Time) (*domain.Transaction, error) {
	if m.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !m.Type.Valid() {
		return nil, domain.Validationf("unknown transaction type %q", m.Type)
	}
	if acct.Status != domain.AccountActive {
		return nil, fmt.Errorf("account %d is %s: %w", acct.ID, acct.Status, domain.ErrAccountInactive)
	}
	if m.ExternalRef != "" {
		_, err := tx.TransactionByRef(ctx, m.ExternalRef)
		if err == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateExternalRef, m.ExternalRef)
		}
		if !errors.Is(err, domain.ErrTransactionAbsent) {
			return nil, err
		}
	}

	before := acct.AvailableBalance
	if m.Type.IsCredit() {
		if before > math.MaxInt64-m.Amount {
			return nil, domain.Validationf("credit of %d would overflow account %d", m.Amount, acct.ID)
		}
		acct.AvailableBalance += m.Amount
		acct.TotalDeposited += m.Amount
	} else {
		if before < m.Amount {
			return nil, fmt.Errorf("account %d has %d available, %d requested: %w",
				acct.ID, before, m.Amount, domain.ErrInsufficientFunds)
		}
		acct.AvailableBalance -= m.Amount
		if m.Type == domain.TxRepayment {
			acct.AppliedRepayments += m.Amount
		} else {
			acct.TotalWithdrawn += m.Amount
		}
	}
	acct.LastTransactionAt = &now
	acct.UpdatedAt = now

	t := &domain.Transaction{
		AccountID:     acct.ID,
		Type:          m.Type,
		Amount:        m.Amount,
		BalanceBefore: before,
		BalanceAfter:  acct.AvailableBalance,
		Status:        domain.TxCompleted,
		ExternalRef:   m.ExternalRef,
		Description:   m.Description,
		CreatedAt:     now,
		CompletedAt:   &now,
	}

	if err := errors.Join(t.CheckDelta(), acct.CheckBalance()); err != nil {
		logger.CtxError(ctx, "ledger invariant violated, aborting mutation", err,
			zap.Int64("account_id", acct.ID),
			zap.String("type", string(m.Type)),
			zap.Int64("amount", m.Amount),
			zap.Int64("balance_before", before),
			zap.String("external_ref", m.ExternalRef),
		)
		return nil, err
	}

	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return t, nil
}

// ApplyTransaction applies one mutation to an account atomically. A non-empty
// externalRef can be used at most once across the whole ledger: replaying it
// with the same account, type and amount returns the stored row with
// replayed set, anything else is an ErrIdempotencyMismatch.
func (s *LedgerService) ApplyTransaction(ctx context.Context, accountID int64, typ domain.TransactionType, amount int64, externalRef string) (*domain.Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, domain.ErrInvalidAmount
	}

	var (
		out      *domain.Transaction
		replayed bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		prior, err := priorTransaction(ctx, tx, externalRef)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.AccountID != accountID || prior.Type != typ || prior.Amount != amount {
				return fmt.Errorf("reference %s: %w", externalRef, domain.ErrIdempotencyMismatch)
			}
			out, replayed = prior, true
			return nil
		}
		out, err = applyToAccount(ctx, tx, acct, mutation{
			Type:        typ,
			Amount:      amount,
			ExternalRef: externalRef,
			Description: strings.ToLower(string(typ)),
		}, s.Now())
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if replayed {
		return out, true, nil
	}

	ledgerMutationsTotal.WithLabelValues(string(typ)).Inc()
	logger.CtxDebug(ctx, "ledger mutation applied",
		zap.Int64("account_id", accountID),
		zap.Int64("transaction_id", out.ID),
		zap.String("type", string(typ)),
		zap.Int64("balance_after", out.BalanceAfter),
	)
	return out, false, nil
}

// priorTransaction returns the row already recorded under ref, or nil.
func priorTransaction(ctx context.Context, tx store.Tx, ref string) (*domain.Transaction, error) {
	if ref == "" {
		return nil, nil
	}
	t, err := tx.TransactionByRef(ctx, ref)
	if errors.Is(err, domain.ErrTransactionAbsent) {
		return nil, nil
	}
	return t, err
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Debit          *domain.Transaction `json:"debit"`
	Credit         *domain.Transaction `json:"credit"`
	AlreadyApplied bool                `json:"already_applied"`
}

// Transfer moves amount between two accounts in one atomic unit. Accounts are
// locked in ascending ID order so concurrent opposite transfers cannot deadlock.
// A replayed externalRef with the same accounts and amount returns the stored
// legs with AlreadyApplied set.
func (s *LedgerService) Transfer(ctx context.Context, fromID, toID, amount int64, externalRef string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if fromID == toID {
		return nil, domain.Validationf("self-transfer not allowed")
	}

	var debitRef, creditRef string
	if externalRef != "" {
		debitRef, creditRef = externalRef+":out", externalRef+":in"
	}

	res := &TransferResult{}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		// Deterministic Locking (Deadlock Prevention)
		first, second := fromID, toID
		if first > second {
			first, second = second, first
		}
		locked := make(map[int64]*domain.Account, 2)
		for _, id := range []int64{first, second} {
			acct, err := tx.LockAccount(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = acct
		}

		// Idempotency Check
		debit, err := priorTransaction(ctx, tx, debitRef)
		if err != nil {
			return err
		}
		if debit != nil {
			credit, err := priorTransaction(ctx, tx, creditRef)
			if err != nil {
				return err
			}
			if credit == nil || debit.AccountID != fromID || credit.AccountID != toID || debit.Amount != amount {
				return fmt.Errorf("reference %s: %w", externalRef, domain.ErrIdempotencyMismatch)
			}
			res.Debit, res.Credit, res.AlreadyApplied = debit, credit, true
			return nil
		}

		now := s.Now()
		res.Debit, err = applyToAccount(ctx, tx, locked[fromID], mutation{
			Type: domain.TxTransferOut, Amount: amount, ExternalRef: debitRef,
			Description: fmt.Sprintf("transfer to account %d", toID),
		}, now)
		if err != nil {
			return err
		}
		res.Credit, err = applyToAccount(ctx, tx, locked[toID], mutation{
			Type: domain.TxTransferIn, Amount: amount, ExternalRef: creditRef,
			Description: fmt.Sprintf("transfer from account %d", fromID),
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyApplied {
		return res, nil
	}

	ledgerMutationsTotal.WithLabelValues(string(domain.TxTransferOut)).Inc()
	ledgerMutationsTotal.WithLabelValues(string(domain.TxTransferIn)).Inc()
	return res, nil
}

// OpenAccount returns the user's virtual account, creating it on first use.
func (s *LedgerService) OpenAccount(ctx context.Context, userID string) (*domain.Account, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, domain.Validationf("user id is required")
	}
	var (
		acct    *domain.Account
		created bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		acct, created, err = tx.EnsureAccount(ctx, userID, s.Now())
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.CtxInfo(ctx, "virtual account opened", zap.Int64("account_id", acct.ID), zap.String("user_id", userID))
	}
	return acct, created, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *LedgerService) GetAccountByUser(ctx context.Context, userID string) (*domain.Account, error) {
	return s.store.GetAccountByUser(ctx, userID)
}

func (s *LedgerService) ListTransactions(ctx context.Context, accountID int64, f domain.TransactionFilter) ([]domain.Transaction, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, domain.Validationf("unknown transaction type %q", f.Type)
	}
	return s.store.ListTransactions(ctx, accountID, f)
}
