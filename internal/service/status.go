package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// StatusQuery is what a client sends after returning from the checkout
// page. Exactly one of AccountID or LoanID selects the target.
type StatusQuery struct {
	AccountID *int64
	LoanID    *int64
	Token     string
	OrderID   string
	Amount    int64
}

type StatusResult struct {
	Status           domain.DepositStatus `json:"status"`
	IsProcessed      bool                 `json:"is_processed"`
	ResultingBalance int64                `json:"resulting_balance"`
}

// StatusService answers client status checks by reconciling on demand.
type StatusService struct {
	store      store.Reader
	reconciler *Reconciler
	loans      *LoanService
}

func NewStatusService(s store.Reader, r *Reconciler, loans *LoanService) *StatusService {
	return &StatusService{store: s, reconciler: r, loans: loans}
}

// CheckStatus verifies the query against the recorded request, reconciles it
// and reports the target's balance. For a loan target a completed deposit is
// applied as a repayment keyed by the payment token, so repeated checks
// apply it once.
func (s *StatusService) CheckStatus(ctx context.Context, q StatusQuery) (*StatusResult, error) {
	if (q.AccountID == nil) == (q.LoanID == nil) {
		return nil, domain.Validationf("exactly one of account id or loan id is required")
	}
	if q.Token == "" || q.OrderID == "" {
		return nil, domain.Validationf("payment token and order id are required")
	}

	req, err := s.store.GetDepositRequestByToken(ctx, q.Token)
	if err != nil {
		return nil, err
	}
	if req.OrderID != q.OrderID || req.Amount != q.Amount {
		logger.CtxWarn(ctx, "status check does not match deposit request",
			zap.Int64("request_id", req.ID), zap.String("order_id", q.OrderID), zap.Int64("amount", q.Amount))
		return nil, domain.Validationf("payment details do not match the deposit request")
	}

	if q.AccountID != nil {
		// A depositor without an account owns no account yet, so any ID is foreign.
		acct, err := s.store.GetAccountByUser(ctx, req.UserID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return nil, domain.Validationf("deposit request does not belong to account %d", *q.AccountID)
		case err != nil:
			return nil, err
		case acct.ID != *q.AccountID:
			return nil, domain.Validationf("deposit request does not belong to account %d", *q.AccountID)
		}
	}

	var loan *domain.LoanAccount
	if q.LoanID != nil {
		loan, err = s.store.GetLoan(ctx, *q.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.UserID != req.UserID {
			return nil, domain.Validationf("deposit request does not belong to the borrower of loan %d", loan.ID)
		}
	}

	res, err := s.reconciler.Reconcile(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := &StatusResult{Status: res.Status, IsProcessed: res.Status == domain.DepositCompleted}

	if loan == nil {
		if res.Account != nil {
			out.ResultingBalance = res.Account.AvailableBalance
		} else if acct, err := s.store.GetAccountByUser(ctx, req.UserID); err == nil {
			out.ResultingBalance = acct.AvailableBalance
		}
		return out, nil
	}

	if out.IsProcessed {
		rep, err := s.loans.ApplyRepayment(ctx, ApplyRepaymentInput{
			LoanID:          loan.ID,
			Amount:          req.Amount,
			ExternalRef:     req.PaymentKey,
			SourceAccountID: res.Request.AccountID,
		})
		if err != nil {
			return nil, err
		}
		loan = rep.Loan
	}
	out.ResultingBalance = loan.PrincipalBalance + loan.AccruedInterest
	return out, nil
}
