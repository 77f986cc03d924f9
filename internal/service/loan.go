package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/amortization"
	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/events"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// PartialPolicy decides whether a repayment smaller than the next scheduled
// payment is accepted.
type PartialPolicy string

const (
	PartialAccept PartialPolicy = "accept"
	PartialReject PartialPolicy = "reject"
)

// LoanService opens loans with a generated schedule and applies repayments
// against it.
type LoanService struct {
	store     store.Store
	publisher events.Publisher
	partial   PartialPolicy
	Now       func() time.Time
}

func NewLoanService(s store.Store, pub events.Publisher, partial PartialPolicy) *LoanService {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if partial == "" {
		partial = PartialAccept
	}
	return &LoanService{store: s, publisher: pub, partial: partial, Now: time.Now}
}

type OpenLoanInput struct {
	UserID        string
	AccountID     *int64
	Principal     int64
	AnnualRateBps int64
	TermPeriods   int
	Method        domain.RepaymentMethod
	StartDate     time.Time
}

// OpenLoan generates the schedule and persists the loan with its rows in one
// unit. The loan's balances are derived from the schedule.
func (s *LoanService) OpenLoan(ctx context.Context, in OpenLoanInput) (*domain.LoanAccount, []domain.ScheduleRow, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, nil, domain.Validationf("user id is required")
	}
	now := s.Now()
	if in.StartDate.IsZero() {
		in.StartDate = now
	}

	plan, err := amortization.GenerateSchedule(amortization.Params{
		Principal:     in.Principal,
		AnnualRateBps: in.AnnualRateBps,
		Periods:       in.TermPeriods,
		Method:        in.Method,
		StartDate:     in.StartDate,
	})
	if err != nil {
		return nil, nil, err
	}

	first := plan[0]
	loan := &domain.LoanAccount{
		UserID:            in.UserID,
		AccountID:         in.AccountID,
		Principal:         in.Principal,
		PrincipalBalance:  in.Principal,
		AccruedInterest:   amortization.TotalInterest(plan),
		NextPaymentAmount: first.Payment,
		NextPaymentDate:   &first.DueDate,
		MonthlyPayment:    first.Payment,
		TermPeriods:       in.TermPeriods,
		AnnualRateBps:     in.AnnualRateBps,
		Method:            in.Method,
		Status:            domain.LoanActive,
		StartDate:         in.StartDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var rows []domain.ScheduleRow
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if in.AccountID != nil {
			acct, err := tx.LockAccount(ctx, *in.AccountID)
			if err != nil {
				return err
			}
			if acct.UserID != in.UserID {
				return domain.Validationf("account %d does not belong to user %s", acct.ID, in.UserID)
			}
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		rows = make([]domain.ScheduleRow, len(plan))
		for i, p := range plan {
			rows[i] = domain.ScheduleRow{
				LoanID:    loan.ID,
				Period:    p.Period,
				DueDate:   p.DueDate,
				Principal: p.Principal,
				Interest:  p.Interest,
				Status:    domain.RowUnpaid,
			}
		}
		return tx.InsertScheduleRows(ctx, rows)
	})
	if err != nil {
		return nil, nil, err
	}

	logger.CtxInfo(ctx, "loan opened",
		zap.Int64("loan_id", loan.ID),
		zap.String("user_id", loan.UserID),
		zap.Int64("principal", loan.Principal),
		zap.String("method", string(loan.Method)),
		zap.Int("periods", loan.TermPeriods),
	)
	return loan, rows, nil
}

func (s *LoanService) GetLoan(ctx context.Context, id int64) (*domain.LoanAccount, error) {
	return s.store.GetLoan(ctx, id)
}

func (s *LoanService) GetSchedule(ctx context.Context, loanID int64) ([]domain.ScheduleRow, error) {
	if _, err := s.store.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, loanID)
}

func (s *LoanService) GetRepaymentHistory(ctx context.Context, loanID int64) ([]domain.RepaymentTransaction, error) {
	if _, err := s.store.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return s.store.ListRepayments(ctx, loanID)
}

// MarkOverdue flags every unpaid row due before asOf. It never touches money.
func (s *LoanService) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	var n int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.MarkOverdue(ctx, asOf)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.CtxInfo(ctx, "schedule rows marked overdue", zap.Int64("rows", n), zap.Time("as_of", asOf))
	}
	return n, nil
}
