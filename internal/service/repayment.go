package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/events"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

type ApplyRepaymentInput struct {
	LoanID      int64
	Amount      int64
	ExternalRef string
	// SourceAccountID, when set, debits the repayment from that virtual
	// account in the same unit of work.
	SourceAccountID *int64
}

type RepaymentResult struct {
	Repayment         *domain.RepaymentTransaction `json:"repayment"`
	Loan              *domain.LoanAccount          `json:"loan"`
	LedgerTransaction *domain.Transaction          `json:"ledger_transaction,omitempty"`
	AlreadyApplied    bool                         `json:"already_applied"`
}

// ApplyRepayment allocates amount across the loan's open schedule rows in
// period order, interest before principal within each row. ExternalRef makes
// the call idempotent: a replay returns the original result untouched.
func (s *LoanService) ApplyRepayment(ctx context.Context, in ApplyRepaymentInput) (*RepaymentResult, error) {
	ctx, span := tracer.Start(ctx, "LoanService.ApplyRepayment")
	defer span.End()
	span.SetAttributes(attribute.Int64("loan.id", in.LoanID), attribute.Int64("amount", in.Amount))

	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(in.ExternalRef) == "" {
		return nil, domain.Validationf("external reference is required")
	}

	var (
		res *RepaymentResult
		err error
	)
	// A concurrent first application of the same reference against another
	// loan surfaces as a unique violation; the second attempt reads it back.
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.applyRepayment(ctx, in)
		if !errors.Is(err, domain.ErrDuplicateExternalRef) {
			break
		}
	}
	if err != nil {
		repaymentsTotal.WithLabelValues("rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if res.AlreadyApplied {
		repaymentsTotal.WithLabelValues("replayed").Inc()
		return res, nil
	}

	repaymentsTotal.WithLabelValues("applied").Inc()
	rep, loan := res.Repayment, res.Loan
	logger.CtxInfo(ctx, "repayment applied",
		zap.Int64("loan_id", loan.ID),
		zap.String("transaction_number", rep.TransactionNumber),
		zap.Int64("amount", rep.Amount),
		zap.Int64("principal_applied", rep.PrincipalApplied),
		zap.Int64("interest_applied", rep.InterestApplied),
		zap.Int("rows_settled", rep.RowsSettled),
		zap.Int64("principal_balance", loan.PrincipalBalance),
	)
	publish(ctx, s.publisher, events.Event{
		Type:       events.TypeRepaymentApplied,
		Key:        idKey(loan.ID),
		OccurredAt: rep.CreatedAt,
		Payload: events.RepaymentApplied{
			LoanID:            loan.ID,
			TransactionNumber: rep.TransactionNumber,
			Amount:            rep.Amount,
			PrincipalApplied:  rep.PrincipalApplied,
			InterestApplied:   rep.InterestApplied,
			PrincipalBalance:  loan.PrincipalBalance,
			LoanStatus:        string(loan.Status),
		},
	})
	if loan.Status == domain.LoanClosed {
		publish(ctx, s.publisher, events.Event{
			Type:       events.TypeLoanClosed,
			Key:        idKey(loan.ID),
			OccurredAt: loan.UpdatedAt,
			Payload:    loan,
		})
	}
	return res, nil
}

// applyRepayment is one attempt. Lock order is loan then account.
func (s *LoanService) applyRepayment(ctx context.Context, in ApplyRepaymentInput) (*RepaymentResult, error) {
	res := &RepaymentResult{}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		loan, err := tx.LockLoan(ctx, in.LoanID)
		if err != nil {
			return err
		}

		prior, err := tx.RepaymentByRef(ctx, in.ExternalRef)
		switch {
		case err == nil:
			if !samePayload(prior, in) {
				return fmt.Errorf("reference %s: %w", in.ExternalRef, domain.ErrIdempotencyMismatch)
			}
			res.Repayment, res.Loan, res.AlreadyApplied = prior, loan, true
			return nil
		case !errors.Is(err, domain.ErrRepaymentAbsent):
			return err
		}

		if loan.Status == domain.LoanClosed {
			return fmt.Errorf("loan %d: %w", loan.ID, domain.ErrScheduleExhausted)
		}
		rows, err := tx.ScheduleRows(ctx, loan.ID)
		if err != nil {
			return err
		}

		now := s.Now()
		alloc, err := s.allocate(loan, rows, in.Amount, now)
		if err != nil {
			return err
		}
		for _, i := range alloc.touched {
			if err := tx.UpdateScheduleRow(ctx, &rows[i]); err != nil {
				return err
			}
		}
		if err := settleLoan(loan, rows, alloc, in.Amount, now); err != nil {
			logger.CtxError(ctx, "loan invariant violated, aborting repayment", err, zap.Int64("loan_id", loan.ID))
			return err
		}

		rep := &domain.RepaymentTransaction{
			TransactionNumber: "RP-" + uuid.NewString(),
			LoanID:            loan.ID,
			Amount:            in.Amount,
			PrincipalApplied:  alloc.principal,
			InterestApplied:   alloc.interest,
			Status:            domain.TxCompleted,
			ExternalRef:       in.ExternalRef,
			SourceAccountID:   in.SourceAccountID,
			RowsSettled:       alloc.settled,
			Partial:           alloc.partial,
			CreatedAt:         now,
			CompletedAt:       &now,
		}

		if in.SourceAccountID != nil {
			acct, err := tx.LockAccount(ctx, *in.SourceAccountID)
			if err != nil {
				return err
			}
			if acct.UserID != loan.UserID {
				return domain.Validationf("account %d does not belong to the borrower of loan %d", acct.ID, loan.ID)
			}
			t, err := applyToAccount(ctx, tx, acct, mutation{
				Type:        domain.TxRepayment,
				Amount:      in.Amount,
				ExternalRef: "repayment:" + in.ExternalRef,
				Description: fmt.Sprintf("repayment of loan %d", loan.ID),
			}, now)
			if err != nil {
				return err
			}
			rep.LedgerTransactionID = &t.ID
			res.LedgerTransaction = t
		}

		if err := tx.InsertRepayment(ctx, rep); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		res.Repayment, res.Loan = rep, loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func samePayload(prior *domain.RepaymentTransaction, in ApplyRepaymentInput) bool {
	if prior.LoanID != in.LoanID || prior.Amount != in.Amount {
		return false
	}
	switch {
	case prior.SourceAccountID == nil && in.SourceAccountID == nil:
		return true
	case prior.SourceAccountID != nil && in.SourceAccountID != nil:
		return *prior.SourceAccountID == *in.SourceAccountID
	}
	return false
}

type allocation struct {
	interest  int64
	principal int64
	settled   int
	partial   bool
	touched   []int
}

// allocate walks open rows oldest first and mutates them in place. Rows with
// nothing left to pay are settled as they are passed.
func (s *LoanService) allocate(loan *domain.LoanAccount, rows []domain.ScheduleRow, amount int64, now time.Time) (*allocation, error) {
	var outstanding int64
	next := -1
	for i := range rows {
		if !rows[i].Open() {
			continue
		}
		outstanding += rows[i].Outstanding()
		if next < 0 && rows[i].Outstanding() > 0 {
			next = i
		}
	}
	if next < 0 {
		return nil, fmt.Errorf("loan %d has no open rows: %w", loan.ID, domain.ErrScheduleExhausted)
	}
	if amount > outstanding {
		return nil, fmt.Errorf("loan %d owes %d, received %d: %w", loan.ID, outstanding, amount, domain.ErrOverpayment)
	}
	if s.partial == PartialReject && amount < rows[next].Outstanding() {
		return nil, fmt.Errorf("next payment is %d, received %d: %w", rows[next].Outstanding(), amount, domain.ErrPartialRejected)
	}

	a := &allocation{}
	remaining := amount
	for i := range rows {
		r := &rows[i]
		if !r.Open() {
			continue
		}
		if remaining == 0 && r.Outstanding() > 0 {
			break
		}
		payInterest := min(remaining, r.OutstandingInterest())
		remaining -= payInterest
		payPrincipal := min(remaining, r.OutstandingPrincipal())
		remaining -= payPrincipal

		r.PaidInterest += payInterest
		r.PaidPrincipal += payPrincipal
		r.PaidAmount += payInterest + payPrincipal
		a.interest += payInterest
		a.principal += payPrincipal
		a.touched = append(a.touched, i)

		if r.Outstanding() == 0 {
			r.Status = domain.RowPaid
			r.PaidAt = &now
			a.settled++
		} else {
			a.partial = true
		}
	}
	return a, nil
}

// settleLoan derives the loan's balances from its rows after allocation and
// checks them against the running totals.
func settleLoan(loan *domain.LoanAccount, rows []domain.ScheduleRow, a *allocation, amount int64, now time.Time) error {
	loan.PrincipalBalance -= a.principal
	loan.AccruedInterest -= a.interest
	loan.TotalPaid += amount
	loan.UpdatedAt = now

	var (
		principalLeft, interestLeft int64
		paid                        int
		next                        *domain.ScheduleRow
	)
	for i := range rows {
		r := &rows[i]
		principalLeft += r.OutstandingPrincipal()
		interestLeft += r.OutstandingInterest()
		if r.Status == domain.RowPaid {
			paid++
		} else if next == nil {
			next = r
		}
	}
	if principalLeft != loan.PrincipalBalance || interestLeft != loan.AccruedInterest {
		return domain.Invariantf("loan %d: balance %d/%d disagrees with schedule %d/%d",
			loan.ID, loan.PrincipalBalance, loan.AccruedInterest, principalLeft, interestLeft)
	}
	if a.principal+a.interest != amount {
		return domain.Invariantf("loan %d: allocated %d of %d", loan.ID, a.principal+a.interest, amount)
	}

	loan.ElapsedPeriods = paid
	if next == nil {
		loan.Status = domain.LoanClosed
		loan.NextPaymentAmount = 0
		loan.NextPaymentDate = nil
		return nil
	}
	due := next.DueDate
	loan.NextPaymentAmount = next.Outstanding()
	loan.NextPaymentDate = &due
	return nil
}
