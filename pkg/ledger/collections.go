package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/agreement"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/mora"
	"github.com/mcclellann/loanserv/pkg/schedule"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AgreementRequest opens a convenio on a loan.
type AgreementRequest struct {
	LoanID        uuid.UUID       `json:"-"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	Months        int             `json:"months"`
	Reason        string          `json:"reason"`
	Actor         models.Actor    `json:"-"`
}

// CreateAgreement starts a payment agreement. A loan has at most one active agreement.
func (l *Ledger) CreateAgreement(ctx context.Context, req AgreementRequest) (*models.PaymentAgreement, error) {
	var created *models.PaymentAgreement
	err := l.mutate(ctx, req.LoanID, func(tx store.Repo, loan *models.Loan) error {
		if !loan.Status.Servicing() {
			return fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, models.ErrInvalidTransition)
		}
		current, err := tx.ActiveAgreement(ctx, loan.ID)
		if err != nil {
			return err
		}
		if agreement.Active(current) {
			return fmt.Errorf("agreement %s: %w", current.ID, models.ErrAgreementActive)
		}
		a, err := agreement.New(loan.ID, req.MonthlyAmount, req.Months, req.Reason, req.Actor, l.now())
		if err != nil {
			return err
		}
		if err := tx.CreateAgreement(ctx, a); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("payment agreement created",
		zap.String("op", "create_agreement"),
		zap.Stringer("loan_id", created.LoanID),
		zap.Stringer("monthly_amount", created.MonthlyAmount),
		zap.Int("months", created.Months),
	)
	return created, nil
}

// AccrueMora charges the late fee for installments that became overdue since
// the last accrual and refreshes the loan's ACTIVO/MOROSO status. Calling it
// again without new overdue installments changes nothing.
func (l *Ledger) AccrueMora(ctx context.Context, loanID uuid.UUID) (*models.Mora, decimal.Decimal, error) {
	var (
		m       *models.Mora
		charged decimal.Decimal
	)
	err := l.mutate(ctx, loanID, func(tx store.Repo, loan *models.Loan) error {
		if !loan.Status.Servicing() {
			return fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, models.ErrInvalidTransition)
		}
		now := l.now()
		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		if m, err = l.loadMora(ctx, tx, loan, now); err != nil {
			return err
		}

		charged = mora.Accrue(m, len(schedule.Overdue(installments, now)), loan.InstallmentAmount, now)
		if err := tx.SaveMora(ctx, m); err != nil {
			return err
		}

		before := loan.Status
		syncStatus(loan, installments, now)
		if loan.Status != before {
			loan.UpdatedAt = now
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	if charged.IsPositive() {
		l.log.Info("late fee accrued",
			zap.String("op", "accrue_mora"),
			zap.Stringer("loan_id", loanID),
			zap.Stringer("charged", charged),
			zap.Stringer("total", m.Amount),
			zap.Int("overdue", m.OverdueCount),
		)
	}
	return m, charged, nil
}

// AccrualSummary reports one AccrueAll run.
type AccrualSummary struct {
	Loans   int             `json:"loans"`
	Charged decimal.Decimal `json:"charged"`
	Failed  int             `json:"failed"`
}

// AccrueAll runs AccrueMora over every servicing loan. A failing loan is
// logged and counted; the run continues with the rest.
func (l *Ledger) AccrueAll(ctx context.Context) (AccrualSummary, error) {
	sum := AccrualSummary{Charged: decimal.Zero}
	loans, err := l.storage.ListLoans(ctx, models.LoanStatusActive, models.LoanStatusDelinquent)
	if err != nil {
		return sum, fmt.Errorf("failed to list servicing loans: %w", err)
	}
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		_, charged, err := l.AccrueMora(ctx, loan.ID)
		if err != nil {
			sum.Failed++
			l.log.Error("late fee accrual failed", zap.String("op", "accrue_all"), zap.Stringer("loan_id", loan.ID), zap.Error(err))
			continue
		}
		sum.Loans++
		sum.Charged = sum.Charged.Add(charged)
	}
	l.log.Info("late fee accrual run complete",
		zap.String("op", "accrue_all"),
		zap.Int("loans", sum.Loans),
		zap.Int("failed", sum.Failed),
		zap.Stringer("charged", sum.Charged),
	)
	return sum, nil
}

// CondoneMora forgives the loan's accrued late fee and records who did it and why.
func (l *Ledger) CondoneMora(ctx context.Context, loanID uuid.UUID, reason string, actor models.Actor) (*models.Condonation, error) {
	var c *models.Condonation
	err := l.mutate(ctx, loanID, func(tx store.Repo, loan *models.Loan) error {
		now := l.now()
		m, err := l.loadMora(ctx, tx, loan, now)
		if err != nil {
			return err
		}
		if c, err = mora.Condone(m, reason, actor, now); err != nil {
			return err
		}
		if err := tx.SaveMora(ctx, m); err != nil {
			return err
		}
		return tx.CreateCondonation(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("late fee condoned",
		zap.String("op", "condone_mora"),
		zap.Stringer("loan_id", loanID),
		zap.Stringer("amount", c.Amount),
		zap.String("actor", c.Actor),
	)
	return c, nil
}
