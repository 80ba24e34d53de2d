package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/mora"
	"github.com/mcclellann/loanserv/pkg/schedule"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// openClosure records a cancellation or bad-debt closure with the amounts
// still owed and moves the loan to status.
func (l *Ledger) openClosure(ctx context.Context, loanID uuid.UUID, kind models.ClosureKind, status models.LoanStatus, reason string, actor models.Actor) (*models.LoanClosure, error) {
	var closure *models.LoanClosure
	err := l.mutate(ctx, loanID, func(tx store.Repo, loan *models.Loan) error {
		if !loan.Status.Servicing() {
			return fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, models.ErrInvalidTransition)
		}
		open, err := tx.OpenClosure(ctx, loan.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("closure %s: %w", open.ID, models.ErrClosureOpen)
		}
		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		now := l.now()
		owed := schedule.Unpaid(installments)
		c := &models.LoanClosure{
			ID:                   uuid.New(),
			LoanID:               loan.ID,
			Kind:                 kind,
			Reason:               strings.TrimSpace(reason),
			OutstandingPrincipal: loan.Balance,
			PendingInterest:      owed.Interest,
			PendingInsurance:     owed.Insurance,
			PendingTax:           owed.Tax,
			SettlementAmount:     decimal.Sum(loan.Balance, owed.Interest, owed.Insurance, owed.Tax),
			Date:                 now,
			RegisteredBy:         actor.String(),
		}
		if err := tx.CreateClosure(ctx, c); err != nil {
			return err
		}
		loan.Status = status
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		closure = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("loan closure opened",
		zap.String("op", "open_closure"),
		zap.Stringer("loan_id", loanID),
		zap.String("kind", string(kind)),
		zap.Stringer("settlement_amount", closure.SettlementAmount),
		zap.Stringer("actor", actor),
	)
	return closure, nil
}

// RequestCancellation computes the payoff amount and moves the loan to PENDIENTE_CANCELACION.
func (l *Ledger) RequestCancellation(ctx context.Context, loanID uuid.UUID, reason string, actor models.Actor) (*models.LoanClosure, error) {
	return l.openClosure(ctx, loanID, models.ClosureCancellation, models.LoanStatusPendingCancellation, reason, actor)
}

// MarkUncollectible designates the loan as bad debt.
func (l *Ledger) MarkUncollectible(ctx context.Context, loanID uuid.UUID, reason string, actor models.Actor) (*models.LoanClosure, error) {
	return l.openClosure(ctx, loanID, models.ClosureBadDebt, models.LoanStatusUncollectible, reason, actor)
}

// CompleteCancellation closes a loan whose cancellation was requested.
func (l *Ledger) CompleteCancellation(ctx context.Context, loanID uuid.UUID, actor models.Actor) (*models.Loan, error) {
	var out *models.Loan
	err := l.mutate(ctx, loanID, func(tx store.Repo, loan *models.Loan) error {
		if loan.Status != models.LoanStatusPendingCancellation {
			return fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, models.ErrInvalidTransition)
		}
		now := l.now()
		if err := l.resolveClosure(ctx, tx, loan.ID, "cancelled", now); err != nil {
			return err
		}
		loan.Status = models.LoanStatusCancelled
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		out = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("loan cancelled", zap.String("op", "complete_cancellation"), zap.Stringer("loan_id", loanID), zap.Stringer("actor", actor))
	return out, nil
}

func (l *Ledger) resolveClosure(ctx context.Context, tx store.Repo, loanID uuid.UUID, resolution string, now time.Time) error {
	c, err := tx.OpenClosure(ctx, loanID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("loan %s: %w", loanID, models.ErrClosureNotFound)
	}
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = &now
	return tx.UpdateClosure(ctx, c)
}

// ResetRequest brings a loan in cancellation or bad debt back into servicing.
type ResetRequest struct {
	LoanID         uuid.UUID       `json:"-"`
	WriteOff       decimal.Decimal `json:"write_off"`
	ProofDocuments []string        `json:"proof_documents"`
	Actor          models.Actor    `json:"-"`
}

// ResetLoan re-amortizes the outstanding balance over the unpaid installments
// (same numbers, new amounts and due dates, status reset), condones the
// remaining late fee, resolves the open closure and returns the ACTIVO loan's
// write-off recorded as a one-time miscellaneous payment.
func (l *Ledger) ResetLoan(ctx context.Context, req ResetRequest) (*models.Payment, error) {
	if !req.WriteOff.IsPositive() {
		return nil, models.Validation("write-off amount must be positive, got %s", req.WriteOff)
	}
	if len(req.ProofDocuments) == 0 {
		return nil, models.Validation("at least one proof document is required")
	}

	var payment *models.Payment
	err := l.mutate(ctx, req.LoanID, func(tx store.Repo, loan *models.Loan) error {
		if loan.Status != models.LoanStatusPendingCancellation && loan.Status != models.LoanStatusUncollectible {
			return fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, models.ErrInvalidTransition)
		}
		now := l.now()

		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		var unpaid []*models.Installment
		for _, inst := range installments {
			if !inst.Paid {
				unpaid = append(unpaid, inst)
			}
		}
		if len(unpaid) == 0 {
			return models.Validation("loan %s has no unpaid installments to reset", loan.ID)
		}
		sort.Slice(unpaid, func(i, j int) bool { return unpaid[i].Number < unpaid[j].Number })

		fresh, cuota, err := schedule.Build(loan, loan.Balance, len(unpaid), unpaid[0].Number, now)
		if err != nil {
			return err
		}
		for i, inst := range unpaid {
			inst.DueDate = fresh[i].DueDate
			inst.Principal = fresh[i].Principal
			inst.Interest = fresh[i].Interest
			inst.Tax = fresh[i].Tax
			inst.Insurance = fresh[i].Insurance
			inst.GPS = fresh[i].GPS
			inst.ValidationStatus = models.ValidationReset
			if err := tx.UpdateInstallment(ctx, inst); err != nil {
				return err
			}
		}

		m, err := l.loadMora(ctx, tx, loan, now)
		if err != nil {
			return err
		}
		if m.Amount.IsPositive() {
			c, err := mora.Condone(m, "loan reset", req.Actor, now)
			if err != nil {
				return err
			}
			if err := tx.CreateCondonation(ctx, c); err != nil {
				return err
			}
		}
		m.OverdueCount = len(schedule.Overdue(installments, now))
		m.UpdatedAt = now
		if err := tx.SaveMora(ctx, m); err != nil {
			return err
		}

		if err := l.resolveClosure(ctx, tx, loan.ID, "reset", now); err != nil {
			return err
		}

		p := &models.Payment{
			ID:               uuid.New(),
			LoanID:           loan.ID,
			Amount:           req.WriteOff,
			Date:             now,
			Breakdown:        models.Breakdown{Otros: req.WriteOff},
			Disposition:      models.DispositionMiscellaneous,
			Kind:             models.PaymentKindWriteOff,
			ProofDocuments:   req.ProofDocuments,
			ValidationStatus: models.ValidationNotRequired,
			RegisteredBy:     req.Actor.String(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}

		loan.InstallmentAmount = cuota
		loan.Status = models.LoanStatusActive
		syncStatus(loan, installments, now)
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("loan reset",
		zap.String("op", "reset_loan"),
		zap.Stringer("loan_id", req.LoanID),
		zap.Stringer("write_off", req.WriteOff),
		zap.Stringer("actor", req.Actor),
	)
	return payment, nil
}
