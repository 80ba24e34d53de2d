package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/agreement"
	"github.com/mcclellann/loanserv/pkg/allocation"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/mora"
	"github.com/mcclellann/loanserv/pkg/schedule"
	"github.com/mcclellann/loanserv/pkg/settlement"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentRequest is a borrower payment to apply. InstallmentNumber selects the
// target installment; zero means the current one, or none while a payment
// agreement is in force.
type PaymentRequest struct {
	LoanID            uuid.UUID          `json:"-"`
	Amount            decimal.Decimal    `json:"amount"`
	Date              time.Time          `json:"date"`
	InstallmentNumber int                `json:"installment_number"`
	Otros             decimal.Decimal    `json:"otros"`
	BankAccountRef    string             `json:"bank_account_ref"`
	AuthorizationRef  string             `json:"authorization_ref"`
	Disposition       models.Disposition `json:"disposition"`
	Actor             models.Actor       `json:"-"`
}

func (r PaymentRequest) validate() error {
	if !r.Amount.IsPositive() {
		return models.Validation("payment amount must be positive, got %s", r.Amount)
	}
	if r.Otros.IsNegative() {
		return models.Validation("otros must not be negative, got %s", r.Otros)
	}
	if r.InstallmentNumber < 0 {
		return models.Validation("installment number must not be negative, got %d", r.InstallmentNumber)
	}
	if !r.Disposition.Valid() {
		return models.Validation("unknown overpayment disposition %q", r.Disposition)
	}
	return nil
}

// loadMora returns the loan's mora record, creating an empty one for loans that predate it.
func (l *Ledger) loadMora(ctx context.Context, tx store.Repo, loan *models.Loan, now time.Time) (*models.Mora, error) {
	m, err := tx.GetMora(ctx, loan.ID)
	if err == nil {
		return m, nil
	}
	if models.CodeOf(err) == models.ErrMoraNotFound.Code {
		return mora.New(loan, now), nil
	}
	return nil, err
}

// RegisterPayment allocates a payment against the loan and persists the
// payment, the installment it settles, the balance, mora, agreement and
// investor shares in one transaction.
func (l *Ledger) RegisterPayment(ctx context.Context, req PaymentRequest) (*models.Payment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var payment *models.Payment
	err := l.mutate(ctx, req.LoanID, func(tx store.Repo, loan *models.Loan) error {
		if !loan.Status.Servicing() {
			return fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, models.ErrInvalidTransition)
		}
		now := l.now()

		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		active, err := tx.ActiveAgreement(ctx, loan.ID)
		if err != nil {
			return err
		}
		m, err := l.loadMora(ctx, tx, loan, now)
		if err != nil {
			return err
		}

		var target *models.Installment
		if req.InstallmentNumber != 0 || !agreement.Active(active) {
			if target, err = schedule.Target(installments, req.InstallmentNumber); err != nil {
				return err
			}
			if target == nil {
				return fmt.Errorf("loan %s: %w", loan.ID, models.ErrNoOpenInstallment)
			}
		}

		// Direct reductions can retire principal ahead of the schedule; the
		// installment then owes at most what is still outstanding.
		retired := decimal.Zero
		if target != nil && !target.Paid && target.Principal.GreaterThan(loan.Balance) {
			retired = target.Principal.Sub(loan.Balance)
			target.Principal = loan.Balance
		}
		maxExcess := loan.Balance
		if target != nil && !target.Paid {
			maxExcess = maxExcess.Sub(target.Principal)
		}
		res, err := allocation.Allocate(allocation.Input{
			Amount:             req.Amount,
			Otros:              req.Otros,
			AgreementDue:       agreement.DueAmount(active),
			LateFee:            m.Amount,
			Installment:        target,
			Disposition:        req.Disposition,
			MaxExcessPrincipal: maxExcess,
		})
		if err != nil {
			return err
		}

		date := req.Date
		if date.IsZero() {
			date = now
		}
		p := &models.Payment{
			ID:               uuid.New(),
			LoanID:           loan.ID,
			Amount:           req.Amount,
			Date:             date,
			BankAccountRef:   req.BankAccountRef,
			AuthorizationRef: req.AuthorizationRef,
			Breakdown:        res.Breakdown,
			Kind:             models.PaymentKindRegular,
			ValidationStatus: models.ValidationNotRequired,
			RegisteredBy:     req.Actor.String(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if res.Outcome == allocation.OutcomeOverpaid || res.Outcome == allocation.OutcomeNoInstallment {
			p.Disposition = req.Disposition
		}
		if req.BankAccountRef != "" {
			p.ValidationStatus = models.ValidationPending
			acct, err := l.accounts.GetCompanyAccount(ctx, req.BankAccountRef)
			if err != nil {
				l.log.Warn("bank account lookup failed, storing reference only",
					zap.String("op", "register_payment"), zap.String("bank_account_ref", req.BankAccountRef), zap.Error(err))
			} else {
				p.BankAccount = acct
			}
		}
		if target != nil {
			id := target.ID
			p.InstallmentID = &id
			p.InstallmentNumber = target.Number
		}

		if res.PayInstallment {
			p.PrincipalRetired = retired
			wasOverdue := target.Overdue(now)
			if _, err := schedule.MarkPaid(installments, target.ID, p.ID, date); err != nil {
				return err
			}
			target.ValidationStatus = p.ValidationStatus
			if err := tx.UpdateInstallment(ctx, target); err != nil {
				return err
			}
			if wasOverdue && m.OverdueCount > 0 {
				p.MoraCountDelta = 1
			}
		}

		if p.Breakdown.LateFee.IsPositive() {
			mora.Settle(m, m.OverdueCount-p.MoraCountDelta, now)
		} else if p.MoraCountDelta > 0 {
			m.OverdueCount -= p.MoraCountDelta
			m.UpdatedAt = now
		}
		if p.Breakdown.LateFee.IsPositive() || p.MoraCountDelta > 0 {
			if err := tx.SaveMora(ctx, m); err != nil {
				return err
			}
		}

		if p.Breakdown.Agreement.IsPositive() {
			if err := agreement.RecordInstallment(active, now); err != nil {
				return err
			}
			id := active.ID
			p.AgreementID = &id
			if err := tx.UpdateAgreement(ctx, active); err != nil {
				return err
			}
		}

		loan.Balance = loan.Balance.Sub(p.Breakdown.PrincipalReduction())
		syncStatus(loan, installments, now)
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		if err := l.createShares(ctx, tx, p, now); err != nil {
			return err
		}

		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("payment registered",
		zap.String("op", "register_payment"),
		zap.Stringer("loan_id", payment.LoanID),
		zap.Stringer("payment_id", payment.ID),
		zap.Int("installment", payment.InstallmentNumber),
		zap.Stringer("amount", payment.Amount),
		zap.Stringer("principal", payment.Breakdown.Principal),
		zap.Stringer("late_fee", payment.Breakdown.LateFee),
		zap.String("disposition", string(payment.Disposition)),
	)
	return payment, nil
}

// createShares splits the payment's principal, interest and tax among the loan's investors.
func (l *Ledger) createShares(ctx context.Context, tx store.Repo, p *models.Payment, now time.Time) error {
	b := p.Breakdown
	if !b.Principal.Add(b.Interest).Add(b.Tax).IsPositive() {
		return nil
	}
	participations, err := tx.ListParticipations(ctx, p.LoanID)
	if err != nil {
		return err
	}
	shares := l.splitter.Split(p, participations, now)
	if len(shares) == 0 {
		return nil
	}
	return tx.CreateShares(ctx, shares)
}

// ReversePayment undoes a payment: the installment is unpaid again, the
// balance, mora and agreement are restored and the investor shares are voided.
// The payment itself is kept and flagged as reversed.
func (l *Ledger) ReversePayment(ctx context.Context, paymentID uuid.UUID, actor models.Actor) (*models.Payment, error) {
	return l.undoPayment(ctx, paymentID, actor, "reverse_payment", func(p *models.Payment, now time.Time) {
		p.Reversed = true
		p.ReversedAt = &now
	})
}

// MarkFalsePayment flags a payment that never arrived. It undoes the payment's
// effects exactly like a reversal and fails the same way once any of its
// shares has been liquidated.
func (l *Ledger) MarkFalsePayment(ctx context.Context, paymentID uuid.UUID, actor models.Actor) (*models.Payment, error) {
	return l.undoPayment(ctx, paymentID, actor, "mark_false_payment", func(p *models.Payment, _ time.Time) {
		p.FalsePayment = true
	})
}

func (l *Ledger) undoPayment(ctx context.Context, paymentID uuid.UUID, actor models.Actor, op string, flag func(*models.Payment, time.Time)) (*models.Payment, error) {
	existing, err := l.storage.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var payment *models.Payment
	err = l.mutate(ctx, existing.LoanID, func(tx store.Repo, loan *models.Loan) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if !p.Effective() {
			return fmt.Errorf("payment %s: %w", p.ID, models.ErrAlreadyReversed)
		}
		if p.Kind == models.PaymentKindWriteOff {
			return fmt.Errorf("payment %s is a write-off: %w", p.ID, models.ErrInvalidTransition)
		}
		now := l.now()

		payments, err := tx.ListPayments(ctx, loan.ID)
		if err != nil {
			return err
		}
		if err := checkUndo(p, payments); err != nil {
			return err
		}

		shares, err := tx.ListSharesByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := settlement.Void(shares); err != nil {
			return err
		}
		for _, s := range shares {
			if err := tx.UpdateShare(ctx, s); err != nil {
				return err
			}
		}

		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		if p.InstallmentID != nil {
			inst, err := schedule.Find(installments, *p.InstallmentID)
			if err != nil {
				return err
			}
			if inst.PaidByPaymentID != nil && *inst.PaidByPaymentID == p.ID {
				if _, err := schedule.UnmarkPaid(installments, inst.ID); err != nil {
					return err
				}
				inst.Principal = inst.Principal.Add(p.PrincipalRetired)
				if err := tx.UpdateInstallment(ctx, inst); err != nil {
					return err
				}
			}
		}

		if p.Breakdown.LateFee.IsPositive() || p.MoraCountDelta > 0 {
			m, err := l.loadMora(ctx, tx, loan, now)
			if err != nil {
				return err
			}
			mora.Restore(m, p.Breakdown.LateFee, p.MoraCountDelta, now)
			if err := tx.SaveMora(ctx, m); err != nil {
				return err
			}
		}

		if p.AgreementID != nil && p.Breakdown.Agreement.IsPositive() {
			a, err := tx.GetAgreement(ctx, *p.AgreementID)
			if err != nil {
				return err
			}
			agreement.UndoInstallment(a, now)
			if err := tx.UpdateAgreement(ctx, a); err != nil {
				return err
			}
		}

		loan.Balance = loan.Balance.Add(p.Breakdown.PrincipalReduction())
		syncStatus(loan, installments, now)
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		flag(p, now)
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("payment undone",
		zap.String("op", op),
		zap.Stringer("loan_id", payment.LoanID),
		zap.Stringer("payment_id", payment.ID),
		zap.Stringer("amount", payment.Amount),
		zap.Stringer("actor", actor),
	)
	return payment, nil
}

// checkUndo refuses undoing p when other effective payments were computed on
// top of it: a reset re-amortized the schedule after p, or an installment was
// paid short because p's excess principal had already retired its principal.
func checkUndo(p *models.Payment, payments []*models.Payment) error {
	for _, o := range payments {
		if o.ID == p.ID || !o.Effective() {
			continue
		}
		if o.Kind == models.PaymentKindWriteOff && !p.CreatedAt.After(o.CreatedAt) {
			return fmt.Errorf("payment %s predates the loan reset: %w", p.ID, models.ErrInvalidTransition)
		}
		if p.Breakdown.ExcessPrincipal.IsPositive() && o.PrincipalRetired.IsPositive() {
			return fmt.Errorf("payment %s is relied on by payment %s: %w", p.ID, o.ID, models.ErrDependentPayments)
		}
	}
	return nil
}

// ValidatePayment confirms a payment that is pending bank validation. With
// capitalOnly the receipt only covered capital and the payment is recorded as such.
func (l *Ledger) ValidatePayment(ctx context.Context, paymentID uuid.UUID, capitalOnly bool, actor models.Actor) (*models.Payment, error) {
	existing, err := l.storage.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var payment *models.Payment
	err = l.mutate(ctx, existing.LoanID, func(tx store.Repo, loan *models.Loan) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if !p.Effective() {
			return fmt.Errorf("payment %s: %w", p.ID, models.ErrAlreadyReversed)
		}
		if p.ValidationStatus != models.ValidationPending {
			return fmt.Errorf("payment %s is %s: %w", p.ID, p.ValidationStatus, models.ErrNotPendingValidation)
		}
		now := l.now()

		status := models.ValidationValidated
		if capitalOnly {
			status = models.ValidationCapitalOnly
		}
		p.ValidationStatus = status
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}

		if p.InstallmentID != nil {
			installments, err := tx.ListInstallments(ctx, loan.ID)
			if err != nil {
				return err
			}
			inst, err := schedule.Find(installments, *p.InstallmentID)
			if err != nil {
				return err
			}
			if inst.PaidByPaymentID != nil && *inst.PaidByPaymentID == p.ID {
				inst.ValidationStatus = status
				if err := tx.UpdateInstallment(ctx, inst); err != nil {
					return err
				}
			}
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("payment validated",
		zap.String("op", "validate_payment"),
		zap.Stringer("payment_id", payment.ID),
		zap.String("status", string(payment.ValidationStatus)),
		zap.Stringer("actor", actor),
	)
	return payment, nil
}

// ListPayments returns every payment of the loan, reversed and false ones included.
func (l *Ledger) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.ListPayments(ctx, loanID)
}
