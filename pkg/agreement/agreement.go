// Package agreement manages convenios, restructured plans that replace a loan's
// regular installments with a fixed monthly amount until they are exhausted.
package agreement

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/shopspring/decimal"
)

// New validates and builds an active agreement for the loan.
func New(loanID uuid.UUID, monthly decimal.Decimal, months int, reason string, actor models.Actor, now time.Time) (*models.PaymentAgreement, error) {
	if !monthly.IsPositive() {
		return nil, models.Validation("agreement monthly amount must be positive")
	}
	if months <= 0 {
		return nil, models.Validation("agreement months must be positive, got %d", months)
	}
	return &models.PaymentAgreement{
		ID:            uuid.New(),
		LoanID:        loanID,
		MonthlyAmount: monthly,
		Months:        months,
		Active:        true,
		Reason:        reason,
		CreatedBy:     actor.String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Active reports whether a is in force: active and not yet exhausted.
func Active(a *models.PaymentAgreement) bool {
	return a != nil && a.Active && a.Completed < a.Months
}

// DueAmount is what the agreement expects this month, zero when it is not in force.
func DueAmount(a *models.PaymentAgreement) decimal.Decimal {
	if !Active(a) {
		return decimal.Zero
	}
	return a.MonthlyAmount
}

// RecordInstallment counts one paid agreement installment and deactivates the
// agreement once every contracted month is paid.
func RecordInstallment(a *models.PaymentAgreement, now time.Time) error {
	if !Active(a) {
		return models.Validation("payment agreement is not active")
	}
	a.Completed++
	if a.Completed >= a.Months {
		a.Active = false
	}
	a.UpdatedAt = now
	return nil
}

// UndoInstallment reverses RecordInstallment, reactivating an exhausted agreement.
func UndoInstallment(a *models.PaymentAgreement, now time.Time) {
	if a.Completed > 0 {
		a.Completed--
	}
	a.Active = a.Completed < a.Months
	a.UpdatedAt = now
}
