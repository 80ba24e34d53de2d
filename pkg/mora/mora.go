// Package mora accrues and condones late fees on overdue installments.
package mora

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/money"
	"github.com/shopspring/decimal"
)

// New returns an inactive late-fee record for the loan.
func New(loan *models.Loan, now time.Time) *models.Mora {
	return &models.Mora{
		LoanID:    loan.ID,
		Amount:    decimal.Zero,
		Rate:      loan.MoraRate,
		UpdatedAt: now,
	}
}

// Fee is the charge for a single overdue installment.
func Fee(m *models.Mora, installmentAmount decimal.Decimal) decimal.Decimal {
	return money.Round(money.Percent(installmentAmount, m.Rate))
}

// Accrue brings m up to date with the current overdue count. Every installment
// that became overdue since the previous accrual is charged once; calling it
// again with the same count changes nothing. It reports the newly charged amount.
func Accrue(m *models.Mora, overdueCount int, installmentAmount decimal.Decimal, now time.Time) decimal.Decimal {
	charged := decimal.Zero
	if overdueCount > m.OverdueCount {
		charged = Fee(m, installmentAmount).Mul(decimal.NewFromInt(int64(overdueCount - m.OverdueCount)))
		m.Amount = m.Amount.Add(charged)
	}
	if overdueCount != m.OverdueCount || !charged.IsZero() {
		m.UpdatedAt = now
	}
	m.OverdueCount = overdueCount
	m.Active = m.Amount.IsPositive()
	return charged
}

// Settle clears the fee as paid and returns the amount that was owed.
// overdueCount is the overdue count once the paying installment is settled.
func Settle(m *models.Mora, overdueCount int, now time.Time) decimal.Decimal {
	paid := m.Amount
	m.Amount = decimal.Zero
	m.Active = false
	m.OverdueCount = overdueCount
	m.UpdatedAt = now
	return paid
}

// Restore undoes a Settle: the paid fee is owed again and the watermark moves back up.
func Restore(m *models.Mora, amount decimal.Decimal, countDelta int, now time.Time) {
	m.Amount = m.Amount.Add(amount)
	m.OverdueCount += countDelta
	m.Active = m.Amount.IsPositive()
	m.UpdatedAt = now
}

// Condone zeroes the active fee and returns the audit entry recording it.
func Condone(m *models.Mora, reason string, actor models.Actor, now time.Time) (*models.Condonation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.Validation("condonation reason is required")
	}
	if !m.Amount.IsPositive() {
		return nil, models.ErrNothingToCondone
	}
	c := &models.Condonation{
		ID:        uuid.New(),
		LoanID:    m.LoanID,
		Amount:    m.Amount,
		Reason:    reason,
		Actor:     actor.String(),
		CreatedAt: now,
	}
	m.Amount = decimal.Zero
	m.Active = false
	m.UpdatedAt = now
	return c, nil
}
