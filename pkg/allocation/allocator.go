// Package allocation splits a payment into its financial components against a
// target installment, in fixed precedence: otros, agreement, late fee, installment.
package allocation

import (
	"fmt"

	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/money"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeExact         Outcome = "exact"
	OutcomeOverpaid      Outcome = "overpaid"
	OutcomeNoInstallment Outcome = "no_installment"
	OutcomeMiscOnly      Outcome = "miscellaneous_only"
)

// Input is everything the allocator needs about one payment.
type Input struct {
	Amount       decimal.Decimal
	Otros        decimal.Decimal
	AgreementDue decimal.Decimal
	LateFee      decimal.Decimal
	Installment  *models.Installment // nil when the payment targets no installment
	Disposition  models.Disposition
	// MaxExcessPrincipal bounds a direct principal reduction: the balance left
	// once the installment's scheduled principal is applied.
	MaxExcessPrincipal decimal.Decimal
}

type Result struct {
	Breakdown      models.Breakdown
	Outcome        Outcome
	PayInstallment bool // the target installment flips to paid
}

func (in Input) validate() error {
	if !in.Amount.IsPositive() {
		return models.Validation("payment amount must be positive, got %s", in.Amount)
	}
	if in.Otros.IsNegative() {
		return models.Validation("otros must not be negative, got %s", in.Otros)
	}
	if in.AgreementDue.IsNegative() || in.LateFee.IsNegative() {
		return models.Validation("agreement and late fee amounts must not be negative")
	}
	if !in.Disposition.Valid() {
		return models.Validation("unknown overpayment disposition %q", in.Disposition)
	}
	return nil
}

// take consumes part from remaining, failing rather than going negative.
func take(remaining *decimal.Decimal, part decimal.Decimal, what string) error {
	if remaining.LessThan(part) {
		return fmt.Errorf("amount left %s does not cover %s %s: %w", remaining.StringFixed(2), what, part.StringFixed(2), models.ErrPaymentTooSmall)
	}
	*remaining = remaining.Sub(part)
	return nil
}

// Allocate splits in.Amount into a payment breakdown. It never mutates the installment.
func Allocate(in Input) (Result, error) {
	in.Amount = money.Round(in.Amount)
	in.Otros = money.Round(in.Otros)
	in.AgreementDue = money.Round(in.AgreementDue)
	in.LateFee = money.Round(in.LateFee)
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	remaining := in.Amount
	if err := take(&remaining, in.Otros, "otros"); err != nil {
		return Result{}, err
	}
	if err := take(&remaining, in.AgreementDue, "agreement installment"); err != nil {
		return Result{}, err
	}
	if err := take(&remaining, in.LateFee, "late fee"); err != nil {
		return Result{}, err
	}

	res := Result{Breakdown: models.Breakdown{
		Otros:     in.Otros,
		Agreement: in.AgreementDue,
		LateFee:   in.LateFee,
	}}

	inst := in.Installment
	switch {
	case inst == nil:
		res.Outcome = OutcomeNoInstallment
		if money.Equal(remaining, decimal.Zero) {
			res.Breakdown.RoundingAdjustment = remaining
			return res, nil
		}
		if err := Resolve(&res.Breakdown, remaining, in.Disposition, in.MaxExcessPrincipal); err != nil {
			return Result{}, err
		}
		return res, nil

	case inst.Paid:
		return allocatePaid(res, remaining, in)
	}

	due := inst.Total()
	if money.Equal(remaining, due) {
		copyComponents(&res.Breakdown, inst)
		res.Breakdown.RoundingAdjustment = remaining.Sub(due)
		res.Outcome = OutcomeExact
		res.PayInstallment = true
		return res, nil
	}
	if remaining.LessThan(due) {
		return Result{}, fmt.Errorf("installment %d due %s, amount left %s: %w", inst.Number, due.StringFixed(2), remaining.StringFixed(2), models.ErrPaymentTooSmall)
	}

	copyComponents(&res.Breakdown, inst)
	if err := Resolve(&res.Breakdown, remaining.Sub(due), in.Disposition, in.MaxExcessPrincipal); err != nil {
		return Result{}, err
	}
	res.Outcome = OutcomeOverpaid
	res.PayInstallment = true
	return res, nil
}

// allocatePaid handles a payment aimed at an installment that is already paid.
// It is only accepted when otros fully explains the gross amount.
func allocatePaid(res Result, remaining decimal.Decimal, in Input) (Result, error) {
	inst := in.Installment
	if money.Equal(remaining, decimal.Zero) && in.Otros.IsPositive() {
		res.Breakdown.RoundingAdjustment = remaining
		res.Outcome = OutcomeMiscOnly
		return res, nil
	}
	if money.Equal(remaining, inst.Total()) {
		return Result{}, fmt.Errorf("installment %d: %w", inst.Number, models.ErrAlreadyPaid)
	}
	return Result{}, fmt.Errorf("installment %d, unexplained amount %s: %w", inst.Number, remaining.StringFixed(2), models.ErrReconciliationRequired)
}

func copyComponents(b *models.Breakdown, inst *models.Installment) {
	b.Principal = inst.Principal
	b.Interest = inst.Interest
	b.Tax = inst.Tax
	b.Insurance = inst.Insurance
	b.GPS = inst.GPS
}
