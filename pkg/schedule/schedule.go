// Package schedule builds and queries a loan's ordered installment obligations.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/money"
	"github.com/shopspring/decimal"
	"github.com/teambition/rrule-go"
)

const (
	minDueDay = 1
	maxDueDay = 28
)

var monthsInYear = decimal.NewFromInt(12)

// DueDates returns n monthly due dates, the first one month after from.
// The day of month is clamped to 28 so every month has an occurrence.
func DueDates(from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	day := from.Day()
	if day > maxDueDay {
		day = maxDueDay
	}
	if day < minDueDay {
		day = minDueDay
	}
	anchor := time.Date(from.Year(), from.Month(), day, 0, 0, 0, 0, time.UTC)

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.MONTHLY,
		Count:   n,
		Dtstart: anchor.AddDate(0, 1, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("could not build due date rule: %w", err)
	}
	return rule.All(), nil
}

// Annuity returns the fixed principal+interest payment that amortizes balance
// over n months at the given annual rate.
func Annuity(balance, annualRate decimal.Decimal, n int) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	if annualRate.IsZero() {
		return money.Round(balance.Div(decimal.NewFromInt(int64(n))))
	}
	r := annualRate.Div(monthsInYear)
	growth := decimal.NewFromInt(1).Add(r).Pow(decimal.NewFromInt(int64(n)))
	return money.Round(balance.Mul(r).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1))))
}

// Build amortizes balance over n installments numbered from startNumber.
// The last installment absorbs principal rounding so the principal components
// always add up to balance exactly.
func Build(loan *models.Loan, balance decimal.Decimal, n, startNumber int, from time.Time) ([]*models.Installment, decimal.Decimal, error) {
	if n <= 0 {
		return nil, decimal.Zero, models.Validation("term must be positive, got %d", n)
	}
	dates, err := DueDates(from, n)
	if err != nil {
		return nil, decimal.Zero, err
	}

	cuota := Annuity(balance, loan.InterestRate, n)
	r := loan.InterestRate.Div(monthsInYear)
	insurance := loan.InsuranceFee.Add(loan.MembershipFee)
	remaining := balance

	installments := make([]*models.Installment, 0, n)
	for k := 0; k < n; k++ {
		interest := money.Round(remaining.Mul(r))
		principal := cuota.Sub(interest)
		if k == n-1 || principal.GreaterThan(remaining) {
			principal = remaining
		}
		if principal.IsNegative() {
			principal = decimal.Zero
		}
		remaining = remaining.Sub(principal)

		installments = append(installments, &models.Installment{
			ID:               uuid.New(),
			LoanID:           loan.ID,
			Number:           startNumber + k,
			DueDate:          dates[k],
			Principal:        principal,
			Interest:         interest,
			Tax:              money.Round(interest.Mul(loan.TaxRate)),
			Insurance:        insurance,
			GPS:              loan.GPSFee,
			ValidationStatus: models.ValidationNotRequired,
		})
	}
	return installments, cuota, nil
}

func sorted(list []*models.Installment) []*models.Installment {
	out := make([]*models.Installment, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Current returns the unpaid installment with the lowest number, or nil when all are paid.
func Current(list []*models.Installment) *models.Installment {
	for _, inst := range sorted(list) {
		if !inst.Paid {
			return inst
		}
	}
	return nil
}

// Target resolves the installment a payment is aimed at: the given number, or the current one when number is zero.
func Target(list []*models.Installment, number int) (*models.Installment, error) {
	if number == 0 {
		return Current(list), nil
	}
	return FindNumber(list, number)
}

// FindNumber returns the installment with the given sequence number.
func FindNumber(list []*models.Installment, number int) (*models.Installment, error) {
	for _, inst := range list {
		if inst.Number == number {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("installment %d: %w", number, models.ErrInstallmentNotFound)
}

// Find returns the installment with the given id.
func Find(list []*models.Installment, id uuid.UUID) (*models.Installment, error) {
	for _, inst := range list {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("installment %s: %w", id, models.ErrInstallmentNotFound)
}

// Overdue returns unpaid installments whose due date is before today, in sequence order.
func Overdue(list []*models.Installment, today time.Time) []*models.Installment {
	var out []*models.Installment
	for _, inst := range sorted(list) {
		if inst.Overdue(today) {
			out = append(out, inst)
		}
	}
	return out
}

// Pending returns unpaid installments that are not yet due, in sequence order.
func Pending(list []*models.Installment, today time.Time) []*models.Installment {
	var out []*models.Installment
	for _, inst := range sorted(list) {
		if !inst.Paid && !inst.Overdue(today) {
			out = append(out, inst)
		}
	}
	return out
}

// MarkPaid flips the installment to paid by paymentID. Marking it again with the same payment is a no-op.
func MarkPaid(list []*models.Installment, id, paymentID uuid.UUID, at time.Time) (*models.Installment, error) {
	inst, err := Find(list, id)
	if err != nil {
		return nil, err
	}
	if inst.Paid {
		if inst.PaidByPaymentID != nil && *inst.PaidByPaymentID == paymentID {
			return inst, nil
		}
		return nil, fmt.Errorf("installment %d: %w", inst.Number, models.ErrAlreadyPaid)
	}
	pid := paymentID
	paidAt := at
	inst.Paid = true
	inst.PaidByPaymentID = &pid
	inst.PaidAt = &paidAt
	return inst, nil
}

// UnmarkPaid returns the installment to unpaid. Its validation status goes back to not_required.
func UnmarkPaid(list []*models.Installment, id uuid.UUID) (*models.Installment, error) {
	inst, err := Find(list, id)
	if err != nil {
		return nil, err
	}
	inst.Paid = false
	inst.PaidByPaymentID = nil
	inst.PaidAt = nil
	inst.ValidationStatus = models.ValidationNotRequired
	return inst, nil
}

// Totals sums the components of a set of installments.
type Totals struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Tax       decimal.Decimal `json:"tax"`
	Insurance decimal.Decimal `json:"insurance"` // Insurance and GPS
}

// Unpaid totals the components still owed on unpaid installments.
func Unpaid(list []*models.Installment) Totals {
	t := Totals{Principal: decimal.Zero, Interest: decimal.Zero, Tax: decimal.Zero, Insurance: decimal.Zero}
	for _, inst := range list {
		if inst.Paid {
			continue
		}
		t.Principal = t.Principal.Add(inst.Principal)
		t.Interest = t.Interest.Add(inst.Interest)
		t.Tax = t.Tax.Add(inst.Tax)
		t.Insurance = t.Insurance.Add(inst.Insurance).Add(inst.GPS)
	}
	return t
}

// PaidPrincipal sums the principal of paid installments.
func PaidPrincipal(list []*models.Installment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range list {
		if inst.Paid {
			total = total.Add(inst.Principal)
		}
	}
	return total
}
