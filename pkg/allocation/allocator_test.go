package allocation

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// installment due 1000.00 in total.
func dueInstallment() *models.Installment {
	return &models.Installment{
		ID:        uuid.New(),
		Number:    3,
		Principal: d("800.00"),
		Interest:  d("150.00"),
		Tax:       d("18.00"),
		Insurance: d("20.00"),
		GPS:       d("12.00"),
	}
}

func assertBalanced(t *testing.T, amount decimal.Decimal, res Result) {
	t.Helper()
	assert.True(t, res.Breakdown.Sum().Equal(amount), "breakdown sums to %s, payment %s", res.Breakdown.Sum(), amount)
}

func TestAllocate_ExactWithLateFee(t *testing.T) {
	inst := dueInstallment()
	in := Input{Amount: d("1050.00"), LateFee: d("50.00"), Installment: inst}

	res, err := Allocate(in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExact, res.Outcome)
	assert.True(t, res.PayInstallment)
	assert.True(t, res.Breakdown.Principal.Equal(inst.Principal))
	assert.True(t, res.Breakdown.Interest.Equal(inst.Interest))
	assert.True(t, res.Breakdown.LateFee.Equal(d("50")))
	assert.True(t, res.Breakdown.RoundingAdjustment.IsZero())
	assertBalanced(t, in.Amount, res)
	assert.False(t, inst.Paid, "allocator must not mutate the installment")
}

func TestAllocate_OneUnitBoundaryIsExact(t *testing.T) {
	for _, amount := range []string{"999.99", "1000.01"} {
		res, err := Allocate(Input{Amount: d(amount), Installment: dueInstallment()})
		require.NoError(t, err, amount)
		assert.Equal(t, OutcomeExact, res.Outcome, amount)
		assert.True(t, res.Breakdown.ExcessPrincipal.IsZero())
		assertBalanced(t, d(amount), res)
	}

	_, err := Allocate(Input{Amount: d("1000.02"), Installment: dueInstallment()})
	assert.True(t, errors.Is(err, models.ErrAmbiguousOverpayment))
}

func TestAllocate_Insufficient(t *testing.T) {
	_, err := Allocate(Input{Amount: d("900"), Installment: dueInstallment()})
	assert.True(t, errors.Is(err, models.ErrInsufficientAmount))
	assert.True(t, errors.Is(err, models.ErrPaymentTooSmall))

	// Otros alone larger than the payment.
	_, err = Allocate(Input{Amount: d("10"), Otros: d("20"), Installment: dueInstallment()})
	assert.True(t, errors.Is(err, models.ErrInsufficientAmount))

	// Covers the installment but not the late fee on top.
	_, err = Allocate(Input{Amount: d("1000"), LateFee: d("50"), Installment: dueInstallment()})
	assert.True(t, errors.Is(err, models.ErrInsufficientAmount))
}

func TestAllocate_Validation(t *testing.T) {
	cases := []Input{
		{Amount: d("-1"), Installment: dueInstallment()},
		{Amount: decimal.Zero, Installment: dueInstallment()},
		{Amount: d("1000"), Otros: d("-5"), Installment: dueInstallment()},
		{Amount: d("1000"), Installment: dueInstallment(), Disposition: "prepay_everything"},
	}
	for _, in := range cases {
		_, err := Allocate(in)
		assert.True(t, errors.Is(err, models.ErrValidation), "input %+v: %v", in, err)
	}
}

func TestAllocate_OverpaymentDispositions(t *testing.T) {
	amount := d("1200.00")

	_, err := Allocate(Input{Amount: amount, Installment: dueInstallment(), MaxExcessPrincipal: d("5000")})
	assert.True(t, errors.Is(err, models.ErrNeedsDisposition))

	res, err := Allocate(Input{Amount: amount, Installment: dueInstallment(), Disposition: models.DispositionDirectPrincipalReduction, MaxExcessPrincipal: d("5000")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOverpaid, res.Outcome)
	assert.True(t, res.PayInstallment)
	assert.True(t, res.Breakdown.ExcessPrincipal.Equal(d("200")))
	assert.True(t, res.Breakdown.PrincipalReduction().Equal(d("1000")))
	assertBalanced(t, amount, res)

	res, err = Allocate(Input{Amount: amount, Installment: dueInstallment(), Disposition: models.DispositionMiscellaneous})
	require.NoError(t, err)
	assert.True(t, res.Breakdown.Otros.Equal(d("200")))
	assert.True(t, res.Breakdown.ExcessPrincipal.IsZero())
	assertBalanced(t, amount, res)

	res, err = Allocate(Input{Amount: amount, Otros: d("30"), Installment: dueInstallment(), Disposition: models.DispositionCurrentDueOnly})
	require.NoError(t, err)
	assert.True(t, res.Breakdown.Unassigned.Equal(d("170")))
	assert.True(t, res.Breakdown.Otros.Equal(d("30")))
	assertBalanced(t, amount, res)
}

func TestAllocate_DirectPrincipalBoundedByBalance(t *testing.T) {
	_, err := Allocate(Input{Amount: d("1200"), Installment: dueInstallment(), Disposition: models.DispositionDirectPrincipalReduction, MaxExcessPrincipal: d("150")})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAllocate_PrecedenceOtrosAgreementLateFee(t *testing.T) {
	in := Input{
		Amount:       d("1380.00"),
		Otros:        d("30.00"),
		AgreementDue: d("300.00"),
		LateFee:      d("50.00"),
		Installment:  dueInstallment(),
	}
	res, err := Allocate(in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExact, res.Outcome)
	assert.True(t, res.Breakdown.Agreement.Equal(d("300")))
	assert.True(t, res.Breakdown.Otros.Equal(d("30")))
	assertBalanced(t, in.Amount, res)
}

func TestAllocate_AgreementOnly(t *testing.T) {
	res, err := Allocate(Input{Amount: d("300"), AgreementDue: d("300")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoInstallment, res.Outcome)
	assert.False(t, res.PayInstallment)
	assertBalanced(t, d("300"), res)

	_, err = Allocate(Input{Amount: d("350"), AgreementDue: d("300")})
	assert.True(t, errors.Is(err, models.ErrAmbiguousOverpayment))
}

func TestAllocate_AlreadyPaidInstallment(t *testing.T) {
	paid := dueInstallment()
	paid.Paid = true

	// Shortfall fully explained by otros.
	res, err := Allocate(Input{Amount: d("45"), Otros: d("45"), Installment: paid})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiscOnly, res.Outcome)
	assert.False(t, res.PayInstallment)
	assertBalanced(t, d("45"), res)

	_, err = Allocate(Input{Amount: d("1000"), Installment: paid})
	assert.True(t, errors.Is(err, models.ErrAlreadyPaid))

	_, err = Allocate(Input{Amount: d("700"), Otros: d("45"), Installment: paid})
	assert.True(t, errors.Is(err, models.ErrReconciliationRequired))
	assert.True(t, errors.Is(err, models.ErrStateConflict))

	// Late fee only, no otros: not explained by otros.
	_, err = Allocate(Input{Amount: d("50"), LateFee: d("50"), Installment: paid})
	assert.True(t, errors.Is(err, models.ErrReconciliationRequired))
}
