package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func participation(investor string, capital, investorPct string) *models.InvestorParticipation {
	inv := d(investorPct)
	return &models.InvestorParticipation{
		ID:                 uuid.New(),
		InvestorID:         investor,
		CapitalPercentage:  d(capital),
		InvestorPercentage: inv,
		CashInPercentage:   d("100").Sub(inv),
	}
}

func payment(principal, interest, tax string) *models.Payment {
	return &models.Payment{
		ID:     uuid.New(),
		LoanID: uuid.New(),
		Breakdown: models.Breakdown{
			Principal: d(principal),
			Interest:  d(interest),
			Tax:       d(tax),
		},
	}
}

func TestSplit_ThirtyPercentInvestor(t *testing.T) {
	s := NewSplitter(DefaultWithholdingRate)
	p := payment("800.00", "200.00", "24.00")

	shares := s.Split(p, []*models.InvestorParticipation{participation("inv-1", "100", "30")}, time.Now())
	require.Len(t, shares, 1)
	sh := shares[0]
	assert.Equal(t, "60.00", sh.Interest.StringFixed(2))
	assert.Equal(t, "3.00", sh.Withholding.StringFixed(2))
	assert.Equal(t, "240.00", sh.Principal.StringFixed(2))
	assert.Equal(t, "7.20", sh.Tax.StringFixed(2))
	assert.Equal(t, models.LiquidationNone, sh.LiquidationState)
	assert.Equal(t, p.ID, sh.PaymentID)
	assert.Equal(t, p.LoanID, sh.LoanID)
	assert.Equal(t, "304.20", sh.Net().StringFixed(2))
}

func TestSplit_SumNeverExceedsPaymentComponent(t *testing.T) {
	s := NewSplitter(DefaultWithholdingRate)
	p := payment("333.33", "101.01", "12.12")
	parts := []*models.InvestorParticipation{
		participation("a", "33.3333", "100"),
		participation("b", "33.3333", "100"),
		participation("c", "33.3334", "100"),
	}
	shares := s.Split(p, parts, time.Now())
	require.Len(t, shares, 3)

	principal, interest, tax := decimal.Zero, decimal.Zero, decimal.Zero
	for _, sh := range shares {
		principal = principal.Add(sh.Principal)
		interest = interest.Add(sh.Interest)
		tax = tax.Add(sh.Tax)
	}
	assert.True(t, principal.LessThanOrEqual(p.Breakdown.Principal), "principal %s", principal)
	assert.True(t, interest.LessThanOrEqual(p.Breakdown.Interest), "interest %s", interest)
	assert.True(t, tax.LessThanOrEqual(p.Breakdown.Tax), "tax %s", tax)
}

func TestSplit_SkipsZeroParticipation(t *testing.T) {
	s := NewSplitter(DefaultWithholdingRate)
	shares := s.Split(payment("100", "10", "1"), []*models.InvestorParticipation{participation("z", "50", "0")}, time.Now())
	assert.Empty(t, shares)
}

func TestValidateParticipation(t *testing.T) {
	ok := participation("inv", "60", "70")
	assert.NoError(t, ValidateParticipation(ok, nil))

	bad := participation("inv", "60", "70")
	bad.CashInPercentage = d("20")
	assert.True(t, errors.Is(ValidateParticipation(bad, nil), models.ErrValidation))

	over := participation("inv2", "50", "70")
	assert.True(t, errors.Is(ValidateParticipation(over, []*models.InvestorParticipation{ok}), models.ErrValidation))

	noID := participation("", "10", "70")
	assert.Error(t, ValidateParticipation(noID, nil))

	neg := participation("inv3", "-1", "70")
	assert.Error(t, ValidateParticipation(neg, nil))
}

func TestLiquidate(t *testing.T) {
	sh := &models.InvestorPaymentShare{ID: uuid.New(), LiquidationState: models.LiquidationNone}
	require.NoError(t, Liquidate(sh, time.Now()))
	assert.Equal(t, models.LiquidationDone, sh.LiquidationState)
	assert.NotNil(t, sh.LiquidatedAt)

	err := Liquidate(sh, time.Now())
	assert.True(t, errors.Is(err, models.ErrAlreadyLiquidated))

	pending := &models.InvestorPaymentShare{ID: uuid.New(), LiquidationState: models.LiquidationNone}
	require.NoError(t, MarkPending(pending))
	assert.Equal(t, models.LiquidationPending, pending.LiquidationState)
	require.NoError(t, MarkPending(pending))
	require.NoError(t, Liquidate(pending, time.Now()))
	assert.True(t, errors.Is(MarkPending(pending), models.ErrAlreadyLiquidated))

	voided := &models.InvestorPaymentShare{ID: uuid.New(), Voided: true}
	assert.True(t, errors.Is(Liquidate(voided, time.Now()), models.ErrShareVoided))
}

func TestVoid(t *testing.T) {
	a := &models.InvestorPaymentShare{ID: uuid.New(), LiquidationState: models.LiquidationPending}
	b := &models.InvestorPaymentShare{ID: uuid.New(), LiquidationState: models.LiquidationDone}

	err := Void([]*models.InvestorPaymentShare{a, b})
	assert.True(t, errors.Is(err, models.ErrCannotReverseLiquidated))
	assert.False(t, a.Voided, "no share may be voided when the reversal is refused")
	assert.True(t, AnyLiquidated([]*models.InvestorPaymentShare{a, b}))

	require.NoError(t, Void([]*models.InvestorPaymentShare{a}))
	assert.True(t, a.Voided)
}
