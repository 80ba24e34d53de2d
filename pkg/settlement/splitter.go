// Package settlement distributes allocated payment amounts to the investors
// that funded a loan and tracks the liquidation of each investor share.
package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/money"
	"github.com/shopspring/decimal"
)

// DefaultWithholdingRate is withheld from every investor interest share.
var DefaultWithholdingRate = decimal.RequireFromString("0.05")

var tenThousand = decimal.NewFromInt(10000)

type Splitter struct {
	withholdingRate decimal.Decimal
}

// NewSplitter returns a splitter withholding rate (a fraction, e.g. 0.05) of interest.
func NewSplitter(rate decimal.Decimal) *Splitter {
	return &Splitter{withholdingRate: rate}
}

// Factor is the fraction of a payment component owed to the investor:
// the capital it funded times the investor (non cash-in) percentage.
func Factor(p *models.InvestorParticipation) decimal.Decimal {
	return p.CapitalPercentage.Mul(p.InvestorPercentage).Div(tenThousand)
}

// Split computes one share per participation. Shares are truncated to the cent,
// so their sum never exceeds the payment's component; the servicer keeps the rest.
func (s *Splitter) Split(p *models.Payment, participations []*models.InvestorParticipation, now time.Time) []*models.InvestorPaymentShare {
	shares := make([]*models.InvestorPaymentShare, 0, len(participations))
	for _, part := range participations {
		f := Factor(part)
		if !f.IsPositive() {
			continue
		}
		interest := money.Floor(p.Breakdown.Interest.Mul(f))
		shares = append(shares, &models.InvestorPaymentShare{
			ID:               uuid.New(),
			PaymentID:        p.ID,
			ParticipationID:  part.ID,
			InvestorID:       part.InvestorID,
			LoanID:           p.LoanID,
			Principal:        money.Floor(p.Breakdown.Principal.Mul(f)),
			Interest:         interest,
			Tax:              money.Floor(p.Breakdown.Tax.Mul(f)),
			Withholding:      money.Round(interest.Mul(s.withholdingRate)),
			LiquidationState: models.LiquidationNone,
			CreatedAt:        now,
		})
	}
	return shares
}

// ValidateParticipation checks p on its own and against the loan's existing participations.
func ValidateParticipation(p *models.InvestorParticipation, existing []*models.InvestorParticipation) error {
	if p.InvestorID == "" {
		return models.Validation("investor id is required")
	}
	for name, v := range map[string]decimal.Decimal{
		"capital":  p.CapitalPercentage,
		"cash-in":  p.CashInPercentage,
		"investor": p.InvestorPercentage,
	} {
		if v.IsNegative() || v.GreaterThan(money.Hundred) {
			return models.Validation("%s percentage must be between 0 and 100, got %s", name, v)
		}
	}
	if !p.CashInPercentage.Add(p.InvestorPercentage).Equal(money.Hundred) {
		return models.Validation("cash-in %s and investor %s percentages must add up to 100", p.CashInPercentage, p.InvestorPercentage)
	}
	total := p.CapitalPercentage
	for _, e := range existing {
		total = total.Add(e.CapitalPercentage)
	}
	if total.GreaterThan(money.Hundred) {
		return models.Validation("capital percentages would add up to %s, above 100", total)
	}
	return nil
}
