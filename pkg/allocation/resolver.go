package allocation

import (
	"fmt"

	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/shopspring/decimal"
)

// Resolve assigns an excess amount according to the caller's disposition.
// The disposition is never inferred.
func Resolve(b *models.Breakdown, excess decimal.Decimal, d models.Disposition, maxPrincipal decimal.Decimal) error {
	switch d {
	case models.DispositionDirectPrincipalReduction:
		if excess.GreaterThan(maxPrincipal) {
			return models.Validation("excess %s exceeds the outstanding balance %s", excess.StringFixed(2), maxPrincipal.StringFixed(2))
		}
		b.ExcessPrincipal = b.ExcessPrincipal.Add(excess)
	case models.DispositionMiscellaneous:
		b.Otros = b.Otros.Add(excess)
	case models.DispositionCurrentDueOnly:
		b.Unassigned = b.Unassigned.Add(excess)
	default:
		return fmt.Errorf("excess %s: %w", excess.StringFixed(2), models.ErrNeedsDisposition)
	}
	return nil
}
