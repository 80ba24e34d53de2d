package settlement

import (
	"fmt"
	"time"

	"github.com/mcclellann/loanserv/pkg/models"
)

// Liquidate marks the share as paid out to the investor.
func Liquidate(s *models.InvestorPaymentShare, now time.Time) error {
	if s.Voided {
		return fmt.Errorf("share %s: %w", s.ID, models.ErrShareVoided)
	}
	switch s.LiquidationState {
	case models.LiquidationNone, models.LiquidationPending:
		at := now
		s.LiquidationState = models.LiquidationDone
		s.LiquidatedAt = &at
		return nil
	}
	return fmt.Errorf("share %s: %w", s.ID, models.ErrAlreadyLiquidated)
}

// MarkPending queues a not-yet-liquidated share for the next payout run.
func MarkPending(s *models.InvestorPaymentShare) error {
	if s.Voided {
		return fmt.Errorf("share %s: %w", s.ID, models.ErrShareVoided)
	}
	switch s.LiquidationState {
	case models.LiquidationNone:
		s.LiquidationState = models.LiquidationPending
		return nil
	case models.LiquidationPending:
		return nil
	}
	return fmt.Errorf("share %s: %w", s.ID, models.ErrAlreadyLiquidated)
}

// AnyLiquidated reports whether a live share has been paid out.
func AnyLiquidated(shares []*models.InvestorPaymentShare) bool {
	for _, s := range shares {
		if !s.Voided && s.LiquidationState == models.LiquidationDone {
			return true
		}
	}
	return false
}

// Void detaches the shares from a reversed payment. It fails, changing nothing,
// if any of them has already been liquidated.
func Void(shares []*models.InvestorPaymentShare) error {
	if AnyLiquidated(shares) {
		return fmt.Errorf("payment %s: %w", shares[0].PaymentID, models.ErrCannotReverseLiquidated)
	}
	for _, s := range shares {
		s.Voided = true
	}
	return nil
}
