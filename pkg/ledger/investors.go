package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/money"
	"github.com/mcclellann/loanserv/pkg/settlement"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ParticipationRequest records an investor's stake in a loan. Percentages are 0..100.
type ParticipationRequest struct {
	LoanID             uuid.UUID       `json:"-"`
	InvestorID         string          `json:"investor_id"`
	InvestorName       string          `json:"investor_name"`
	CapitalPercentage  decimal.Decimal `json:"capital_percentage"`
	CashInPercentage   decimal.Decimal `json:"cash_in_percentage"`
	InvestorPercentage decimal.Decimal `json:"investor_percentage"`
}

// AddParticipation attaches an investor to the loan. The investor's fixed
// per-installment share is derived from the loan's installment amount.
func (l *Ledger) AddParticipation(ctx context.Context, req ParticipationRequest) (*models.InvestorParticipation, error) {
	var part *models.InvestorParticipation
	err := l.mutate(ctx, req.LoanID, func(tx store.Repo, loan *models.Loan) error {
		existing, err := tx.ListParticipations(ctx, loan.ID)
		if err != nil {
			return err
		}
		p := &models.InvestorParticipation{
			ID:                 uuid.New(),
			LoanID:             loan.ID,
			InvestorID:         req.InvestorID,
			InvestorName:       req.InvestorName,
			CapitalPercentage:  req.CapitalPercentage,
			CashInPercentage:   req.CashInPercentage,
			InvestorPercentage: req.InvestorPercentage,
			CreatedAt:          l.now(),
		}
		if err := settlement.ValidateParticipation(p, existing); err != nil {
			return err
		}
		p.InstallmentShare = money.Floor(loan.InstallmentAmount.Mul(settlement.Factor(p)))
		if err := tx.CreateParticipation(ctx, p); err != nil {
			return err
		}
		part = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("investor participation added",
		zap.String("op", "add_participation"),
		zap.Stringer("loan_id", part.LoanID),
		zap.String("investor_id", part.InvestorID),
		zap.Stringer("capital_percentage", part.CapitalPercentage),
	)
	return part, nil
}

// LiquidationTarget selects the shares to liquidate: those of one payment, or all of one investor.
type LiquidationTarget struct {
	PaymentID  uuid.UUID
	InvestorID string
}

// LiquidateShares marks every live, unliquidated share of the target as
// liquidated and returns how many changed. Already liquidated and voided
// shares are skipped, so repeating a run is harmless.
func (l *Ledger) LiquidateShares(ctx context.Context, target LiquidationTarget) (int, error) {
	var (
		n   int
		err error
	)
	switch {
	case target.PaymentID != uuid.Nil:
		n, err = l.liquidatePayment(ctx, target.PaymentID)
	case target.InvestorID != "":
		n, err = l.forInvestorShares(ctx, target.InvestorID, "liquidate_shares", func(s *models.InvestorPaymentShare) (bool, error) {
			if s.Voided || s.LiquidationState == models.LiquidationDone {
				return false, nil
			}
			return true, settlement.Liquidate(s, l.now())
		})
	default:
		return 0, models.Validation("a payment id or an investor id is required")
	}
	if err != nil {
		return n, err
	}

	l.log.Info("investor shares liquidated",
		zap.String("op", "liquidate_shares"),
		zap.Stringer("payment_id", target.PaymentID),
		zap.String("investor_id", target.InvestorID),
		zap.Int("count", n),
	)
	return n, nil
}

func (l *Ledger) liquidatePayment(ctx context.Context, paymentID uuid.UUID) (int, error) {
	p, err := l.storage.GetPayment(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	n := 0
	err = l.mutate(ctx, p.LoanID, func(tx store.Repo, _ *models.Loan) error {
		shares, err := tx.ListSharesByPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		now := l.now()
		for _, s := range shares {
			if s.Voided || s.LiquidationState == models.LiquidationDone {
				continue
			}
			if err := settlement.Liquidate(s, now); err != nil {
				return err
			}
			if err := tx.UpdateShare(ctx, s); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// forInvestorShares applies fn to the investor's shares one loan at a time,
// each loan under its own lock and transaction. fn reports whether it changed the share.
func (l *Ledger) forInvestorShares(ctx context.Context, investorID, op string, fn func(*models.InvestorPaymentShare) (bool, error)) (int, error) {
	all, err := l.storage.ListSharesByInvestor(ctx, investorID)
	if err != nil {
		return 0, err
	}
	loanIDs := make(map[uuid.UUID]struct{})
	for _, s := range all {
		loanIDs[s.LoanID] = struct{}{}
	}
	ordered := make([]uuid.UUID, 0, len(loanIDs))
	for id := range loanIDs {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	total := 0
	for _, loanID := range ordered {
		n := 0
		err := l.mutate(ctx, loanID, func(tx store.Repo, _ *models.Loan) error {
			shares, err := tx.ListSharesByInvestor(ctx, investorID)
			if err != nil {
				return err
			}
			for _, s := range shares {
				if s.LoanID != loanID {
					continue
				}
				changed, err := fn(s)
				if err != nil {
					return err
				}
				if !changed {
					continue
				}
				if err := tx.UpdateShare(ctx, s); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			l.log.Error("investor batch failed for loan",
				zap.String("op", op), zap.String("investor_id", investorID), zap.Stringer("loan_id", loanID), zap.Error(err))
			return total, fmt.Errorf("loan %s: %w", loanID, err)
		}
		total += n
	}
	return total, nil
}

// LiquidateShare liquidates a single share, failing if it is voided or already liquidated.
func (l *Ledger) LiquidateShare(ctx context.Context, shareID uuid.UUID) (*models.InvestorPaymentShare, error) {
	existing, err := l.storage.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	var share *models.InvestorPaymentShare
	err = l.mutate(ctx, existing.LoanID, func(tx store.Repo, _ *models.Loan) error {
		s, err := tx.GetShare(ctx, shareID)
		if err != nil {
			return err
		}
		if err := settlement.Liquidate(s, l.now()); err != nil {
			return err
		}
		if err := tx.UpdateShare(ctx, s); err != nil {
			return err
		}
		share = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("investor share liquidated",
		zap.String("op", "liquidate_share"),
		zap.Stringer("share_id", share.ID),
		zap.String("investor_id", share.InvestorID),
		zap.Stringer("net", share.Net()),
	)
	return share, nil
}

// PrepareLiquidation queues the investor's unliquidated shares for the next payout and returns how many were queued.
func (l *Ledger) PrepareLiquidation(ctx context.Context, investorID string) (int, error) {
	if investorID == "" {
		return 0, models.Validation("investor id is required")
	}
	n, err := l.forInvestorShares(ctx, investorID, "prepare_liquidation", func(s *models.InvestorPaymentShare) (bool, error) {
		if s.Voided || s.LiquidationState != models.LiquidationNone {
			return false, nil
		}
		return true, settlement.MarkPending(s)
	})
	if err != nil {
		return n, err
	}
	l.log.Info("investor shares queued for liquidation",
		zap.String("op", "prepare_liquidation"), zap.String("investor_id", investorID), zap.Int("count", n))
	return n, nil
}
