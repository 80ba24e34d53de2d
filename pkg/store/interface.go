package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
)

// Repo defines the data operations of the servicing engine. Lookups of a
// missing row return an error wrapping the matching models.Err*NotFound.
type Repo interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// LockLoan loads the loan for update; backends with row locks hold one until the transaction ends.
	LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error)

	CreateInstallments(ctx context.Context, installments []*models.Installment) error
	ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	UpdateInstallment(ctx context.Context, inst *models.Installment) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)

	CreateParticipation(ctx context.Context, p *models.InvestorParticipation) error
	ListParticipations(ctx context.Context, loanID uuid.UUID) ([]*models.InvestorParticipation, error)

	CreateShares(ctx context.Context, shares []*models.InvestorPaymentShare) error
	GetShare(ctx context.Context, id uuid.UUID) (*models.InvestorPaymentShare, error)
	UpdateShare(ctx context.Context, s *models.InvestorPaymentShare) error
	ListSharesByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InvestorPaymentShare, error)
	ListSharesByInvestor(ctx context.Context, investorID string) ([]*models.InvestorPaymentShare, error)

	CreateAgreement(ctx context.Context, a *models.PaymentAgreement) error
	GetAgreement(ctx context.Context, id uuid.UUID) (*models.PaymentAgreement, error)
	// ActiveAgreement returns the loan's active agreement, or nil when there is none.
	ActiveAgreement(ctx context.Context, loanID uuid.UUID) (*models.PaymentAgreement, error)
	UpdateAgreement(ctx context.Context, a *models.PaymentAgreement) error

	GetMora(ctx context.Context, loanID uuid.UUID) (*models.Mora, error)
	SaveMora(ctx context.Context, m *models.Mora) error
	CreateCondonation(ctx context.Context, c *models.Condonation) error
	ListCondonations(ctx context.Context, loanID uuid.UUID) ([]*models.Condonation, error)

	CreateClosure(ctx context.Context, c *models.LoanClosure) error
	// OpenClosure returns the loan's unresolved closure, or nil when there is none.
	OpenClosure(ctx context.Context, loanID uuid.UUID) (*models.LoanClosure, error)
	UpdateClosure(ctx context.Context, c *models.LoanClosure) error
}

// Storage is a Repo that can run a function atomically. Every mutation made
// through the Repo passed to fn commits together or not at all.
type Storage interface {
	Repo
	WithTx(ctx context.Context, fn func(tx Repo) error) error
	Close() error
}
