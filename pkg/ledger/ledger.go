// Package ledger is the servicing engine. It applies payments to loans,
// settles investors and drives the loan lifecycle. Every mutation of a loan
// runs under that loan's lock inside a single storage transaction.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/catalog"
	"github.com/mcclellann/loanserv/pkg/lock"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/money"
	"github.com/mcclellann/loanserv/pkg/mora"
	"github.com/mcclellann/loanserv/pkg/schedule"
	"github.com/mcclellann/loanserv/pkg/settlement"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger handles the business logic for loans and payments.
type Ledger struct {
	storage  store.Storage
	locker   lock.Locker
	accounts catalog.BankAccounts
	splitter *settlement.Splitter
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Ledger)

// WithLocker replaces the default in-process lock, e.g. with a Redis lock shared by several instances.
func WithLocker(lk lock.Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

func WithBankAccounts(c catalog.BankAccounts) Option {
	return func(l *Ledger) { l.accounts = c }
}

func WithWithholdingRate(rate decimal.Decimal) Option {
	return func(l *Ledger) { l.splitter = settlement.NewSplitter(rate) }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock sets the time source used for due-date checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		locker:   lock.NewKeyed(),
		accounts: catalog.Static{},
		splitter: settlement.NewSplitter(settlement.DefaultWithholdingRate),
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// mutate runs fn with the loan locked, both in process (or Redis) and in the
// store, inside one transaction. Any error rolls everything back.
func (l *Ledger) mutate(ctx context.Context, loanID uuid.UUID, fn func(tx store.Repo, loan *models.Loan) error) error {
	unlock, err := l.locker.Lock(ctx, loanID.String())
	if err != nil {
		return fmt.Errorf("failed to lock loan %s: %w", loanID, err)
	}
	defer unlock()

	return l.storage.WithTx(ctx, func(tx store.Repo) error {
		loan, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		return fn(tx, loan)
	})
}

// syncStatus moves a servicing loan between ACTIVO and MOROSO by its overdue installments.
func syncStatus(loan *models.Loan, installments []*models.Installment, today time.Time) {
	if !loan.Status.Servicing() {
		return
	}
	if len(schedule.Overdue(installments, today)) > 0 {
		loan.Status = models.LoanStatusDelinquent
	} else {
		loan.Status = models.LoanStatusActive
	}
}

// CreateLoanRequest describes a new loan. Rates are fractions (0.18 = 18%),
// except MoraRate which is a percentage of the installment amount.
type CreateLoanRequest struct {
	BorrowerKey   string          `json:"borrower_key"`
	Capital       decimal.Decimal `json:"capital"`
	InterestRate  decimal.Decimal `json:"interest_rate"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Term          int             `json:"term"`
	InsuranceFee  decimal.Decimal `json:"insurance_fee"`
	GPSFee        decimal.Decimal `json:"gps_fee"`
	MembershipFee decimal.Decimal `json:"membership_fee"`
	MoraRate      decimal.Decimal `json:"mora_rate"`
	StartDate     time.Time       `json:"start_date"`
}

func (r CreateLoanRequest) validate() error {
	if strings.TrimSpace(r.BorrowerKey) == "" {
		return models.Validation("borrower key is required")
	}
	if !r.Capital.IsPositive() {
		return models.Validation("capital must be positive, got %s", r.Capital)
	}
	if r.Term <= 0 {
		return models.Validation("term must be positive, got %d", r.Term)
	}
	for name, v := range map[string]decimal.Decimal{
		"interest rate":  r.InterestRate,
		"tax rate":       r.TaxRate,
		"insurance fee":  r.InsuranceFee,
		"gps fee":        r.GPSFee,
		"membership fee": r.MembershipFee,
		"mora rate":      r.MoraRate,
	} {
		if v.IsNegative() {
			return models.Validation("%s must not be negative, got %s", name, v)
		}
	}
	if r.MoraRate.GreaterThan(money.Hundred) {
		return models.Validation("mora rate is a percentage and must not exceed 100, got %s", r.MoraRate)
	}
	return nil
}

// CreateLoan creates a loan together with its full installment schedule and an inactive mora record.
func (l *Ledger) CreateLoan(ctx context.Context, req CreateLoanRequest) (*models.Loan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := l.now()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}

	loan := &models.Loan{
		ID:            uuid.New(),
		BorrowerKey:   req.BorrowerKey,
		Capital:       money.Round(req.Capital),
		Balance:       money.Round(req.Capital),
		InterestRate:  req.InterestRate,
		TaxRate:       req.TaxRate,
		Term:          req.Term,
		InsuranceFee:  money.Round(req.InsuranceFee),
		GPSFee:        money.Round(req.GPSFee),
		MembershipFee: money.Round(req.MembershipFee),
		MoraRate:      req.MoraRate,
		Status:        models.LoanStatusActive,
		StartDate:     start,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	installments, cuota, err := schedule.Build(loan, loan.Capital, loan.Term, 1, start)
	if err != nil {
		return nil, err
	}
	loan.InstallmentAmount = cuota
	syncStatus(loan, installments, now)

	err = l.storage.WithTx(ctx, func(tx store.Repo) error {
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}
		if err := tx.CreateInstallments(ctx, installments); err != nil {
			return fmt.Errorf("failed to store schedule: %w", err)
		}
		m := mora.New(loan, now)
		mora.Accrue(m, len(schedule.Overdue(installments, now)), loan.InstallmentAmount, now)
		if err := tx.SaveMora(ctx, m); err != nil {
			return fmt.Errorf("failed to store mora: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("loan created",
		zap.String("op", "create_loan"),
		zap.Stringer("loan_id", loan.ID),
		zap.Stringer("capital", loan.Capital),
		zap.Int("term", loan.Term),
		zap.Stringer("installment_amount", loan.InstallmentAmount),
	)
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// ListLoans returns all loans, or only those in the given statuses.
func (l *Ledger) ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	return l.storage.ListLoans(ctx, statuses...)
}

// Status is a read-only snapshot of where a loan stands.
type Status struct {
	Loan               *models.Loan             `json:"loan"`
	CurrentInstallment *models.Installment      `json:"current_installment"`
	Overdue            []*models.Installment    `json:"overdue"`
	Pending            []*models.Installment    `json:"pending"`
	ActiveAgreement    *models.PaymentAgreement `json:"active_agreement,omitempty"`
	Mora               *models.Mora             `json:"mora"`
	OpenClosure        *models.LoanClosure      `json:"open_closure,omitempty"`
	PaidPrincipal      decimal.Decimal          `json:"paid_principal"` // Scheduled principal of paid installments
}

// GetLoanStatus reads the loan's schedule position without taking the loan lock.
func (l *Ledger) GetLoanStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	installments, err := l.storage.ListInstallments(ctx, id)
	if err != nil {
		return nil, err
	}
	agreement, err := l.storage.ActiveAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := l.storage.GetMora(ctx, id)
	if err != nil {
		return nil, err
	}
	closure, err := l.storage.OpenClosure(ctx, id)
	if err != nil {
		return nil, err
	}

	today := l.now()
	return &Status{
		Loan:               loan,
		CurrentInstallment: schedule.Current(installments),
		Overdue:            schedule.Overdue(installments, today),
		Pending:            schedule.Pending(installments, today),
		ActiveAgreement:    agreement,
		Mora:               m,
		OpenClosure:        closure,
		PaidPrincipal:      schedule.PaidPrincipal(installments),
	}, nil
}
