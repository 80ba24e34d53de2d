package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive              LoanStatus = "ACTIVO"
	LoanStatusDelinquent          LoanStatus = "MOROSO"
	LoanStatusPendingCancellation LoanStatus = "PENDIENTE_CANCELACION"
	LoanStatusCancelled           LoanStatus = "CANCELADO"
	LoanStatusUncollectible       LoanStatus = "INCOBRABLE"
)

// Servicing reports whether payments may still be applied to a loan in this status.
func (s LoanStatus) Servicing() bool {
	return s == LoanStatusActive || s == LoanStatusDelinquent
}

type Loan struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	BorrowerKey       string          `json:"borrower_key" gorm:"not null"` // Link to external customer system
	Capital           decimal.Decimal `json:"capital" gorm:"type:numeric(18,2);not null"`
	Balance           decimal.Decimal `json:"balance" gorm:"type:numeric(18,2);not null"`            // Outstanding principal
	InterestRate      decimal.Decimal `json:"interest_rate" gorm:"type:numeric(10,6);not null"`      // Annual rate, e.g. 0.18
	TaxRate           decimal.Decimal `json:"tax_rate" gorm:"type:numeric(10,6);not null"`           // Applied to the interest component
	Term              int             `json:"term" gorm:"not null"`                                  // Months
	InstallmentAmount decimal.Decimal `json:"installment_amount" gorm:"type:numeric(18,2);not null"` // Fixed principal+interest cuota
	InsuranceFee      decimal.Decimal `json:"insurance_fee" gorm:"type:numeric(18,2);not null"`
	GPSFee            decimal.Decimal `json:"gps_fee" gorm:"type:numeric(18,2);not null"`
	MembershipFee     decimal.Decimal `json:"membership_fee" gorm:"type:numeric(18,2);not null"` // Billed inside the insurance component
	MoraRate          decimal.Decimal `json:"mora_rate" gorm:"type:numeric(10,4);not null"`      // Percent of the installment amount per overdue installment
	Status            LoanStatus      `json:"status" gorm:"type:varchar(32);not null;index"`
	StartDate         time.Time       `json:"start_date"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type ValidationStatus string

const (
	ValidationNotRequired ValidationStatus = "not_required"
	ValidationPending     ValidationStatus = "pending"
	ValidationValidated   ValidationStatus = "validated"
	ValidationCapitalOnly ValidationStatus = "capital_only"
	ValidationReset       ValidationStatus = "reset"
)

type Installment struct {
	ID               uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID           uuid.UUID        `json:"loan_id" gorm:"type:uuid;not null;uniqueIndex:idx_installment_number"`
	Number           int              `json:"number" gorm:"not null;uniqueIndex:idx_installment_number"`
	DueDate          time.Time        `json:"due_date"`
	Principal        decimal.Decimal  `json:"principal" gorm:"type:numeric(18,2);not null"`
	Interest         decimal.Decimal  `json:"interest" gorm:"type:numeric(18,2);not null"`
	Tax              decimal.Decimal  `json:"tax" gorm:"type:numeric(18,2);not null"`
	Insurance        decimal.Decimal  `json:"insurance" gorm:"type:numeric(18,2);not null"`
	GPS              decimal.Decimal  `json:"gps" gorm:"type:numeric(18,2);not null"`
	Paid             bool             `json:"paid" gorm:"not null"`
	PaidByPaymentID  *uuid.UUID       `json:"paid_by_payment_id,omitempty" gorm:"type:uuid"`
	PaidAt           *time.Time       `json:"paid_at,omitempty"`
	ValidationStatus ValidationStatus `json:"validation_status" gorm:"type:varchar(32);not null"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

// Total is the full amount due for the installment.
func (i *Installment) Total() decimal.Decimal {
	return i.Principal.Add(i.Interest).Add(i.Tax).Add(i.Insurance).Add(i.GPS)
}

// Overdue reports whether the installment is unpaid and its due date is before today.
func (i *Installment) Overdue(today time.Time) bool {
	return !i.Paid && i.DueDate.Before(truncateDay(today))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

type Disposition string

const (
	DispositionNone                     Disposition = ""
	DispositionDirectPrincipalReduction Disposition = "direct_principal_reduction"
	DispositionMiscellaneous            Disposition = "miscellaneous"
	DispositionCurrentDueOnly           Disposition = "current_due_only"
)

func (d Disposition) Valid() bool {
	switch d {
	case DispositionNone, DispositionDirectPrincipalReduction, DispositionMiscellaneous, DispositionCurrentDueOnly:
		return true
	}
	return false
}

type PaymentKind string

const (
	PaymentKindRegular  PaymentKind = "regular"
	PaymentKindWriteOff PaymentKind = "write_off"
)

// Breakdown is the split of a payment's gross amount into its applied components.
type Breakdown struct {
	Principal          decimal.Decimal `json:"principal" gorm:"type:numeric(18,2);not null"`
	Interest           decimal.Decimal `json:"interest" gorm:"type:numeric(18,2);not null"`
	Tax                decimal.Decimal `json:"tax" gorm:"type:numeric(18,2);not null"`
	Insurance          decimal.Decimal `json:"insurance" gorm:"type:numeric(18,2);not null"`
	GPS                decimal.Decimal `json:"gps" gorm:"type:numeric(18,2);not null"`
	LateFee            decimal.Decimal `json:"late_fee" gorm:"type:numeric(18,2);not null"`
	Otros              decimal.Decimal `json:"otros" gorm:"type:numeric(18,2);not null"`
	Agreement          decimal.Decimal `json:"agreement" gorm:"type:numeric(18,2);not null"`
	ExcessPrincipal    decimal.Decimal `json:"excess_principal" gorm:"type:numeric(18,2);not null"`
	Unassigned         decimal.Decimal `json:"unassigned" gorm:"type:numeric(18,2);not null"`
	RoundingAdjustment decimal.Decimal `json:"rounding_adjustment" gorm:"type:numeric(18,2);not null"`
}

// Sum adds every component; for a well-formed payment it equals the gross amount.
func (b Breakdown) Sum() decimal.Decimal {
	return decimal.Sum(b.Principal, b.Interest, b.Tax, b.Insurance, b.GPS, b.LateFee,
		b.Otros, b.Agreement, b.ExcessPrincipal, b.Unassigned, b.RoundingAdjustment)
}

// PrincipalReduction is how much the payment lowered the outstanding balance.
func (b Breakdown) PrincipalReduction() decimal.Decimal {
	return b.Principal.Add(b.ExcessPrincipal)
}

// BankAccount is the destination account annotation taken from the company catalog.
type BankAccount struct {
	Name          string `json:"name,omitempty" mapstructure:"name"`
	BankName      string `json:"bank_name,omitempty" mapstructure:"bank_name"`
	AccountNumber string `json:"account_number,omitempty" mapstructure:"account_number"`
}

type Payment struct {
	ID                uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID            uuid.UUID        `json:"loan_id" gorm:"type:uuid;not null;index"`
	InstallmentID     *uuid.UUID       `json:"installment_id,omitempty" gorm:"type:uuid;index"`
	InstallmentNumber int              `json:"installment_number,omitempty"`
	AgreementID       *uuid.UUID       `json:"agreement_id,omitempty" gorm:"type:uuid"`
	Amount            decimal.Decimal  `json:"amount" gorm:"type:numeric(18,2);not null"`
	Date              time.Time        `json:"date"`
	BankAccountRef    string           `json:"bank_account_ref,omitempty"`
	BankAccount       BankAccount      `json:"bank_account" gorm:"embedded;embeddedPrefix:bank_"`
	AuthorizationRef  string           `json:"authorization_ref,omitempty"`
	Breakdown         Breakdown        `json:"breakdown" gorm:"embedded"`
	Disposition       Disposition      `json:"disposition,omitempty" gorm:"type:varchar(32)"`
	MoraCountDelta    int              `json:"-"`                                              // Overdue installments settled by this payment
	PrincipalRetired  decimal.Decimal  `json:"-" gorm:"type:numeric(18,2);not null;default:0"` // Scheduled principal already retired by direct reductions
	Kind              PaymentKind      `json:"kind" gorm:"type:varchar(16);not null"`
	ProofDocuments    []string         `json:"proof_documents,omitempty" gorm:"type:text;serializer:json"`
	FalsePayment      bool             `json:"false_payment" gorm:"not null"`
	Reversed          bool             `json:"reversed" gorm:"not null"`
	ReversedAt        *time.Time       `json:"reversed_at,omitempty"`
	ValidationStatus  ValidationStatus `json:"validation_status" gorm:"type:varchar(32);not null"`
	RegisteredBy      string           `json:"registered_by"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

// Effective reports whether the payment still counts toward installment and loan balances.
func (p *Payment) Effective() bool {
	return !p.Reversed && !p.FalsePayment
}

type InvestorParticipation struct {
	ID                 uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID             uuid.UUID       `json:"loan_id" gorm:"type:uuid;not null;index"`
	InvestorID         string          `json:"investor_id" gorm:"not null;index"`
	InvestorName       string          `json:"investor_name"`
	CapitalPercentage  decimal.Decimal `json:"capital_percentage" gorm:"type:numeric(7,4);not null"`  // Share of the loan capital funded by the investor
	CashInPercentage   decimal.Decimal `json:"cash_in_percentage" gorm:"type:numeric(7,4);not null"`  // Retained by the servicer
	InvestorPercentage decimal.Decimal `json:"investor_percentage" gorm:"type:numeric(7,4);not null"` // Complement of cash-in
	InstallmentShare   decimal.Decimal `json:"installment_share" gorm:"type:numeric(18,2);not null"`
	CreatedAt          time.Time       `json:"created_at"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

type LiquidationState string

const (
	LiquidationNone    LiquidationState = "not_liquidated"
	LiquidationPending LiquidationState = "pending_liquidation"
	LiquidationDone    LiquidationState = "liquidated"
)

type InvestorPaymentShare struct {
	ID               uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	PaymentID        uuid.UUID        `json:"payment_id" gorm:"type:uuid;not null;index"`
	ParticipationID  uuid.UUID        `json:"participation_id" gorm:"type:uuid;not null"`
	InvestorID       string           `json:"investor_id" gorm:"not null;index"`
	LoanID           uuid.UUID        `json:"loan_id" gorm:"type:uuid;not null;index"`
	Principal        decimal.Decimal  `json:"principal" gorm:"type:numeric(18,2);not null"`
	Interest         decimal.Decimal  `json:"interest" gorm:"type:numeric(18,2);not null"`
	Tax              decimal.Decimal  `json:"tax" gorm:"type:numeric(18,2);not null"`
	Withholding      decimal.Decimal  `json:"withholding" gorm:"type:numeric(18,2);not null"`
	LiquidationState LiquidationState `json:"liquidation_state" gorm:"type:varchar(32);not null"`
	LiquidatedAt     *time.Time       `json:"liquidated_at,omitempty"`
	Voided           bool             `json:"voided" gorm:"not null"`
	CreatedAt        time.Time        `json:"created_at"`

	Payment       *Payment               `json:"-" gorm:"foreignKey:PaymentID"`
	Participation *InvestorParticipation `json:"-" gorm:"foreignKey:ParticipationID"`
}

// Net is what the investor receives once withholding is deducted.
func (s *InvestorPaymentShare) Net() decimal.Decimal {
	return s.Principal.Add(s.Interest).Add(s.Tax).Sub(s.Withholding)
}

// PaymentAgreement is a convenio: a temporary fixed monthly plan that replaces the regular installments.
type PaymentAgreement struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID        uuid.UUID       `json:"loan_id" gorm:"type:uuid;not null;index"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount" gorm:"type:numeric(18,2);not null"`
	Months        int             `json:"months" gorm:"not null"`
	Completed     int             `json:"completed" gorm:"not null"`
	Active        bool            `json:"active" gorm:"not null"`
	Reason        string          `json:"reason"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

// Pending is the number of agreement installments still to be paid.
func (a *PaymentAgreement) Pending() int {
	return a.Months - a.Completed
}

type Mora struct {
	LoanID       uuid.UUID       `json:"loan_id" gorm:"type:uuid;primaryKey"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	OverdueCount int             `json:"overdue_count" gorm:"not null"` // Overdue installments already charged
	Active       bool            `json:"active" gorm:"not null"`
	Rate         decimal.Decimal `json:"rate" gorm:"type:numeric(10,4);not null"`
	UpdatedAt    time.Time       `json:"updated_at"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

type Condonation struct {
	ID        uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID    uuid.UUID       `json:"loan_id" gorm:"type:uuid;not null;index"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	Reason    string          `json:"reason"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

type ClosureKind string

const (
	ClosureCancellation ClosureKind = "cancellation"
	ClosureBadDebt      ClosureKind = "bad_debt"
)

// LoanClosure records a cancellation request or a bad-debt designation.
type LoanClosure struct {
	ID                   uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	LoanID               uuid.UUID       `json:"loan_id" gorm:"type:uuid;not null;index"`
	Kind                 ClosureKind     `json:"kind" gorm:"type:varchar(16);not null"`
	Reason               string          `json:"reason"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal" gorm:"type:numeric(18,2);not null"`
	PendingInterest      decimal.Decimal `json:"pending_interest" gorm:"type:numeric(18,2);not null"`
	PendingInsurance     decimal.Decimal `json:"pending_insurance" gorm:"type:numeric(18,2);not null"`
	PendingTax           decimal.Decimal `json:"pending_tax" gorm:"type:numeric(18,2);not null"`
	SettlementAmount     decimal.Decimal `json:"settlement_amount" gorm:"type:numeric(18,2);not null"`
	Date                 time.Time       `json:"date"`
	RegisteredBy         string          `json:"registered_by"`
	Resolved             bool            `json:"resolved" gorm:"not null"`
	Resolution           string          `json:"resolution,omitempty"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`

	Loan *Loan `json:"-" gorm:"foreignKey:LoanID"`
}

// Actor is the acting user as reported by the external identity provider.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (a Actor) String() string {
	if a.ID == "" {
		return "system"
	}
	return a.ID
}
