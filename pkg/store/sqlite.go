package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// querier is the subset of *sql.DB and *sql.Tx the repository needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	*sqliteRepo
	db  *sql.DB
	log *zap.Logger
}

type sqliteRepo struct {
	q querier
}

// NewSQLiteStore opens the database, enables foreign keys and WAL mode and creates the schema.
func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// One connection: SQLite allows a single writer and the pragmas are per connection.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqliteRepo: &sqliteRepo{q: db}, db: db, log: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logger.Info("database connection established and schema initialized", zap.String("driver", "sqlite3"))
	return s, nil
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower_key TEXT NOT NULL,
		capital TEXT NOT NULL,
		balance TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		term INTEGER NOT NULL,
		installment_amount TEXT NOT NULL,
		insurance_fee TEXT NOT NULL DEFAULT '0',
		gps_fee TEXT NOT NULL DEFAULT '0',
		membership_fee TEXT NOT NULL DEFAULT '0',
		mora_rate TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		tax TEXT NOT NULL,
		insurance TEXT NOT NULL,
		gps TEXT NOT NULL,
		paid BOOLEAN NOT NULL DEFAULT 0,
		paid_by_payment_id TEXT,
		paid_at DATETIME,
		validation_status TEXT NOT NULL,
		UNIQUE(loan_id, number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_id TEXT,
		installment_number INTEGER NOT NULL DEFAULT 0,
		agreement_id TEXT,
		amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		bank_account_ref TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		bank_bank_name TEXT NOT NULL DEFAULT '',
		bank_account_number TEXT NOT NULL DEFAULT '',
		authorization_ref TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		tax TEXT NOT NULL,
		insurance TEXT NOT NULL,
		gps TEXT NOT NULL,
		late_fee TEXT NOT NULL,
		otros TEXT NOT NULL,
		agreement TEXT NOT NULL,
		excess_principal TEXT NOT NULL,
		unassigned TEXT NOT NULL,
		rounding_adjustment TEXT NOT NULL,
		disposition TEXT NOT NULL DEFAULT '',
		mora_count_delta INTEGER NOT NULL DEFAULT 0,
		principal_retired TEXT NOT NULL DEFAULT '0',
		kind TEXT NOT NULL,
		proof_documents TEXT NOT NULL DEFAULT '[]',
		false_payment BOOLEAN NOT NULL DEFAULT 0,
		reversed BOOLEAN NOT NULL DEFAULT 0,
		reversed_at DATETIME,
		validation_status TEXT NOT NULL,
		registered_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id),
		FOREIGN KEY(installment_id) REFERENCES installments(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	CREATE TABLE IF NOT EXISTS investor_participations (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		investor_id TEXT NOT NULL,
		investor_name TEXT NOT NULL DEFAULT '',
		capital_percentage TEXT NOT NULL,
		cash_in_percentage TEXT NOT NULL,
		investor_percentage TEXT NOT NULL,
		installment_share TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS investor_payment_shares (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		participation_id TEXT NOT NULL,
		investor_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		tax TEXT NOT NULL,
		withholding TEXT NOT NULL,
		liquidation_state TEXT NOT NULL,
		liquidated_at DATETIME,
		voided BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id),
		FOREIGN KEY(participation_id) REFERENCES investor_participations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_shares_payment ON investor_payment_shares(payment_id);
	CREATE INDEX IF NOT EXISTS idx_shares_investor ON investor_payment_shares(investor_id);
	CREATE TABLE IF NOT EXISTS payment_agreements (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		monthly_amount TEXT NOT NULL,
		months INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS moras (
		loan_id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		overdue_count INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 0,
		rate TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS condonations (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS loan_closures (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		outstanding_principal TEXT NOT NULL,
		pending_interest TEXT NOT NULL,
		pending_insurance TEXT NOT NULL,
		pending_tax TEXT NOT NULL,
		settlement_amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		registered_by TEXT NOT NULL DEFAULT '',
		resolved BOOLEAN NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		resolved_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn inside a database transaction, rolling back when fn fails.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Repo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteRepo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// expectOne turns a zero-row update into the given not-found error.
func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

const loanColumns = `id, borrower_key, capital, balance, interest_rate, tax_rate, term, installment_amount, insurance_fee, gps_fee, membership_fee, mora_rate, status, start_date, created_at, updated_at`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	err := row.Scan(&loan.ID, &loan.BorrowerKey, &loan.Capital, &loan.Balance, &loan.InterestRate, &loan.TaxRate, &loan.Term,
		&loan.InstallmentAmount, &loan.InsuranceFee, &loan.GPSFee, &loan.MembershipFee, &loan.MoraRate, &loan.Status,
		&loan.StartDate, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (r *sqliteRepo) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.BorrowerKey, loan.Capital, loan.Balance, loan.InterestRate, loan.TaxRate, loan.Term,
		loan.InstallmentAmount, loan.InsuranceFee, loan.GPSFee, loan.MembershipFee, loan.MoraRate, loan.Status,
		loan.StartDate, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (r *sqliteRepo) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, models.ErrLoanNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// LockLoan reads the loan; the single connection already serializes transactions.
func (r *sqliteRepo) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return r.GetLoan(ctx, id)
}

// UpdateLoan updates an existing loan in the database.
func (r *sqliteRepo) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE loans SET borrower_key = ?, capital = ?, balance = ?, interest_rate = ?, tax_rate = ?, term = ?, installment_amount = ?,
		insurance_fee = ?, gps_fee = ?, membership_fee = ?, mora_rate = ?, status = ?, start_date = ?, updated_at = ? WHERE id = ?`,
		loan.BorrowerKey, loan.Capital, loan.Balance, loan.InterestRate, loan.TaxRate, loan.Term, loan.InstallmentAmount,
		loan.InsuranceFee, loan.GPSFee, loan.MembershipFee, loan.MoraRate, loan.Status, loan.StartDate, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return expectOne(res, fmt.Errorf("loan %s: %w", loan.ID, models.ErrLoanNotFound))
}

// ListLoans returns loans ordered by creation time, optionally filtered by status.
func (r *sqliteRepo) ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const installmentColumns = `id, loan_id, number, due_date, principal, interest, tax, insurance, gps, paid, paid_by_payment_id, paid_at, validation_status`

func (r *sqliteRepo) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	for _, inst := range installments {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), inst.LoanID.String(), inst.Number, inst.DueDate, inst.Principal, inst.Interest, inst.Tax,
			inst.Insurance, inst.GPS, inst.Paid, inst.PaidByPaymentID, inst.PaidAt, inst.ValidationStatus,
		)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Number, err)
		}
	}
	return nil
}

func (r *sqliteRepo) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.Installment
	for rows.Next() {
		var inst models.Installment
		var paidBy uuid.NullUUID
		var paidAt sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.LoanID, &inst.Number, &inst.DueDate, &inst.Principal, &inst.Interest, &inst.Tax,
			&inst.Insurance, &inst.GPS, &inst.Paid, &paidBy, &paidAt, &inst.ValidationStatus); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.PaidByPaymentID = nullUUID(paidBy)
		inst.PaidAt = nullTime(paidAt)
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return out, nil
}

func (r *sqliteRepo) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE installments SET due_date = ?, principal = ?, interest = ?, tax = ?, insurance = ?, gps = ?, paid = ?,
		paid_by_payment_id = ?, paid_at = ?, validation_status = ? WHERE id = ?`,
		inst.DueDate, inst.Principal, inst.Interest, inst.Tax, inst.Insurance, inst.GPS, inst.Paid,
		inst.PaidByPaymentID, inst.PaidAt, inst.ValidationStatus, inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	return expectOne(res, fmt.Errorf("installment %s: %w", inst.ID, models.ErrInstallmentNotFound))
}

const paymentColumns = `id, loan_id, installment_id, installment_number, agreement_id, amount, date, bank_account_ref, bank_name,
	bank_bank_name, bank_account_number, authorization_ref, principal, interest, tax, insurance, gps, late_fee, otros, agreement,
	excess_principal, unassigned, rounding_adjustment, disposition, mora_count_delta, principal_retired, kind, proof_documents, false_payment,
	reversed, reversed_at, validation_status, registered_by, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var instID, agreementID uuid.NullUUID
	var reversedAt sql.NullTime
	var docs string
	b := &p.Breakdown
	err := row.Scan(&p.ID, &p.LoanID, &instID, &p.InstallmentNumber, &agreementID, &p.Amount, &p.Date, &p.BankAccountRef,
		&p.BankAccount.Name, &p.BankAccount.BankName, &p.BankAccount.AccountNumber, &p.AuthorizationRef,
		&b.Principal, &b.Interest, &b.Tax, &b.Insurance, &b.GPS, &b.LateFee, &b.Otros, &b.Agreement,
		&b.ExcessPrincipal, &b.Unassigned, &b.RoundingAdjustment, &p.Disposition, &p.MoraCountDelta, &p.PrincipalRetired, &p.Kind, &docs,
		&p.FalsePayment, &p.Reversed, &reversedAt, &p.ValidationStatus, &p.RegisteredBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.InstallmentID = nullUUID(instID)
	p.AgreementID = nullUUID(agreementID)
	p.ReversedAt = nullTime(reversedAt)
	if err := json.Unmarshal([]byte(docs), &p.ProofDocuments); err != nil {
		return nil, fmt.Errorf("failed to decode proof documents: %w", err)
	}
	return &p, nil
}

func encodeDocs(docs []string) (string, error) {
	if docs == nil {
		docs = []string{}
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return "", fmt.Errorf("failed to encode proof documents: %w", err)
	}
	return string(raw), nil
}

// CreatePayment inserts a new payment into the database.
func (r *sqliteRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	docs, err := encodeDocs(p.ProofDocuments)
	if err != nil {
		return err
	}
	b := p.Breakdown
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.InstallmentID, p.InstallmentNumber, p.AgreementID, p.Amount, p.Date, p.BankAccountRef,
		p.BankAccount.Name, p.BankAccount.BankName, p.BankAccount.AccountNumber, p.AuthorizationRef,
		b.Principal, b.Interest, b.Tax, b.Insurance, b.GPS, b.LateFee, b.Otros, b.Agreement,
		b.ExcessPrincipal, b.Unassigned, b.RoundingAdjustment, p.Disposition, p.MoraCountDelta, p.PrincipalRetired, p.Kind, docs,
		p.FalsePayment, p.Reversed, p.ReversedAt, p.ValidationStatus, p.RegisteredBy, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *sqliteRepo) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, models.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// UpdatePayment persists the mutable part of a payment: status flags and validation.
func (r *sqliteRepo) UpdatePayment(ctx context.Context, p *models.Payment) error {
	docs, err := encodeDocs(p.ProofDocuments)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE payments SET false_payment = ?, reversed = ?, reversed_at = ?, validation_status = ?, proof_documents = ?, updated_at = ? WHERE id = ?`,
		p.FalsePayment, p.Reversed, p.ReversedAt, p.ValidationStatus, docs, p.UpdatedAt, p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return expectOne(res, fmt.Errorf("payment %s: %w", p.ID, models.ErrPaymentNotFound))
}

// ListPayments retrieves all payments for a given loan ID, oldest first.
func (r *sqliteRepo) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan payments: %w", err)
	}
	return out, nil
}

const participationColumns = `id, loan_id, investor_id, investor_name, capital_percentage, cash_in_percentage, investor_percentage, installment_share, created_at`

func (r *sqliteRepo) CreateParticipation(ctx context.Context, p *models.InvestorParticipation) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO investor_participations (`+participationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.InvestorID, p.InvestorName, p.CapitalPercentage, p.CashInPercentage,
		p.InvestorPercentage, p.InstallmentShare, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create participation: %w", err)
	}
	return nil
}

func (r *sqliteRepo) ListParticipations(ctx context.Context, loanID uuid.UUID) ([]*models.InvestorParticipation, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+participationColumns+` FROM investor_participations WHERE loan_id = ? ORDER BY created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get participations for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.InvestorParticipation
	for rows.Next() {
		var p models.InvestorParticipation
		if err := rows.Scan(&p.ID, &p.LoanID, &p.InvestorID, &p.InvestorName, &p.CapitalPercentage, &p.CashInPercentage,
			&p.InvestorPercentage, &p.InstallmentShare, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participation row: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for participations: %w", err)
	}
	return out, nil
}

const shareColumns = `id, payment_id, participation_id, investor_id, loan_id, principal, interest, tax, withholding, liquidation_state, liquidated_at, voided, created_at`

func scanShare(row rowScanner) (*models.InvestorPaymentShare, error) {
	var s models.InvestorPaymentShare
	var liquidatedAt sql.NullTime
	err := row.Scan(&s.ID, &s.PaymentID, &s.ParticipationID, &s.InvestorID, &s.LoanID, &s.Principal, &s.Interest, &s.Tax,
		&s.Withholding, &s.LiquidationState, &liquidatedAt, &s.Voided, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.LiquidatedAt = nullTime(liquidatedAt)
	return &s, nil
}

func (r *sqliteRepo) CreateShares(ctx context.Context, shares []*models.InvestorPaymentShare) error {
	for _, s := range shares {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO investor_payment_shares (`+shareColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID.String(), s.PaymentID.String(), s.ParticipationID.String(), s.InvestorID, s.LoanID.String(),
			s.Principal, s.Interest, s.Tax, s.Withholding, s.LiquidationState, s.LiquidatedAt, s.Voided, s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create investor share: %w", err)
		}
	}
	return nil
}

func (r *sqliteRepo) GetShare(ctx context.Context, id uuid.UUID) (*models.InvestorPaymentShare, error) {
	s, err := scanShare(r.q.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM investor_payment_shares WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("share %s: %w", id, models.ErrShareNotFound)
		}
		return nil, fmt.Errorf("failed to get investor share: %w", err)
	}
	return s, nil
}

func (r *sqliteRepo) UpdateShare(ctx context.Context, s *models.InvestorPaymentShare) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE investor_payment_shares SET liquidation_state = ?, liquidated_at = ?, voided = ? WHERE id = ?`,
		s.LiquidationState, s.LiquidatedAt, s.Voided, s.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update investor share: %w", err)
	}
	return expectOne(res, fmt.Errorf("share %s: %w", s.ID, models.ErrShareNotFound))
}

func (r *sqliteRepo) listShares(ctx context.Context, where string, arg any) ([]*models.InvestorPaymentShare, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+shareColumns+` FROM investor_payment_shares WHERE `+where+` = ? ORDER BY created_at ASC`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to get investor shares: %w", err)
	}
	defer rows.Close()

	var out []*models.InvestorPaymentShare
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan investor share row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for investor shares: %w", err)
	}
	return out, nil
}

func (r *sqliteRepo) ListSharesByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InvestorPaymentShare, error) {
	return r.listShares(ctx, "payment_id", paymentID.String())
}

func (r *sqliteRepo) ListSharesByInvestor(ctx context.Context, investorID string) ([]*models.InvestorPaymentShare, error) {
	return r.listShares(ctx, "investor_id", investorID)
}

const agreementColumns = `id, loan_id, monthly_amount, months, completed, active, reason, created_by, created_at, updated_at`

func scanAgreement(row rowScanner) (*models.PaymentAgreement, error) {
	var a models.PaymentAgreement
	err := row.Scan(&a.ID, &a.LoanID, &a.MonthlyAmount, &a.Months, &a.Completed, &a.Active, &a.Reason, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *sqliteRepo) CreateAgreement(ctx context.Context, a *models.PaymentAgreement) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO payment_agreements (`+agreementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.LoanID.String(), a.MonthlyAmount, a.Months, a.Completed, a.Active, a.Reason, a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment agreement: %w", err)
	}
	return nil
}

func (r *sqliteRepo) GetAgreement(ctx context.Context, id uuid.UUID) (*models.PaymentAgreement, error) {
	a, err := scanAgreement(r.q.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM payment_agreements WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agreement %s: %w", id, models.ErrAgreementNotFound)
		}
		return nil, fmt.Errorf("failed to get payment agreement: %w", err)
	}
	return a, nil
}

func (r *sqliteRepo) ActiveAgreement(ctx context.Context, loanID uuid.UUID) (*models.PaymentAgreement, error) {
	a, err := scanAgreement(r.q.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM payment_agreements WHERE loan_id = ? AND active = 1 ORDER BY created_at DESC LIMIT 1`, loanID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active payment agreement: %w", err)
	}
	return a, nil
}

func (r *sqliteRepo) UpdateAgreement(ctx context.Context, a *models.PaymentAgreement) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE payment_agreements SET completed = ?, active = ?, updated_at = ? WHERE id = ?`,
		a.Completed, a.Active, a.UpdatedAt, a.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment agreement: %w", err)
	}
	return expectOne(res, fmt.Errorf("agreement %s: %w", a.ID, models.ErrAgreementNotFound))
}

func (r *sqliteRepo) GetMora(ctx context.Context, loanID uuid.UUID) (*models.Mora, error) {
	var m models.Mora
	err := r.q.QueryRowContext(ctx, `SELECT loan_id, amount, overdue_count, active, rate, updated_at FROM moras WHERE loan_id = ?`, loanID.String()).
		Scan(&m.LoanID, &m.Amount, &m.OverdueCount, &m.Active, &m.Rate, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", loanID, models.ErrMoraNotFound)
		}
		return nil, fmt.Errorf("failed to get mora: %w", err)
	}
	return &m, nil
}

// SaveMora inserts or replaces the loan's single mora row.
func (r *sqliteRepo) SaveMora(ctx context.Context, m *models.Mora) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO moras (loan_id, amount, overdue_count, active, rate, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(loan_id) DO UPDATE SET amount = excluded.amount, overdue_count = excluded.overdue_count,
		active = excluded.active, rate = excluded.rate, updated_at = excluded.updated_at`,
		m.LoanID.String(), m.Amount, m.OverdueCount, m.Active, m.Rate, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save mora: %w", err)
	}
	return nil
}

func (r *sqliteRepo) CreateCondonation(ctx context.Context, c *models.Condonation) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO condonations (id, loan_id, amount, reason, actor, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.LoanID.String(), c.Amount, c.Reason, c.Actor, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create condonation: %w", err)
	}
	return nil
}

func (r *sqliteRepo) ListCondonations(ctx context.Context, loanID uuid.UUID) ([]*models.Condonation, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, loan_id, amount, reason, actor, created_at FROM condonations WHERE loan_id = ? ORDER BY created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get condonations for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.Condonation
	for rows.Next() {
		var c models.Condonation
		if err := rows.Scan(&c.ID, &c.LoanID, &c.Amount, &c.Reason, &c.Actor, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan condonation row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for condonations: %w", err)
	}
	return out, nil
}

const closureColumns = `id, loan_id, kind, reason, outstanding_principal, pending_interest, pending_insurance, pending_tax,
	settlement_amount, date, registered_by, resolved, resolution, resolved_at`

func (r *sqliteRepo) CreateClosure(ctx context.Context, c *models.LoanClosure) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loan_closures (`+closureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.LoanID.String(), c.Kind, c.Reason, c.OutstandingPrincipal, c.PendingInterest, c.PendingInsurance,
		c.PendingTax, c.SettlementAmount, c.Date, c.RegisteredBy, c.Resolved, c.Resolution, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan closure: %w", err)
	}
	return nil
}

func (r *sqliteRepo) OpenClosure(ctx context.Context, loanID uuid.UUID) (*models.LoanClosure, error) {
	var c models.LoanClosure
	var resolvedAt sql.NullTime
	err := r.q.QueryRowContext(ctx,
		`SELECT `+closureColumns+` FROM loan_closures WHERE loan_id = ? AND resolved = 0 ORDER BY date DESC LIMIT 1`, loanID.String()).
		Scan(&c.ID, &c.LoanID, &c.Kind, &c.Reason, &c.OutstandingPrincipal, &c.PendingInterest, &c.PendingInsurance,
			&c.PendingTax, &c.SettlementAmount, &c.Date, &c.RegisteredBy, &c.Resolved, &c.Resolution, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open loan closure: %w", err)
	}
	c.ResolvedAt = nullTime(resolvedAt)
	return &c, nil
}

func (r *sqliteRepo) UpdateClosure(ctx context.Context, c *models.LoanClosure) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE loan_closures SET settlement_amount = ?, resolved = ?, resolution = ?, resolved_at = ? WHERE id = ?`,
		c.SettlementAmount, c.Resolved, c.Resolution, c.ResolvedAt, c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan closure: %w", err)
	}
	return expectOne(res, fmt.Errorf("closure %s: %w", c.ID, models.ErrClosureNotFound))
}
