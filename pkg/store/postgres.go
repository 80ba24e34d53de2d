package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresStore is the gorm-backed store. LockLoan takes a row lock with
// SELECT ... FOR UPDATE, so it serializes writers across processes.
type PostgresStore struct {
	*gormRepo
	db *gorm.DB
}

type gormRepo struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string, log *zap.Logger) (*PostgresStore, error) {
	gormLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Exec(`SET TIME ZONE 'UTC'`).Error; err != nil {
		log.Warn("failed to set session time zone", zap.Error(err))
	}

	err = db.AutoMigrate(
		&models.Loan{},
		&models.Installment{},
		&models.Payment{},
		&models.InvestorParticipation{},
		&models.InvestorPaymentShare{},
		&models.PaymentAgreement{},
		&models.Mora{},
		&models.Condonation{},
		&models.LoanClosure{},
	)
	if err != nil {
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}

	var dbName string
	_ = db.Raw("SELECT current_database()").Scan(&dbName)
	log.Info("database connection established and schema migrated", zap.String("driver", "postgres"), zap.String("database", dbName))
	return &PostgresStore{gormRepo: &gormRepo{db: db}, db: db}, nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Repo) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepo{db: tx})
	})
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *gormRepo) create(ctx context.Context, v any, what string) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(v).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", what, err)
	}
	return nil
}

// update writes every column of v, including zero values, and maps a missed row to notFound.
func (r *gormRepo) update(ctx context.Context, v any, what string, notFound error) error {
	res := r.db.WithContext(ctx).Model(v).Select("*").Omit(clause.Associations, "CreatedAt").Updates(v)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s: %w", what, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound
	}
	return nil
}

// first loads one row by primary key.
func (r *gormRepo) first(db *gorm.DB, dest any, id uuid.UUID, what string, notFound error) error {
	err := db.First(dest, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	return nil
}

func (r *gormRepo) CreateLoan(ctx context.Context, loan *models.Loan) error {
	return r.create(ctx, loan, "loan")
}

func (r *gormRepo) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var loan models.Loan
	if err := r.first(r.db.WithContext(ctx), &loan, id, "loan", fmt.Errorf("loan %s: %w", id, models.ErrLoanNotFound)); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *gormRepo) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var loan models.Loan
	db := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	if err := r.first(db, &loan, id, "loan", fmt.Errorf("loan %s: %w", id, models.ErrLoanNotFound)); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *gormRepo) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	return r.update(ctx, loan, "loan", fmt.Errorf("loan %s: %w", loan.ID, models.ErrLoanNotFound))
}

func (r *gormRepo) ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	var loans []*models.Loan
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&loans).Error; err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}

func (r *gormRepo) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	if len(installments) == 0 {
		return nil
	}
	return r.create(ctx, &installments, "installments")
}

func (r *gormRepo) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	var out []*models.Installment
	if err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("number ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	return out, nil
}

func (r *gormRepo) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	return r.update(ctx, inst, "installment", fmt.Errorf("installment %s: %w", inst.ID, models.ErrInstallmentNotFound))
}

func (r *gormRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	return r.create(ctx, p, "payment")
}

func (r *gormRepo) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := r.first(r.db.WithContext(ctx), &p, id, "payment", fmt.Errorf("payment %s: %w", id, models.ErrPaymentNotFound)); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepo) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return r.update(ctx, p, "payment", fmt.Errorf("payment %s: %w", p.ID, models.ErrPaymentNotFound))
}

func (r *gormRepo) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	var out []*models.Payment
	if err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	return out, nil
}

func (r *gormRepo) CreateParticipation(ctx context.Context, p *models.InvestorParticipation) error {
	return r.create(ctx, p, "participation")
}

func (r *gormRepo) ListParticipations(ctx context.Context, loanID uuid.UUID) ([]*models.InvestorParticipation, error) {
	var out []*models.InvestorParticipation
	if err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to get participations for loan %s: %w", loanID, err)
	}
	return out, nil
}

func (r *gormRepo) CreateShares(ctx context.Context, shares []*models.InvestorPaymentShare) error {
	if len(shares) == 0 {
		return nil
	}
	return r.create(ctx, &shares, "investor shares")
}

func (r *gormRepo) GetShare(ctx context.Context, id uuid.UUID) (*models.InvestorPaymentShare, error) {
	var s models.InvestorPaymentShare
	if err := r.first(r.db.WithContext(ctx), &s, id, "investor share", fmt.Errorf("share %s: %w", id, models.ErrShareNotFound)); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepo) UpdateShare(ctx context.Context, s *models.InvestorPaymentShare) error {
	return r.update(ctx, s, "investor share", fmt.Errorf("share %s: %w", s.ID, models.ErrShareNotFound))
}

func (r *gormRepo) ListSharesByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InvestorPaymentShare, error) {
	var out []*models.InvestorPaymentShare
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to get investor shares: %w", err)
	}
	return out, nil
}

func (r *gormRepo) ListSharesByInvestor(ctx context.Context, investorID string) ([]*models.InvestorPaymentShare, error) {
	var out []*models.InvestorPaymentShare
	if err := r.db.WithContext(ctx).Where("investor_id = ?", investorID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to get investor shares: %w", err)
	}
	return out, nil
}

func (r *gormRepo) CreateAgreement(ctx context.Context, a *models.PaymentAgreement) error {
	return r.create(ctx, a, "payment agreement")
}

func (r *gormRepo) GetAgreement(ctx context.Context, id uuid.UUID) (*models.PaymentAgreement, error) {
	var a models.PaymentAgreement
	if err := r.first(r.db.WithContext(ctx), &a, id, "payment agreement", fmt.Errorf("agreement %s: %w", id, models.ErrAgreementNotFound)); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepo) ActiveAgreement(ctx context.Context, loanID uuid.UUID) (*models.PaymentAgreement, error) {
	var out []*models.PaymentAgreement
	err := r.db.WithContext(ctx).
		Where("loan_id = ? AND active = ?", loanID, true).
		Order("created_at DESC").
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get active payment agreement: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *gormRepo) UpdateAgreement(ctx context.Context, a *models.PaymentAgreement) error {
	return r.update(ctx, a, "payment agreement", fmt.Errorf("agreement %s: %w", a.ID, models.ErrAgreementNotFound))
}

func (r *gormRepo) GetMora(ctx context.Context, loanID uuid.UUID) (*models.Mora, error) {
	var m models.Mora
	err := r.db.WithContext(ctx).First(&m, "loan_id = ?", loanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("loan %s: %w", loanID, models.ErrMoraNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mora: %w", err)
	}
	return &m, nil
}

func (r *gormRepo) SaveMora(ctx context.Context, m *models.Mora) error {
	err := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "loan_id"}}, UpdateAll: true}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to save mora: %w", err)
	}
	return nil
}

func (r *gormRepo) CreateCondonation(ctx context.Context, c *models.Condonation) error {
	return r.create(ctx, c, "condonation")
}

func (r *gormRepo) ListCondonations(ctx context.Context, loanID uuid.UUID) ([]*models.Condonation, error) {
	var out []*models.Condonation
	if err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to get condonations for loan %s: %w", loanID, err)
	}
	return out, nil
}

func (r *gormRepo) CreateClosure(ctx context.Context, c *models.LoanClosure) error {
	return r.create(ctx, c, "loan closure")
}

func (r *gormRepo) OpenClosure(ctx context.Context, loanID uuid.UUID) (*models.LoanClosure, error) {
	var out []*models.LoanClosure
	err := r.db.WithContext(ctx).
		Where("loan_id = ? AND resolved = ?", loanID, false).
		Order("date DESC").
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get open loan closure: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *gormRepo) UpdateClosure(ctx context.Context, c *models.LoanClosure) error {
	return r.update(ctx, c, "loan closure", fmt.Errorf("closure %s: %w", c.ID, models.ErrClosureNotFound))
}
