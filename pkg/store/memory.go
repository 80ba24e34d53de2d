package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
)

// MemoryStore keeps everything in process memory. Transactions run one at a
// time against a copy of the data that replaces the live copy on success.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	loans          map[uuid.UUID]models.Loan
	installments   map[uuid.UUID]models.Installment
	payments       map[uuid.UUID]models.Payment
	participations map[uuid.UUID]models.InvestorParticipation
	shares         map[uuid.UUID]models.InvestorPaymentShare
	agreements     map[uuid.UUID]models.PaymentAgreement
	moras          map[uuid.UUID]models.Mora
	condonations   map[uuid.UUID]models.Condonation
	closures       map[uuid.UUID]models.LoanClosure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		loans:          map[uuid.UUID]models.Loan{},
		installments:   map[uuid.UUID]models.Installment{},
		payments:       map[uuid.UUID]models.Payment{},
		participations: map[uuid.UUID]models.InvestorParticipation{},
		shares:         map[uuid.UUID]models.InvestorPaymentShare{},
		agreements:     map[uuid.UUID]models.PaymentAgreement{},
		moras:          map[uuid.UUID]models.Mora{},
		condonations:   map[uuid.UUID]models.Condonation{},
		closures:       map[uuid.UUID]models.LoanClosure{},
	}}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *memData) clone() *memData {
	return &memData{
		loans:          cloneMap(d.loans),
		installments:   cloneMap(d.installments),
		payments:       cloneMap(d.payments),
		participations: cloneMap(d.participations),
		shares:         cloneMap(d.shares),
		agreements:     cloneMap(d.agreements),
		moras:          cloneMap(d.moras),
		condonations:   cloneMap(d.condonations),
		closures:       cloneMap(d.closures),
	}
}

// WithTx runs fn against a private copy of the data and publishes it only if fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&memRepo{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) view(fn func(r *memRepo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memRepo{d: s.data})
}

func (s *MemoryStore) Close() error { return nil }

// memRepo operates on one memData without locking; MemoryStore serializes access.
type memRepo struct {
	d *memData
}

func (r *memRepo) CreateLoan(_ context.Context, loan *models.Loan) error {
	if _, ok := r.d.loans[loan.ID]; ok {
		return fmt.Errorf("failed to create loan: duplicate id %s", loan.ID)
	}
	r.d.loans[loan.ID] = *loan
	return nil
}

func (r *memRepo) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	l, ok := r.d.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, models.ErrLoanNotFound)
	}
	return &l, nil
}

func (r *memRepo) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return r.GetLoan(ctx, id)
}

func (r *memRepo) UpdateLoan(_ context.Context, loan *models.Loan) error {
	if _, ok := r.d.loans[loan.ID]; !ok {
		return fmt.Errorf("loan %s: %w", loan.ID, models.ErrLoanNotFound)
	}
	r.d.loans[loan.ID] = *loan
	return nil
}

func (r *memRepo) ListLoans(_ context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	var out []*models.Loan
	for _, l := range r.d.loans {
		if len(statuses) > 0 && !containsStatus(statuses, l.Status) {
			continue
		}
		l := l
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsStatus(list []models.LoanStatus, s models.LoanStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *memRepo) CreateInstallments(_ context.Context, installments []*models.Installment) error {
	for _, inst := range installments {
		if _, ok := r.d.loans[inst.LoanID]; !ok {
			return fmt.Errorf("installment %d: %w", inst.Number, models.ErrLoanNotFound)
		}
		r.d.installments[inst.ID] = *inst
	}
	return nil
}

func (r *memRepo) ListInstallments(_ context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	var out []*models.Installment
	for _, inst := range r.d.installments {
		if inst.LoanID == loanID {
			inst := inst
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *memRepo) UpdateInstallment(_ context.Context, inst *models.Installment) error {
	if _, ok := r.d.installments[inst.ID]; !ok {
		return fmt.Errorf("installment %s: %w", inst.ID, models.ErrInstallmentNotFound)
	}
	r.d.installments[inst.ID] = *inst
	return nil
}

func (r *memRepo) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := r.d.loans[p.LoanID]; !ok {
		return fmt.Errorf("payment %s: %w", p.ID, models.ErrLoanNotFound)
	}
	r.d.payments[p.ID] = *p
	return nil
}

func (r *memRepo) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := r.d.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, models.ErrPaymentNotFound)
	}
	return &p, nil
}

func (r *memRepo) UpdatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := r.d.payments[p.ID]; !ok {
		return fmt.Errorf("payment %s: %w", p.ID, models.ErrPaymentNotFound)
	}
	r.d.payments[p.ID] = *p
	return nil
}

func (r *memRepo) ListPayments(_ context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range r.d.payments {
		if p.LoanID == loanID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) CreateParticipation(_ context.Context, p *models.InvestorParticipation) error {
	if _, ok := r.d.loans[p.LoanID]; !ok {
		return fmt.Errorf("participation %s: %w", p.ID, models.ErrLoanNotFound)
	}
	r.d.participations[p.ID] = *p
	return nil
}

func (r *memRepo) ListParticipations(_ context.Context, loanID uuid.UUID) ([]*models.InvestorParticipation, error) {
	var out []*models.InvestorParticipation
	for _, p := range r.d.participations {
		if p.LoanID == loanID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) CreateShares(_ context.Context, shares []*models.InvestorPaymentShare) error {
	for _, s := range shares {
		if _, ok := r.d.payments[s.PaymentID]; !ok {
			return fmt.Errorf("share %s: %w", s.ID, models.ErrPaymentNotFound)
		}
		r.d.shares[s.ID] = *s
	}
	return nil
}

func (r *memRepo) GetShare(_ context.Context, id uuid.UUID) (*models.InvestorPaymentShare, error) {
	s, ok := r.d.shares[id]
	if !ok {
		return nil, fmt.Errorf("share %s: %w", id, models.ErrShareNotFound)
	}
	return &s, nil
}

func (r *memRepo) UpdateShare(_ context.Context, s *models.InvestorPaymentShare) error {
	if _, ok := r.d.shares[s.ID]; !ok {
		return fmt.Errorf("share %s: %w", s.ID, models.ErrShareNotFound)
	}
	r.d.shares[s.ID] = *s
	return nil
}

func (r *memRepo) listShares(match func(models.InvestorPaymentShare) bool) []*models.InvestorPaymentShare {
	var out []*models.InvestorPaymentShare
	for _, s := range r.d.shares {
		if match(s) {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) ListSharesByPayment(_ context.Context, paymentID uuid.UUID) ([]*models.InvestorPaymentShare, error) {
	return r.listShares(func(s models.InvestorPaymentShare) bool { return s.PaymentID == paymentID }), nil
}

func (r *memRepo) ListSharesByInvestor(_ context.Context, investorID string) ([]*models.InvestorPaymentShare, error) {
	return r.listShares(func(s models.InvestorPaymentShare) bool { return s.InvestorID == investorID }), nil
}

func (r *memRepo) CreateAgreement(_ context.Context, a *models.PaymentAgreement) error {
	if _, ok := r.d.loans[a.LoanID]; !ok {
		return fmt.Errorf("agreement %s: %w", a.ID, models.ErrLoanNotFound)
	}
	r.d.agreements[a.ID] = *a
	return nil
}

func (r *memRepo) GetAgreement(_ context.Context, id uuid.UUID) (*models.PaymentAgreement, error) {
	a, ok := r.d.agreements[id]
	if !ok {
		return nil, fmt.Errorf("agreement %s: %w", id, models.ErrAgreementNotFound)
	}
	return &a, nil
}

func (r *memRepo) ActiveAgreement(_ context.Context, loanID uuid.UUID) (*models.PaymentAgreement, error) {
	for _, a := range r.d.agreements {
		if a.LoanID == loanID && a.Active {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (r *memRepo) UpdateAgreement(_ context.Context, a *models.PaymentAgreement) error {
	if _, ok := r.d.agreements[a.ID]; !ok {
		return fmt.Errorf("agreement %s: %w", a.ID, models.ErrAgreementNotFound)
	}
	r.d.agreements[a.ID] = *a
	return nil
}

func (r *memRepo) GetMora(_ context.Context, loanID uuid.UUID) (*models.Mora, error) {
	m, ok := r.d.moras[loanID]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", loanID, models.ErrMoraNotFound)
	}
	return &m, nil
}

func (r *memRepo) SaveMora(_ context.Context, m *models.Mora) error {
	if _, ok := r.d.loans[m.LoanID]; !ok {
		return fmt.Errorf("mora: %w", models.ErrLoanNotFound)
	}
	r.d.moras[m.LoanID] = *m
	return nil
}

func (r *memRepo) CreateCondonation(_ context.Context, c *models.Condonation) error {
	r.d.condonations[c.ID] = *c
	return nil
}

func (r *memRepo) ListCondonations(_ context.Context, loanID uuid.UUID) ([]*models.Condonation, error) {
	var out []*models.Condonation
	for _, c := range r.d.condonations {
		if c.LoanID == loanID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) CreateClosure(_ context.Context, c *models.LoanClosure) error {
	if _, ok := r.d.loans[c.LoanID]; !ok {
		return fmt.Errorf("closure %s: %w", c.ID, models.ErrLoanNotFound)
	}
	r.d.closures[c.ID] = *c
	return nil
}

func (r *memRepo) OpenClosure(_ context.Context, loanID uuid.UUID) (*models.LoanClosure, error) {
	for _, c := range r.d.closures {
		if c.LoanID == loanID && !c.Resolved {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memRepo) UpdateClosure(_ context.Context, c *models.LoanClosure) error {
	if _, ok := r.d.closures[c.ID]; !ok {
		return fmt.Errorf("closure %s: %w", c.ID, models.ErrClosureNotFound)
	}
	r.d.closures[c.ID] = *c
	return nil
}

func (s *MemoryStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateLoan(ctx, loan) })
}

func (s *MemoryStore) GetLoan(ctx context.Context, id uuid.UUID) (l *models.Loan, err error) {
	err = s.view(func(r *memRepo) error { l, err = r.GetLoan(ctx, id); return err })
	return l, err
}

func (s *MemoryStore) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return s.GetLoan(ctx, id)
}

func (s *MemoryStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.UpdateLoan(ctx, loan) })
}

func (s *MemoryStore) ListLoans(ctx context.Context, statuses ...models.LoanStatus) (out []*models.Loan, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListLoans(ctx, statuses...); return err })
	return out, err
}

func (s *MemoryStore) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateInstallments(ctx, installments) })
}

func (s *MemoryStore) ListInstallments(ctx context.Context, loanID uuid.UUID) (out []*models.Installment, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListInstallments(ctx, loanID); return err })
	return out, err
}

func (s *MemoryStore) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.UpdateInstallment(ctx, inst) })
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreatePayment(ctx, p) })
}

func (s *MemoryStore) GetPayment(ctx context.Context, id uuid.UUID) (p *models.Payment, err error) {
	err = s.view(func(r *memRepo) error { p, err = r.GetPayment(ctx, id); return err })
	return p, err
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.UpdatePayment(ctx, p) })
}

func (s *MemoryStore) ListPayments(ctx context.Context, loanID uuid.UUID) (out []*models.Payment, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListPayments(ctx, loanID); return err })
	return out, err
}

func (s *MemoryStore) CreateParticipation(ctx context.Context, p *models.InvestorParticipation) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateParticipation(ctx, p) })
}

func (s *MemoryStore) ListParticipations(ctx context.Context, loanID uuid.UUID) (out []*models.InvestorParticipation, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListParticipations(ctx, loanID); return err })
	return out, err
}

func (s *MemoryStore) CreateShares(ctx context.Context, shares []*models.InvestorPaymentShare) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateShares(ctx, shares) })
}

func (s *MemoryStore) GetShare(ctx context.Context, id uuid.UUID) (sh *models.InvestorPaymentShare, err error) {
	err = s.view(func(r *memRepo) error { sh, err = r.GetShare(ctx, id); return err })
	return sh, err
}

func (s *MemoryStore) UpdateShare(ctx context.Context, sh *models.InvestorPaymentShare) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.UpdateShare(ctx, sh) })
}

func (s *MemoryStore) ListSharesByPayment(ctx context.Context, paymentID uuid.UUID) (out []*models.InvestorPaymentShare, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListSharesByPayment(ctx, paymentID); return err })
	return out, err
}

func (s *MemoryStore) ListSharesByInvestor(ctx context.Context, investorID string) (out []*models.InvestorPaymentShare, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListSharesByInvestor(ctx, investorID); return err })
	return out, err
}

func (s *MemoryStore) CreateAgreement(ctx context.Context, a *models.PaymentAgreement) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateAgreement(ctx, a) })
}

func (s *MemoryStore) GetAgreement(ctx context.Context, id uuid.UUID) (a *models.PaymentAgreement, err error) {
	err = s.view(func(r *memRepo) error { a, err = r.GetAgreement(ctx, id); return err })
	return a, err
}

func (s *MemoryStore) ActiveAgreement(ctx context.Context, loanID uuid.UUID) (a *models.PaymentAgreement, err error) {
	err = s.view(func(r *memRepo) error { a, err = r.ActiveAgreement(ctx, loanID); return err })
	return a, err
}

func (s *MemoryStore) UpdateAgreement(ctx context.Context, a *models.PaymentAgreement) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.UpdateAgreement(ctx, a) })
}

func (s *MemoryStore) GetMora(ctx context.Context, loanID uuid.UUID) (m *models.Mora, err error) {
	err = s.view(func(r *memRepo) error { m, err = r.GetMora(ctx, loanID); return err })
	return m, err
}

func (s *MemoryStore) SaveMora(ctx context.Context, m *models.Mora) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.SaveMora(ctx, m) })
}

func (s *MemoryStore) CreateCondonation(ctx context.Context, c *models.Condonation) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateCondonation(ctx, c) })
}

func (s *MemoryStore) ListCondonations(ctx context.Context, loanID uuid.UUID) (out []*models.Condonation, err error) {
	err = s.view(func(r *memRepo) error { out, err = r.ListCondonations(ctx, loanID); return err })
	return out, err
}

func (s *MemoryStore) CreateClosure(ctx context.Context, c *models.LoanClosure) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.CreateClosure(ctx, c) })
}

func (s *MemoryStore) OpenClosure(ctx context.Context, loanID uuid.UUID) (c *models.LoanClosure, err error) {
	err = s.view(func(r *memRepo) error { c, err = r.OpenClosure(ctx, loanID); return err })
	return c, err
}

func (s *MemoryStore) UpdateClosure(ctx context.Context, c *models.LoanClosure) error {
	return s.WithTx(ctx, func(tx Repo) error { return tx.UpdateClosure(ctx, c) })
}
