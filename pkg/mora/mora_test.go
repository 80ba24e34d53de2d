package mora

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMora() *models.Mora {
	loan := &models.Loan{ID: uuid.New(), MoraRate: decimal.NewFromInt(5)}
	return New(loan, time.Now())
}

func TestAccrue_Idempotent(t *testing.T) {
	m := newMora()
	cuota := decimal.NewFromInt(1000)
	now := time.Now()

	charged := Accrue(m, 2, cuota, now)
	assert.Equal(t, "100.00", charged.StringFixed(2))
	assert.Equal(t, "100.00", m.Amount.StringFixed(2))
	assert.True(t, m.Active)

	again := Accrue(m, 2, cuota, now.Add(time.Hour))
	assert.True(t, again.IsZero())
	assert.Equal(t, "100.00", m.Amount.StringFixed(2))
	assert.Equal(t, 2, m.OverdueCount)

	// One more installment falls overdue.
	Accrue(m, 3, cuota, now)
	assert.Equal(t, "150.00", m.Amount.StringFixed(2))
}

func TestAccrue_NoOverdueStaysInactive(t *testing.T) {
	m := newMora()
	Accrue(m, 0, decimal.NewFromInt(1000), time.Now())
	assert.False(t, m.Active)
	assert.True(t, m.Amount.IsZero())
}

func TestAccrue_LowerCountDoesNotRefund(t *testing.T) {
	m := newMora()
	cuota := decimal.NewFromInt(1000)
	Accrue(m, 2, cuota, time.Now())

	Accrue(m, 1, cuota, time.Now())
	assert.Equal(t, "100.00", m.Amount.StringFixed(2))
	assert.Equal(t, 1, m.OverdueCount)

	// Going back to two charges only the new installment.
	Accrue(m, 2, cuota, time.Now())
	assert.Equal(t, "150.00", m.Amount.StringFixed(2))
}

func TestSettleAndRestore(t *testing.T) {
	m := newMora()
	Accrue(m, 2, decimal.NewFromInt(1000), time.Now())

	paid := Settle(m, 1, time.Now())
	assert.Equal(t, "100.00", paid.StringFixed(2))
	assert.True(t, m.Amount.IsZero())
	assert.False(t, m.Active)
	assert.Equal(t, 1, m.OverdueCount)

	Restore(m, paid, 1, time.Now())
	assert.Equal(t, "100.00", m.Amount.StringFixed(2))
	assert.Equal(t, 2, m.OverdueCount)
	assert.True(t, m.Active)
}

func TestCondone(t *testing.T) {
	m := newMora()
	Accrue(m, 1, decimal.NewFromInt(1000), time.Now())

	_, err := Condone(m, "  ", models.Actor{ID: "u1"}, time.Now())
	assert.True(t, errors.Is(err, models.ErrValidation))

	c, err := Condone(m, "customer hardship", models.Actor{ID: "u1", Role: "manager"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "50.00", c.Amount.StringFixed(2))
	assert.Equal(t, "u1", c.Actor)
	assert.True(t, m.Amount.IsZero())
	assert.False(t, m.Active)

	_, err = Condone(m, "again", models.Actor{}, time.Now())
	assert.True(t, errors.Is(err, models.ErrNothingToCondone))

	// Condoned installments are not charged again.
	Accrue(m, 1, decimal.NewFromInt(1000), time.Now())
	assert.True(t, m.Amount.IsZero())
}
