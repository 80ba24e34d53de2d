package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcclellann/loanserv/pkg/ledger"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func setupTestServer(t *testing.T) http.Handler {
	t.Helper()
	s := store.NewMemoryStore()
	l := ledger.NewLedger(s, ledger.WithClock(func() time.Time { return testNow }))
	server := NewServer(l, s, zaptest.NewLogger(t))
	t.Cleanup(func() { server.storage.Close() })
	return server.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Actor-ID", "clerk-1")
	req.Header.Set("X-Actor-Role", "collections")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// createLoan opens a zero-rate loan of three 1000.00 installments, none due yet.
func createLoan(t *testing.T, h http.Handler) models.Loan {
	t.Helper()
	rr := do(t, h, "POST", "/loans", map[string]any{
		"borrower_key":  "test_cust",
		"capital":       "3000",
		"interest_rate": "0",
		"tax_rate":      "0.16",
		"term":          3,
		"mora_rate":     "5",
		"start_date":    testNow.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var loan models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loan))
	return loan
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	return e
}

func TestAPI_CreateAndGetLoan(t *testing.T) {
	h := setupTestServer(t)
	loan := createLoan(t, h)
	assert.Equal(t, "1000.00", loan.InstallmentAmount.StringFixed(2))
	assert.Equal(t, models.LoanStatusActive, loan.Status)

	rr := do(t, h, "GET", "/loans/"+loan.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var fetched models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fetched))
	assert.Equal(t, loan.ID, fetched.ID)

	rr = do(t, h, "GET", "/loans?status=activo", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var loans []models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loans))
	assert.Len(t, loans, 1)

	rr = do(t, h, "GET", "/loans?status=CANCELADO", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loans))
	assert.Empty(t, loans)

	rr = do(t, h, "GET", "/loans/"+testNow.Format("20060102"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_RegisterPayment(t *testing.T) {
	h := setupTestServer(t)
	loan := createLoan(t, h)
	path := "/loans/" + loan.ID.String() + "/payments"

	rr := do(t, h, "POST", path, map[string]any{"amount": "1000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payment models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payment))
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, payment.InstallmentNumber)
	assert.Equal(t, "clerk-1", payment.RegisteredBy)

	rr = do(t, h, "GET", "/loans/"+loan.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st ledger.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "2000.00", st.Loan.Balance.StringFixed(2))
	require.NotNil(t, st.CurrentInstallment)
	assert.Equal(t, 2, st.CurrentInstallment.Number)

	rr = do(t, h, "GET", path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var payments []models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payments))
	assert.Len(t, payments, 1)
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := setupTestServer(t)
	loan := createLoan(t, h)
	path := "/loans/" + loan.ID.String() + "/payments"

	rr := do(t, h, "POST", path, map[string]any{"amount": "1200"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, "disposition_required", e.Code)
	assert.Equal(t, models.ErrAmbiguousOverpayment.Error(), e.Kind)

	rr = do(t, h, "POST", path, map[string]any{"amount": "500"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "insufficient_amount", decodeError(t, rr).Code)

	rr = do(t, h, "POST", path, map[string]any{"amount": "-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rr).Code)

	rr = do(t, h, "POST", path, map[string]any{"amount": "1000", "installment_number": 1})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, h, "POST", path, map[string]any{"amount": "1000", "installment_number": 1})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_paid", decodeError(t, rr).Code)

	rr = do(t, h, "GET", "/loans/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "loan_not_found", decodeError(t, rr).Code)

	req := httptest.NewRequest("POST", path, bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ReverseAndLiquidate(t *testing.T) {
	h := setupTestServer(t)
	loan := createLoan(t, h)
	base := "/loans/" + loan.ID.String()

	rr := do(t, h, "POST", base+"/participations", map[string]any{
		"investor_id":         "inv-1",
		"capital_percentage":  "30",
		"cash_in_percentage":  "0",
		"investor_percentage": "100",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, "POST", base+"/payments", map[string]any{"amount": "1000"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var p1 models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p1))

	rr = do(t, h, "POST", base+"/payments", map[string]any{"amount": "1000"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var p2 models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p2))

	rr = do(t, h, "POST", "/investors/inv-1/prepare-liquidation", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queued":2}`, rr.Body.String())

	rr = do(t, h, "POST", "/payments/"+p1.ID.String()+"/liquidate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"liquidated":1}`, rr.Body.String())

	rr = do(t, h, "POST", "/payments/"+p1.ID.String()+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "cannot_reverse_liquidated", decodeError(t, rr).Code)

	rr = do(t, h, "POST", "/payments/"+p2.ID.String()+"/reverse", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var reversed models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reversed))
	assert.True(t, reversed.Reversed)

	rr = do(t, h, "POST", "/investors/inv-1/liquidate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"liquidated":0}`, rr.Body.String())
}

func TestAPI_Lifecycle(t *testing.T) {
	h := setupTestServer(t)
	loan := createLoan(t, h)
	base := "/loans/" + loan.ID.String()

	rr := do(t, h, "POST", base+"/mora/condone", map[string]any{"reason": "goodwill"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "nothing_to_condone", decodeError(t, rr).Code)

	rr = do(t, h, "POST", base+"/mora/accrue", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, "POST", base+"/uncollectible", map[string]any{"reason": "unreachable"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var closure models.LoanClosure
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &closure))
	assert.Equal(t, models.ClosureBadDebt, closure.Kind)
	assert.Equal(t, "3000.00", closure.SettlementAmount.StringFixed(2))

	rr = do(t, h, "POST", base+"/reset", map[string]any{"write_off": "150", "proof_documents": []string{"agreement.pdf"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var writeOff models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &writeOff))
	assert.Equal(t, models.PaymentKindWriteOff, writeOff.Kind)

	rr = do(t, h, "POST", base+"/cancellation", map[string]any{"reason": "payoff"})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, h, "POST", base+"/cancellation/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var closed models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &closed))
	assert.Equal(t, models.LoanStatusCancelled, closed.Status)
}

func TestAccrueEvery_StopsOnCancel(t *testing.T) {
	s := store.NewMemoryStore()
	l := ledger.NewLedger(s)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		accrueEvery(ctx, l, time.Millisecond, zaptest.NewLogger(t))
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accrual loop did not stop")
	}
}
