package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain error unwraps to exactly one of these.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrStateConflict        = errors.New("state conflict")
	ErrInsufficientAmount   = errors.New("insufficient amount")
	ErrAmbiguousOverpayment = errors.New("ambiguous overpayment")
)

// Error is a coded domain error. Errors with the same code compare equal under errors.Is.
type Error struct {
	Kind error
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrLoanNotFound        = &Error{Kind: ErrNotFound, Code: "loan_not_found", Msg: "loan not found"}
	ErrInstallmentNotFound = &Error{Kind: ErrNotFound, Code: "installment_not_found", Msg: "installment not found"}
	ErrPaymentNotFound     = &Error{Kind: ErrNotFound, Code: "payment_not_found", Msg: "payment not found"}
	ErrShareNotFound       = &Error{Kind: ErrNotFound, Code: "share_not_found", Msg: "investor payment share not found"}
	ErrAgreementNotFound   = &Error{Kind: ErrNotFound, Code: "agreement_not_found", Msg: "payment agreement not found"}
	ErrMoraNotFound        = &Error{Kind: ErrNotFound, Code: "mora_not_found", Msg: "late fee record not found"}
	ErrClosureNotFound     = &Error{Kind: ErrNotFound, Code: "closure_not_found", Msg: "cancellation or bad-debt record not found"}
	ErrBankAccountNotFound = &Error{Kind: ErrNotFound, Code: "bank_account_not_found", Msg: "company bank account not found"}
	ErrNoOpenInstallment   = &Error{Kind: ErrNotFound, Code: "no_open_installment", Msg: "loan has no unpaid installment"}

	ErrAlreadyPaid             = &Error{Kind: ErrStateConflict, Code: "already_paid", Msg: "installment already paid"}
	ErrAlreadyLiquidated       = &Error{Kind: ErrStateConflict, Code: "already_liquidated", Msg: "investor share already liquidated"}
	ErrCannotReverseLiquidated = &Error{Kind: ErrStateConflict, Code: "cannot_reverse_liquidated", Msg: "payment has liquidated investor shares"}
	ErrAlreadyReversed         = &Error{Kind: ErrStateConflict, Code: "already_reversed", Msg: "payment already reversed or marked false"}
	ErrShareVoided             = &Error{Kind: ErrStateConflict, Code: "share_voided", Msg: "investor share belongs to a reversed payment"}
	ErrReconciliationRequired  = &Error{Kind: ErrStateConflict, Code: "reconciliation_required", Msg: "installment already paid and amounts do not reconcile; manual reconciliation required"}
	ErrInvalidTransition       = &Error{Kind: ErrStateConflict, Code: "invalid_transition", Msg: "loan status does not allow this operation"}
	ErrAgreementActive         = &Error{Kind: ErrStateConflict, Code: "agreement_active", Msg: "loan already has an active payment agreement"}
	ErrNothingToCondone        = &Error{Kind: ErrStateConflict, Code: "nothing_to_condone", Msg: "no active late fee to condone"}
	ErrNotPendingValidation    = &Error{Kind: ErrStateConflict, Code: "not_pending_validation", Msg: "payment is not pending validation"}
	ErrDependentPayments       = &Error{Kind: ErrStateConflict, Code: "dependent_payments", Msg: "later payments rely on this payment's principal reduction; reverse them first"}
	ErrClosureOpen             = &Error{Kind: ErrStateConflict, Code: "closure_open", Msg: "loan already has an open cancellation or bad-debt record"}

	ErrPaymentTooSmall  = &Error{Kind: ErrInsufficientAmount, Code: "insufficient_amount", Msg: "payment amount after otros/mora/convenio does not cover the installment due amount"}
	ErrNeedsDisposition = &Error{Kind: ErrAmbiguousOverpayment, Code: "disposition_required", Msg: "payment exceeds the due amount; select an overpayment disposition"}
)

// Validation returns a ValidationError carrying a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Code: "invalid_input", Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind sentinel of err, or nil for errors outside the taxonomy.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrStateConflict, ErrInsufficientAmount, ErrAmbiguousOverpayment} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
