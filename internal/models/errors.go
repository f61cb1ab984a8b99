package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers: validation errors are rejected
// before any side effect, business-rule errors are reported and never
// retried automatically, conflicts may be retried by the caller as a whole
// new checkout, integrity errors abort the transaction and are logged for
// investigation. Idempotent no-ops are not errors at all (see ErrNoOp).
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION"
	KindBusinessRule ErrorKind = "BUSINESS_RULE"
	KindConflict     ErrorKind = "CONFLICT"
	KindIntegrity    ErrorKind = "INTEGRITY"
	KindNotFound     ErrorKind = "NOT_FOUND"
)

// AppError carries a stable machine code and a human message. Internal
// causes are wrapped but never surfaced to the caller.
type AppError struct {
	Kind    ErrorKind `json:"-"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func ValidationError(code, message string) *AppError {
	return &AppError{Kind: KindValidation, Code: code, Message: message}
}

func BusinessRuleError(code, message string) *AppError {
	return &AppError{Kind: KindBusinessRule, Code: code, Message: message}
}

func ConflictError(code, message string) *AppError {
	return &AppError{Kind: KindConflict, Code: code, Message: message}
}

func IntegrityError(code, message string, err error) *AppError {
	return &AppError{Kind: KindIntegrity, Code: code, Message: message, Err: err}
}

func NotFoundError(code, message string) *AppError {
	return &AppError{Kind: KindNotFound, Code: code, Message: message}
}

// AsAppError returns the AppError in err's chain, if any.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an AppError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Kind == kind
	}
	return false
}

// ErrNoOp signals an idempotent replay (duplicate webhook, already-terminal
// state). It is acknowledged silently, never reported as a failure.
var ErrNoOp = errors.New("idempotent no-op")

// Stable error codes shared across components.
const (
	CodeCartEmpty          = "CART_EMPTY"
	CodeCartInvalid        = "CART_INVALID"
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeCouponNotFound     = "COUPON_NOT_FOUND"
	CodeCouponInactive     = "COUPON_INACTIVE"
	CodeCouponExpired      = "COUPON_NOT_VALID_NOW"
	CodeCouponMinOrder     = "COUPON_MIN_ORDER_NOT_MET"
	CodeCouponLimitTotal   = "COUPON_LIMIT_REACHED"
	CodeCouponLimitPerUser = "COUPON_USER_LIMIT_REACHED"
	CodeOrderNotFound      = "ORDER_NOT_FOUND"
	CodeOrderNotCancelable = "ORDER_NOT_CANCELABLE"
	CodeOrderNotOwned      = "ORDER_NOT_OWNED"
	CodeAmountMismatch     = "AMOUNT_MISMATCH"
	CodePaymentNotFound    = "PAYMENT_NOT_FOUND"
	CodePaymentTerminal    = "PAYMENT_TERMINAL"
	CodeTransactionUnknown = "TRANSACTION_UNKNOWN"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeRefundNotEligible  = "REFUND_NOT_ELIGIBLE"
	CodeRefundExceedsOwed  = "REFUND_EXCEEDS_BALANCE"
	CodeRefundNotFound     = "REFUND_NOT_FOUND"
	CodeProductNotFound    = "PRODUCT_NOT_FOUND"
	CodeQuantityInvalid    = "QUANTITY_INVALID"
	CodeTotalsInconsistent = "ORDER_TOTALS_INCONSISTENT"
)
