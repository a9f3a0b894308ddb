package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Webhook and authentication errors
const (
	ErrCodeMissingSignature ErrorCode = "missing_signature"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeInvalidEvent     ErrorCode = "invalid_event"
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeForbidden        ErrorCode = "forbidden"
	ErrCodeRateLimited      ErrorCode = "rate_limit_exceeded"
)

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField ErrorCode = "missing_field"
	ErrCodeInvalidField ErrorCode = "invalid_field"
	ErrCodeInvalidBody  ErrorCode = "invalid_body"
)

// Resource/State Errors (Resource not found or in wrong state)
const (
	ErrCodePurchaseNotFound     ErrorCode = "purchase_not_found"
	ErrCodeNoPaidPurchase       ErrorCode = "no_paid_purchase"
	ErrCodeNotificationNotFound ErrorCode = "notification_not_found"
	ErrCodeUserNotFound         ErrorCode = "user_not_found"

	ErrCodePurchaseNotPaid     ErrorCode = "purchase_not_paid"
	ErrCodeAlreadyScheduled    ErrorCode = "already_scheduled"
	ErrCodeIdempotencyConflict ErrorCode = "idempotency_conflict"
)

// External Service Errors (Stripe, Customer.io)
const (
	ErrCodeStripeError       ErrorCode = "stripe_error"
	ErrCodeCustomerIOError   ErrorCode = "customerio_error"
	ErrCodeNetworkError      ErrorCode = "network_error"
	ErrCodeCheckoutFailed    ErrorCode = "checkout_failed"
	ErrCodeTrackingFailed    ErrorCode = "tracking_failed"
	ErrCodeVerificationError ErrorCode = "verification_indeterminate"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeStripeError,
		ErrCodeCustomerIOError,
		ErrCodeNetworkError,
		ErrCodeCheckoutFailed,
		ErrCodeTrackingFailed,
		ErrCodeVerificationError,
		ErrCodeIdempotencyConflict,
		ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation and signature errors
	case ErrCodeMissingSignature,
		ErrCodeInvalidSignature,
		ErrCodeInvalidEvent,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidBody:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodeForbidden:
		return 403

	case ErrCodeRateLimited:
		return 429

	case ErrCodePurchaseNotFound,
		ErrCodeNoPaidPurchase,
		ErrCodeNotificationNotFound,
		ErrCodeUserNotFound:
		return 404

	// 409 Conflict - purchase is in the wrong state for the operation
	case ErrCodePurchaseNotPaid,
		ErrCodeAlreadyScheduled,
		ErrCodeIdempotencyConflict:
		return 409

	// 502 Bad Gateway - External service errors surfaced directly
	case ErrCodeStripeError,
		ErrCodeCustomerIOError,
		ErrCodeNetworkError,
		ErrCodeVerificationError:
		return 502

	// 500 Internal Server Error - checkout and tracking failures are reported as 500 to browsers
	default:
		return 500
	}
}
