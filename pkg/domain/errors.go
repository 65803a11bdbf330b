package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable wire code for a gateway failure. The string
// value is what appears in the response envelope's error.code field.
type ErrorKind string

const (
	// Authentication failures.
	KindMissingAuth           ErrorKind = "missing_auth"
	KindUnsupportedPoPVersion ErrorKind = "unsupported_pop_version"
	KindExpiredTimestamp      ErrorKind = "expired_timestamp"
	KindInvalidNonce          ErrorKind = "invalid_nonce"
	KindInvalidSignature      ErrorKind = "invalid_signature"
	KindAppNotFound           ErrorKind = "app_not_found"
	KindAppDisabled           ErrorKind = "app_disabled"

	// Routing and input failures.
	KindUnknownResource ErrorKind = "unknown_resource"
	KindInvalidRequest  ErrorKind = "invalid_request"

	// PermissionDenied family.
	KindPermissionNotFound         ErrorKind = "permission_not_found"
	KindNotYetValid                ErrorKind = "not_yet_valid"
	KindExpired                    ErrorKind = "expired"
	KindOutsideTimeWindow          ErrorKind = "outside_time_window"
	KindDayNotAllowed              ErrorKind = "day_not_allowed"
	KindRateLimited                ErrorKind = "rate_limited"
	KindDailyQuotaExceeded         ErrorKind = "daily_quota_exceeded"
	KindMonthlyQuotaExceeded       ErrorKind = "monthly_quota_exceeded"
	KindDailyTokenBudgetExceeded   ErrorKind = "daily_token_budget_exceeded"
	KindMonthlyTokenBudgetExceeded ErrorKind = "monthly_token_budget_exceeded"
	KindConditionNotMet            ErrorKind = "condition_not_met"
	KindModelNotAllowed            ErrorKind = "model_not_allowed"
	KindStreamingNotAllowed        ErrorKind = "streaming_not_allowed"
	KindInputTokensExceeded        ErrorKind = "input_tokens_exceeded"
	KindSenderNotAllowed           ErrorKind = "sender_not_allowed"

	// Upstream and internal failures.
	KindUpstream ErrorKind = "upstream_error"
	KindInternal ErrorKind = "internal"
)

// statusFor maps each kind to its HTTP status. Upstream errors carry their
// own status and bypass this table.
var statusFor = map[ErrorKind]int{
	KindMissingAuth:           http.StatusUnauthorized,
	KindUnsupportedPoPVersion: http.StatusUnauthorized,
	KindExpiredTimestamp:      http.StatusUnauthorized,
	KindInvalidNonce:          http.StatusUnauthorized,
	KindInvalidSignature:      http.StatusUnauthorized,
	KindAppNotFound:           http.StatusUnauthorized,
	KindAppDisabled:           http.StatusForbidden,

	KindUnknownResource: http.StatusNotFound,
	KindInvalidRequest:  http.StatusUnprocessableEntity,

	KindPermissionNotFound:         http.StatusForbidden,
	KindNotYetValid:                http.StatusForbidden,
	KindExpired:                    http.StatusForbidden,
	KindOutsideTimeWindow:          http.StatusForbidden,
	KindDayNotAllowed:              http.StatusForbidden,
	KindRateLimited:                http.StatusTooManyRequests,
	KindDailyQuotaExceeded:         http.StatusForbidden,
	KindMonthlyQuotaExceeded:       http.StatusForbidden,
	KindDailyTokenBudgetExceeded:   http.StatusForbidden,
	KindMonthlyTokenBudgetExceeded: http.StatusForbidden,
	KindConditionNotMet:            http.StatusForbidden,
	KindModelNotAllowed:            http.StatusForbidden,
	KindStreamingNotAllowed:        http.StatusForbidden,
	KindInputTokensExceeded:        http.StatusForbidden,
	KindSenderNotAllowed:           http.StatusForbidden,

	KindUpstream: http.StatusBadGateway,
	KindInternal: http.StatusInternalServerError,
}

// Error is the gateway's typed failure. Every error surfaced to a caller
// is one of these; everything else is wrapped as KindInternal at the edge.
type Error struct {
	Kind      ErrorKind
	Message   string
	Status    int
	Retryable bool
	Details   any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds an Error for kind with the status from the taxonomy table.
func E(kind ErrorKind, message string) *Error {
	status, ok := statusFor[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: kind, Message: message, Status: status}
}

// Ef builds an Error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return E(kind, fmt.Sprintf(format, args...))
}

// WithDetails attaches structured detail to e and returns it.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// UpstreamError wraps a provider-mapped failure, preserving the provider's
// HTTP status and code in the envelope.
func UpstreamError(status int, code, message string, retryable bool) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	kind := KindUpstream
	if code != "" {
		kind = ErrorKind(code)
	}
	return &Error{Kind: kind, Message: message, Status: status, Retryable: retryable}
}

// Internal wraps err as an internal failure. The cause is kept in the
// message for logs; handlers must not leak it to clients verbatim.
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: fmt.Sprintf("internal error: %v", err),
		Status:  http.StatusInternalServerError,
	}
}

// AsError extracts a *Error from err, or wraps it as internal.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal(err)
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
