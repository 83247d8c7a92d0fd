// Package apperr defines the typed error kinds the core raises, each
// carrying the HTTP status and machine-readable code spec.md §7 specifies.
// Errors are built with the standard fmt.Errorf/%w wrapping idiom the
// teacher's provider adapters already use — this package only adds the
// kind/status/code envelope on top.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error kinds from spec.md §7.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuth               Kind = "auth"
	KindCredentialMissing  Kind = "provider_credential_missing"
	KindPaymentRequired    Kind = "payment_required"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindUpstreamProvider   Kind = "upstream_provider_error"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindInternal           Kind = "internal"
	KindStorageDeferred    Kind = "storage_deferred_failure"
)

// Error is the typed error value the core returns. Status is the HTTP
// status to surface to the caller; Code is the machine-readable string
// clients match on (e.g. "FREE_TIER_EXHAUSTED"). ProviderFamily and
// ProviderBody are populated only for KindUpstreamProvider, per §7's
// "kind carries provider family and provider-assigned error body."
type Error struct {
	Kind           Kind
	Status         int
	Code           string
	Message        string
	ProviderFamily string
	ProviderBody   []byte
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// As reports whether err is (or wraps) an *Error, and if so returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Validation builds a 400 validation error.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Code: code, Message: msg}
}

// Auth builds a 401 auth error.
func Auth(code, msg string) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Code: code, Message: msg}
}

// CredentialMissing builds a 422 provider-credential-missing error.
func CredentialMissing(family string) *Error {
	return &Error{
		Kind:    KindCredentialMissing,
		Status:  http.StatusUnprocessableEntity,
		Code:    "PROVIDER_KEY_MISSING",
		Message: fmt.Sprintf("no provider credential on file for family %q", family),
	}
}

// PaymentRequired builds a 402 payment-required error.
func PaymentRequired(code, msg string) *Error {
	return &Error{Kind: KindPaymentRequired, Status: http.StatusPaymentRequired, Code: code, Message: msg}
}

// QuotaExceeded builds a 429 quota-exceeded error.
func QuotaExceeded(code, msg string) *Error {
	return &Error{Kind: KindQuotaExceeded, Status: http.StatusTooManyRequests, Code: code, Message: msg}
}

// UpstreamProvider builds an error that surfaces a provider's status and
// body verbatim.
func UpstreamProvider(family string, status int, body []byte, err error) *Error {
	return &Error{
		Kind:           KindUpstreamProvider,
		Status:         status,
		Code:           "UPSTREAM_PROVIDER_ERROR",
		Message:        "upstream provider returned an error",
		ProviderFamily: family,
		ProviderBody:   body,
		Err:            err,
	}
}

// UpstreamTimeout builds a 504 upstream-timeout error.
func UpstreamTimeout(msg string, err error) *Error {
	return &Error{Kind: KindUpstreamTimeout, Status: http.StatusGatewayTimeout, Code: "UPSTREAM_TIMEOUT", Message: msg, Err: err}
}

// Internal builds a 500 internal error.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: msg, Err: err}
}

// StorageDeferred builds a storage-deferred-failure error. This kind is
// never surfaced to the client (§7) — it is logged and attached to a usage
// record's PartialFailure flag.
func StorageDeferred(msg string, err error) *Error {
	return &Error{Kind: KindStorageDeferred, Message: msg, Err: err}
}
