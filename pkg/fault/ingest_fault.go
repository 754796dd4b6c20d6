// Package fault defines the error taxonomy that flows between the
// ingestion components. Each component translates foreign errors into
// this taxonomy at its boundary; only these kinds cross component
// boundaries.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of failure with a fixed retry/skip policy.
type Kind string

const (
	// Credential failures. Surface to the user, never retried.
	KindCredentialRevoked Kind = "credential_revoked"

	// Provider failures.
	KindRateLimited       Kind = "rate_limited"       // transient, honor retry-after
	KindProviderTransient Kind = "provider_transient" // 5xx / network, transient
	KindProviderPermanent Kind = "provider_permanent" // non-auth 4xx, terminal

	// LLM failures.
	KindLLMTransient Kind = "llm_transient" // 5xx / timeout, feeds the breaker
	KindLLMPermanent Kind = "llm_permanent" // policy rejection, unparseable schema

	// Cost control.
	KindCostCapExceeded Kind = "cost_cap_exceeded" // daily dollar cap, terminal

	// Document-level terminal failures.
	KindEncryptedPDF      Kind = "encrypted_pdf"
	KindCorruptedDocument Kind = "corrupted_document"

	// Terminal skips. The document ends in skipped, not failed.
	KindScannedSkipped Kind = "scanned_pdf_skipped_by_cost_policy"
	KindImageSkipped   Kind = "image_skipped_by_cost_policy"
	KindOutOfScope     Kind = "out_of_scope"
	KindDuplicate      Kind = "duplicate"

	// Coordination signals.
	KindSyncInProgress Kind = "sync_in_progress"

	KindInternal Kind = "internal"
)

// Error is a classified failure carrying its upstream cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // advisory, set for rate_limited when known
	Upstream   error
}

func (e *Error) Error() string {
	if e.Upstream != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Upstream)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Upstream }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an upstream error.
func Wrap(kind Kind, message string, upstream error) *Error {
	return &Error{Kind: kind, Message: message, Upstream: upstream}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a rate-limited error with an advisory retry-after.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf extracts the kind from any error; unclassified errors are internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// As extracts a *Error, wrapping unclassified errors as internal.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindInternal, Message: "internal error", Upstream: err}
}

// IsTransient reports whether the retry machinery should reschedule.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindProviderTransient, KindLLMTransient:
		return true
	}
	return false
}

// IsSkip reports whether the failure is a terminal skip rather than a
// terminal failure.
func IsSkip(err error) bool {
	switch KindOf(err) {
	case KindScannedSkipped, KindImageSkipped, KindOutOfScope, KindDuplicate:
		return true
	}
	return false
}

// IsTerminal reports whether no further retries are permitted.
func IsTerminal(err error) bool {
	return err != nil && !IsTransient(err)
}

// Trace is the persisted form of a terminal failure.
type Trace struct {
	Kind            Kind   `json:"kind"`
	Message         string `json:"message"`
	UpstreamDetails string `json:"upstream_details,omitempty"`
}

// TraceOf converts an error into its persisted trace.
func TraceOf(err error) Trace {
	fe := As(err)
	t := Trace{Kind: fe.Kind, Message: fe.Message}
	if fe.Upstream != nil {
		t.UpstreamDetails = fe.Upstream.Error()
	}
	return t
}

// HTTPStatus maps a kind to the status the API boundary returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindCredentialRevoked:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSyncInProgress:
		return http.StatusConflict
	case KindProviderPermanent, KindEncryptedPDF, KindCorruptedDocument:
		return http.StatusUnprocessableEntity
	case KindCostCapExceeded:
		return http.StatusPaymentRequired
	case KindProviderTransient, KindLLMTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
