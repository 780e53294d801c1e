// Package apierr defines the core's error taxonomy (kinds, not type names)
// and the transport-agnostic mapping from a kind to an HTTP status, so a
// caller-facing surface can translate a *Error into its own response shape
// without knowing anything about providers, registries, or the ledger.
package apierr

import "fmt"

// Kind is one of the error taxonomy entries in the core's error handling
// design. Kinds classify failures for callers; they are not Go type names.
type Kind string

const (
	// NoProviderConfigured: Registry has no active config and the env
	// fallback lacks a key.
	NoProviderConfigured Kind = "no_provider_configured"
	// InvalidCredential: Codec decrypt failed, or validate_credentials
	// returned false.
	InvalidCredential Kind = "invalid_credential"
	// QuotaExceeded: pre-call quota check denied the request.
	QuotaExceeded Kind = "quota_exceeded"
	// ProviderUnavailable: adapter surfaced a transport error, 5xx, or
	// rate-limit from the provider, and retries were exhausted.
	ProviderUnavailable Kind = "provider_unavailable"
	// ProviderTimeout: adapter call exceeded its timeout after retry.
	ProviderTimeout Kind = "provider_timeout"
	// MalformedResponse: adapter returned a non-text or unparseable payload.
	MalformedResponse Kind = "malformed_response"
	// Cancelled: caller's cancellation signal fired.
	Cancelled Kind = "cancelled"
)

// Error is the structured error raised by the core. It never carries the
// decrypted API key or a raw provider response body — only classification
// fields safe to log or surface to a caller.
type Error struct {
	Kind    Kind
	Message string

	// Dimension is set for QuotaExceeded: which limit was exceeded
	// ("daily_tokens", "monthly_tokens", "hourly_calls", ...).
	Dimension string
	Used      int64
	Limit     int64

	// Cause is the underlying error, if any (never the raw provider body).
	Cause error
}

func (e *Error) Error() string {
	if e.Dimension != "" {
		return fmt.Sprintf("%s: %s (dimension=%s used=%d limit=%d)", e.Kind, e.Message, e.Dimension, e.Used, e.Limit)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a plain *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a *Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewQuotaExceeded builds the QuotaExceeded variant carrying the exceeded
// dimension and the observed/allowed values.
func NewQuotaExceeded(dimension string, used, limit int64) *Error {
	return &Error{
		Kind:      QuotaExceeded,
		Message:   "quota exceeded",
		Dimension: dimension,
		Used:      used,
		Limit:     limit,
	}
}

// HTTPStatus maps a Kind to the status a transport-facing caller should
// return. The core itself never writes HTTP responses (see SPEC_FULL.md
// §1 — HTTP routing is out of scope); this table exists for an external
// caller that embeds this module behind its own HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NoProviderConfigured:
		return 500
	case InvalidCredential:
		return 401
	case QuotaExceeded:
		return 429
	case ProviderUnavailable:
		return 502
	case ProviderTimeout:
		return 504
	case MalformedResponse:
		return 502
	case Cancelled:
		return 499
	default:
		return 500
	}
}
