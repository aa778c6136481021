// Package fault defines the typed error kinds shared by the vault,
// adapters, executor, and orchestrator. Every error that crosses a
// component boundary carries a Kind so callers can decide whether to
// retry, reschedule, degrade, or fail the owning plan.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindVault covers filesystem operations: cross-device rename,
	// permission, missing file or directory.
	KindVault Kind = "vault_error"

	// KindPrecondition covers violated invariants: plan file not in the
	// expected folder, payload schema mismatch, unrecognized action.
	KindPrecondition Kind = "precondition_error"

	// KindAuth covers missing, expired, or under-scoped credentials.
	KindAuth Kind = "auth_error"

	// KindTransient covers network timeouts, 5xx, and 429 responses.
	KindTransient Kind = "transient_error"

	// KindPermanent covers 4xx responses not classified as transient or auth.
	KindPermanent Kind = "permanent_upstream_error"

	// KindConcurrency covers contention and queue overflow; the plan is
	// rescheduled, not failed.
	KindConcurrency Kind = "concurrency_error"

	// KindCancelled covers cooperative cancellation before upstream dispatch.
	KindCancelled Kind = "cancelled"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindVault, KindPrecondition, KindAuth, KindTransient,
		KindPermanent, KindConcurrency, KindCancelled:
		return true
	}
	return false
}

// Error is a classified error with a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a classified error with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, detail string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind of err. Context cancellation maps to
// KindCancelled; anything unclassified maps to KindPermanent so that an
// unknown failure is never silently retried.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindPermanent
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may be retried by a retry layer. Only
// transient errors are retryable; the no-retry action flag is checked
// separately by each layer.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// FromHTTPStatus classifies an upstream HTTP status code. 2xx returns
// nil. 429 and 5xx are transient; 401 and 403 are auth; remaining 4xx
// are permanent.
func FromHTTPStatus(status int, detail string) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return Newf(KindTransient, "%s: upstream status %d", detail, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Newf(KindAuth, "%s: upstream status %d", detail, status)
	case status >= 400:
		return Newf(KindPermanent, "%s: upstream status %d", detail, status)
	default:
		return Newf(KindPermanent, "%s: unexpected upstream status %d", detail, status)
	}
}
