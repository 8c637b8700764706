// Package fault defines the error taxonomy shared by all Edison components.
// Every adapter and service boundary returns a *fault.Error (or wraps one);
// callers classify with KindOf and IsRetryable rather than string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation policy decisions.
type Kind string

const (
	Validation         Kind = "validation"
	AuthFailure        Kind = "auth_failure"
	PermissionDenied   Kind = "permission_denied"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	Timeout            Kind = "timeout"
	RateLimit          Kind = "rate_limit"
	ProviderTransient  Kind = "provider_transient"
	ProviderPermanent  Kind = "provider_permanent"
	IntegrityViolation Kind = "integrity_violation"
	BudgetExceeded     Kind = "budget_exceeded"
	LockHeld           Kind = "lock_held"
	ParseFailure       Kind = "parse_failure"
	DiffInvalid        Kind = "diff_invalid"
	Internal           Kind = "internal"
)

// retryable kinds are the only ones the provider layer may retry locally.
var retryable = map[Kind]bool{
	RateLimit:         true,
	ProviderTransient: true,
	Timeout:           true,
}

// Error carries a Kind alongside a message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsRetryable reports whether the error's kind permits a local retry.
func IsRetryable(err error) bool {
	return retryable[KindOf(err)]
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
