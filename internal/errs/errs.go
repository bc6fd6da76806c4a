// Package errs formalizes the closed error taxonomy every public entry
// point in the field plane returns: bad_request, not_allowlisted,
// rate_limited, duplicate, capability_denied, policy_denied, transient_io,
// fail_closed, execution_failed, internal.
package errs

import "fmt"

// Kind is one of the ten closed error kinds.
type Kind string

const (
	BadRequest       Kind = "bad_request"
	NotAllowlisted   Kind = "not_allowlisted"
	RateLimited      Kind = "rate_limited"
	Duplicate        Kind = "duplicate"
	CapabilityDenied Kind = "capability_denied"
	PolicyDenied     Kind = "policy_denied"
	TransientIO      Kind = "transient_io"
	FailClosed       Kind = "fail_closed"
	ExecutionFailed  Kind = "execution_failed"
	Internal         Kind = "internal"
)

// E is a structured error carrying its kind, an optional wrapped cause,
// and free-form fields for audit logging (e.g. denied_reason, exit_code).
type E struct {
	Kind   Kind
	Reason string
	Err    error
	Fields map[string]interface{}
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *E) Unwrap() error { return e.Err }

// New builds a structured error of the given kind.
func New(kind Kind, reason string) *E {
	return &E{Kind: kind, Reason: reason}
}

// Wrap builds a structured error of the given kind wrapping a cause.
func Wrap(kind Kind, reason string, err error) *E {
	return &E{Kind: kind, Reason: reason, Err: err}
}

// WithField attaches a field for audit logging and returns the same error.
func (e *E) WithField(key string, val interface{}) *E {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = val
	return e
}

// Retryable reports whether the caller should retry with backoff.
// Per §7, only transient_io errors are retried by callers.
func Retryable(err error) bool {
	var se *E
	if as(err, &se) {
		return se.Kind == TransientIO
	}
	return false
}

func as(err error, target **E) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
