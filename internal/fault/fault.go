// Package fault defines the error taxonomy shared by the use cases and the
// task runtime. Use cases translate low-level I/O errors into these kinds;
// the runtime decides whether to retry from the kind alone, never from the
// concrete error type underneath.
package fault

import "errors"

// ErrInvalidInput marks caller mistakes (empty description, malformed ids).
// Never retried.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound marks a missing entity. The severity worker retries it once,
// since the enqueuing cluster job may still be in flight.
var ErrNotFound = errors.New("not found")

// ErrConflict marks a uniqueness violation. Duplicate memberships are
// treated as success so job re-runs stay idempotent.
var ErrConflict = errors.New("conflict")

// ErrTransient marks retryable external failures (vector store, LLM,
// relational I/O, deadlines).
var ErrTransient = errors.New("transient external error")

// ErrPermanent marks non-retryable external failures (auth, quota, schema).
var ErrPermanent = errors.New("permanent external error")

// Invalid wraps err as an InvalidInput fault.
func Invalid(err error) error {
	return join(ErrInvalidInput, err)
}

// NotFound wraps err as a NotFound fault.
func NotFound(err error) error {
	return join(ErrNotFound, err)
}

// Conflict wraps err as a Conflict fault.
func Conflict(err error) error {
	return join(ErrConflict, err)
}

// Transient wraps err as a retryable external fault.
func Transient(err error) error {
	return join(ErrTransient, err)
}

// Permanent wraps err as a non-retryable external fault.
func Permanent(err error) error {
	return join(ErrPermanent, err)
}

// Retryable reports whether the task runtime should retry err. Errors with
// no taxonomy marker default to retryable: an unclassified failure is more
// likely a flaky dependency than a caller bug.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrPermanent) || errors.Is(err, ErrConflict) {
		return false
	}
	return true
}

func join(kind, err error) error {
	if err == nil {
		return kind
	}
	return errors.Join(kind, err)
}
