package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflict")
	// ErrLeaseHeld is returned when another evaluator holds a ledger key.
	ErrLeaseHeld = errors.New("ledger key held by another evaluator")
)

// ValidationError is a bad client-submitted value. The submission is
// rejected and no state is mutated apart from the audit trail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// TransportError is a failed send; retryable up to the queue cap.
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: send to %s: %v", e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError is a failed store or ledger write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PolicyViolation is an attempt to break a compliance invariant, such as
// finalizing an already-finalized log entry.
type PolicyViolation struct {
	Rule   string
	Detail string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation: %s: %s", e.Rule, e.Detail)
}

// IsRetryable reports whether err is a transport or persistence failure.
func IsRetryable(err error) bool {
	var te *TransportError
	var pe *PersistenceError
	return errors.As(err, &te) || errors.As(err, &pe)
}
