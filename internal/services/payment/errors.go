package payment

import (
	"fmt"

	"restaurant-payments/internal/idempotency"
)

// ValidationError reports a rejected request field. No side effects have
// occurred when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DeclinedError carries the gateway's decline reason verbatim. No money
// moved and no order was written.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// PersistenceError reports the critical case: the charge settled but the
// order could not be recorded. TransactionID identifies the money that
// moved so an operator can reconcile against the provider.
type PersistenceError struct {
	TransactionID string
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("charge %s settled but order was not recorded: %v", e.TransactionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DuplicateError reports a submission whose idempotency key was already
// used. Outcome is the recorded result of the earlier attempt, or nil if
// that attempt is still in flight.
type DuplicateError struct {
	Outcome *idempotency.Outcome
}

func (e *DuplicateError) Error() string {
	return "duplicate payment attempt"
}
