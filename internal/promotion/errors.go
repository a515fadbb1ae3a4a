package promotion

import (
	"errors"
	"fmt"
)

// ValidationError reports staged data that cannot be promoted as-is.
// Validation failures are terminal; retrying without changing the staged
// data will fail the same way.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("promotion validation: %s", e.Reason)
}

// TransactionError wraps a graph transaction failure. These are transient
// and safe to retry once the underlying store recovers.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("graph transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// InconsistencyError reports a promotion whose graph writes became durable
// but could not be removed after a later step failed. Jobs in this state are
// parked rather than retried; retrying would create every node a second time.
type InconsistencyError struct {
	JobID string
	Err   error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("promotion for job %s left durable graph writes: %v", e.JobID, e.Err)
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
