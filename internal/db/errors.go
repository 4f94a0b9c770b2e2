package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by the ledger mutation path. Callers classify
// them to decide between synchronous rejection, retry and dead-letter.
var (
	// ErrOrgNotFound is returned when the organization row does not exist.
	ErrOrgNotFound = errors.New("organization not found")

	// ErrInsufficientFunds is returned when a debit would push the balance
	// below the organization's debt limit. No entry is written.
	ErrInsufficientFunds = errors.New("insufficient funds: debit exceeds debt limit")

	// ErrJobNotFound is returned when a webhook job lookup matches no row.
	ErrJobNotFound = errors.New("webhook job not found")
)

// ValidationError marks input that can never succeed, regardless of retries.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err looks like a transient infrastructure
// failure worth retrying: connection loss, serialization conflicts,
// statement timeouts and context deadlines. Anything else is treated as
// permanent by the queue worker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014", // query_canceled (statement timeout)
			"53300": // too_many_connections
			return true
		}
		// Class 08: connection exceptions
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}

	// pgconn returns plain errors for broken/unreachable connections
	return pgconn.SafeToRetry(err)
}
