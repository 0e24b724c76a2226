// Package journal keeps a local SQLite record of deployment attempts and
// provides the advisory lock that keeps two local invocations from deploying
// the same name at once.
package journal

import (
	"errors"
	"fmt"

	"github.com/artpar/cvmdeploy/internal/shell/deploy"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrAttemptInProgress is returned by Begin when another attempt holds the
	// lock for the same name. It wraps deploy.ErrLocked.
	ErrAttemptInProgress = fmt.Errorf("another attempt is in progress: %w", deploy.ErrLocked)

	// ErrNotFound is returned when an attempt does not exist.
	ErrNotFound = errors.New("attempt not found")

	// ErrNoDescriptor is returned when an attempt has no sealed descriptor or
	// the journal has no key to open it.
	ErrNoDescriptor = errors.New("descriptor not stored")

	// ErrConnectionFailed is returned when the database cannot be opened.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when database migration fails.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrInvalidData is returned when stored JSON cannot be decoded.
	ErrInvalidData = errors.New("invalid data format")

	// ErrTxFailed is returned when a transaction operation fails.
	ErrTxFailed = errors.New("transaction failed")
)

// JournalError wraps errors with additional context.
type JournalError struct {
	Op      string // Operation that failed (e.g., "Begin")
	ID      string // Attempt ID if applicable
	Message string
	Err     error
}

func (e *JournalError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s attempt %s: %s", e.Op, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *JournalError) Unwrap() error {
	return e.Err
}

// NewJournalError creates a new JournalError.
func NewJournalError(op, id, message string, err error) *JournalError {
	return &JournalError{
		Op:      op,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
