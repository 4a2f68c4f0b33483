// Package tweakerr defines the error taxonomy shared by the engine.
//
// Callers match on type rather than message text:
//
//	var rb *tweakerr.RollbackError
//	if errors.As(err, &rb) { ... }
//
// ValidationError and ReadError are recoverable by the caller. ApplyError
// triggers an automatic rollback. RollbackError and InvariantError are fatal
// and must surface to the top-level caller.
package tweakerr

import (
	"errors"
	"fmt"
)

// Severity classifies how a caller should react to an error.
type Severity int

const (
	// Recoverable errors leave no state behind; fix the input and retry.
	Recoverable Severity = iota
	// Retriable errors were undone automatically.
	Retriable
	// Fatal errors leave the system in a state the engine cannot vouch for.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "recoverable"
	case Retriable:
		return "retriable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ValidationError reports a bad definition or an illegal batch composition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReadError reports that current OS state could not be queried.
type ReadError struct {
	Target string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Target, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ApplyError reports a failed mutation.
type ApplyError struct {
	Target string
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Target, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// RollbackError reports that undoing a mutation failed.
type RollbackError struct {
	Target    string
	HistoryID int64
	Err       error
}

func (e *RollbackError) Error() string {
	if e.HistoryID != 0 {
		return fmt.Sprintf("rollback %s (history %d): %v", e.Target, e.HistoryID, e.Err)
	}
	return fmt.Sprintf("rollback %s: %v", e.Target, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// InvariantError reports an impossible state, such as an illegal lifecycle
// transition or an applied entry without snapshots.
type InvariantError struct {
	Message string
	Err     error
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violated: %s: %v", e.Message, e.Err)
	}
	return "invariant violated: " + e.Message
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Invariantf builds an InvariantError with a formatted message.
func Invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// SeverityOf classifies err. Fatal wins over everything else in the chain.
func SeverityOf(err error) Severity {
	var (
		rb  *RollbackError
		inv *InvariantError
		ap  *ApplyError
	)
	switch {
	case errors.As(err, &rb), errors.As(err, &inv):
		return Fatal
	case errors.As(err, &ap):
		return Retriable
	default:
		return Recoverable
	}
}

// IsFatal reports whether err carries a RollbackError or InvariantError.
func IsFatal(err error) bool {
	return err != nil && SeverityOf(err) == Fatal
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
