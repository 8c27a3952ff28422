package activitysync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the activitysync package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine or store.
	ErrClosed = errors.New("engine is closed")

	// ErrDuplicateID is returned when appending a record whose id already exists.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrInvalidTransition is returned when a bulk state transition is not
	// allowed for at least one of the requested records.
	ErrInvalidTransition = errors.New("invalid sync state transition")

	// ErrRecordNotFound is returned when a referenced record id does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrTransportAuth is returned when the collector rejects the engine's
	// credentials. Fatal to the current cycle; suspends the scheduler.
	ErrTransportAuth = errors.New("transport authentication rejected")

	// ErrTransportUnavailable is returned for transient transport failures
	// (timeout, connection reset, 5xx). Retried via backoff.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrSchedulerPaused is returned when a forced sync is requested while
	// the scheduler is suspended.
	ErrSchedulerPaused = errors.New("scheduler is paused")
)

// TransportError describes a failed delivery attempt against the collector.
type TransportError struct {
	// StatusCode is the HTTP status code if the failure came from a
	// collector response, zero for connection-level failures.
	StatusCode int
	Message    string
	Cause      error

	// Auth marks 401/403-class rejections that must suspend the scheduler
	// until an external re-authentication flow resolves them.
	Auth bool
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for TransportError.
func (e *TransportError) Is(target error) bool {
	if e.Auth {
		return target == ErrTransportAuth
	}
	return target == ErrTransportUnavailable
}

// Transient returns true if the failure should be retried via backoff.
func (e *TransportError) Transient() bool {
	return !e.Auth
}

// newTransportError classifies a collector HTTP status code.
func newTransportError(statusCode int, message string, cause error) *TransportError {
	return &TransportError{
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
		Auth:       statusCode == 401 || statusCode == 403,
	}
}

// StorageError describes a record store I/O failure. Storage errors are
// fatal: the engine must not keep scheduling against a store it cannot trust.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ValidationError describes a malformed record. The offending record is
// marked failed with a frozen retry count rather than retried forever.
type ValidationError struct {
	RecordID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("invalid record %s: %s", e.RecordID, e.Reason)
	}
	return fmt.Sprintf("invalid record: %s", e.Reason)
}

// IsAuthError reports whether err is an authentication rejection from the
// collector.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrTransportAuth)
}

// IsTransientError reports whether err should be retried via the normal
// backoff path.
func IsTransientError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return errors.Is(err, ErrTransportUnavailable)
}
