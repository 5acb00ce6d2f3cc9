package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups of a key that has no pending mutation.
var ErrNotFound = errors.New("pending mutation not found")

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// CodeTransient: network failure or timeout. The mutation stays pending.
	CodeTransient ErrorCode = "TRANSIENT"

	// CodeConflict: the server state advanced past the offline baseline.
	// The mutation stays pending until the user decides.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeRejected: the remote system refused the write.
	CodeRejected ErrorCode = "REJECTED"

	// CodeStorage: local persistence failed. Fatal to the current operation.
	CodeStorage ErrorCode = "STORAGE"
)

// SyncError is the error taxonomy shared by the store, the orchestrator and
// resource modules.
type SyncError struct {
	Code    ErrorCode
	Message string

	// Key identifies the affected mutation, when there is one.
	Key Key

	// SafeToRetry applies to CodeRejected: true when leaving the mutation
	// pending for the user to fix cannot duplicate side effects.
	SafeToRetry bool

	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Key != (Key{}) {
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, msg, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure.
func Transient(err error) *SyncError {
	return &SyncError{Code: CodeTransient, Err: err}
}

// Conflict reports that the remote resource changed after the offline edit.
func Conflict(key Key, message string) *SyncError {
	return &SyncError{Code: CodeConflict, Key: key, Message: message}
}

// Rejected wraps a validation error from the remote system.
func Rejected(err error, safeToRetry bool) *SyncError {
	return &SyncError{Code: CodeRejected, Err: err, SafeToRetry: safeToRetry}
}

// Storage wraps a local persistence failure for operation op.
func Storage(op string, err error) *SyncError {
	return &SyncError{Code: CodeStorage, Message: op, Err: err}
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransient returns true for transient errors. Uses errors.As so wrapped
// errors classify correctly.
func IsTransient(err error) bool { return hasCode(err, CodeTransient) }

// IsConflict returns true for conflict errors.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsRejected returns true for remote rejections.
func IsRejected(err error) bool { return hasCode(err, CodeRejected) }

// IsStorage returns true for local storage failures.
func IsStorage(err error) bool { return hasCode(err, CodeStorage) }

// IsSafeToRetry returns true if err is a rejection marked safe to retry.
func IsSafeToRetry(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == CodeRejected && se.SafeToRetry
	}
	return false
}

// Message returns the innermost human-readable message of err.
func Message(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		if se.Err != nil {
			return se.Err.Error()
		}
		return se.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
