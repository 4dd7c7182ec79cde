// Package policy classifies pipeline failures and decides whether a publish
// job is retried, parked as error, or skipped.
package policy

import (
	"errors"
	"fmt"
)

// ValidationError is missing or malformed input. Always terminal.
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

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PreconditionError means the job cannot be published as requested, e.g. an
// explicit future schedule that has already passed. The row is skipped.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return "precondition: " + e.Reason }

// PlatformError is a non-success response from the video platform.
type PlatformError struct {
	Op     string
	Status int
	Range  string
	Body   string
	Cause  error
}

func (e *PlatformError) Error() string {
	msg := fmt.Sprintf("platform %s: status %d", e.Op, e.Status)
	if e.Range != "" {
		msg += " range " + e.Range
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PlatformError) Unwrap() error { return e.Cause }

// AuthError is a rejected refresh token or client credential. Terminal: no
// amount of redelivery fixes a revoked grant.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("oauth: status %d: %s", e.Status, e.Reason)
}

// ProtocolError is a byte-accounting mismatch during transfer. The upload
// session is considered corrupt.
type ProtocolError struct {
	Reason   string
	Expected int64
	Actual   int64
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s (expected %d, got %d)", e.Reason, e.Expected, e.Actual)
}

// StorageError wraps a relational-store failure inside the pipeline.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Cause.Error() }
func (e *StorageError) Unwrap() error { return e.Cause }

// Storage wraps err as a StorageError, or returns nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Cause: err}
}

// ErrQuotaExhausted is returned when the channel's upload bucket is empty.
var ErrQuotaExhausted = errors.New("upload quota exhausted")
