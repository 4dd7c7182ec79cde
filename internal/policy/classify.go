package policy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"content-publisher/internal/models"
)

// Class is the retry class of a failure.
type Class int

const (
	Retryable Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

// Decision is what the pipeline does with a failed job.
type Decision struct {
	Class Class
	// Status is the terminal status to write; empty for retryable failures.
	Status models.Status
	Reason string
}

// maxErrorLen bounds last_error, counted in runes.
const maxErrorLen = 1000

// Classify maps an error onto a retry decision.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: Retryable}
	}
	reason := Truncate(err.Error())

	var (
		validation   *ValidationError
		precondition *PreconditionError
		protocol     *ProtocolError
		auth         *AuthError
		platform     *PlatformError
		storage      *StorageError
	)
	switch {
	case errors.As(err, &precondition):
		return Decision{Class: Terminal, Status: models.StatusSkipped, Reason: reason}
	case errors.As(err, &validation), errors.As(err, &protocol), errors.As(err, &auth):
		return Decision{Class: Terminal, Status: models.StatusError, Reason: reason}
	case errors.As(err, &platform):
		if retryableStatus(platform.Status) || (platform.Status == 0 && platform.Cause != nil) {
			return Decision{Class: Retryable, Reason: reason}
		}
		return Decision{Class: Terminal, Status: models.StatusError, Reason: reason}
	case errors.As(err, &storage), errors.Is(err, ErrQuotaExhausted):
		return Decision{Class: Retryable, Reason: reason}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Decision{Class: Retryable, Reason: reason}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Decision{Class: Retryable, Reason: reason}
	}
	// Unknown failures are retried; the attempt budget bounds them.
	return Decision{Class: Retryable, Reason: reason}
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status warrants another attempt.
func IsRetryableStatus(code int) bool { return retryableStatus(code) }

// Truncate bounds s to the last_error column budget.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxErrorLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxErrorLen-1]) + "…"
}
