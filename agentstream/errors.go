package agentstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable failure taxonomy.
type ErrorKind string

const (
	// KindBusy means a turn is already in flight for the conversation.
	KindBusy ErrorKind = "BUSY"
	// KindTimeout means the backend exceeded its wall-clock budget.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindUnavailable means the backend is not configured or not installed.
	KindUnavailable ErrorKind = "BACKEND_UNAVAILABLE"
	// KindBackend means the backend ran and failed.
	KindBackend ErrorKind = "BACKEND_ERROR"
	// KindRejected means a human rejected a dangerous tool invocation.
	KindRejected ErrorKind = "CONFIRMATION_REJECTED"
	// KindConfirmationTimeout means nobody answered a confirmation in time.
	KindConfirmationTimeout ErrorKind = "CONFIRMATION_TIMED_OUT"
	// KindParse is reserved for undecodable output. Lines are degraded to raw
	// text rather than failing, so it only surfaces in logs.
	KindParse ErrorKind = "PARSE_ERROR"
	// KindCancelled means the turn was abandoned by its owner.
	KindCancelled ErrorKind = "CANCELLED"
)

// Category refines KindBackend failures.
type Category string

const (
	CategoryGeneric         Category = "generic"
	CategoryRateLimited     Category = "rate_limited"
	CategoryContentRejected Category = "content_rejected"
	CategoryCLI             Category = "cli_error"
)

// BackendError is the error type returned by every backend and by the router.
type BackendError struct {
	Cause    error
	Kind     ErrorKind
	Category Category
	Backend  string
	Message  string
	// Hint is a human-oriented remediation, e.g. an authentication reminder.
	Hint string
}

func (e *BackendError) Error() string {
	msg := string(e.Kind)
	if e.Backend != "" {
		msg += " [" + e.Backend + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Errorf builds a BackendError with a formatted message.
func Errorf(kind ErrorKind, backend, format string, args ...interface{}) *BackendError {
	return &BackendError{
		Kind:    kind,
		Backend: backend,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf returns the ErrorKind of err. Context errors map to KindCancelled
// (or KindTimeout for deadlines); anything else unclassified is KindBackend.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindBackend
}

// IsRetryable reports whether a router may try the next backend after err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable, KindBackend, KindParse:
		return true
	default:
		return false
	}
}

// CategoryForStatus maps an HTTP status code to a failure category.
func CategoryForStatus(status int) Category {
	switch status {
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
		return CategoryContentRejected
	default:
		return CategoryGeneric
	}
}
