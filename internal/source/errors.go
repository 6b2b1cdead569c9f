package source

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error classes. Match with errors.Is.
var (
	ErrTransient      = errors.New("source: transient failure")
	ErrQuotaExhausted = errors.New("source: quota exhausted")
	ErrAuth           = errors.New("source: authentication rejected")
	ErrNotFound       = errors.New("source: not found")
)

// APIError is a non-2xx answer (Status > 0) or a transport failure (Status 0).
type APIError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("source %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("source %s: http %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("source %s: http %d", e.Op, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is maps the status onto the error classes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Status == 0 || e.Status >= 500
	case ErrAuth:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrQuotaExhausted:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// QuotaError reports quota exhaustion together with the wait derived from the
// observed budget.
type QuotaError struct {
	Budget RateBudget
	Wait   time.Duration
	Err    error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("source: quota exhausted (wait %s)", e.Wait)
}

func (e *QuotaError) Unwrap() error { return e.Err }

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExhausted }

// classify turns a status code into an *APIError, or nil for 2xx.
func classify(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	b := string(body)
	if len(b) > 256 {
		b = b[:256]
	}
	return &APIError{Op: op, Status: status, Body: b}
}

// Retryable reports whether a later attempt may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrQuotaExhausted)
}
