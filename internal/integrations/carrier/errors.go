package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error is a failure reported by a carrier API. Transient marks failures
// worth retrying (timeouts, 5xx, rate limits); validation-style rejections
// come back with Transient=false and propagate immediately.
type Error struct {
	Carrier    string
	Op         string
	StatusCode int
	Body       string
	Transient  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: http %d: %s", e.Carrier, e.Op, e.StatusCode, e.Body)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Carrier, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s %s failed", e.Carrier, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// AuthError is a failed credential exchange with the carrier's auth
// endpoint. It is never retried inside the adapter; the caller decides.
type AuthError struct {
	Carrier    string
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: http %d: %s", e.Carrier, e.StatusCode, e.Body)
}

// NewHTTPError classifies a non-2xx carrier response. 408/429/5xx are
// transient, everything else is a permanent rejection.
func NewHTTPError(carrierName, op string, statusCode int, body string) *Error {
	return &Error{
		Carrier:    carrierName,
		Op:         op,
		StatusCode: statusCode,
		Body:       body,
		Transient:  statusCode == 408 || statusCode == 429 || statusCode >= 500,
	}
}

// NewTransportError wraps a network-level failure (dial, timeout, broken
// connection). Always transient.
func NewTransportError(carrierName, op string, cause error) *Error {
	return &Error{Carrier: carrierName, Op: op, Transient: true, Cause: cause}
}

// IsTransient classifies err for retry purposes. Explicit carrier errors
// carry their own classification; auth failures and context cancellation are
// never retried; anything unclassified is treated as transient on the first
// pass and surfaces once attempts run out.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return true
}
