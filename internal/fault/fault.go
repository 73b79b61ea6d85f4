package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Class buckets every failure the engine can surface.
type Class int

const (
	// Transient errors (timeouts, rate limits, 5xx) are retried by the
	// retry executor up to its attempt budget.
	Transient Class = iota
	// Fatal errors (auth, validation, malformed requests) are never retried.
	Fatal
	// DomainBlocked marks a risk-gate veto. Not an operational error.
	DomainBlocked
	// Invariant marks an illegal internal state change. Aborts the
	// current operation and trips the kill switch upstream.
	Invariant
	// Degraded marks an unavailable collaborator. Trading is blocked at
	// runtime instead of crashing the process.
	Degraded
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case DomainBlocked:
		return "domain_blocked"
	case Invariant:
		return "invariant"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Error carries a classified failure through the call stack.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a message.
func New(class Class, op, msg string) *Error {
	return &Error{Class: class, Op: op, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(class Class, op, format string, args ...interface{}) *Error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a class and operation to an existing error.
func Wrap(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf returns the class of a wrapped error, or Fatal when the error
// carries no explicit class and does not look transient.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if IsTransient(err) {
		return Transient
	}
	return Fatal
}

// serverErrPattern matches HTTP 5xx status codes embedded in error text.
var serverErrPattern = regexp.MustCompile(`\b5\d{2}\b`)

// transientMarkers are the message fragments treated as retryable.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"econnreset",
	"econnrefused",
	"econnaborted",
	"connection reset",
	"connection refused",
	"429",
	"too many requests",
	"fetch failed",
	"network",
	"temporarily unavailable",
	"eof",
}

// IsTransient reports whether an error should be retried. Explicitly
// classified errors win; otherwise the message is matched against the
// retryable patterns (timeout, ECONN*, 429, 5xx, fetch failed, network).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return serverErrPattern.MatchString(msg)
}
