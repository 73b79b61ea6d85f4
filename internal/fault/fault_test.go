package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransientMessageMatching(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout word", errors.New("request timeout after 10s"), true},
		{"timed out", errors.New("dial tcp: i/o timed out"), true},
		{"econnreset", errors.New("read: ECONNRESET"), true},
		{"econnrefused", errors.New("connect: ECONNREFUSED"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"rate limit code", errors.New("unexpected status 429"), true},
		{"too many requests", errors.New("Too Many Requests"), true},
		{"server error", errors.New("upstream returned 503 Service Unavailable"), true},
		{"fetch failed", errors.New("fetch failed"), true},
		{"network", errors.New("network is unreachable"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"auth failure", errors.New("invalid API key"), false},
		{"validation", errors.New("quantity must be positive"), false},
		{"not found", errors.New("order not found"), false},
		{"nil", nil, false},
		{"status code not 5xx", errors.New("unexpected status 400"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransientExplicitClassWins(t *testing.T) {
	// The message says timeout, but the call site classified it fatal.
	err := New(Fatal, "broker.place_order", "timeout while validating signature")
	if IsTransient(err) {
		t.Fatal("explicitly fatal error classified as transient")
	}

	err = New(Transient, "broker.get_ticker", "generic failure")
	if !IsTransient(err) {
		t.Fatal("explicitly transient error not classified as transient")
	}
}

func TestIsTransientContextAndNetErrors(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded should be transient")
	}
	if !IsTransient(fmt.Errorf("call: %w", context.DeadlineExceeded)) {
		t.Fatal("wrapped deadline exceeded should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatal("cancellation is not retryable")
	}
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit invariant", New(Invariant, "positions.transition", "bad transition"), Invariant},
		{"explicit degraded wrapped", fmt.Errorf("outer: %w", New(Degraded, "exchange", "down")), Degraded},
		{"unclassified transient message", errors.New("429 too many requests"), Transient},
		{"unclassified default", errors.New("no such symbol"), Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassOf(tc.err); got != tc.want {
				t.Fatalf("ClassOf = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestErrorFormatAndUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap(Degraded, "inventory.hydrate", inner)

	if !errors.Is(err, inner) {
		t.Fatal("wrapped error lost the cause")
	}
	if got := err.Error(); got != "inventory.hydrate: boom" {
		t.Fatalf("Error() = %q", got)
	}

	bare := &Error{Class: DomainBlocked, Op: "risk.gate"}
	if got := bare.Error(); got != "risk.gate: domain_blocked" {
		t.Fatalf("Error() without cause = %q", got)
	}
}
