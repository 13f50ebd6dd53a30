// Package errs implements the error taxonomy shared by every pipeline
// component: structured outcomes tagged by kind, not ad hoc error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the handling policy it carries, independent
// of which component raised it.
type Kind string

const (
	// Transport covers WebSocket, HTTP client, and bus transport failures.
	// Policy: retry with backoff, bounded escalation.
	Transport Kind = "transport"
	// Decode covers malformed provider frames and malformed bus records.
	// Policy: drop the single record, ack it, record a metric; never crash.
	Decode Kind = "decode"
	// Config covers missing env vars, unresolvable URLs, invalid config
	// files. Policy: fatal at startup only.
	Config Kind = "config"
	// Capacity covers a full buffer or a full cache. Policy: backpressure
	// or a documented lossy policy (the ingestor's degraded mode).
	Capacity Kind = "capacity"
	// EndpointError covers a 4xx response from a receiver. Policy:
	// permanent failure for this job; the endpoint itself stays healthy.
	EndpointError Kind = "endpoint_error"
	// ReceiverOutage covers 5xx responses and timeouts. Policy: retry with
	// backoff; repeated failure trips the circuit breaker.
	ReceiverOutage Kind = "receiver_outage"
	// Bug covers unreachable branches and invariant violations. Policy: log
	// with full context, crash the worker, let the supervisor restart it.
	Bug Kind = "bug"
)

// Error wraps a Kind-tagged outcome alongside the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Bug when err does not
// carry one — an unclassified error is itself a classification bug.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Bug
}

// Retryable reports whether the policy for kind calls for a retry at all
// (Transport and ReceiverOutage do; Decode/Config/EndpointError/Bug don't).
func Retryable(kind Kind) bool {
	switch kind {
	case Transport, ReceiverOutage:
		return true
	default:
		return false
	}
}
