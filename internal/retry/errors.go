package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies an upstream failure.
type Kind int

const (
	// Transient failures (network, 5xx, 429, timeouts) may succeed on retry.
	Transient Kind = iota + 1
	// Permanent failures (other 4xx, invalid input) will not.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

var (
	// ErrCircuitOpen is returned without calling the service while its
	// breaker is open or its half-open trial is in flight.
	ErrCircuitOpen = errors.New("retry: circuit open")
	// ErrAmbiguousOutcome marks a failed non-idempotent call that may still
	// have taken effect. It is never retried.
	ErrAmbiguousOutcome = errors.New("retry: outcome unknown")
)

// UpstreamError is a classified failure from an external service.
type UpstreamError struct {
	Service    string
	Op         string
	Kind       Kind
	StatusCode int           // HTTP status, 0 for transport failures
	RetryAfter time.Duration // server reset hint, honored as a minimum wait
	NotApplied bool          // the request certainly had no effect
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s upstream error", e.Service, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// FromStatus classifies an HTTP response status. 429, 502 and 503 are
// rejections that did not reach the handler; other 5xx are transient but
// may have been applied; remaining 4xx are permanent.
func FromStatus(service, op string, status int, retryAfter time.Duration, err error) *UpstreamError {
	e := &UpstreamError{Service: service, Op: op, StatusCode: status, Err: err}
	switch {
	case status == 429:
		e.Kind = Transient
		e.NotApplied = true
		e.RetryAfter = retryAfter
	case status == 502 || status == 503:
		e.Kind = Transient
		e.NotApplied = true
	case status >= 500:
		e.Kind = Transient
	default:
		e.Kind = Permanent
	}
	return e
}

// FromTransport classifies a failure to complete an HTTP exchange. A dial
// failure never reached the server.
func FromTransport(service, op string, err error) *UpstreamError {
	var opErr *net.OpError
	notApplied := errors.As(err, &opErr) && opErr.Op == "dial"
	return &UpstreamError{Service: service, Op: op, Kind: Transient, NotApplied: notApplied, Err: err}
}

// IsTransient reports whether err is worth retrying: a transient
// UpstreamError, a network error or a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind == Transient
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsPermanent reports whether err is a permanent upstream failure.
func IsPermanent(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == Permanent
}

// notApplied reports whether a failed call certainly had no effect.
func notApplied(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.NotApplied
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// retryAfter returns the server-provided minimum wait carried by err.
func retryAfter(err error) time.Duration {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}
