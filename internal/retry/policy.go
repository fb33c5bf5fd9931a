// Package retry wraps outbound calls with bounded retries and a circuit
// breaker per external service.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Idempotency declares whether repeating a call is safe.
type Idempotency int

const (
	// Unknown calls are treated like NonIdempotent.
	Unknown Idempotency = iota
	// Idempotent calls may be repeated after any transient failure.
	Idempotent
	// NonIdempotent calls are repeated only when the failure proves the
	// first attempt had no effect.
	NonIdempotent
)

func (i Idempotency) String() string {
	switch i {
	case Idempotent:
		return "idempotent"
	case NonIdempotent:
		return "non-idempotent"
	}
	return "unknown"
}

// Call describes one outbound operation.
type Call struct {
	Service     string
	Op          string
	Idempotency Idempotency
}

// Defaults.
const (
	DefaultMaxAttempts      = 3
	DefaultInitialDelay     = time.Second
	DefaultMultiplier       = 2.0
	DefaultMaxDelay         = 10 * time.Second
	DefaultCallTimeout      = 20 * time.Second
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// Opts holds parameters for creating a Policy.
type Opts struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	CallTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *slog.Logger
	// Sleep waits between attempts; tests replace it. Defaults to a timer
	// that aborts on ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Policy applies retries and per-service circuit breakers. Breaker state is
// process-local.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	callTimeout  time.Duration
	threshold    uint32
	cooldown     time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Policy, filling zero options with defaults.
func New(opts Opts) *Policy {
	p := &Policy{
		maxAttempts:  opts.MaxAttempts,
		initialDelay: opts.InitialDelay,
		multiplier:   opts.Multiplier,
		maxDelay:     opts.MaxDelay,
		callTimeout:  opts.CallTimeout,
		threshold:    uint32(opts.FailureThreshold),
		cooldown:     opts.Cooldown,
		logger:       opts.Logger,
		sleep:        opts.Sleep,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.initialDelay <= 0 {
		p.initialDelay = DefaultInitialDelay
	}
	if p.multiplier < 1 {
		p.multiplier = DefaultMultiplier
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultMaxDelay
	}
	if p.callTimeout <= 0 {
		p.callTimeout = DefaultCallTimeout
	}
	if p.threshold == 0 {
		p.threshold = DefaultFailureThreshold
	}
	if p.cooldown <= 0 {
		p.cooldown = DefaultCooldown
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

// Do runs fn under the policy.
func (p *Policy) Do(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, p, call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run runs fn under the policy and returns its value. Each attempt gets its
// own timeout and passes through the service's breaker.
func Run[T any](ctx context.Context, p *Policy, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cb := p.breaker(call.Service)
	delays := p.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		v, err := runAttempt(ctx, p.callTimeout, cb, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			return zero, fmt.Errorf("retry: %s %s: %w", call.Service, call.Op, err)
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry: %s %s: %w", call.Service, call.Op, ctx.Err())
		}
		if !IsTransient(err) {
			return zero, err
		}
		if call.Idempotency != Idempotent && !notApplied(err) {
			return zero, fmt.Errorf("retry: %s %s: %w: %w", call.Service, call.Op, ErrAmbiguousOutcome, err)
		}
		if attempt == p.maxAttempts {
			break
		}

		wait := delays.NextBackOff()
		if hint := retryAfter(err); hint > wait {
			wait = hint
		}
		p.logger.Warn("upstream_call_retry",
			"service", call.Service,
			"op", call.Op,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err.Error(),
		)
		if err := p.sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry: %s %s: %w", call.Service, call.Op, err)
		}
	}
	return zero, fmt.Errorf("retry: %s %s: giving up after %d attempts: %w", call.Service, call.Op, p.maxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, cb *gobreaker.CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := cb.Execute(func() (interface{}, error) {
		return fn(actx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", cb.Name(), ErrCircuitOpen)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// newBackOff returns the delay sequence between attempts.
func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialDelay
	b.Multiplier = p.multiplier
	b.MaxInterval = p.maxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// breaker returns the circuit breaker for service, creating it on first use.
func (p *Policy) breaker(service string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[service]; ok {
		return cb
	}
	threshold := p.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     p.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Rejections and caller cancellations say nothing about the
			// service's health.
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit_breaker_state", "service", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[service] = cb
	return cb
}

// BreakerState returns "closed", "half-open" or "open" for service.
func (p *Policy) BreakerState(service string) string {
	return p.breaker(service).State().String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
