// Package retry runs an outbound call under a bounded, deterministic
// exponential backoff. Only "service temporarily unavailable" results are
// treated as transient; any other status ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/logging"
)

// ErrExhausted is matched by the error returned when every attempt was
// transient or failed. It is the "no result" outcome: callers must turn it
// into a visible failure.
var ErrExhausted = errors.New("retry: attempts exhausted without a result")

// StatusCoder is implemented by results and errors that carry a
// transport status such as an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// Policy configures the attempt budget and the delay schedule. The delay
// before attempt i+1 is BaseDelay * Multiplier^i.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

// LongBackoff suits slow cold starts: 10s, 30s, 90s, 270s.
func LongBackoff() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second, Multiplier: 3}
}

// ShortBackoff favours responsiveness: 2s, 4s, 8s, 16s.
func ShortBackoff() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Preset returns the named policy ("long" or "short").
func Preset(name string) (Policy, error) {
	switch name {
	case "long", "":
		return LongBackoff(), nil
	case "short":
		return ShortBackoff(), nil
	default:
		return Policy{}, fmt.Errorf("unknown retry preset %q", name)
	}
}

// Validate reports configuration that would make the schedule meaningless.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay must not be negative, got %s", p.BaseDelay)
	}
	if p.BaseDelay > 0 && p.Multiplier <= 1 {
		return fmt.Errorf("multiplier must be greater than 1 for increasing delays, got %v", p.Multiplier)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

// Delays returns the waits between consecutive attempts. There is no wait
// after the final attempt, so the slice has MaxAttempts-1 entries.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.newBackOff()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 0; i < p.MaxAttempts-1; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Attempt records one pass through the loop.
type Attempt struct {
	Index int
	// Delay is the wait scheduled before the next attempt; zero after the last one.
	Delay     time.Duration
	Status    int
	Transient bool
	Err       error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal: the loop returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned once the attempt budget is spent.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }
func (e *ExhaustedError) Unwrap() error        { return e.Last }

// Retrier executes operations under a Policy.
type Retrier struct {
	policy    Policy
	logger    *zap.Logger
	transient map[int]bool
	clock     clockwork.Clock
	sleep     func(ctx context.Context, d time.Duration) error
	observe   func(Attempt)
}

// Option customises a Retrier.
type Option func(*Retrier)

// WithTransientStatus replaces the set of statuses that are retried.
func WithTransientStatus(codes ...int) Option {
	return func(r *Retrier) {
		r.transient = make(map[int]bool, len(codes))
		for _, code := range codes {
			r.transient[code] = true
		}
	}
}

// WithClock drives the waits between attempts from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Retrier) { r.clock = clock }
}

// WithSleep swaps the wait function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithObserver receives every Attempt after it is recorded.
func WithObserver(fn func(Attempt)) Option {
	return func(r *Retrier) { r.observe = fn }
}

// New builds a Retrier. Only http.StatusServiceUnavailable is transient by default.
func New(policy Policy, logger *zap.Logger, opts ...Option) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{
		policy:    policy,
		logger:    logger.Named("retry"),
		transient: map[int]bool{http.StatusServiceUnavailable: true},
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sleep == nil {
		r.sleep = func(ctx context.Context, d time.Duration) error {
			return Sleep(ctx, r.clock, d)
		}
	}
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op until it yields a non-transient outcome or the budget runs out.
//
// A nil error returns the value, unless the value reports a transient status.
// An error carrying a non-transient status, or marked Permanent, is returned
// as is. Any other error is logged and the loop moves on. Exhaustion yields
// an *ExhaustedError matching ErrExhausted.
func Do[T any](ctx context.Context, r *Retrier, operation string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	schedule := r.policy.newBackOff()
	opLogger := logging.WithOperation(r.logger, operation, "")

	var last error
	for i := 0; i < attempts; i++ {
		value, err := op(ctx)
		attempt := Attempt{Index: i, Err: err}

		switch {
		case err == nil:
			code, ok := statusOf(value)
			if !ok || !r.transient[code] {
				r.record(opLogger, attempt)
				return value, nil
			}
			attempt.Status, attempt.Transient = code, true
			last = fmt.Errorf("transient status %d", code)
		default:
			var perm *permanentError
			if errors.As(err, &perm) {
				r.record(opLogger, attempt)
				return zero, perm.err
			}
			if code, ok := statusOf(err); ok {
				attempt.Status = code
				if !r.transient[code] {
					r.record(opLogger, attempt)
					return zero, err
				}
				attempt.Transient = true
			}
			last = err
		}

		if i < attempts-1 {
			attempt.Delay = schedule.NextBackOff()
		}
		r.record(opLogger, attempt)

		if attempt.Delay > 0 {
			if err := r.sleep(ctx, attempt.Delay); err != nil {
				return zero, logging.NewOperationError(operation, "", err)
			}
		}
	}

	opLogger.Error("retries exhausted", zap.Int("attempts", attempts), zap.Error(last))
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}

func (r *Retrier) record(logger *zap.Logger, a Attempt) {
	fields := []zap.Field{zap.Int("attempt", a.Index+1)}
	if a.Status != 0 {
		fields = append(fields, zap.Int("status", a.Status))
	}
	switch {
	case a.Transient:
		logger.Warn("transient failure", append(fields, zap.Duration("next_delay", a.Delay), zap.Error(a.Err))...)
	case a.Err != nil && a.Delay > 0:
		logger.Error("attempt failed", append(fields, zap.Duration("next_delay", a.Delay), zap.Error(a.Err))...)
	case a.Err != nil:
		logger.Error("attempt failed", append(fields, zap.Error(a.Err))...)
	case a.Index > 0:
		logger.Info("operation succeeded after retry", fields...)
	}
	if r.observe != nil {
		r.observe(a)
	}
}

func statusOf(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	if sc, ok := v.(StatusCoder); ok {
		return sc.StatusCode(), true
	}
	if err, ok := v.(error); ok {
		var sc StatusCoder
		if errors.As(err, &sc) {
			return sc.StatusCode(), true
		}
	}
	return 0, false
}

// Sleep waits d on clock, returning early with the context error when ctx ends first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
