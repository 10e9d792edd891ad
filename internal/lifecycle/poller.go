package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/logging"
	"github.com/example/faceverify-gateway/internal/retry"
)

// ErrBackendNotReady means no instance reached the started state within the
// cycle budget. Dependent work must be skipped, not attempted against a cold backend.
var ErrBackendNotReady = errors.New("backend not ready")

// Backend lists and starts the model service instances.
type Backend interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Start(ctx context.Context, instanceID string) error
}

// NotReadyError carries the last observation when polling gives up.
type NotReadyError struct {
	Cycles int
	Last   Decision
	Err    error
}

func (e *NotReadyError) Error() string {
	msg := fmt.Sprintf("%s after %d cycles: %s", ErrBackendNotReady, e.Cycles, e.Last.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotReadyError) Is(target error) bool { return target == ErrBackendNotReady }
func (e *NotReadyError) Unwrap() error        { return e.Err }

const (
	DefaultInterval  = 30 * time.Second
	DefaultMaxCycles = 10
)

// PollerConfig bounds the poll loop.
type PollerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	MaxCycles int           `mapstructure:"max_cycles"`
}

// Cycle records one poll for observers.
type Cycle struct {
	Index    int
	Snapshot Snapshot
	Decision Decision
	Err      error
}

// Poller drives Decide against a live Backend.
type Poller struct {
	backend Backend
	cfg     PollerConfig
	logger  *zap.Logger
	clock   clockwork.Clock
	sleep   func(ctx context.Context, d time.Duration) error
	observe func(Cycle)
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollClock drives the wait between cycles from clock.
func WithPollClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) { p.clock = clock }
}

// WithPollSleep swaps the wait between cycles.
func WithPollSleep(sleep func(ctx context.Context, d time.Duration) error) PollerOption {
	return func(p *Poller) { p.sleep = sleep }
}

// WithCycleObserver receives every completed cycle.
func WithCycleObserver(fn func(Cycle)) PollerOption {
	return func(p *Poller) { p.observe = fn }
}

// NewPoller builds a poller; zero config values fall back to the defaults.
func NewPoller(backend Backend, cfg PollerConfig, logger *zap.Logger, opts ...PollerOption) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		backend: backend,
		cfg:     cfg,
		logger:  logger.Named("lifecycle_poller"),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sleep == nil {
		p.sleep = func(ctx context.Context, d time.Duration) error {
			return retry.Sleep(ctx, p.clock, d)
		}
	}
	return p
}

// WaitReady polls until an instance is started or the cycle budget runs out.
// There is no wait after the final cycle.
func (p *Poller) WaitReady(ctx context.Context) error {
	opLogger := logging.WithOperation(p.logger, "lifecycle.wait_ready", "")

	var last Decision
	var lastErr error
	for i := 0; i < p.cfg.MaxCycles; i++ {
		cycleLogger := opLogger.With(zap.Int("cycle", i+1), zap.Int("max_cycles", p.cfg.MaxCycles))
		cycle := Cycle{Index: i}

		snapshot, err := p.backend.Snapshot(ctx)
		if err != nil {
			cycleLogger.Warn("failed to list backend instances", zap.Error(err))
			cycle.Err = err
			last = Decision{Action: ActionWait, Delay: p.cfg.Interval, Reason: "backend unreachable"}
		} else {
			cycle.Snapshot = snapshot
			last = Decide(snapshot, p.cfg.Interval)
			cycleLogger.Info("backend instance states", zap.Any("states", snapshot.States()), zap.Stringer("action", last.Action), zap.String("reason", last.Reason))
		}
		lastErr = err
		cycle.Decision = last

		switch last.Action {
		case ActionReady:
			p.notify(cycle)
			return nil
		case ActionStart:
			cycleLogger.Warn("starting stopped instance", zap.String("instance_id", last.InstanceID))
			if err := p.backend.Start(ctx, last.InstanceID); err != nil {
				cycleLogger.Error("failed to start instance", zap.String("instance_id", last.InstanceID), zap.Error(err))
				cycle.Err = err
				lastErr = err
			}
		}
		p.notify(cycle)

		if i == p.cfg.MaxCycles-1 {
			break
		}
		if err := p.sleep(ctx, last.Delay); err != nil {
			return logging.NewOperationError("lifecycle.wait_ready", "", err)
		}
	}

	opLogger.Error("timed out waiting for backend", zap.Int("cycles", p.cfg.MaxCycles))
	return &NotReadyError{Cycles: p.cfg.MaxCycles, Last: last, Err: lastErr}
}

func (p *Poller) notify(c Cycle) {
	if p.observe != nil {
		p.observe(c)
	}
}
