package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/faceverify-gateway/internal/cache"
)

const readyFlagKey = "backend:ready"

// Waiter blocks until the backend is ready.
type Waiter interface {
	WaitReady(ctx context.Context) error
}

// Gate remembers a successful readiness check for ttl so that only the first
// request after a quiet period pays for polling. Concurrent callers share one
// poll. When a cache is configured the flag is shared across gateway replicas.
// A ttl of zero or less disables remembering: every call polls.
type Gate struct {
	waiter Waiter
	flags  cache.Cache
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger

	group      singleflight.Group
	mu         sync.Mutex
	readyUntil time.Time
}

// NewGate wraps waiter. flags may be nil.
func NewGate(waiter Waiter, flags cache.Cache, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		waiter: waiter,
		flags:  flags,
		ttl:    ttl,
		clock:  clock,
		logger: logger.Named("readiness_gate"),
	}
}

// EnsureReady returns nil when the backend is known to be ready, otherwise
// polls it. The error matches ErrBackendNotReady when polling gave up.
func (g *Gate) EnsureReady(ctx context.Context) error {
	if g.cachedReady(ctx) {
		return nil
	}

	// The shared poll outlives any single caller's deadline.
	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(readyFlagKey, func() (interface{}, error) {
		if err := g.waiter.WaitReady(detached); err != nil {
			return nil, err
		}
		g.markReady(detached)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Invalidate forgets a previous successful check, e.g. after the backend
// kept answering "unavailable".
func (g *Gate) Invalidate(ctx context.Context) {
	g.mu.Lock()
	g.readyUntil = time.Time{}
	g.mu.Unlock()
	if g.flags != nil {
		if err := g.flags.Set(ctx, readyFlagKey, "0", g.ttl); err != nil {
			g.logger.Warn("failed to clear shared ready flag", zap.Error(err))
		}
	}
}

func (g *Gate) cachedReady(ctx context.Context) bool {
	if g.ttl <= 0 {
		return false
	}
	g.mu.Lock()
	until := g.readyUntil
	g.mu.Unlock()
	if g.clock.Now().Before(until) {
		return true
	}

	if g.flags == nil {
		return false
	}
	value, err := g.flags.Get(ctx, readyFlagKey)
	if err != nil {
		if !cache.IsMiss(err) {
			g.logger.Warn("failed to read shared ready flag", zap.Error(err))
		}
		return false
	}
	if value != "1" {
		return false
	}
	g.setLocal()
	return true
}

func (g *Gate) markReady(ctx context.Context) {
	// A zero expiration would make the shared flag permanent.
	if g.ttl <= 0 {
		return
	}
	g.setLocal()
	if g.flags != nil {
		if err := g.flags.Set(ctx, readyFlagKey, "1", g.ttl); err != nil {
			g.logger.Warn("failed to publish shared ready flag", zap.Error(err))
		}
	}
}

func (g *Gate) setLocal() {
	g.mu.Lock()
	g.readyUntil = g.clock.Now().Add(g.ttl)
	g.mu.Unlock()
}
