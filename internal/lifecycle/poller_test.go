package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedBackend struct {
	snapshots []Snapshot
	listErrs  []error
	startErr  error
	listCalls int
	started   []string
}

func (b *scriptedBackend) Snapshot(ctx context.Context) (Snapshot, error) {
	i := b.listCalls
	b.listCalls++
	if i < len(b.listErrs) && b.listErrs[i] != nil {
		return nil, b.listErrs[i]
	}
	if len(b.snapshots) == 0 {
		return nil, nil
	}
	if i >= len(b.snapshots) {
		return b.snapshots[len(b.snapshots)-1], nil
	}
	return b.snapshots[i], nil
}

func (b *scriptedBackend) Start(ctx context.Context, instanceID string) error {
	b.started = append(b.started, instanceID)
	return b.startErr
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestPoller(b Backend, cycles int, rec *sleepRecorder) *Poller {
	return NewPoller(b, PollerConfig{Interval: 30 * time.Second, MaxCycles: cycles}, zap.NewNop(), WithPollSleep(rec.sleep))
}

func TestWaitReadyStartedInstanceIsReadyInOneCycle(t *testing.T) {
	backend := &scriptedBackend{snapshots: []Snapshot{{{ID: "m1", State: StateStarted}}}}
	rec := &sleepRecorder{}

	err := newTestPoller(backend, 10, rec).WaitReady(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, backend.listCalls)
	assert.Empty(t, backend.started)
	assert.Empty(t, rec.delays)
}

func TestWaitReadyStartsFirstStoppedInstanceEachStoppedCycle(t *testing.T) {
	stopped := Snapshot{{ID: "m1", State: StateStopped}, {ID: "m2", State: StateStopped}}
	backend := &scriptedBackend{snapshots: []Snapshot{
		stopped,
		stopped,
		{{ID: "m1", State: StateStarting}, {ID: "m2", State: StateStopped}},
		{{ID: "m1", State: StateStarted}, {ID: "m2", State: StateStopped}},
	}}
	rec := &sleepRecorder{}
	var cycles []Cycle

	poller := NewPoller(backend, PollerConfig{Interval: 30 * time.Second, MaxCycles: 10}, zap.NewNop(),
		WithPollSleep(rec.sleep), WithCycleObserver(func(c Cycle) { cycles = append(cycles, c) }))
	err := poller.WaitReady(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m1"}, backend.started)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, rec.delays)
	require.Len(t, cycles, 4)
	assert.Equal(t, ActionStart, cycles[0].Decision.Action)
	assert.Equal(t, ActionWait, cycles[2].Decision.Action)
	assert.Equal(t, ActionReady, cycles[3].Decision.Action)
}

func TestWaitReadyGivesUpAfterMaxCycles(t *testing.T) {
	backend := &scriptedBackend{snapshots: []Snapshot{{{ID: "m1", State: StateReplacing}}}}
	rec := &sleepRecorder{}

	err := newTestPoller(backend, 3, rec).WaitReady(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendNotReady)
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, 3, notReady.Cycles)
	assert.Equal(t, 3, backend.listCalls)
	assert.Len(t, rec.delays, 2, "no wait after the final cycle")
}

func TestWaitReadyTreatsStartFailureAsTransient(t *testing.T) {
	stopped := Snapshot{{ID: "m1", State: StateStopped}}
	backend := &scriptedBackend{
		snapshots: []Snapshot{stopped, {{ID: "m1", State: StateStarted}}},
		startErr:  errors.New("machines API request failed"),
	}
	rec := &sleepRecorder{}

	err := newTestPoller(backend, 5, rec).WaitReady(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, backend.started)
	assert.Equal(t, 2, backend.listCalls)
}

func TestWaitReadyTreatsListErrorsAndEmptySnapshotsAsTransient(t *testing.T) {
	backend := &scriptedBackend{
		listErrs:  []error{errors.New("connection refused"), nil, nil},
		snapshots: []Snapshot{nil, {}, {{ID: "m1", State: StateStarted}}},
	}
	rec := &sleepRecorder{}

	err := newTestPoller(backend, 5, rec).WaitReady(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, backend.listCalls)
	assert.Len(t, rec.delays, 2)
}

func TestWaitReadyReportsLastErrorWhenUnreachable(t *testing.T) {
	listErr := errors.New("connection refused")
	backend := &scriptedBackend{listErrs: []error{listErr, listErr}}
	rec := &sleepRecorder{}

	err := newTestPoller(backend, 2, rec).WaitReady(context.Background())

	assert.ErrorIs(t, err, ErrBackendNotReady)
	assert.ErrorIs(t, err, listErr)
}

func TestWaitReadyStopsOnContextCancellation(t *testing.T) {
	backend := &scriptedBackend{snapshots: []Snapshot{{{ID: "m1", State: StateStarting}}}}
	rec := &sleepRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestPoller(backend, 10, rec).WaitReady(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.listCalls)
}

func TestWaitReadyWaitsIntervalOnClock(t *testing.T) {
	backend := &scriptedBackend{snapshots: []Snapshot{
		{{ID: "m1", State: StateStarting}},
		{{ID: "m1", State: StateStarted}},
	}}
	clock := clockwork.NewFakeClock()
	poller := NewPoller(backend, PollerConfig{Interval: 30 * time.Second, MaxCycles: 5}, zap.NewNop(), WithPollClock(clock))

	done := make(chan error, 1)
	go func() { done <- poller.WaitReady(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(30 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, 2, backend.listCalls)
	case <-ctx.Done():
		t.Fatal("poller did not resume after the interval elapsed")
	}
}

func TestNewPollerDefaults(t *testing.T) {
	p := NewPoller(&scriptedBackend{}, PollerConfig{}, nil)
	assert.Equal(t, DefaultInterval, p.cfg.Interval)
	assert.Equal(t, DefaultMaxCycles, p.cfg.MaxCycles)
}
