package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResponse struct {
	code int
}

func (f fakeResponse) StatusCode() int { return f.code }

type statusErr struct {
	code int
}

func (e statusErr) Error() string   { return http.StatusText(e.code) }
func (e statusErr) StatusCode() int { return e.code }

type recorder struct {
	slept    []time.Duration
	attempts []Attempt
}

func newTestRetrier(policy Policy, rec *recorder) *Retrier {
	return New(policy, zap.NewNop(),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			rec.slept = append(rec.slept, d)
			return nil
		}),
		WithObserver(func(a Attempt) { rec.attempts = append(rec.attempts, a) }),
	)
}

func scripted(codes ...int) (func(context.Context) (fakeResponse, error), *int) {
	calls := 0
	return func(context.Context) (fakeResponse, error) {
		code := codes[calls]
		calls++
		return fakeResponse{code: code}, nil
	}, &calls
}

func TestDoReturnsSuccessAfterTransientResults(t *testing.T) {
	rec := &recorder{}
	r := newTestRetrier(Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 3}, rec)
	op, calls := scripted(http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)

	resp, err := Do(context.Background(), r, "test.verify", op)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, rec.slept)
	require.Len(t, rec.attempts, 3)
	assert.True(t, rec.attempts[0].Transient)
	assert.False(t, rec.attempts[2].Transient)
}

func TestDoExhaustsWithoutSleepingAfterLastAttempt(t *testing.T) {
	rec := &recorder{}
	r := newTestRetrier(Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, Multiplier: 2}, rec)
	op, calls := scripted(503, 503, 503, 503)

	_, err := Do(context.Background(), r, "test.verify", op)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.slept)
	assert.Zero(t, rec.attempts[3].Delay)
}

func TestDoDoesNotRetryOtherStatuses(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError, http.StatusBadGateway} {
		rec := &recorder{}
		r := newTestRetrier(LongBackoff(), rec)
		op, calls := scripted(code)

		resp, err := Do(context.Background(), r, "test.verify", op)

		require.NoError(t, err)
		assert.Equal(t, code, resp.code)
		assert.Equal(t, 1, *calls)
		assert.Empty(t, rec.slept)
	}
}

func TestDoRetriesPlainErrors(t *testing.T) {
	rec := &recorder{}
	r := newTestRetrier(ShortBackoff(), rec)
	calls := 0

	value, err := Do(context.Background(), r, "test.dial", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.slept)
}

func TestDoClassifiesStatusErrors(t *testing.T) {
	rec := &recorder{}
	r := newTestRetrier(ShortBackoff(), rec)
	calls := 0

	_, err := Do(context.Background(), r, "test.grpc", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, statusErr{code: http.StatusServiceUnavailable}
		}
		return 0, statusErr{code: http.StatusUnprocessableEntity}
	})

	var se statusErr
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.code)
	assert.Equal(t, 2, calls)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDoStopsOnPermanent(t *testing.T) {
	rec := &recorder{}
	r := newTestRetrier(LongBackoff(), rec)
	base := errors.New("bad credentials")
	calls := 0

	_, err := Do(context.Background(), r, "test.permanent", func(context.Context) (int, error) {
		calls++
		return 0, Permanent(base)
	})

	assert.Same(t, base, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsWhenContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Policy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}, zap.NewNop())
	calls := 0

	_, err := Do(ctx, r, "test.cancel", func(context.Context) (fakeResponse, error) {
		calls++
		cancel()
		return fakeResponse{code: http.StatusServiceUnavailable}, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWaitsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}, zap.NewNop(), WithClock(clock))
	op, calls := scripted(http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)

	type outcome struct {
		resp fakeResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := Do(context.Background(), r, "test.clock", op)
		done <- outcome{resp, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(d)
	}

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusOK, res.resp.code)
		assert.Equal(t, 3, *calls)
	case <-ctx.Done():
		t.Fatal("retry loop did not finish after the clock advanced")
	}
}

func TestSleepReturnsContextError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Sleep(ctx, clock, time.Hour) }()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestWithTransientStatusOverridesDefault(t *testing.T) {
	rec := &recorder{}
	r := newTestRetrier(ShortBackoff(), rec)
	WithTransientStatus(http.StatusTooManyRequests)(r)
	op, calls := scripted(http.StatusTooManyRequests, http.StatusServiceUnavailable)

	resp, err := Do(context.Background(), r, "test.custom", op)

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.code)
	assert.Equal(t, 2, *calls)
}

func TestPolicyDelays(t *testing.T) {
	assert.Equal(t,
		[]time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second, 270 * time.Second},
		LongBackoff().Delays())
	assert.Equal(t,
		[]time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		ShortBackoff().Delays())
	assert.Nil(t, Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 2}.Delays())
}

func TestPresetAndValidate(t *testing.T) {
	p, err := Preset("short")
	require.NoError(t, err)
	assert.Equal(t, ShortBackoff(), p)

	_, err = Preset("medium")
	assert.Error(t, err)

	assert.Error(t, Policy{MaxAttempts: 0, Multiplier: 2}.Validate())
	assert.Error(t, Policy{MaxAttempts: 2, Multiplier: 0.5}.Validate())
	assert.Error(t, Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 1}.Validate(), "flat schedule")
	assert.NoError(t, Policy{MaxAttempts: 1, BaseDelay: 0, Multiplier: 1}.Validate())
	assert.NoError(t, LongBackoff().Validate())
}
