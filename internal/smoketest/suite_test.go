package smoketest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/lifecycle"
	"github.com/example/faceverify-gateway/internal/retry"
)

const testKey = "smoke-key"

// fakeGateway answers like a healthy deployment with a fixed distance of 0.3.
type fakeGateway struct {
	healthFailures int32
	healthCalls    atomic.Int32
	flipVerdicts   bool
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		if g.healthCalls.Add(1) <= g.healthFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}

	if r.Header.Get("X-API-Key") != testKey {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid API key"})
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case r.Method == http.MethodPost && r.URL.Path == "/verify":
		g.verify(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *fakeGateway) verify(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}
	img1, _ := body["img1"].(string)
	img2, _ := body["img2"].(string)
	if img1 == "" || img2 == "" || !strings.HasPrefix(img1, "http") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad image"})
		return
	}

	distance := 0.3
	threshold := 0.68
	verified := !strings.HasSuffix(img2, "img3.jpg")
	if t, ok := body["threshold"].(float64); ok {
		threshold = t
		verified = distance <= t
	}
	if g.flipVerdicts {
		verified = !verified
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": verified, "distance": distance, "threshold": threshold})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type failingWaiter struct{ calls int }

func (f *failingWaiter) WaitReady(ctx context.Context) error {
	f.calls++
	return fmt.Errorf("poll: %w", lifecycle.ErrBackendNotReady)
}

func newTestSuite(t *testing.T, gw http.Handler, waiter lifecycle.Waiter) (*Suite, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)

	var slept []time.Duration
	retrier := retry.New(retry.LongBackoff(), zap.NewNop(), retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	suite := NewSuite(Config{
		BaseURL:      server.URL + "/",
		APIKey:       testKey,
		ImageBaseURL: "https://images.test/",
		HTTPTimeout:  5 * time.Second,
	}, retrier, waiter, zap.NewNop())
	return suite, &slept
}

func TestRunAllChecksPass(t *testing.T) {
	suite, slept := newTestSuite(t, &fakeGateway{}, nil)

	report, err := suite.Run(context.Background())
	require.NoError(t, err)

	for _, res := range report.Results {
		assert.NoError(t, res.Err, res.Name)
	}
	assert.Len(t, report.Results, 5+len(DefaultPairs)+2)
	assert.Zero(t, report.Failed())
	assert.Empty(t, *slept)
}

func TestHealthRetriesServiceUnavailable(t *testing.T) {
	gw := &fakeGateway{healthFailures: 2}
	suite, slept := newTestSuite(t, gw, nil)

	require.NoError(t, suite.checkHealth(context.Background()))
	assert.Equal(t, int32(3), gw.healthCalls.Load())
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second}, *slept)
}

func TestHealthExhaustsRetries(t *testing.T) {
	gw := &fakeGateway{healthFailures: 100}
	suite, slept := newTestSuite(t, gw, nil)

	err := suite.checkHealth(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, int32(5), gw.healthCalls.Load())
	assert.Len(t, *slept, 4)
}

func TestRunSkipsChecksWhenBackendNotReady(t *testing.T) {
	gw := &fakeGateway{}
	waiter := &failingWaiter{}
	suite, _ := newTestSuite(t, gw, waiter)

	report, err := suite.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrBackendNotReady)
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, waiter.calls)
	assert.Zero(t, gw.healthCalls.Load())
}

func TestRunReportsWrongVerdicts(t *testing.T) {
	suite, _ := newTestSuite(t, &fakeGateway{flipVerdicts: true}, nil)

	report, err := suite.Run(context.Background())
	require.NoError(t, err)

	failed := map[string]bool{}
	for _, res := range report.Results {
		if res.Err != nil {
			failed[res.Name] = true
		}
	}
	assert.True(t, failed["verify/dataset/img1.jpg~dataset/img2.jpg"])
	assert.True(t, failed["verify/dataset/img1.jpg~dataset/img3.jpg"])
	assert.True(t, failed["threshold/strict_and_lenient"])
	assert.False(t, failed["health"])
	assert.False(t, failed["auth/no_api_key"])
	assert.Equal(t, len(DefaultPairs)+1, report.Failed())
}

func TestAuthCheckFailsWhenGatewayIsOpen(t *testing.T) {
	open := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"verified": true})
	})
	suite, _ := newTestSuite(t, open, nil)

	err := suite.checkAuth("")(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected status 401, got 200")
}
