// Package smoketest exercises a deployed gateway end to end: readiness,
// health, authentication, input validation, verification verdicts and
// custom thresholds.
package smoketest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/lifecycle"
	"github.com/example/faceverify-gateway/internal/retry"
)

// DefaultImageBaseURL hosts the reference face dataset.
const DefaultImageBaseURL = "https://raw.githubusercontent.com/serengil/deepface/master/tests/"

// Config points the suite at a gateway.
type Config struct {
	BaseURL      string
	APIKey       string
	ImageBaseURL string
	// Model and Detector are used by the threshold check.
	Model       string
	Detector    string
	HTTPTimeout time.Duration
}

// Pair is an image pair with its expected verdict.
type Pair struct {
	Img1     string
	Img2     string
	Expected bool
}

// DefaultPairs are known matches and non-matches from the dataset.
var DefaultPairs = []Pair{
	{Img1: "dataset/img1.jpg", Img2: "dataset/img2.jpg", Expected: true},
	{Img1: "dataset/img1.jpg", Img2: "dataset/img3.jpg", Expected: false},
	{Img1: "dataset/img20.jpg", Img2: "dataset/img21.jpg", Expected: true},
	{Img1: "dataset/img16.jpg", Img2: "dataset/img17.jpg", Expected: true},
}

// Result is the outcome of one check.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Report collects every check outcome.
type Report struct {
	Results []Result
}

// Failed counts checks that returned an error.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

type check struct {
	name string
	run  func(ctx context.Context) error
}

// Suite runs the smoke checks.
type Suite struct {
	cfg     Config
	client  *http.Client
	retrier *retry.Retrier
	waiter  lifecycle.Waiter
	pairs   []Pair
	logger  *zap.Logger
}

// NewSuite builds a suite. waiter may be nil to skip readiness polling.
func NewSuite(cfg Config, retrier *retry.Retrier, waiter lifecycle.Waiter, logger *zap.Logger) *Suite {
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = DefaultImageBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "Facenet512"
	}
	if cfg.Detector == "" {
		cfg.Detector = "retinaface"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Suite{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		retrier: retrier,
		waiter:  waiter,
		pairs:   DefaultPairs,
		logger:  logger.Named("smoketest"),
	}
}

// Run polls readiness, then runs every check. The error matches
// lifecycle.ErrBackendNotReady when the backend never came up; no checks
// run in that case.
func (s *Suite) Run(ctx context.Context) (Report, error) {
	if s.waiter != nil {
		s.logger.Info("ensuring backend is ready before running checks")
		if err := s.waiter.WaitReady(ctx); err != nil {
			s.logger.Error("skipping checks: backend not ready", zap.Error(err))
			return Report{}, err
		}
	}

	var report Report
	for _, c := range s.checks() {
		started := time.Now()
		err := c.run(ctx)
		res := Result{Name: c.name, Err: err, Duration: time.Since(started)}
		report.Results = append(report.Results, res)
		if err != nil {
			s.logger.Error("check failed", zap.String("check", c.name), zap.Duration("duration", res.Duration), zap.Error(err))
		} else {
			s.logger.Info("check passed", zap.String("check", c.name), zap.Duration("duration", res.Duration))
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}
	return report, nil
}

func (s *Suite) checks() []check {
	checks := []check{
		{name: "health", run: s.checkHealth},
		{name: "auth/no_api_key", run: s.checkAuth("")},
		{name: "auth/invalid_api_key", run: s.checkAuth("invalid_key")},
		{name: "errors/invalid_image_url", run: s.checkInvalidImage},
		{name: "errors/missing_fields", run: s.checkMissingFields},
	}
	for _, p := range s.pairs {
		checks = append(checks, check{name: fmt.Sprintf("verify/%s~%s", p.Img1, p.Img2), run: s.checkPair(p)})
	}
	checks = append(checks,
		check{name: "threshold/strict_and_lenient", run: s.checkThreshold},
		check{name: "performance/warm_requests", run: s.checkWarmRequests},
	)
	return checks
}

// probe is a response status the retry loop can classify.
type probe struct {
	status int
	body   []byte
}

func (p *probe) StatusCode() int { return p.status }

// checkHealth waits out cold starts: /health must answer 200 and an
// authenticated /verify must get past the load balancer.
func (s *Suite) checkHealth(ctx context.Context) error {
	img := s.imageURL("dataset/img1.jpg")
	_, err := retry.Do(ctx, s.retrier, "smoketest.health", func(ctx context.Context) (*probe, error) {
		health, err := s.send(ctx, http.MethodGet, "/health", "", nil)
		if err != nil {
			return nil, err
		}
		if health.status != http.StatusOK {
			return nil, fmt.Errorf("health check returned %d", health.status)
		}

		verify, err := s.send(ctx, http.MethodPost, "/verify", s.cfg.APIKey, map[string]any{"img1": img, "img2": img})
		if err != nil {
			return nil, err
		}
		switch verify.status {
		case http.StatusOK, http.StatusUnauthorized, http.StatusServiceUnavailable:
			return verify, nil
		default:
			return nil, fmt.Errorf("unexpected status %d from verify", verify.status)
		}
	})
	return err
}

func (s *Suite) checkAuth(key string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		resp, err := s.send(ctx, http.MethodPost, "/verify", key, nil)
		if err != nil {
			return err
		}
		return expectStatus(resp, http.StatusUnauthorized)
	}
}

func (s *Suite) checkInvalidImage(ctx context.Context) error {
	resp, err := s.send(ctx, http.MethodPost, "/verify", s.cfg.APIKey, map[string]any{
		"img1": "invalid_url",
		"img2": s.imageURL("dataset/img1.jpg"),
	})
	if err != nil {
		return err
	}
	return expectStatus(resp, http.StatusBadRequest)
}

func (s *Suite) checkMissingFields(ctx context.Context) error {
	resp, err := s.send(ctx, http.MethodPost, "/verify", s.cfg.APIKey, map[string]any{
		"img1": s.imageURL("dataset/img1.jpg"),
	})
	if err != nil {
		return err
	}
	return expectStatus(resp, http.StatusBadRequest)
}

type verifyResponse struct {
	Verified  bool    `json:"verified"`
	Threshold float64 `json:"threshold"`
	Distance  float64 `json:"distance"`
}

func (s *Suite) verify(ctx context.Context, payload map[string]any) (*verifyResponse, error) {
	resp, err := s.send(ctx, http.MethodPost, "/verify", s.cfg.APIKey, payload)
	if err != nil {
		return nil, err
	}
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out verifyResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &out, nil
}

func (s *Suite) checkPair(p Pair) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		out, err := s.verify(ctx, map[string]any{"img1": s.imageURL(p.Img1), "img2": s.imageURL(p.Img2)})
		if err != nil {
			return err
		}
		if out.Verified != p.Expected {
			return fmt.Errorf("expected verified=%v, got %v (distance %.4f, threshold %.4f)", p.Expected, out.Verified, out.Distance, out.Threshold)
		}
		return nil
	}
}

// checkThreshold confirms custom thresholds are echoed and change the verdict.
func (s *Suite) checkThreshold(ctx context.Context) error {
	base := map[string]any{
		"img1":             s.imageURL("dataset/img1.jpg"),
		"img2":             s.imageURL("dataset/img2.jpg"),
		"model_name":       s.cfg.Model,
		"detector_backend": s.cfg.Detector,
		"distance_metric":  "cosine",
		"align":            true,
	}

	def, err := s.verify(ctx, base)
	if err != nil {
		return fmt.Errorf("default threshold: %w", err)
	}
	s.logger.Info("default threshold", zap.Float64("threshold", def.Threshold), zap.Float64("distance", def.Distance), zap.Bool("verified", def.Verified))

	var errs []error
	for _, tc := range []struct {
		threshold float64
		verified  bool
	}{{0.1, false}, {0.9, true}} {
		payload := make(map[string]any, len(base)+1)
		for k, v := range base {
			payload[k] = v
		}
		payload["threshold"] = tc.threshold

		out, err := s.verify(ctx, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("threshold %v: %w", tc.threshold, err))
			continue
		}
		if out.Threshold != tc.threshold {
			errs = append(errs, fmt.Errorf("threshold %v: response echoed %v", tc.threshold, out.Threshold))
		}
		if out.Verified != tc.verified {
			errs = append(errs, fmt.Errorf("threshold %v: expected verified=%v, got %v", tc.threshold, tc.verified, out.Verified))
		}
	}
	return errors.Join(errs...)
}

func (s *Suite) checkWarmRequests(ctx context.Context) error {
	var total time.Duration
	const requests = 5
	for i := 0; i < requests; i++ {
		started := time.Now()
		resp, err := s.send(ctx, http.MethodGet, "/", s.cfg.APIKey, nil)
		if err != nil {
			return err
		}
		elapsed := time.Since(started)
		total += elapsed
		if resp.status != http.StatusOK && resp.status != http.StatusNotFound {
			return fmt.Errorf("request %d: expected 200 or 404, got %d", i+1, resp.status)
		}
	}
	s.logger.Info("warm request timing", zap.Duration("average", total/requests))
	return nil
}

func (s *Suite) imageURL(path string) string {
	return s.cfg.ImageBaseURL + path
}

func (s *Suite) send(ctx context.Context, method, path, apiKey string, payload map[string]any) (*probe, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return &probe{status: resp.StatusCode, body: data}, nil
}

func expectStatus(p *probe, want int) error {
	if p.status != want {
		return fmt.Errorf("expected status %d, got %d: %s", want, p.status, strings.TrimSpace(string(p.body)))
	}
	return nil
}
