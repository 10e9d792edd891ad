// Command smoketest runs the end-to-end checks against a deployed gateway.
// It exits 0 when every check passes, 1 when any fails and 2 when the
// backend never became ready.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/lifecycle"
	"github.com/example/faceverify-gateway/internal/logging"
	"github.com/example/faceverify-gateway/internal/retry"
	"github.com/example/faceverify-gateway/internal/smoketest"
)

// envBindings maps flag names to the environment variables that feed them
// when the flag is not given.
var envBindings = map[string]string{
	"url":           "API_BASE_URL",
	"api-key":       "API_KEY",
	"images":        "SMOKE_IMAGE_BASE_URL",
	"preset":        "RETRY_PRESET",
	"fly-app":       "FLY_APP_NAME",
	"fly-token":     "FLY_API_TOKEN",
	"fly-api-url":   "FLY_API_URL",
	"poll-cycles":   "POLL_MAX_CYCLES",
	"poll-interval": "POLL_INTERVAL",
	"log-level":     "LOG_LEVEL",
	"model":         "SMOKE_MODEL",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("smoketest", pflag.ContinueOnError)
	fs.String("url", "http://localhost:8080", "gateway base URL")
	fs.String("api-key", "", "API key sent in X-API-Key")
	fs.String("images", smoketest.DefaultImageBaseURL, "base URL of the face dataset")
	fs.String("preset", "long", "retry preset for the health check (long or short)")
	fs.String("fly-app", "", "platform app to wake before testing; empty skips readiness polling")
	fs.String("fly-token", "", "platform API token")
	fs.String("fly-api-url", lifecycle.DefaultFlyAPIURL, "platform machines API URL")
	fs.Int("poll-cycles", lifecycle.DefaultMaxCycles, "readiness poll cycles")
	fs.Duration("poll-interval", lifecycle.DefaultInterval, "wait between readiness cycles")
	fs.String("log-level", "info", "log level")
	fs.String("model", "Facenet512", "model used by the threshold check")
	return fs
}

// settings resolves each option as flag, then environment, then flag default.
type settings struct {
	BaseURL      string
	APIKey       string
	Images       string
	Preset       string
	FlyApp       string
	FlyToken     string
	FlyAPIURL    string
	PollCycles   int
	PollInterval time.Duration
	LogLevel     string
	Model        string
}

func loadSettings(fs *pflag.FlagSet, args []string) (settings, error) {
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return settings{}, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return settings{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return settings{
		BaseURL:      v.GetString("url"),
		APIKey:       v.GetString("api-key"),
		Images:       v.GetString("images"),
		Preset:       v.GetString("preset"),
		FlyApp:       v.GetString("fly-app"),
		FlyToken:     v.GetString("fly-token"),
		FlyAPIURL:    v.GetString("fly-api-url"),
		PollCycles:   v.GetInt("poll-cycles"),
		PollInterval: v.GetDuration("poll-interval"),
		LogLevel:     v.GetString("log-level"),
		Model:        v.GetString("model"),
	}, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	s, err := loadSettings(newFlagSet(), args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.NewLogger(logging.Options{Level: s.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	policy, err := retry.Preset(s.Preset)
	if err != nil {
		logger.Error("invalid retry preset", zap.Error(err))
		return 1
	}

	var waiter lifecycle.Waiter
	if s.FlyApp != "" {
		fly := lifecycle.NewFlyClient(lifecycle.FlyConfig{APIURL: s.FlyAPIURL, App: s.FlyApp, Token: s.FlyToken}, logger)
		waiter = lifecycle.NewPoller(fly, lifecycle.PollerConfig{Interval: s.PollInterval, MaxCycles: s.PollCycles}, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	suite := smoketest.NewSuite(smoketest.Config{
		BaseURL:      s.BaseURL,
		APIKey:       s.APIKey,
		ImageBaseURL: s.Images,
		Model:        s.Model,
	}, retry.New(policy, logger), waiter, logger)

	report, err := suite.Run(ctx)
	switch {
	case errors.Is(err, lifecycle.ErrBackendNotReady):
		return 2
	case err != nil:
		logger.Error("smoke run interrupted", zap.Error(err))
		return 1
	}

	failed := report.Failed()
	logger.Info("smoke run finished", zap.Int("checks", len(report.Results)), zap.Int("failed", failed))
	if failed > 0 {
		return 1
	}
	return 0
}
