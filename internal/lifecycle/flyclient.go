package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultFlyAPIURL is the public Machines API endpoint.
const DefaultFlyAPIURL = "https://api.machines.dev"

// FlyConfig identifies the app whose machines host the model service.
type FlyConfig struct {
	APIURL  string
	App     string
	Token   string
	Timeout time.Duration
}

// FlyClient talks to the Fly Machines REST API.
type FlyClient struct {
	baseURL    string
	app        string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type flyMachine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
}

type flyError struct {
	Error string `json:"error"`
}

// NewFlyClient creates a Machines API client.
func NewFlyClient(cfg FlyConfig, logger *zap.Logger) *FlyClient {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultFlyAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FlyClient{
		baseURL:    base,
		app:        cfg.App,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("fly_client"),
	}
}

// Snapshot lists the app's machines in API order.
func (c *FlyClient) Snapshot(ctx context.Context) (Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/apps/%s/machines", c.baseURL, url.PathEscape(c.app))
	resp, err := c.do(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list machines", resp)
	}

	var machines []flyMachine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		return nil, fmt.Errorf("failed to parse machines response: %w", err)
	}

	snapshot := make(Snapshot, 0, len(machines))
	for _, m := range machines {
		snapshot = append(snapshot, Instance{ID: m.ID, State: ParseState(m.State)})
	}
	return snapshot, nil
}

// Start asks the API to start a stopped machine. It does not wait for the
// machine to reach the started state.
func (c *FlyClient) Start(ctx context.Context, instanceID string) error {
	endpoint := fmt.Sprintf("%s/v1/apps/%s/machines/%s/start", c.baseURL, url.PathEscape(c.app), url.PathEscape(instanceID))
	resp, err := c.do(ctx, http.MethodPost, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("start machine "+instanceID, resp)
	}
	c.logger.Info("start command accepted", zap.String("instance_id", instanceID))
	return nil
}

func (c *FlyClient) do(ctx context.Context, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("machines API request failed: %w", err)
	}
	return resp, nil
}

func statusError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr flyError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (HTTP %d): %s", action, resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("%s: unexpected HTTP status %d", action, resp.StatusCode)
}
