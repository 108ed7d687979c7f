// Package coordinator talks to the grading service that hands out runs.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autotest/internal/autotest/model"
	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	HeaderPassword       = "CG-Internal-Api-Password"
	HeaderRunnerPassword = "CG-Internal-Api-Runner-Password"

	defaultTimeout = 30 * time.Second
)

// Endpoint is one coordinator the runner polls.
type Endpoint struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// Kind selects the runner variant used for work from this endpoint.
	Kind string `yaml:"kind"`
	// ContainerURL is how the coordinator is reached during a run, including from
	// inside sandboxes. Empty means URL.
	ContainerURL string `yaml:"containerUrl"`
	// DisableOriginCheck is honoured by the coordinator when it registers the runner.
	DisableOriginCheck bool `yaml:"disableOriginCheck"`
}

// RunURL returns the base URL used once a run started.
func (e Endpoint) RunURL() string {
	if e.ContainerURL != "" {
		return strings.TrimRight(e.ContainerURL, "/")
	}
	return strings.TrimRight(e.URL, "/")
}

// Client polls one endpoint for work.
type Client struct {
	endpoint Endpoint
	http     *http.Client
}

// New creates a client for endpoint. A non-positive timeout uses the default.
func New(endpoint Endpoint, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

// Endpoint returns the endpoint the client talks to.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// PollWork asks for work. It returns nil instructions when the coordinator has none.
func (c *Client) PollWork(ctx context.Context) (*model.Instructions, error) {
	url := strings.TrimRight(c.endpoint.URL, "/") + "/api/v-internal/auto_tests/?get=tests_to_run"
	resp, err := do(ctx, c.http, http.MethodGet, url, map[string]string{HeaderPassword: c.endpoint.Password}, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		logger.Info(ctx, "No tests found", zap.Int("status", resp.StatusCode))
		return nil, nil
	}
	return model.ParseInstructions(resp.Body)
}

// ForRun returns the client used for the lifetime of one run.
func (c *Client) ForRun(ins *model.Instructions) *RunClient {
	return &RunClient{
		http:           c.http,
		password:       c.endpoint.Password,
		runnerPassword: ins.RunnerID,
		baseURL:        fmt.Sprintf("%s/api/v-internal/auto_tests/%d", c.endpoint.RunURL(), ins.AutoTestID),
		runID:          ins.RunID,
	}
}

// RunClient reports progress of one run. Every request carries both credentials.
type RunClient struct {
	http           *http.Client
	password       string
	runnerPassword string
	baseURL        string
	runID          int64
}

// AuthHeaders returns the credential headers as name to value.
func (c *RunClient) AuthHeaders() map[string]string {
	return map[string]string{
		HeaderPassword:       c.password,
		HeaderRunnerPassword: c.runnerPassword,
	}
}

// WgetHeaders returns the credentials as wget arguments, in a stable order.
func (c *RunClient) WgetHeaders() []string {
	return []string{
		"--header", HeaderPassword + ": " + c.password,
		"--header", HeaderRunnerPassword + ": " + c.runnerPassword,
	}
}

// FixtureURL is where a fixture is downloaded from.
func (c *RunClient) FixtureURL(fixtureID int64) string {
	return fmt.Sprintf("%s/fixtures/%d", c.baseURL, fixtureID)
}

// SubmissionURL is where the zipped submission of a result is downloaded from.
func (c *RunClient) SubmissionURL(resultID int64) string {
	return fmt.Sprintf("%s/results/%d?type=submission_files", c.baseURL, resultID)
}

func (c *RunClient) runURL() string {
	return fmt.Sprintf("%s/runs/%d", c.baseURL, c.runID)
}

// UpdateRunState reports the state of the run.
func (c *RunClient) UpdateRunState(ctx context.Context, state model.RunState) error {
	_, err := c.send(ctx, http.MethodPatch, c.runURL(), map[string]any{"state": state})
	return err
}

// Heartbeat tells the coordinator the run is alive.
func (c *RunClient) Heartbeat(ctx context.Context) error {
	_, err := c.send(ctx, http.MethodPost, c.runURL()+"/heartbeats/", nil)
	return err
}

// PostLogs ships a batch of log entries.
func (c *RunClient) PostLogs(ctx context.Context, logs []map[string]any) error {
	_, err := c.send(ctx, http.MethodPost, c.runURL()+"/logs/", map[string]any{"logs": logs})
	return err
}

// UpdateResult patches a submission result.
func (c *RunClient) UpdateResult(ctx context.Context, resultID int64, update model.ResultUpdate) error {
	_, err := c.send(ctx, http.MethodPatch, fmt.Sprintf("%s/results/%d", c.baseURL, resultID), update)
	return err
}

// UpsertStepResult creates or updates a step result and returns its id.
func (c *RunClient) UpsertStepResult(ctx context.Context, resultID int64, result model.StepResult) (int64, error) {
	body, err := c.send(ctx, http.MethodPut, fmt.Sprintf("%s/results/%d/step_results/", c.baseURL, resultID), result)
	if err != nil {
		return 0, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return 0, appErr.Wrapf(err, appErr.CoordinatorRejected, "decode step result response failed: %v", err)
	}
	if created.ID <= 0 {
		return 0, appErr.New(appErr.CoordinatorRejected).WithMessage("step result response has no id")
	}
	return created.ID, nil
}

func (c *RunClient) send(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "encode request failed: %v", err)
		}
	}
	resp, err := do(ctx, c.http, method, url, c.AuthHeaders(), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, appErr.Newf(appErr.CoordinatorRejected, "%s %s returned %d", method, url, resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(resp.Body), 512))
	}
	return resp.Body, nil
}

type response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

func do(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) (response, error) {
	var info response
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return info, appErr.Wrapf(err, appErr.InvalidParams, "build request failed: %v", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, appErr.Wrapf(err, appErr.CoordinatorUnavailable, "%s %s failed: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	if info.Body, err = io.ReadAll(resp.Body); err != nil {
		return info, appErr.Wrapf(err, appErr.CoordinatorUnavailable, "read response body failed: %v", err)
	}
	logger.Debug(ctx, "coordinator request",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", info.StatusCode),
		zap.Duration("duration", info.Duration),
	)
	return info, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
