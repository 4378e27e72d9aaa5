package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lattice/internal/api"
	"lattice/internal/logging"
	"lattice/internal/services"
)

const (
	defaultAttempts   = 5
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 8 * time.Second
	maxErrorBodyBytes = 4096
)

// Client is a coordinator API client.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry sets the attempt budget and initial backoff for retried calls.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the coordinator at baseURL. A bare host:port is
// treated as http.
func New(baseURL, token string, timeout time.Duration, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "apiclient", "parse url", "coordinator url is empty", nil)
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "apiclient", "parse url", baseURL, err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""
	base.Fragment = ""

	c := &Client{
		base:     base,
		token:    strings.TrimSpace(token),
		http:     &http.Client{Timeout: timeout},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register announces the node and returns jobs the coordinator orphaned.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error) {
	var resp api.RegisterResponse
	err := c.retry(ctx, "register", func() error {
		return c.do(ctx, http.MethodPost, api.PathRegister, nil, req, &resp)
	})
	return resp, err
}

// Heartbeat refreshes the node's liveness and metrics.
func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse
	err := c.retry(ctx, "heartbeat", func() error {
		return c.do(ctx, http.MethodPost, api.PathHeartbeat, nil, req, &resp)
	})
	return resp, err
}

// Poll asks for work. It is not retried: a lost response leaves the
// assignment to orphan reconciliation instead of claiming more jobs.
func (c *Client) Poll(ctx context.Context, req api.PollRequest) (api.PollResponse, error) {
	var resp api.PollResponse
	err := c.do(ctx, http.MethodPost, api.PathPoll, nil, req, &resp)
	return resp, err
}

// Progress reports job progress once.
func (c *Client) Progress(ctx context.Context, jobID int64, req api.ProgressRequest) error {
	return c.do(ctx, http.MethodPost, api.JobPath(jobID, api.ActionProgress), nil, req, nil)
}

// Logs appends a batch of log lines once.
func (c *Client) Logs(ctx context.Context, jobID int64, req api.LogBatchRequest) error {
	return c.do(ctx, http.MethodPost, api.JobPath(jobID, api.ActionLogs), nil, req, nil)
}

// Report sends file metadata.
func (c *Client) Report(ctx context.Context, jobID int64, req api.FileReportRequest) error {
	return c.retry(ctx, "report", func() error {
		return c.do(ctx, http.MethodPost, api.JobPath(jobID, api.ActionReport), nil, req, nil)
	})
}

// Complete finishes a job.
func (c *Client) Complete(ctx context.Context, jobID int64, req api.CompleteRequest) error {
	return c.retry(ctx, "complete", func() error {
		return c.do(ctx, http.MethodPost, api.JobPath(jobID, api.ActionComplete), nil, req, nil)
	})
}

// Requeue sends a job back to the queue.
func (c *Client) Requeue(ctx context.Context, jobID int64, req api.RequeueRequest) error {
	return c.retry(ctx, "requeue", func() error {
		return c.do(ctx, http.MethodPost, api.JobPath(jobID, api.ActionRequeue), nil, req, nil)
	})
}

// JobsQuery filters a job listing.
type JobsQuery struct {
	Status string
	Type   string
	Limit  int
}

// Jobs lists jobs.
func (c *Client) Jobs(ctx context.Context, q JobsQuery) (api.JobsResponse, error) {
	values := url.Values{}
	if strings.TrimSpace(q.Status) != "" {
		values.Set("status", q.Status)
	}
	if strings.TrimSpace(q.Type) != "" {
		values.Set("type", q.Type)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp api.JobsResponse
	err := c.do(ctx, http.MethodGet, api.PathJobs, values, nil, &resp)
	return resp, err
}

// Nodes lists registered nodes.
func (c *Client) Nodes(ctx context.Context) (api.NodesResponse, error) {
	var resp api.NodesResponse
	err := c.do(ctx, http.MethodGet, api.PathNodes, nil, nil, &resp)
	return resp, err
}

// Health fetches coordinator health.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, api.PathHealth, nil, nil, &resp)
	return resp, err
}

func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	delay := c.backoff
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = fn()
		if err == nil || !services.IsRetryable(err) || attempt == c.attempts {
			return err
		}
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "coordinator call failed, retrying", "api_retry",
			logging.String("operation", op),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check coordinator reachability"),
			logging.String(logging.FieldImpact, "job reports delayed"),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return services.Wrap(services.ErrTimeout, "apiclient", op, "cancelled while retrying", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
		delay = min(delay*2, maxBackoff)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.base.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id, ok := services.RequestIDFromContext(ctx); ok && id != "" {
		req.Header.Set(api.RequestIDHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, "apiclient", method+" "+path, "", err)
		}
		return services.Wrap(services.ErrTransport, "apiclient", method+" "+path, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrTransport, "apiclient", method+" "+path, "decode response", err)
	}
	return nil
}

// statusError maps an HTTP error response onto the service error markers.
func statusError(method, path string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	message := strings.TrimSpace(string(data))
	var payload api.ErrorResponse
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}
	message = fmt.Sprintf("status %d: %s", resp.StatusCode, message)

	var marker error
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		marker = services.ErrValidation
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		marker = services.ErrConfiguration
		message += " (check api_token)"
	case resp.StatusCode == http.StatusNotFound:
		marker = services.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		marker = services.ErrConflict
	case resp.StatusCode >= http.StatusInternalServerError:
		marker = services.ErrTransient
	default:
		marker = services.ErrTransport
	}
	return services.Wrap(marker, "apiclient", method+" "+path, message, nil)
}
