// Package worker is the HTTP client for the external scraping worker.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const (
	defaultHTTPTimeout      = 20 * time.Second
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	maxResponseBytes        = 64 << 10
	startPath               = "/start-scraping"
)

// Config holds worker client options
type Config struct {
	// BaseURL is the worker's address, e.g. http://scraper:8000
	BaseURL string
	// Token is sent as the token query parameter
	Token string

	// HTTPClient is optional (default: 20s timeout). The coordinator's launch
	// timeout applies through the request context either way.
	HTTPClient *http.Client

	// FailureThreshold consecutive failures open the circuit (default: 5)
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open (default: 30s)
	ResetTimeout time.Duration

	Metrics ledger.Metrics
	Logger  ledger.Logger
}

// Client implements jobs.Launcher over HTTP
type Client struct {
	startURL   string
	token      string
	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     ledger.Logger
}

var _ jobs.Launcher = (*Client)(nil)

// NewClient creates a worker client
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("worker: base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("worker: invalid base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	reset := cfg.ResetTimeout
	if reset == 0 {
		reset = defaultResetTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &ledger.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}

	return &Client{
		startURL:   base + startPath,
		token:      cfg.Token,
		httpClient: httpClient,
		breaker: NewCircuitBreaker(threshold, reset, func(state BreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("worker circuit breaker state changed", ledger.Field{Key: "state", Value: string(state)})
		}),
		logger: logger,
	}, nil
}

// BreakerState returns the state of the client's circuit breaker.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

type startLocation struct {
	Streets []string `json:"streets"`
	City    string   `json:"city"`
	State   string   `json:"state"`
}

type startRequest struct {
	InternalID string          `json:"internal_id"`
	Kind       string          `json:"kind"`
	Businesses []string        `json:"businesses,omitempty"`
	Cities     []string        `json:"cities,omitempty"`
	States     []string        `json:"states,omitempty"`
	Locations  []startLocation `json:"locations,omitempty"`
	Limit      int64           `json:"limit"`
}

type startResponse struct {
	TaskID string `json:"task_id"`
}

// rejectedError is a response from a reachable worker that declined the job.
type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("worker rejected launch: status %d: %s", e.status, e.body)
}

func (e *rejectedError) Is(target error) bool {
	return target == ledger.ErrWorkerUnavailable
}

// Launch implements jobs.Launcher.
//
// A 200 response with a non-empty task_id is an acceptance. Any other status,
// an undecodable body or a missing task_id is a rejection. Transport errors
// and 5xx responses count towards the circuit breaker.
func (c *Client) Launch(ctx context.Context, req jobs.LaunchRequest) (*jobs.LaunchResult, error) {
	payload := startRequest{
		InternalID: req.CorrelationID,
		Kind:       string(req.Kind),
		Businesses: req.Categories,
		Cities:     req.Cities,
		States:     req.States,
		Limit:      req.Limit,
	}
	for _, loc := range req.Locations {
		payload.Locations = append(payload.Locations, startLocation(loc))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode launch request: %w", err)
	}

	var result *jobs.LaunchResult
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := c.post(ctx, body)
		result = r
		return err
	}, isWorkerFailure)
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", ledger.ErrWorkerUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*jobs.LaunchResult, error) {
	u := c.startURL
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build launch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("launch request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close worker response body", ledger.Field{Key: "error", Value: closeErr.Error()})
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read launch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("worker rejected launch",
			ledger.Field{Key: "status", Value: resp.StatusCode},
			ledger.Field{Key: "body", Value: string(raw)},
		)
		return nil, &rejectedError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	var out startResponse
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.TaskID) == "" {
		c.logger.Error("worker response has no task id", ledger.Field{Key: "body", Value: string(raw)})
		return &jobs.LaunchResult{Accepted: false}, nil
	}
	return &jobs.LaunchResult{Accepted: true, TaskRef: strings.TrimSpace(out.TaskID)}, nil
}

func isWorkerFailure(err error) bool {
	var rejected *rejectedError
	if errors.As(err, &rejected) {
		return rejected.status >= http.StatusInternalServerError
	}
	return true
}
