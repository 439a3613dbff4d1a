package backend

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

	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/config"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
	"github.com/meetsynth/transcribe-gateway/internal/resilience"
	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

const breakerName = "backend"

// Options configures a Client
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration // per request, 10s when zero
	HTTPClient *http.Client  // overrides Timeout
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
	Logger     zerolog.Logger
}

// Client talks to the meeting backend. Calls go through a circuit breaker
// shared by every session and are retried on transient network errors.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
}

// NewClient creates a backend client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", opts.BaseURL, err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(breakerName, 5, 30*time.Second)
	}
	retry := opts.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}

	return &Client{
		base:       base,
		token:      opts.Token,
		httpClient: httpClient,
		breaker:    breaker,
		retry:      retry,
		logger:     opts.Logger.With().Str("component", "backend").Logger(),
	}, nil
}

// NewClientFromConfig builds a client whose breaker reports to the
// circuit breaker metrics
func NewClientFromConfig(cfg *config.Config, token string, logger zerolog.Logger) (*Client, error) {
	breaker := resilience.NewCircuitBreaker(breakerName, cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	}

	return NewClient(Options{
		BaseURL: cfg.BackendURL,
		Token:   token,
		Timeout: cfg.BackendRequestTimeout(),
		Breaker: breaker,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Logger: logger,
	})
}

// WithToken returns a copy of c that authenticates as token.
// The copy shares the breaker and HTTP transport.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Token returns the token sent with each request
func (c *Client) Token() string {
	return c.token
}

// Endpoint resolves path against the backend base URL
func (c *Client) Endpoint(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(path, "/")})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// NewRequest builds an authenticated request to path
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}
	return req, nil
}

// GetMeeting loads meeting metadata, the saved recording and the saved summary
func (c *Client) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	var m Meeting
	if err := c.call(ctx, http.MethodGet, PathMeetingInfo, url.Values{"id": {id}}, nil, &m); err != nil {
		return nil, fmt.Errorf("failed to load meeting %s: %w", id, err)
	}
	if m.ID == "" {
		m.ID = id
	}
	return &m, nil
}

// SaveRecording persists the serialized transcript
func (c *Client) SaveRecording(ctx context.Context, id, recording string) error {
	body := saveRecordingRequest{ID: id, Recording: recording}
	if err := c.call(ctx, http.MethodPost, PathSaveRecording, nil, body, nil); err != nil {
		return &PersistenceError{Op: OpSaveRecording, Err: err}
	}
	return nil
}

// SaveSummary persists the summary text
func (c *Client) SaveSummary(ctx context.Context, id, content string) error {
	q := url.Values{"id": {id}, "content": {content}}
	if err := c.call(ctx, http.MethodPost, PathSaveSummary, q, nil, nil); err != nil {
		return &PersistenceError{Op: OpSaveSummary, Err: err}
	}
	return nil
}

// SeparateRoles asks the backend to attribute text to speakers. Items come
// back in transcript order and are not yet coalesced.
func (c *Client) SeparateRoles(ctx context.Context, id, text string) ([]transcript.RawItem, error) {
	var items []transcript.RawItem
	body := separateRolesRequest{ID: id, Text: text}
	if err := c.call(ctx, http.MethodPost, PathSeparateRoles, nil, body, &items); err != nil {
		return nil, fmt.Errorf("role separation failed: %w", err)
	}
	return items, nil
}

// Login exchanges credentials for a session token
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out loginResponse
	q := url.Values{"email": {email}, "password": {password}}
	if err := c.call(ctx, http.MethodPost, PathLogin, q, nil, &out); err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("login failed: empty token in response")
	}
	return out.Token, nil
}

// Ping reports whether the backend answers HTTP at all. It bypasses the
// breaker and retries so readiness reflects the current state.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodHead, "", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}

// Ready is the readiness check for the backend: it fails while the breaker
// is open, otherwise it pings
func (c *Client) Ready(ctx context.Context) error {
	state, requests, failures, rate := c.breaker.GetStats()
	if state == resilience.StateOpen {
		return fmt.Errorf("circuit open: %d of %d calls failed (%.0f%%)", failures, requests, rate)
	}
	return c.Ping(ctx)
}

// call performs one logical request: breaker, then retries, then envelope decoding
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	start := time.Now()
	err := c.breaker.Call(func() error {
		return resilience.RetryContext(ctx, func() error {
			return c.do(ctx, method, path, query, payload, out)
		}, c.retry, isRetryable)
	}, isAnswered)

	if err != nil && !isAnswered(err) {
		observability.IncrementCircuitBreakerFailures(c.breaker.Name())
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("Backend call")
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := c.NewRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return resilience.NewRetryableError(fmt.Errorf("backend returned status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != successCode {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// isAnswered reports errors that prove the backend is up and responding
func isAnswered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound)
}

func isRetryable(err error) bool {
	if isAnswered(err) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
