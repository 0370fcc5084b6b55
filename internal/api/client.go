package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/colthorp/fitsync-go/internal/core"
)

// BreakerConfig configures the circuit breaker in front of the HTTP client.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig trips after 80% of at least 5 requests fail.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "fitsync-api",
		MaxRequests:      2,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Client is the HTTP wrapper around the FitSync REST API.
type Client struct {
	baseURL    string
	creds      CredentialProvider
	httpClient *http.Client
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = core.OrNop(logger) }
}

// WithTimeout sets the per-call upper bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker configuration.
func WithBreaker(cfg BreakerConfig) ClientOption {
	return func(c *Client) { c.breaker = c.newBreaker(cfg) }
}

// NewClient creates a new API client. creds may be nil for unauthenticated use.
func NewClient(baseURL string, creds CredentialProvider, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = core.APIBaseURL
	}
	c := &Client{
		baseURL:    fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), core.APIVersion),
		creds:      creds,
		httpClient: &http.Client{},
		timeout:    core.RequestTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = c.newBreaker(DefaultBreakerConfig())
	}
	return c
}

func (c *Client) newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Client errors say nothing about the health of the service.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
	})
}

// BaseURL returns the versioned base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs one API call under the client's timeout. A 401 triggers a
// single credential refresh and retry.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRefresh(ctx, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.logger.Warn("request rejected by circuit breaker",
				zap.String("method", req.Method),
				zap.String("endpoint", req.Endpoint),
			)
			return nil, fmt.Errorf("%w: %s %s", ErrCircuitOpen, req.Method, req.Endpoint)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s %s: %w", ErrTimeout, req.Method, req.Endpoint, err)
		}
		return nil, err
	}
	body, _ := out.([]byte)
	return body, nil
}

func (c *Client) doWithRefresh(ctx context.Context, req Request) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.send(ctx, req, token)
	if err == nil || c.creds == nil || !errors.Is(err, ErrUnauthorized) {
		return body, err
	}

	c.logger.Info("credential rejected; refreshing once",
		zap.String("endpoint", req.Endpoint),
	)
	token, rerr := c.creds.Refresh(ctx)
	if rerr != nil {
		return nil, fmt.Errorf("%w: refresh failed: %w", ErrUnauthorized, rerr)
	}
	return c.send(ctx, req, token)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.creds == nil {
		return "", nil
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain credential: %w", err)
	}
	return token, nil
}

func (c *Client) send(ctx context.Context, req Request, token string) ([]byte, error) {
	urlStr := fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(req.Endpoint, "/"))

	// Build query string
	if len(req.Params) > 0 {
		q := url.Values{}
		for k, v := range req.Params {
			q.Set(k, v)
		}
		urlStr = fmt.Sprintf("%s?%s", urlStr, q.Encode())
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "fitsync-go/"+core.Version)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	c.logger.Debug("request", zap.String("method", method), zap.String("url", urlStr))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("response",
		zap.String("method", method),
		zap.String("url", urlStr),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return nil, NewAPIError(resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	return data, nil
}

func encodeBody(req Request) (io.Reader, string, error) {
	switch {
	case req.Upload != nil:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if req.Upload.Pose != "" {
			if err := w.WriteField("pose", req.Upload.Pose); err != nil {
				return nil, "", err
			}
		}
		part, err := w.CreateFormFile("photo", req.Upload.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build upload: %w", err)
		}
		if _, err := part.Write(req.Upload.Data); err != nil {
			return nil, "", fmt.Errorf("failed to build upload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	default:
		return nil, "", nil
	}
}
