// Package client provides the HTTP client used to reach the app origin:
// asset downloads, shell precaching and delivery of queued actions. Every
// call is classified and retried with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for origin client operations.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_origin_requests_total",
		Help: "Total origin requests by operation and status",
	}, []string{"operation", "status"})

	originRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_origin_request_duration_seconds",
		Help:    "Origin request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	originErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_origin_errors_total",
		Help: "Total origin errors by class",
	}, []string{"class"})
)

// Headers set on delivered actions.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderOwnerID        = "X-Owner-ID"
)

// Client talks to the app origin.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the app origin. Relative URLs are resolved against it.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// ActionPath is where queued actions are POSTed.
	ActionPath string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MaxBodyBytes limits downloaded bodies (0 = unlimited).
	MaxBodyBytes int64

	// Retry controls retries of network, throttling and server errors.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		UserAgent:  "offline-cache/0.1.0",
		ActionPath: "/api/actions",
		Timeout:    30 * time.Second,
		Retry:      DefaultRetryConfig(),
	}
}

// Payload is a downloaded body with its response metadata.
type Payload struct {
	URL         string
	StatusCode  int
	ContentType string
	Header      http.Header
	Data        []byte
}

// Size returns the number of body bytes.
func (p *Payload) Size() int64 {
	return int64(len(p.Data))
}

// Delivery is one queued action sent to the origin.
type Delivery struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// New creates a new origin client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ActionPath == "" {
		cfg.ActionPath = "/api/actions"
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "origin-client").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Resolve returns ref resolved against the base URL.
func (c *Client) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", ref, err)
	}
	return c.baseURL.ResolveReference(u), nil
}

// Fetch downloads ref (absolute or relative to the base URL). Only a 200
// response counts as success.
func (c *Client) Fetch(ctx context.Context, ref string) (*Payload, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		originRequestDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
	}()

	var payload *Payload
	err = retryWithBackoff(ctx, c.config.Retry, func() (ErrorClass, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return ErrorClassClient, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return c.networkError("fetch", target.String(), err)
		}
		defer resp.Body.Close()

		if class := classifyStatus(resp.StatusCode); class != "" || resp.StatusCode != http.StatusOK {
			if class == "" {
				class = ErrorClassClient
			}
			return c.statusError("fetch", target.String(), resp, class)
		}

		data, err := c.readBody(resp.Body)
		if err != nil {
			return c.networkError("fetch", target.String(), err)
		}

		originRequestsTotal.WithLabelValues("fetch", strconv.Itoa(resp.StatusCode)).Inc()
		payload = &Payload{
			URL:         target.String(),
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Header:      resp.Header.Clone(),
			Data:        data,
		}
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("url", payload.URL).
		Int64("size", payload.Size()).
		Msg("Fetched from origin")
	return payload, nil
}

// Send delivers one action to the origin. The action id travels as the
// idempotency key so replays after a lost acknowledgement are harmless.
func (c *Client) Send(ctx context.Context, d Delivery) error {
	target, err := c.Resolve(strings.TrimSuffix(c.config.ActionPath, "/") + "/" + url.PathEscape(d.ActionType))
	if err != nil {
		return err
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	start := time.Now()
	defer func() {
		originRequestDuration.WithLabelValues("send").Observe(time.Since(start).Seconds())
	}()

	return retryWithBackoff(ctx, c.config.Retry, func() (ErrorClass, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return ErrorClassClient, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderIdempotencyKey, d.ID)
		req.Header.Set(HeaderOwnerID, d.OwnerID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return c.networkError("send", target.String(), err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if class := classifyStatus(resp.StatusCode); class != "" {
			return c.statusError("send", target.String(), resp, class)
		}

		originRequestsTotal.WithLabelValues("send", strconv.Itoa(resp.StatusCode)).Inc()
		c.logger.Debug().
			Str("action_id", d.ID).
			Str("action_type", d.ActionType).
			Int("status", resp.StatusCode).
			Msg("Action delivered")
		return "", nil
	})
}

// Ping checks that the origin answers path with a non-5xx status, without retries.
func (c *Client) Ping(ctx context.Context, path string) error {
	target, err := c.Resolve(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &OriginError{ErrorClass: ErrorClassNetwork, Message: "ping failed", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &OriginError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassServer, Message: resp.Status}
	}
	return nil
}

func (c *Client) readBody(body io.Reader) ([]byte, error) {
	if c.config.MaxBodyBytes <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.config.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", c.config.MaxBodyBytes)
	}
	return data, nil
}

func (c *Client) networkError(op, target string, err error) (ErrorClass, error) {
	originErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	originRequestsTotal.WithLabelValues(op, "network_error").Inc()
	c.logger.Warn().Err(err).Str("url", target).Str("operation", op).Msg("Origin request failed")
	return ErrorClassNetwork, &OriginError{
		ErrorClass: ErrorClassNetwork,
		Message:    op + " " + target,
		Err:        err,
	}
}

func (c *Client) statusError(op, target string, resp *http.Response, class ErrorClass) (ErrorClass, error) {
	originErrorsTotal.WithLabelValues(string(class)).Inc()
	originRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Warn().
		Str("url", target).
		Str("operation", op).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("Origin returned error status")
	return class, &OriginError{
		StatusCode: resp.StatusCode,
		ErrorClass: class,
		Message:    resp.Status,
	}
}
