// Package client is a Go client for the cumulus HTTP API.
//
// Errors returned by the server are decoded back into *engine.EngineError,
// so callers classify them with the engine helpers:
//
//	id, err := c.AdmitIntent(ctx, "tenant-a", engine.KindVolume, &engine.VolumeSpec{Name: "data", SizeMiB: 1024})
//	if engine.IsAdmissionDenied(err) {
//		// quota or concurrency ceiling reached
//	}
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// DefaultRetryMax is the number of retries for unreachable or unavailable
// servers.
const DefaultRetryMax = 3

// Client talks to a cumulus server.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option customises a Client.
type Option func(*retryablehttp.Client)

// WithRetryMax sets the number of retries.
func WithRetryMax(n int) Option {
	return func(c *retryablehttp.Client) { c.RetryMax = n }
}

// WithRetryWait bounds the wait between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = min
		c.RetryWaitMax = max
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *retryablehttp.Client) { c.HTTPClient = hc }
}

// New returns a client for the server at baseURL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = DefaultRetryMax
	rc.Logger = leveledLogger{logger: logger.With().Str("component", "client").Logger()}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: rc}
}

// checkRetry retries transport failures and 503 only. Every other status
// is a definitive answer from the server.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

type errorBody struct {
	Class   engine.ErrorClass      `json:"class"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body interface{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return engine.NewTransientError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if body.Class == "" {
		return fmt.Errorf("server error (status %d): %s", resp.StatusCode, body.Message)
	}
	return &engine.EngineError{
		Class:   body.Class,
		Code:    body.Code,
		Message: body.Message,
		Details: body.Details,
	}
}

// Health reports whether the server and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// leveledLogger routes retry diagnostics to zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Info().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
