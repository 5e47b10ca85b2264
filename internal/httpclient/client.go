// Package httpclient implements the JSON client used against map-service REST
// endpoints, with bounded retries on transient failures.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls client behavior.
type Config struct {
	UserAgent      string
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client issues GET requests and decodes JSON bodies. One Client is shared
// by every component of a run so connections are reused.
type Client struct {
	http      *http.Client
	policy    *RetryPolicy
	userAgent string
	logger    *zap.Logger
	pause     func(ctx context.Context, d time.Duration) error
}

// New builds a Client with a pooled transport.
func New(cfg Config, logger *zap.Logger) *Client {
	return NewWithHTTPClient(&http.Client{Transport: newHTTPTransport()}, cfg, logger)
}

// NewWithHTTPClient builds a Client around an existing *http.Client.
func NewWithHTTPClient(hc *http.Client, cfg Config, logger *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:      hc,
		policy:    NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		userAgent: cfg.UserAgent,
		logger:    logger,
		pause:     pause,
	}
}

// GetJSON fetches rawURL with query merged into its query string and decodes
// the body into out. Each attempt is bounded by timeout. Failures are
// *NetworkError or *DecodeError.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, timeout time.Duration, out any) error {
	target, err := buildURL(rawURL, query)
	if err != nil {
		return &NetworkError{URL: rawURL, Attempts: 0, Err: err}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	start := time.Now()
	body, attempts, err := c.fetchWithRetry(ctx, target, timeout)
	if err != nil {
		metrics.ObserveRequest(target, "network_error", time.Since(start))
		nerr := &NetworkError{URL: target, Attempts: attempts, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			nerr.StatusCode = se.code
		}
		return nerr
	}

	if err := json.Unmarshal(body, out); err != nil {
		metrics.ObserveRequest(target, "decode_error", time.Since(start))
		return &DecodeError{URL: target, Err: err}
	}
	metrics.ObserveRequest(target, "ok", time.Since(start))
	return nil
}

func (c *Client) fetchWithRetry(ctx context.Context, target string, timeout time.Duration) ([]byte, int, error) {
	for attempt := 1; ; attempt++ {
		body, err := c.fetchOnce(ctx, target, timeout)
		if err == nil {
			return body, attempt, nil
		}
		if !c.policy.ShouldRetry(ctx, err, attempt) {
			return nil, attempt, err
		}
		wait := c.policy.Backoff(attempt)
		c.logger.Warn("transient upstream failure; retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		metrics.ObserveRetry(target)
		if perr := c.pause(ctx, wait); perr != nil {
			return nil, attempt, fmt.Errorf("retry wait: %w", perr)
		}
	}
}

func (c *Client) fetchOnce(ctx context.Context, target string, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.String("url", target), zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func buildURL(rawURL string, query url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if len(query) > 0 {
		merged := u.Query()
		for key, values := range query {
			merged.Del(key)
			for _, v := range values {
				merged.Add(key, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String(), nil
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
