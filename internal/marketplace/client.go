package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	retryBaseDelay    = time.Second
	maxResponseBytes  = 4 << 20
)

// Client wraps an HTTP client with retry on transient failures. Network
// errors, 429 and 5xx responses are retried with exponential backoff;
// other statuses are returned to the caller as-is.
type Client struct {
	logger     *zap.Logger
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// NewClient creates a marketplace HTTP client. httpClient may be nil.
func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		logger:     logger.Named("http"),
		http:       httpClient,
		maxRetries: defaultMaxRetries,
		baseDelay:  retryBaseDelay,
	}
}

// Do executes the request, retrying transient failures. The response body
// is fully read and returned; the caller never handles the stream.
func (c *Client) Do(req *http.Request) (int, []byte, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		status, header, body, err := c.once(req)
		if err == nil && !retryableStatus(status) {
			return status, body, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream returned %d", status)
		}

		if attempt >= c.maxRetries {
			return status, body, fmt.Errorf("request to %s failed after %d attempts: %w",
				req.URL.Host, attempt+1, lastErr)
		}

		delay := c.baseDelay << attempt
		if err == nil && status == http.StatusTooManyRequests {
			if after := retryAfter(header); after > delay {
				delay = after
			}
		}

		c.logger.Debug("Retrying request",
			zap.String("host", req.URL.Host),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-req.Context().Done():
			return 0, nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) once(req *http.Request) (int, http.Header, []byte, error) {
	attempt := req
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return 0, nil, nil, err
		}
		attempt = req.Clone(req.Context())
		attempt.Body = body
	}

	resp, err := c.http.Do(attempt)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

// GetJSON issues an authenticated GET and returns status and body.
func (c *Client) GetJSON(ctx context.Context, url string, decorate func(*http.Request)) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if decorate != nil {
		decorate(req)
	}
	return c.Do(req)
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func retryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
