package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultTimeout    = 15 * time.Second
)

// Retryable statuses per provider API behavior: throttles and transient
// server faults. Everything else returns to the caller immediately.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is the outbound call shape; the body is a byte slice so the
// client can replay it on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(max time.Duration) time.Duration
}

type Option func(*RetryClient)

func WithHTTPClient(client HTTPDoer) Option {
	return func(c *RetryClient) {
		if client != nil {
			c.client = client
		}
	}
}

func WithMaxRetries(retries int) Option {
	return func(c *RetryClient) {
		if retries >= 0 {
			c.maxRetries = retries
		}
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *RetryClient) {
		if delay > 0 {
			c.baseDelay = delay
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *RetryClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// withSleeper replaces the backoff wait; tests use it to run instantly.
func withSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *RetryClient) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewRetryClient(opts ...Option) *RetryClient {
	client := &RetryClient{
		client:     &http.Client{},
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		timeout:    DefaultTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Do performs the request with a per-attempt timeout and bounded
// exponential-backoff retry on transport errors and retryable statuses.
// Non-retryable statuses return the response immediately; the caller
// branches on the status code. Exhausting retries returns the last error.
func (c *RetryClient) Do(ctx context.Context, req Request) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("transport: retry client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("transport: request url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		response, err := c.attempt(ctx, method, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt == c.maxRetries {
				break
			}
			if waitErr := c.sleep(ctx, c.backoff(attempt)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if _, retryable := retryableStatuses[response.StatusCode]; !retryable {
			return response, nil
		}
		if attempt == c.maxRetries {
			return response, nil
		}

		delay := c.backoff(attempt)
		if hinted, ok := parseRetryAfter(response.Header.Get("Retry-After"), c.now()); ok {
			delay = hinted
		}
		drainAndClose(response)
		if waitErr := c.sleep(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("transport: retries exhausted for %s %s", method, req.URL)
	}
	return nil, fmt.Errorf("transport: %s %s failed after %d attempts: %w", method, req.URL, c.maxRetries+1, lastErr)
}

func (c *RetryClient) attempt(ctx context.Context, method string, req Request) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	response, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	// The cancel is tied to the response body lifetime; wrap so closing the
	// body releases the attempt context.
	response.Body = &cancelReadCloser{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

func (c *RetryClient) backoff(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	return delay + c.jitter(c.baseDelay/2)
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drainAndClose(response *http.Response) {
	if response == nil || response.Body == nil {
		return
	}
	_ = response.Body.Close()
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}
