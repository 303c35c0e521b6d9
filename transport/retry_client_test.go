package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type scriptedDoer struct {
	responses []*http.Response
	errs      []error
	calls     int
	bodies    []string
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	index := d.calls
	d.calls++
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		d.bodies = append(d.bodies, string(raw))
	} else {
		d.bodies = append(d.bodies, "")
	}
	if index < len(d.errs) && d.errs[index] != nil {
		return nil, d.errs[index]
	}
	if index < len(d.responses) {
		return d.responses[index], nil
	}
	return stubResponse(http.StatusOK, ""), nil
}

func stubResponse(status int, retryAfter string) *http.Response {
	response := &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}
	if retryAfter != "" {
		response.Header.Set("Retry-After", retryAfter)
	}
	return response
}

func instantSleeper(waits *[]time.Duration) Option {
	return withSleeper(func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	})
}

func newTestClient(doer *scriptedDoer, waits *[]time.Duration, opts ...Option) *RetryClient {
	base := []Option{WithHTTPClient(doer), instantSleeper(waits)}
	client := NewRetryClient(append(base, opts...)...)
	client.jitter = func(time.Duration) time.Duration { return 0 }
	return client
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{stubResponse(http.StatusOK, "")}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	response, err := client.Do(context.Background(), Request{Method: "GET", URL: "https://api.example.com/v3/athlete"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if doer.calls != 1 {
		t.Fatalf("expected 1 call, got %d", doer.calls)
	}
	if len(waits) != 0 {
		t.Fatalf("expected no backoff waits, got %v", waits)
	}
}

func TestDoRetriesOnRetryableStatus(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		stubResponse(http.StatusServiceUnavailable, ""),
		stubResponse(http.StatusBadGateway, ""),
		stubResponse(http.StatusOK, ""),
	}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	response, err := client.Do(context.Background(), Request{URL: "https://api.example.com/activities"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after retries, got %d", response.StatusCode)
	}
	if doer.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", doer.calls)
	}
	if len(waits) != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", len(waits))
	}
	if waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("expected exponential backoff 1s, 2s; got %v", waits)
	}
}

func TestDoNonRetryableStatusReturnsImmediately(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 409, 422} {
		doer := &scriptedDoer{responses: []*http.Response{stubResponse(status, "")}}
		var waits []time.Duration
		client := newTestClient(doer, &waits)

		response, err := client.Do(context.Background(), Request{URL: "https://api.example.com/activities"})
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}
		response.Body.Close()

		if response.StatusCode != status {
			t.Fatalf("expected %d, got %d", status, response.StatusCode)
		}
		if doer.calls != 1 {
			t.Fatalf("status %d: expected 1 call, got %d", status, doer.calls)
		}
	}
}

func TestDoHonorsRetryAfterSeconds(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		stubResponse(http.StatusTooManyRequests, "7"),
		stubResponse(http.StatusOK, ""),
	}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	response, err := client.Do(context.Background(), Request{URL: "https://api.example.com/activities"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer response.Body.Close()

	if len(waits) != 1 || waits[0] != 7*time.Second {
		t.Fatalf("expected Retry-After wait of 7s, got %v", waits)
	}
}

func TestDoHonorsRetryAfterHTTPDate(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		stubResponse(http.StatusTooManyRequests, ""),
		stubResponse(http.StatusOK, ""),
	}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }
	doer.responses[0].Header.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))

	response, err := client.Do(context.Background(), Request{URL: "https://api.example.com/activities"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer response.Body.Close()

	if len(waits) != 1 || waits[0] != 30*time.Second {
		t.Fatalf("expected Retry-After wait of 30s, got %v", waits)
	}
}

func TestDoExhaustionReturnsLastTransportError(t *testing.T) {
	cause := errors.New("connection reset")
	doer := &scriptedDoer{errs: []error{cause, cause, cause, cause}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	_, err := client.Do(context.Background(), Request{URL: "https://api.example.com/activities"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
	if doer.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", doer.calls)
	}
}

func TestDoRetryableStatusExhaustionReturnsResponse(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		stubResponse(http.StatusInternalServerError, ""),
		stubResponse(http.StatusInternalServerError, ""),
		stubResponse(http.StatusInternalServerError, ""),
		stubResponse(http.StatusInternalServerError, ""),
	}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	response, err := client.Do(context.Background(), Request{URL: "https://api.example.com/activities"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected final 500 response, got %d", response.StatusCode)
	}
	if doer.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", doer.calls)
	}
}

func TestDoReplaysBodyAcrossAttempts(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		stubResponse(http.StatusServiceUnavailable, ""),
		stubResponse(http.StatusOK, ""),
	}}
	var waits []time.Duration
	client := newTestClient(doer, &waits)

	response, err := client.Do(context.Background(), Request{
		Method: "POST",
		URL:    "https://api.example.com/oauth/token",
		Body:   []byte("grant_type=refresh_token"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer response.Body.Close()

	if len(doer.bodies) != 2 {
		t.Fatalf("expected 2 recorded bodies, got %d", len(doer.bodies))
	}
	for i, body := range doer.bodies {
		if body != "grant_type=refresh_token" {
			t.Fatalf("attempt %d: body not replayed, got %q", i, body)
		}
	}
}

func TestDoCanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	doer := &scriptedDoer{errs: []error{errors.New("dial timeout")}}
	client := NewRetryClient(WithHTTPClient(doer), withSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	client.jitter = func(time.Duration) time.Duration { return 0 }

	_, err := client.Do(ctx, Request{URL: "https://api.example.com/activities"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if doer.calls != 1 {
		t.Fatalf("expected no attempts after cancellation, got %d", doer.calls)
	}
}

func TestDoRequiresURL(t *testing.T) {
	client := NewRetryClient()
	if _, err := client.Do(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	if d, ok := parseRetryAfter("12", now); !ok || d != 12*time.Second {
		t.Fatalf("expected 12s, got %v ok=%v", d, ok)
	}
	if _, ok := parseRetryAfter("0", now); ok {
		t.Fatal("expected zero seconds to be ignored")
	}
	if _, ok := parseRetryAfter("", now); ok {
		t.Fatal("expected empty header to be ignored")
	}
	if _, ok := parseRetryAfter("garbage", now); ok {
		t.Fatal("expected unparseable header to be ignored")
	}
	if _, ok := parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now); ok {
		t.Fatal("expected past date to be ignored")
	}
	if d, ok := parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now); !ok || d != time.Minute {
		t.Fatalf("expected 1m from http date, got %v ok=%v", d, ok)
	}
}
