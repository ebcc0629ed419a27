// Package coverage uploads coverage results to a Coveralls-compatible
// endpoint after a build's report phase has produced them.
//
// Uploads are best-effort: a build never fails because the coverage
// service is down. Callers treat ErrNoToken as "skip with a warning"
// and log everything else.
package coverage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

var (
	// ErrNoToken means no upload token is configured; the upload is
	// skipped rather than attempted.
	ErrNoToken = errors.New("no coverage token configured")

	// ErrRejected means the endpoint refused the report (bad token or
	// malformed payload). Not retryable.
	ErrRejected = errors.New("coverage report rejected")

	// ErrRateLimited means the endpoint asked us to slow down. Retryable.
	ErrRateLimited = errors.New("coverage endpoint rate limited")

	// ErrUnavailable means the endpoint failed server-side. Retryable.
	ErrUnavailable = errors.New("coverage endpoint unavailable")
)

// Report is the payload sent to the coverage endpoint. Source holds the
// raw coverage data as produced by the job (for example a .coverage or
// lcov file read from the workspace).
type Report struct {
	Repo      string    `json:"repo"`
	Branch    string    `json:"branch,omitempty"`
	CommitSHA string    `json:"commit_sha,omitempty"`
	JobNumber string    `json:"job_number,omitempty"`
	RunAt     time.Time `json:"run_at"`
	Source    string    `json:"source"`
}

// Client uploads reports with bounded retries.
type Client struct {
	baseURL   string
	token     string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClient returns a Client with the default retry schedule: three
// attempts, 500ms base delay doubling up to 5s.
func NewClient(baseURL, token string) *Client {
	return NewClientWithRetry(baseURL, token, 3, 500*time.Millisecond, 5*time.Second)
}

// NewClientWithRetry returns a Client with an explicit retry schedule.
func NewClientWithRetry(baseURL, token string, attempts int, baseDelay, maxDelay time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		token:     token,
		attempts:  attempts,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Upload posts the report, retrying transient failures with exponential
// backoff. The wait between attempts honors ctx cancellation.
func (c *Client) Upload(ctx context.Context, report *Report) error {
	if c.token == "" {
		return ErrNoToken
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode coverage report: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		err := c.post(ctx, body)
		if err == nil {
			return nil
		}

		lastErr = err
		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// post performs one upload attempt.
func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d (check the coverage token)", ErrRejected, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// backoff doubles the base delay per attempt, capped at maxDelay, with
// up to 10% jitter so concurrent uploads spread out.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}
