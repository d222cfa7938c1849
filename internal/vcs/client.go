// Package vcs is the anti-corruption layer between the scheduler and the
// version-control host. All outbound HTTP calls are routed through one
// resilient client: circuit breaking, retries with exponential backoff,
// Retry-After handling, and error mapping to types.AppError.
package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"courseops/internal/types"
)

// RetryPolicy configures the retry behavior for VCS calls.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for VCS API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// Client talks to the version-control host's permission API. It implements
// the repository access operations the scheduler needs: lock, unlock, and
// stash. Lock and unlock are idempotent at this boundary; a repository that
// is already in the requested state reports success.
type Client struct {
	baseURL     string
	token       string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	logger      *slog.Logger
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
}

// ClientConfig holds the settings for creating a Client.
type ClientConfig struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	RetryPolicy RetryPolicy
	Logger      *slog.Logger
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithSleepFunc overrides the sleep function used between retries. This is
// intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) ClientOption {
	return func(c *Client) {
		c.sleepFn = fn
	}
}

// NewClient creates a Client with its own circuit breaker.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	policy := cfg.RetryPolicy
	if policy.MaxRetries == 0 && policy.MinWait == 0 {
		policy = DefaultRetryPolicy()
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "vcs",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	c := &Client{
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		client:      httpClient,
		breaker:     cb,
		retryPolicy: policy,
		logger:      logger,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// repositoryRequest is the JSON body for lock/unlock/stash calls.
type repositoryRequest struct {
	RepositoryURL string `json:"repository_url"`
	StudentLogin  string `json:"student_login"`
}

// LockRepository revokes the student's write access. A repository that is
// already locked (409 from the host) reports success, so retried lock batches
// stay idempotent.
func (c *Client) LockRepository(ctx context.Context, p *types.Participation) error {
	return c.permissionCall(ctx, "lock", p, true)
}

// UnlockRepository grants the student write access. Unlocking an unlocked
// repository reports success.
func (c *Client) UnlockRepository(ctx context.Context, p *types.Participation) error {
	return c.permissionCall(ctx, "unlock", p, true)
}

// StashChanges freezes unsubmitted online-editor changes on the host so only
// committed work is visible during manual assessment.
func (c *Client) StashChanges(ctx context.Context, p *types.Participation) error {
	return c.permissionCall(ctx, "stash", p, false)
}

func (c *Client) permissionCall(ctx context.Context, operation string, p *types.Participation, conflictIsSuccess bool) error {
	body, err := json.Marshal(repositoryRequest{
		RepositoryURL: p.RepositoryURL,
		StudentLogin:  p.StudentLogin,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode repository request", err)
	}

	url := fmt.Sprintf("%s/api/repositories/%s", c.baseURL, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build repository request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict && conflictIsSuccess:
		// Already in the requested state.
		c.logger.Debug("repository already in requested state",
			"operation", operation,
			"participation_id", p.ID,
		)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundParticipation,
			fmt.Sprintf("repository of participation %d not found on VCS host", p.ID), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamVCS,
			fmt.Sprintf("VCS %s returned status %d", operation, resp.StatusCode), nil)
	}
}

// do executes the HTTP request with circuit breaker wrapping and retry on
// 429/5xx, respecting Retry-After headers. On success (any status below 500
// other than 429) the response is returned as-is and the caller closes the
// body. Trace IDs from the context propagate to the host for correlation.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetTraceID(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	// Snapshot the request body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to read request body for retry support", err)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			// 5xx and 429 count as failures for the breaker.
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("vcs host returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("vcs host returned 429")
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff determines the wait before the next retry attempt. It
// respects the Retry-After header when present, otherwise uses exponential
// backoff with full jitter clamped to [MinWait, MaxWait].
func (c *Client) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates HTTP-level failures into domain-level AppErrors.
func (c *Client) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; VCS host unavailable", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited,
				"VCS host rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeUpstreamVCS,
				fmt.Sprintf("VCS host returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamVCS, "VCS host request failed", err)
}
