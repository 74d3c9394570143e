package ci

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration. Hooks run while the agent
	// waits, so this stays well below GitHub's rate-limit windows.
	// Default: 10 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration for GitHub API calls.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// githubBackOff replaces the next exponential delay with the rate-limit
// reset time when the last response said the quota is exhausted.
type githubBackOff struct {
	backoff.BackOff
	maxBackoff  time.Duration
	rateLimited *github.Response
}

func (b *githubBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.rateLimited == nil {
		return next
	}
	next = getRateLimitBackoff(b.rateLimited, b.maxBackoff)
	b.rateLimited = nil
	return next
}

// retryGitHubOperation retries a GitHub API call with exponential backoff,
// honouring rate-limit reset times. Errors GitHub will repeat (4xx other
// than rate limits) are returned after the first attempt.
func retryGitHubOperation(ctx context.Context, config *RetryConfig, log *logging.Logger, operation func() (*github.Response, error)) (*github.Response, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	config.ApplyDefaults()
	if log == nil {
		log = logging.NewNop()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = config.InitialBackoff
	exp.MaxInterval = config.MaxBackoff
	exp.Multiplier = config.BackoffMultiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	policy := &githubBackOff{
		BackOff:    backoff.WithMaxRetries(exp, uint64(config.MaxRetries)),
		maxBackoff: config.MaxBackoff,
	}

	var (
		lastResp  *github.Response
		attempts  int
		permanent bool
	)
	startTime := time.Now()

	op := func() error {
		attempts++
		resp, err := operation()
		lastResp = resp
		if err == nil {
			return nil
		}
		if !isGitHubRetryableError(err, resp) {
			permanent = true
			log.Debug(ctx, "GitHub API error is not retryable",
				zap.Error(err),
				zap.Int("status_code", getStatusCode(resp)))
			return backoff.Permanent(err)
		}
		if isRateLimitError(resp) {
			policy.rateLimited = resp
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Info(ctx, "Retrying GitHub API operation",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", config.MaxRetries+1),
			zap.Error(err),
			zap.Int("status_code", getStatusCode(lastResp)),
			zap.Duration("backoff", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
	switch {
	case err == nil:
		if attempts > 1 {
			log.Info(ctx, "GitHub API operation recovered after retries",
				zap.Int("attempts", attempts),
				zap.Duration("total_time", time.Since(startTime)))
		}
		return lastResp, nil
	case permanent:
		return lastResp, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
	}

	log.Warn(ctx, "GitHub API operation failed after all retries exhausted",
		zap.Int("total_attempts", attempts),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(err),
		zap.Int("status_code", getStatusCode(lastResp)))
	return lastResp, fmt.Errorf("GitHub API operation failed after %d attempts: %w", attempts, err)
}

// isGitHubRetryableError checks if a GitHub API error is retryable.
func isGitHubRetryableError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}

	if resp != nil && resp.Response != nil {
		statusCode := resp.Response.StatusCode

		switch statusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true

		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return false

		case http.StatusForbidden:
			// Secondary rate limits come back as 403 with rate headers.
			return resp.Rate.Limit > 0

		default:
			return statusCode >= 500 && statusCode < 600
		}
	}

	// No response at all: network errors and timeouts.
	return true
}

// isRateLimitError checks if the response indicates a rate limit error.
func isRateLimitError(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0
}

// getRateLimitBackoff waits for the rate-limit reset, capped at maxBackoff.
func getRateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return maxBackoff
	}

	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < 0 {
		backoff = time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// getStatusCode safely extracts the HTTP status code from a GitHub response.
func getStatusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
