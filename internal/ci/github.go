package ci

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/config"
	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// NewGitHubClient creates a GitHub client. With a token the client
// authenticates through oauth2; without one it is anonymous and limited to
// public repositories. baseURL selects a GitHub Enterprise API endpoint.
func NewGitHubClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	var httpClient *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
	}
	return client, nil
}

// GitHubOracle implements Oracle against the GitHub REST API.
type GitHubOracle struct {
	client   *github.Client
	owner    string
	repo     string
	retry    *RetryConfig
	noChecks Status
	logger   *logging.Logger
}

// GitHubOption configures a GitHubOracle.
type GitHubOption func(*GitHubOracle)

// WithRetryConfig overrides the per-request retry policy.
func WithRetryConfig(rc *RetryConfig) GitHubOption {
	return func(o *GitHubOracle) { o.retry = rc }
}

// WithNoChecksStatus sets what a head commit without any checks reports.
func WithNoChecksStatus(s Status) GitHubOption {
	return func(o *GitHubOracle) { o.noChecks = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GitHubOption {
	return func(o *GitHubOracle) { o.logger = l }
}

// NewGitHubOracle returns an oracle for owner/repo.
func NewGitHubOracle(client *github.Client, owner, repo string, opts ...GitHubOption) *GitHubOracle {
	o := &GitHubOracle{
		client:   client,
		owner:    owner,
		repo:     repo,
		retry:    DefaultRetryConfig(),
		noChecks: StatusUnknown,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetBaseURL points the client at a custom API root, e.g. a test server.
func SetBaseURL(client *github.Client, raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	client.BaseURL = u
	return nil
}

// PullRequest returns the most recently updated pull request whose head is
// branch, open or closed. It returns nil, nil when there is none.
func (o *GitHubOracle) PullRequest(ctx context.Context, branch string) (*PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		Head:        o.owner + ":" + branch,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 10},
	}

	var prs []*github.PullRequest
	_, err := retryGitHubOperation(ctx, o.retry, o.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = o.client.PullRequests.List(ctx, o.owner, o.repo, opts)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests for %s: %w", branch, err)
	}

	for _, pr := range prs {
		if pr.GetHead().GetRef() != branch {
			continue
		}
		return &PullRequest{
			Number:  pr.GetNumber(),
			URL:     pr.GetHTMLURL(),
			State:   pr.GetState(),
			Merged:  pr.GetMerged() || pr.MergedAt != nil,
			HeadSHA: pr.GetHead().GetSHA(),
		}, nil
	}
	return nil, nil
}

// Status aggregates check runs and commit statuses on the head of the
// branch's pull request. Any failure wins over pending, pending wins over
// success. A head with neither reports the configured no-checks status.
func (o *GitHubOracle) Status(ctx context.Context, branch string) (Status, error) {
	pr, err := o.PullRequest(ctx, branch)
	if err != nil {
		return StatusUnknown, err
	}
	if pr == nil || pr.HeadSHA == "" {
		return StatusUnknown, fmt.Errorf("no pull request for %s", branch)
	}
	ref := pr.HeadSHA

	var runs *github.ListCheckRunsResults
	_, err = retryGitHubOperation(ctx, o.retry, o.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		runs, resp, err = o.client.Checks.ListCheckRunsForRef(ctx, o.owner, o.repo, ref,
			&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}})
		return resp, err
	})
	if err != nil {
		return StatusUnknown, fmt.Errorf("listing check runs: %w", err)
	}

	var combined *github.CombinedStatus
	_, err = retryGitHubOperation(ctx, o.retry, o.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		combined, resp, err = o.client.Repositories.GetCombinedStatus(ctx, o.owner, o.repo, ref,
			&github.ListOptions{PerPage: 100})
		return resp, err
	})
	if err != nil {
		return StatusUnknown, fmt.Errorf("reading combined status: %w", err)
	}

	var checkRuns []*github.CheckRun
	if runs != nil {
		checkRuns = runs.CheckRuns
	}
	status := aggregate(checkRuns, combined)
	if status == StatusUnknown {
		status = o.noChecks
	}
	o.logger.Debug(ctx, "CI status",
		zap.String("branch", branch),
		zap.String("sha", ref),
		zap.Stringer("status", status))
	return status, nil
}

var failedConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
	"startup_failure": true,
}

func aggregate(runs []*github.CheckRun, combined *github.CombinedStatus) Status {
	seen := false
	pending := false

	for _, run := range runs {
		seen = true
		if run.GetStatus() != "completed" {
			pending = true
			continue
		}
		if failedConclusions[run.GetConclusion()] {
			return StatusFailure
		}
	}

	if combined != nil && combined.GetTotalCount() > 0 {
		seen = true
		switch combined.GetState() {
		case "failure", "error":
			return StatusFailure
		case "pending":
			pending = true
		}
	}

	switch {
	case !seen:
		return StatusUnknown
	case pending:
		return StatusPending
	}
	return StatusSuccess
}
