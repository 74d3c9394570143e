// Package ci answers the questions the stop hook asks about a branch: is
// there a pull request, is it merged, and what does CI say about its head.
package ci

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned by an Unavailable oracle.
var ErrUnavailable = errors.New("CI provider unavailable")

// Status is the aggregated CI state of a commit.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	}
	return "unknown"
}

// ParseStatus accepts the names produced by String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "unknown", "":
		return StatusUnknown, nil
	case "pending":
		return StatusPending, nil
	case "success":
		return StatusSuccess, nil
	case "failure":
		return StatusFailure, nil
	}
	return StatusUnknown, fmt.Errorf("unknown CI status %q", s)
}

// PullRequest is the subset of PR state the workflow needs.
type PullRequest struct {
	Number  int
	URL     string
	State   string
	Merged  bool
	HeadSHA string
}

// Oracle reports pull request and CI state for a branch.
// PullRequest returns nil, nil when the branch has no pull request.
type Oracle interface {
	PullRequest(ctx context.Context, branch string) (*PullRequest, error)
	Status(ctx context.Context, branch string) (Status, error)
}

// Unavailable is an Oracle for repositories without a supported CI
// provider. Every question fails, which the stop hook reads as an unknown
// CI status.
type Unavailable struct {
	Reason string
}

func (u Unavailable) err() error {
	if u.Reason == "" {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

// PullRequest always fails.
func (u Unavailable) PullRequest(context.Context, string) (*PullRequest, error) {
	return nil, u.err()
}

// Status always fails.
func (u Unavailable) Status(context.Context, string) (Status, error) {
	return StatusUnknown, u.err()
}
