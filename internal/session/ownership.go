package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrNotOwner is returned when a session tries to mutate a record it does not own.
var ErrNotOwner = errors.New("state is owned by another session")

// CheckOwnership reports whether sessionID may act on a record owned by owner.
// Records written before ownership was tracked carry no owner and are treated
// as owned by the caller.
func CheckOwnership(owner, sessionID string) bool {
	owner = strings.TrimSpace(owner)
	return owner == "" || owner == strings.TrimSpace(sessionID)
}

// CleanupSignals manages per-branch "cleanup finished" markers.
type CleanupSignals struct {
	dir string
}

// NewCleanupSignals stores markers under dir, typically <git-common-dir>/devgate.
func NewCleanupSignals(dir string) *CleanupSignals {
	return &CleanupSignals{dir: dir}
}

var unsafeBranchChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (c *CleanupSignals) path(branch string) string {
	return filepath.Join(c.dir, "cleanup-"+unsafeBranchChars.ReplaceAllString(branch, "_"))
}

// Create marks cleanup as done for branch.
func (c *CleanupSignals) Create(branch string) error {
	if branch == "" {
		return errors.New("cleanup signal requires a branch")
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("creating signal dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	return AtomicWrite(c.path(branch), []byte(stamp), 0o600)
}

// Check reports whether the signal for branch exists.
func (c *CleanupSignals) Check(branch string) bool {
	_, err := os.Stat(c.path(branch))
	return err == nil
}

// Remove deletes the signal for branch. Removing a missing signal is not an error.
func (c *CleanupSignals) Remove(branch string) error {
	if err := os.Remove(c.path(branch)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing cleanup signal: %w", err)
	}
	return nil
}
