// Package git provides the repository oracle devgate binds its state to.
//
// Gate artifacts, capability tokens and workflow records are all tied to
// the current branch, HEAD commit, tree and repository identity. This package
// answers those questions with go-git so no git binary is required, and
// resolves the shared git directory of linked worktrees so per-repository
// state lands in one place.
package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotGitRepo indicates the directory is not inside a Git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrHeadNotFound indicates the HEAD file is missing.
	ErrHeadNotFound = errors.New("HEAD file not found")

	// ErrDetachedHead indicates HEAD does not point at a branch.
	ErrDetachedHead = errors.New("HEAD is detached")
)

// DetectBranch reads the branch name from HEAD without opening the object
// database. It is used on hot paths such as pre-tool-use hooks where only the
// branch matters.
//
// Returns:
//   - Branch name (e.g., "main", "cp-feature/login")
//   - ErrDetachedHead if HEAD holds a commit id
//   - ErrNotGitRepo if no repository encloses projectPath
//
// Example:
//
//	branch, err := DetectBranch(cwd)
//	if err == nil && IsProtectedBranch(branch, cfg.Hooks.ProtectedBranches) {
//	    // refuse code edits
//	}
func DetectBranch(projectPath string) (string, error) {
	_, gitDir, err := findDotGit(projectPath)
	if err != nil {
		return "", err
	}

	headFile := filepath.Join(gitDir, "HEAD")
	content, err := os.ReadFile(headFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrHeadNotFound, headFile)
		}
		return "", fmt.Errorf("reading HEAD file: %w", err)
	}

	head := strings.TrimSpace(string(content))
	if strings.HasPrefix(head, "ref: refs/heads/") {
		return strings.TrimPrefix(head, "ref: refs/heads/"), nil
	}
	return "", ErrDetachedHead
}

// IsProtectedBranch reports whether branch is one of the protected names.
// Matching is exact except for a trailing "*" which matches a prefix
// ("release/*").
func IsProtectedBranch(branch string, protected []string) bool {
	for _, p := range protected {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(branch, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if branch == p {
			return true
		}
	}
	return false
}

// findDotGit walks up from start and returns the worktree root and the
// per-worktree git directory. A ".git" file (linked worktree or submodule)
// is followed through its "gitdir:" line.
func findDotGit(start string) (root, gitDir string, err error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", "", fmt.Errorf("resolving %s: %w", start, err)
	}

	for {
		candidate := filepath.Join(dir, ".git")
		info, statErr := os.Stat(candidate)
		if statErr == nil {
			if info.IsDir() {
				return dir, candidate, nil
			}
			target, err := readGitdirFile(candidate)
			if err != nil {
				return "", "", err
			}
			return dir, target, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", fmt.Errorf("%w: %s", ErrNotGitRepo, start)
		}
		dir = parent
	}
}

func readGitdirFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir:") {
		return "", fmt.Errorf("%w: malformed %s", ErrNotGitRepo, path)
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}

// commonDir resolves the directory shared by every worktree of a repository.
// For the main worktree it is the git directory itself.
func commonDir(gitDir string) (string, error) {
	content, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		if os.IsNotExist(err) {
			return gitDir, nil
		}
		return "", fmt.Errorf("reading commondir: %w", err)
	}
	target := strings.TrimSpace(string(content))
	if !filepath.IsAbs(target) {
		target = filepath.Join(gitDir, target)
	}
	return filepath.Clean(target), nil
}
