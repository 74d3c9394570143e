// Package gittest builds throwaway repositories for tests with go-git.
package gittest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// Repo is a repository rooted in a test temp dir.
type Repo struct {
	T    testing.TB
	Dir  string
	Repo *git.Repository
}

// New initializes a repository on branch with one commit.
func New(t testing.TB, branch string) *Repo {
	t.Helper()
	dir := t.TempDir()
	// Resolve /tmp symlinks (macOS) so paths compare equal to what Open reports.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))))

	r := &Repo{T: t, Dir: dir, Repo: repo}
	r.Commit("README.md", "# test\n", "initial commit")
	return r
}

// Commit writes file and records a commit, returning its id.
func (r *Repo) Commit(file, content, msg string) string {
	r.T.Helper()
	path := filepath.Join(r.Dir, file)
	require.NoError(r.T, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(r.T, os.WriteFile(path, []byte(content), 0o644))

	wt, err := r.Repo.Worktree()
	require.NoError(r.T, err)
	_, err = wt.Add(file)
	require.NoError(r.T, err)

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(r.T, err)
	return hash.String()
}

// Checkout switches to branch, creating it from HEAD when create is true.
func (r *Repo) Checkout(branch string, create bool) {
	r.T.Helper()
	wt, err := r.Repo.Worktree()
	require.NoError(r.T, err)
	require.NoError(r.T, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: create,
		Keep:   true,
	}))
}

// SetOrigin configures the origin remote URL.
func (r *Repo) SetOrigin(url string) {
	r.T.Helper()
	_, err := r.Repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{url}})
	require.NoError(r.T, err)
}

// SetConfig sets <section>.<subsection>.<key> in the repository config.
func (r *Repo) SetConfig(section, subsection, key, value string) {
	r.T.Helper()
	cfg, err := r.Repo.Config()
	require.NoError(r.T, err)
	cfg.Raw.Section(section).Subsection(subsection).SetOption(key, value)
	require.NoError(r.T, r.Repo.SetConfig(cfg))
}

// Head returns the HEAD commit id.
func (r *Repo) Head() string {
	r.T.Helper()
	ref, err := r.Repo.Head()
	require.NoError(r.T, err)
	return ref.Hash().String()
}
