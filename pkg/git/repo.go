package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Oracle answers the repository questions devgate binds its state to.
type Oracle interface {
	CurrentBranch(ctx context.Context) (string, error)
	HeadCommit(ctx context.Context) (string, error)
	TreeHash(ctx context.Context) (string, error)
	RepoID(ctx context.Context) (string, error)
}

// Repo is a go-git backed Oracle for one working tree.
type Repo struct {
	repo      *git.Repository
	root      string
	gitDir    string
	commonDir string
}

var _ Oracle = (*Repo)(nil)

// Open opens the repository enclosing path. Linked worktrees are supported.
func Open(path string) (*Repo, error) {
	root, gitDir, err := findDotGit(path)
	if err != nil {
		return nil, err
	}
	common, err := commonDir(gitDir)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return nil, fmt.Errorf("opening repository at %s: %w", root, err)
	}

	return &Repo{
		repo:      repo,
		root:      root,
		gitDir:    gitDir,
		commonDir: common,
	}, nil
}

// Root is the top of the working tree.
func (r *Repo) Root() string { return r.root }

// GitDir is the per-worktree git directory.
func (r *Repo) GitDir() string { return r.gitDir }

// CommonDir is the git directory shared by all worktrees of the repository.
func (r *Repo) CommonDir() string { return r.commonDir }

// CurrentBranch returns the short branch name HEAD points at.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	// An unborn branch has no resolvable HEAD yet but still has a name.
	ref, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHeadNotFound, err)
	}
	if ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
		return ref.Target().Short(), nil
	}
	return "", ErrDetachedHead
}

// HeadCommit returns the 40-hex commit id HEAD resolves to.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// TreeHash returns the tree id of the HEAD commit.
func (r *Repo) TreeHash(ctx context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("loading HEAD commit: %w", err)
	}
	return commit.TreeHash.String(), nil
}

// OriginURL returns the first URL of the "origin" remote, or "" if there is none.
func (r *Repo) OriginURL() (string, error) {
	remote, err := r.repo.Remote("origin")
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", nil
	}
	return urls[0], nil
}

// RepoID returns the sha256 of the normalized origin URL, or of the
// repository root path when there is no origin.
func (r *Repo) RepoID(ctx context.Context) (string, error) {
	origin, err := r.OriginURL()
	if err != nil {
		return "", err
	}
	if origin != "" {
		return hashID(NormalizeRemoteURL(origin)), nil
	}
	root, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		root = r.root
	}
	return hashID(root), nil
}

// ConfigValue reads <section>.<subsection>.<key> from the repository config,
// e.g. ConfigValue("branch", "cp-login", "priority").
func (r *Repo) ConfigValue(section, subsection, key string) (string, error) {
	cfg, err := r.repo.Config()
	if err != nil {
		return "", fmt.Errorf("reading repository config: %w", err)
	}
	sec := cfg.Raw.Section(section)
	if subsection == "" {
		return sec.Option(key), nil
	}
	return sec.Subsection(subsection).Option(key), nil
}

func hashID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var scpLikeURL = regexp.MustCompile(`^(?:[^@/]+@)?([^:/]+):(.+)$`)

// NormalizeRemoteURL maps the SSH, scp-like and HTTPS spellings of the same
// remote onto one form: "host/path" without credentials, scheme or ".git".
func NormalizeRemoteURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")

	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
		if at := strings.LastIndex(u, "@"); at >= 0 && at < strings.Index(u+"/", "/") {
			u = u[at+1:]
		}
		host, path, _ := strings.Cut(u, "/")
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
		return strings.ToLower(host) + "/" + path
	}

	if m := scpLikeURL.FindStringSubmatch(u); m != nil {
		return strings.ToLower(m[1]) + "/" + strings.TrimPrefix(m[2], "/")
	}
	return u
}

// ParseGitHubRemote extracts owner and repository name from a GitHub remote URL.
func ParseGitHubRemote(raw string) (owner, name string, ok bool) {
	norm := NormalizeRemoteURL(raw)
	rest, found := strings.CutPrefix(norm, "github.com/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
