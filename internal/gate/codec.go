package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/fyrsmithlabs/devgate/pkg/git"
	"go.uber.org/zap"
)

// DefaultTTL is how long a freshly signed artifact stays valid.
const DefaultTTL = 30 * time.Minute

const maxArtifactSize = 64 * 1024

const legacyWarning = "v2 format artifact: expiry, tree and repository binding are not checked; re-sign with `devgate gate sign`"

// Codec signs and verifies artifacts for one repository.
type Codec struct {
	oracle git.Oracle
	dir    string
	secret []byte
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Codec) { c.logger = l }
}

// NewCodec returns a codec that writes artifacts into dir (the repository
// root) and reads git state from oracle. A nil or empty secret is allowed;
// every operation then reports ConfigError.
func NewCodec(oracle git.Oracle, dir string, secret []byte, opts ...Option) *Codec {
	c := &Codec{
		oracle: oracle,
		dir:    dir,
		secret: secret,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns where the artifact for gate lives.
func (c *Codec) Path(gate string) string {
	return filepath.Join(c.dir, FileName(gate))
}

// Sign creates, signs and persists an artifact for gate bound to the
// current git state. ttl <= 0 means DefaultTTL.
func (c *Codec) Sign(ctx context.Context, gate string, decision Decision, ttl time.Duration) (*Artifact, error) {
	if len(c.secret) == 0 {
		return nil, ErrMissingSecret
	}
	if !ValidGateName(gate) {
		return nil, fmt.Errorf("invalid gate name %q", gate)
	}
	if decision != Pass && decision != Fail {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Timestamps have second resolution; anything shorter would expire at creation.
	if ttl < time.Second {
		return nil, fmt.Errorf("ttl %s is shorter than one second", ttl)
	}

	branch, err := c.oracle.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading branch: %w", err)
	}
	commit, err := c.oracle.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	tree, err := c.oracle.TreeHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading tree: %w", err)
	}
	repoID, err := c.oracle.RepoID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading repository id: %w", err)
	}

	created := c.now().UTC().Truncate(time.Second)
	expires := created.Add(ttl.Truncate(time.Second))
	a := &Artifact{
		Version:        ProtocolVersion,
		Gate:           gate,
		Decision:       decision,
		CreatedAt:      created.Format(time.RFC3339),
		ExpiresAt:      expires.Format(time.RFC3339),
		ExpiresAtEpoch: expires.Unix(),
		Branch:         branch,
		CommitSHA:      commit,
		TreeSHA:        tree,
		RepoID:         repoID,
	}
	a.Signature = c.sign(a)

	data, err := Encode(a)
	if err != nil {
		return nil, fmt.Errorf("encoding artifact: %w", err)
	}
	if err := session.AtomicWrite(c.Path(gate), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}

	c.logger.Info(ctx, "gate artifact signed",
		zap.String("gate", gate),
		zap.String("decision", string(decision)),
		zap.String("commit", commit),
		zap.String("expires_at", a.ExpiresAt))
	return a, nil
}

func (c *Codec) sign(a *Artifact) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(signingPayload(a))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a in priority order: format, signature, branch, expiry,
// commit and tree, repository. The first failing check decides the code.
func (c *Codec) Verify(ctx context.Context, a *Artifact) Result {
	if len(c.secret) == 0 {
		return result(ConfigError, ErrMissingSecret.Error(), a)
	}
	if a == nil {
		return result(FormatError, "no artifact", nil)
	}
	if a.IsLegacy() {
		return c.verifyLegacy(ctx, a)
	}

	if a.Version != ProtocolVersion {
		return result(FormatError, fmt.Sprintf("unsupported version %d", a.Version), a)
	}
	if err := checkFormat(a); err != nil {
		return result(FormatError, err.Error(), a)
	}

	want, _ := hex.DecodeString(c.sign(a))
	got, _ := hex.DecodeString(a.Signature)
	if !hmac.Equal(want, got) {
		return result(SignatureFail, "signature does not match", a)
	}

	branch, err := c.oracle.CurrentBranch(ctx)
	if err != nil {
		return result(ConfigError, fmt.Sprintf("reading branch: %v", err), a)
	}
	if branch != a.Branch {
		return result(BranchMismatch, fmt.Sprintf("artifact is for branch %q, current branch is %q", a.Branch, branch), a)
	}

	expires, _ := a.Expires()
	if !c.now().Before(expires) {
		return result(Expired, fmt.Sprintf("expired at %s", a.ExpiresAt), a)
	}

	head, err := c.oracle.HeadCommit(ctx)
	if err != nil {
		return result(ConfigError, fmt.Sprintf("reading HEAD: %v", err), a)
	}
	if head != a.CommitSHA {
		return result(HeadMismatch, fmt.Sprintf("artifact is for commit %s, HEAD is %s", short(a.CommitSHA), short(head)), a)
	}
	tree, err := c.oracle.TreeHash(ctx)
	if err != nil {
		return result(ConfigError, fmt.Sprintf("reading tree: %v", err), a)
	}
	if tree != a.TreeSHA {
		return result(HeadMismatch, "tree changed since the artifact was signed", a)
	}

	repoID, err := c.oracle.RepoID(ctx)
	if err != nil {
		return result(ConfigError, fmt.Sprintf("reading repository id: %v", err), a)
	}
	if repoID != a.RepoID {
		return result(RepoMismatch, "artifact was signed for another repository", a)
	}

	return result(OK, "", a)
}

// verifyLegacy applies the v2 rules: keyed-hash signature, branch and
// commit only. The result always carries a warning.
func (c *Codec) verifyLegacy(ctx context.Context, a *Artifact) Result {
	l := a.legacy
	res := func(code Code, reason string) Result {
		r := result(code, reason, a)
		r.Warning = legacyWarning
		return r
	}

	if err := checkLegacyFormat(l); err != nil {
		return res(FormatError, err.Error())
	}

	sum := sha256.Sum256(legacyPayload(l, c.secret))
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(l.Signature)) != 1 {
		return res(SignatureFail, "v2 signature does not match")
	}

	branch, err := c.oracle.CurrentBranch(ctx)
	if err != nil {
		return res(ConfigError, fmt.Sprintf("reading branch: %v", err))
	}
	if branch != l.Branch {
		return res(BranchMismatch, fmt.Sprintf("artifact is for branch %q, current branch is %q", l.Branch, branch))
	}

	head, err := c.oracle.HeadCommit(ctx)
	if err != nil {
		return res(ConfigError, fmt.Sprintf("reading HEAD: %v", err))
	}
	if head != l.HeadSHA {
		return res(HeadMismatch, fmt.Sprintf("artifact is for commit %s, HEAD is %s", short(l.HeadSHA), short(head)))
	}

	c.logger.Warn(ctx, "accepted v2 gate artifact", zap.String("gate", l.Gate))
	return res(OK, "")
}

// VerifyFile reads and verifies the artifact at path.
func (c *Codec) VerifyFile(ctx context.Context, path string) Result {
	if len(c.secret) == 0 {
		return result(ConfigError, ErrMissingSecret.Error(), nil)
	}
	a, err := Load(path)
	if err != nil {
		return result(FormatError, err.Error(), nil)
	}
	return c.Verify(ctx, a)
}

// VerifyGate verifies the artifact for gate in the codec's directory.
func (c *Codec) VerifyGate(ctx context.Context, gate string) Result {
	return c.VerifyFile(ctx, c.Path(gate))
}

// Load reads and decodes the artifact at path.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrFormat, filepath.Base(path))
		}
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(data) > maxArtifactSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrFormat, maxArtifactSize)
	}
	return Decode(data)
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// RemoveArtifacts deletes every gate artifact in dir and returns the names
// of the removed files. Artifacts are never mutated, only replaced or
// removed at the end of a workflow.
func RemoveArtifacts(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, FileName("*")))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", filepath.Base(path), err)
		}
		removed = append(removed, filepath.Base(path))
	}
	return removed, nil
}
