package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/config"
	"github.com/fyrsmithlabs/devgate/pkg/git"
	"github.com/fyrsmithlabs/devgate/pkg/git/gittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

// fakeOracle is a settable git.Oracle.
type fakeOracle struct {
	branch, commit, tree, repoID string
}

func (f *fakeOracle) CurrentBranch(context.Context) (string, error) { return f.branch, nil }
func (f *fakeOracle) HeadCommit(context.Context) (string, error)    { return f.commit, nil }
func (f *fakeOracle) TreeHash(context.Context) (string, error)      { return f.tree, nil }
func (f *fakeOracle) RepoID(context.Context) (string, error)        { return f.repoID, nil }

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		branch: "cp-test-gate",
		commit: strings.Repeat("a", 40),
		tree:   strings.Repeat("b", 40),
		repoID: strings.Repeat("c", 64),
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCodec(t *testing.T, oracle git.Oracle) (*Codec, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewCodec(oracle, t.TempDir(), testSecret, WithClock(clk.now)), clk
}

func TestSign_WritesV3Artifact(t *testing.T) {
	ctx := context.Background()
	r := gittest.New(t, "cp-test-gate")
	repo, err := git.Open(r.Dir)
	require.NoError(t, err)

	codec := NewCodec(repo, r.Dir, testSecret)
	a, err := codec.Sign(ctx, "prd", Pass, 0)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(r.Dir, ".gate-prd-passed"))
	require.NoError(t, err)
	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &content))

	assert.Equal(t, float64(3), content["version"])
	assert.Equal(t, "prd", content["gate"])
	assert.Equal(t, "PASS", content["decision"])
	assert.Equal(t, "cp-test-gate", content["branch"])
	assert.Len(t, content["commit_sha"], 40)
	assert.Len(t, content["tree_sha"], 40)
	assert.Len(t, content["repo_id"], 64)
	assert.Len(t, content["signature"], 64)

	created, err := a.Created()
	require.NoError(t, err)
	expires, err := a.Expires()
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, expires.Sub(created))
	assert.Equal(t, expires.Unix(), a.ExpiresAtEpoch)

	res := codec.VerifyGate(ctx, "prd")
	assert.Equal(t, OK, res.Code, res.Reason)
	assert.True(t, res.Passed())
}

func TestSign_Errors(t *testing.T) {
	ctx := context.Background()
	codec, _ := newTestCodec(t, newFakeOracle())

	_, err := codec.Sign(ctx, "Bad Name", Pass, 0)
	assert.Error(t, err)
	_, err = codec.Sign(ctx, "prd", Decision("MAYBE"), 0)
	assert.Error(t, err)
	_, err = codec.Sign(ctx, "prd", Pass, 500*time.Millisecond)
	assert.Error(t, err)

	noSecret := NewCodec(newFakeOracle(), t.TempDir(), nil)
	_, err = noSecret.Sign(ctx, "prd", Pass, 0)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	codec, clk := newTestCodec(t, newFakeOracle())

	a, err := codec.Sign(ctx, "dod", Pass, 300*time.Second)
	require.NoError(t, err)
	start := clk.t

	clk.t = start.Add(299 * time.Second)
	assert.Equal(t, OK, codec.Verify(ctx, a).Code)

	clk.t = start.Add(300 * time.Second)
	assert.Equal(t, Expired, codec.Verify(ctx, a).Code)

	clk.t = start.Add(301 * time.Second)
	res := codec.VerifyGate(ctx, "dod")
	assert.Equal(t, Expired, res.Code)
	assert.Equal(t, 7, res.Code.ExitCode())
	assert.Equal(t, "EXPIRED", res.Status)
}

func TestVerify_EverySignedFieldIsCovered(t *testing.T) {
	ctx := context.Background()
	codec, _ := newTestCodec(t, newFakeOracle())
	orig, err := codec.Sign(ctx, "test", Pass, time.Hour)
	require.NoError(t, err)

	tamper := map[string]func(a *Artifact){
		"gate":       func(a *Artifact) { a.Gate = "audit" },
		"decision":   func(a *Artifact) { a.Decision = Fail },
		"created_at": func(a *Artifact) { a.CreatedAt = "2026-05-01T09:59:59Z" },
		"expires_at": func(a *Artifact) {
			a.ExpiresAt = "2026-05-01T12:00:00Z"
			a.ExpiresAtEpoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).Unix()
		},
		"branch":     func(a *Artifact) { a.Branch = "cp-other" },
		"commit_sha": func(a *Artifact) { a.CommitSHA = strings.Repeat("d", 40) },
		"tree_sha":   func(a *Artifact) { a.TreeSHA = strings.Repeat("e", 40) },
		"repo_id":    func(a *Artifact) { a.RepoID = strings.Repeat("f", 64) },
		"signature":  func(a *Artifact) { a.Signature = strings.Repeat("0", 64) },
	}

	for name, mutate := range tamper {
		t.Run(name, func(t *testing.T) {
			a := *orig
			mutate(&a)
			assert.Equal(t, SignatureFail, codec.Verify(ctx, &a).Code)
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewCodec(newFakeOracle(), t.TempDir(), []byte("wrong-secret"), WithClock(func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }))
		assert.Equal(t, SignatureFail, other.Verify(ctx, orig).Code)
	})
}

func TestVerify_PriorityOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(o *fakeOracle, clk *clock)
		want   Code
	}{
		{"fresh", func(*fakeOracle, *clock) {}, OK},
		{"branch switched", func(o *fakeOracle, _ *clock) { o.branch = "cp-other" }, BranchMismatch},
		{"expired", func(_ *fakeOracle, c *clock) { c.t = c.t.Add(2 * time.Hour) }, Expired},
		{"new commit", func(o *fakeOracle, _ *clock) { o.commit = strings.Repeat("1", 40) }, HeadMismatch},
		{"tree changed", func(o *fakeOracle, _ *clock) { o.tree = strings.Repeat("2", 40) }, HeadMismatch},
		{"other repository", func(o *fakeOracle, _ *clock) { o.repoID = strings.Repeat("3", 64) }, RepoMismatch},
		{"branch beats expiry", func(o *fakeOracle, c *clock) {
			o.branch = "cp-other"
			c.t = c.t.Add(2 * time.Hour)
		}, BranchMismatch},
		{"expiry beats commit", func(o *fakeOracle, c *clock) {
			o.commit = strings.Repeat("1", 40)
			c.t = c.t.Add(2 * time.Hour)
		}, Expired},
		{"commit beats repo", func(o *fakeOracle, _ *clock) {
			o.commit = strings.Repeat("1", 40)
			o.repoID = strings.Repeat("3", 64)
		}, HeadMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := newFakeOracle()
			codec, clk := newTestCodec(t, oracle)
			a, err := codec.Sign(ctx, "test", Pass, time.Hour)
			require.NoError(t, err)

			tt.mutate(oracle, clk)
			assert.Equal(t, tt.want, codec.Verify(ctx, a).Code)
		})
	}
}

func TestVerifyFile_Format(t *testing.T) {
	ctx := context.Background()
	codec, _ := newTestCodec(t, newFakeOracle())
	dir := t.TempDir()

	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	assert.Equal(t, FormatError, codec.VerifyFile(ctx, filepath.Join(dir, "missing")).Code)
	assert.Equal(t, FormatError, codec.VerifyFile(ctx, write("garbage", "not json")).Code)
	assert.Equal(t, FormatError, codec.VerifyFile(ctx, write("v9", `{"version":9,"gate":"prd"}`)).Code)
	assert.Equal(t, FormatError, codec.VerifyFile(ctx, write("noversion", `{"gate":"prd"}`)).Code)
	assert.Equal(t, FormatError, codec.VerifyFile(ctx, write("short", `{"version":3,"gate":"prd","decision":"PASS"}`)).Code)

	a, err := codec.Sign(ctx, "qa", Pass, time.Hour)
	require.NoError(t, err)
	bad := *a
	bad.ExpiresAtEpoch++
	data, err := json.Marshal(&bad)
	require.NoError(t, err)
	assert.Equal(t, FormatError, codec.VerifyFile(ctx, write("epoch", string(data))).Code)
}

func TestVerify_MissingSecret(t *testing.T) {
	ctx := context.Background()
	codec, _ := newTestCodec(t, newFakeOracle())
	a, err := codec.Sign(ctx, "prd", Pass, time.Hour)
	require.NoError(t, err)

	noSecret := NewCodec(newFakeOracle(), t.TempDir(), nil)
	res := noSecret.Verify(ctx, a)
	assert.Equal(t, ConfigError, res.Code)
	assert.Equal(t, 3, res.Code.ExitCode())
}

func legacySign(gate, decision, generatedAt, branch, head string, secret []byte) string {
	sum := sha256.Sum256([]byte(gate + ":" + decision + ":" + generatedAt + ":" + branch + ":" + head + ":" + string(secret)))
	return hex.EncodeToString(sum[:])
}

func TestVerify_LegacyV2(t *testing.T) {
	ctx := context.Background()
	oracle := newFakeOracle()
	codec, _ := newTestCodec(t, oracle)

	generated := "2026-04-01T00:00:00.000Z"
	v2 := map[string]string{
		"gate":         "audit",
		"decision":     "PASS",
		"generated_at": generated,
		"branch":       oracle.branch,
		"head_sha":     oracle.commit,
		"task_id":      "test-gate",
		"tool_version": "2.1.0",
		"signature":    legacySign("audit", "PASS", generated, oracle.branch, oracle.commit, testSecret),
	}
	data, err := json.Marshal(v2)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), ".gate-audit-passed")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res := codec.VerifyFile(ctx, path)
	assert.Equal(t, OK, res.Code, res.Reason)
	assert.Contains(t, res.Warning, "v2 format")
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 2, res.Artifact.Version)
	assert.True(t, res.Artifact.IsLegacy())

	_, err = Encode(res.Artifact)
	assert.Error(t, err, "v2 artifacts are never upgraded in place")

	oracle.commit = strings.Repeat("9", 40)
	res = codec.VerifyFile(ctx, path)
	assert.Equal(t, HeadMismatch, res.Code)
	assert.NotEmpty(t, res.Warning)

	v2["decision"] = "FAIL"
	data, err = json.Marshal(v2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	assert.Equal(t, SignatureFail, codec.VerifyFile(ctx, path).Code)
}

func TestLoadSecret(t *testing.T) {
	dir := t.TempDir()

	t.Run("configured value wins", func(t *testing.T) {
		s, err := LoadSecret(config.GateConfig{Secret: "  env-secret\n", SecretFile: filepath.Join(dir, "nope")})
		require.NoError(t, err)
		assert.Equal(t, []byte("env-secret"), s)
	})

	t.Run("missing everywhere", func(t *testing.T) {
		_, err := LoadSecret(config.GateConfig{SecretFile: filepath.Join(dir, "nope")})
		assert.ErrorIs(t, err, ErrMissingSecret)
	})

	t.Run("file with secure mode", func(t *testing.T) {
		p := filepath.Join(dir, "ok")
		require.NoError(t, InitSecretFile(p, false))
		s, err := LoadSecret(config.GateConfig{SecretFile: p})
		require.NoError(t, err)
		assert.Len(t, s, 64)

		assert.Error(t, InitSecretFile(p, false), "existing secret is not overwritten")
	})

	t.Run("world readable file rejected", func(t *testing.T) {
		p := filepath.Join(dir, "loose")
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(t, os.Chmod(p, 0o644))
		_, err := LoadSecret(config.GateConfig{SecretFile: p})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure")
	})
}

func TestGateNames(t *testing.T) {
	assert.True(t, IsKnownGate("prd", nil))
	assert.True(t, IsKnownGate("security", []string{"security"}))
	assert.False(t, IsKnownGate("security", nil))
	assert.False(t, IsKnownGate("../x", []string{"../x"}))
	assert.False(t, ValidGateName("PRD"))
	assert.False(t, ValidGateName(""))
	assert.True(t, ValidGateName("code-review_2"))
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" pass ")
	require.NoError(t, err)
	assert.Equal(t, Pass, d)
	_, err = ParseDecision("ok")
	assert.Error(t, err)
}

func TestRemoveArtifacts(t *testing.T) {
	c, _ := newTestCodec(t, newFakeOracle())
	ctx := context.Background()
	for _, g := range []string{"prd", "audit"} {
		_, err := c.Sign(ctx, g, Pass, time.Hour)
		require.NoError(t, err)
	}
	other := filepath.Join(c.dir, ".gate-notes")
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0o644))

	removed, err := RemoveArtifacts(c.dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".gate-prd-passed", ".gate-audit-passed"}, removed)
	assert.FileExists(t, other)
	assert.Equal(t, FormatError, c.VerifyGate(ctx, "prd").Code)

	removed, err = RemoveArtifacts(c.dir)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
