package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSessionID(t *testing.T) {
	assert.Equal(t, "test-session-123", DeriveSessionID("test-session-123"))
	assert.Equal(t, "abc", DeriveSessionID("  abc\n"))

	a := DeriveSessionID("")
	b := DeriveSessionID("")
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)

	// unusable external ids are replaced
	weird := DeriveSessionID("../../etc/passwd")
	assert.NotEqual(t, "../../etc/passwd", weird)
	assert.True(t, ValidSessionID(weird))
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".dev-mode")

	require.NoError(t, AtomicWrite(path, []byte("dev\nbranch: cp-test\nsession_id: xyz\n"), 0o644))
	require.NoError(t, AtomicWrite(path, []byte("dev\nbranch: cp-test\nsession_id: abc\n"), 0o644))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "session_id: abc")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, ".dev-mode", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestAtomicWrite_MissingDirectory(t *testing.T) {
	err := AtomicWrite(filepath.Join(t.TempDir(), "nope", "file"), []byte("x"), 0o600)
	assert.Error(t, err)
}

func TestAtomicAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".dev-mode")
		require.NoError(t, os.WriteFile(path, []byte("dev\nbranch: cp-test"), 0o644))

		require.NoError(t, AtomicAppend(ctx, path, "cleanup_done: true"))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "dev\nbranch: cp-test\ncleanup_done: true\n", string(content))
	})

	t.Run("creates missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.jsonl")
		require.NoError(t, AtomicAppend(ctx, path, "new content"))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "new content\n", string(content))
	})

	t.Run("concurrent appends are all kept", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.jsonl")
		const n = 20

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, AtomicAppend(ctx, path, fmt.Sprintf("line-%d", i)))
			}(i)
		}
		wg.Wait()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		assert.Len(t, lines, n)
	})
}

func TestRecord_RoundTrip(t *testing.T) {
	in := "dev\nbranch: cp-test\nsession_id: abc123\nurl: https://example.com:8080/x\ncustom_key: keep me\n"
	r := ParseRecord([]byte(in))

	assert.Equal(t, "dev", r.Tag)
	assert.Equal(t, "cp-test", r.Value("branch"))
	assert.Equal(t, "https://example.com:8080/x", r.Value("url"))
	assert.Equal(t, []string{"branch", "session_id", "url", "custom_key"}, r.Keys())
	assert.Equal(t, in, string(r.Bytes()))
}

func TestRecord_Mutations(t *testing.T) {
	r := ParseRecord([]byte("dev\nbranch: a\nbranch: b\nnot a field\n\nretry_count: 3\n"))
	assert.Equal(t, "b", r.Value("branch"))
	assert.Equal(t, []string{"branch", "retry_count"}, r.Keys())

	r.Set("retry_count", "4")
	r.Set("last_block_reason", "CI failed\ninjected: true")
	r.Delete("branch")

	out := ParseRecord(r.Bytes())
	assert.Equal(t, "4", out.Value("retry_count"))
	assert.Equal(t, "CI failed injected: true", out.Value("last_block_reason"))
	_, ok := out.Get("injected")
	assert.False(t, ok, "values cannot smuggle extra keys")
	_, ok = out.Get("branch")
	assert.False(t, ok)
}

func TestCheckOwnership(t *testing.T) {
	tests := []struct {
		name    string
		owner   string
		session string
		want    bool
	}{
		{"matching owner", "match123", "match123", true},
		{"different owner", "match123", "different456", false},
		{"no owner recorded", "", "any-id", true},
		{"whitespace owner", "  ", "any-id", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckOwnership(tt.owner, tt.session))
		})
	}
}

func TestCleanupSignals(t *testing.T) {
	s := NewCleanupSignals(filepath.Join(t.TempDir(), "devgate"))

	assert.False(t, s.Check("cp-nonexistent"))

	require.NoError(t, s.Create("cp-test"))
	assert.True(t, s.Check("cp-test"))
	assert.False(t, s.Check("cp-other"))

	require.NoError(t, s.Create("feature/x"))
	assert.True(t, s.Check("feature/x"))

	require.NoError(t, s.Remove("cp-test"))
	assert.False(t, s.Check("cp-test"))
	require.NoError(t, s.Remove("cp-test"))

	assert.Error(t, s.Create(""))
}

func TestTTYMismatch(t *testing.T) {
	assert.False(t, TTYMismatch("/dev/pts/1", "/dev/pts/1"))
	assert.True(t, TTYMismatch("/dev/pts/1", "/dev/pts/2"))
	assert.False(t, TTYMismatch("not a tty", "/dev/pts/2"))
	assert.False(t, TTYMismatch("", "/dev/pts/2"))
	assert.Equal(t, NoTTY, NormalizeTTY("not a tty\n"))
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := NewRegistry(dir, 0)

	require.NoError(t, reg.Register(ctx, Info{
		SessionID: "s1",
		CWD:       "/test/path",
		Branch:    "test-branch",
		TTY:       "not a tty\n",
	}))

	raw, err := os.ReadFile(filepath.Join(dir, "session-s1.json"))
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "s1", parsed["session_id"])
	assert.Equal(t, "/test/path", parsed["cwd"])
	assert.Equal(t, "test-branch", parsed["branch"])
	assert.Equal(t, "not a tty", parsed["tty"])
	assert.Equal(t, float64(os.Getpid()), parsed["pid"])

	require.NoError(t, reg.Heartbeat(ctx, "s1"))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, reg.Unregister(ctx, "s1"))
	require.NoError(t, reg.Unregister(ctx, "s1"))
	_, err = os.Stat(filepath.Join(dir, "session-s1.json"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, reg.Register(ctx, Info{SessionID: "../escape"}))
}

func TestRegistry_ReclaimStale(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := NewRegistry(dir, time.Hour, WithClock(func() time.Time { return now.Add(-2 * time.Hour) }))
	require.NoError(t, past.Register(ctx, Info{SessionID: "expired", Branch: "cp-a"}))

	reg := NewRegistry(dir, time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, reg.Register(ctx, Info{SessionID: "fresh", Branch: "cp-a"}))

	// timestamps unreadable and file mtime old: falls back to mtime
	legacy := filepath.Join(dir, "session-legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{"session_id":"legacy","started":"yesterday"}`), 0o600))
	old := now.Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(legacy, old, old))

	// corrupt records are skipped, not reclaimed
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-broken.json"), []byte("{"), 0o600))

	reclaimed, err := reg.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expired", "legacy"}, reclaimed)

	_, err = os.Stat(filepath.Join(dir, "session-fresh.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "session-expired.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRegistry_ReclaimStale_RemovesOnlyTheStaleFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(dir, time.Hour, WithClock(func() time.Time { return now }))

	require.NoError(t, reg.Register(ctx, Info{SessionID: "live", Branch: "cp-a"}))

	// a crashed session whose body claims to be the live one
	crashed := filepath.Join(dir, "session-crashed.json")
	body := `{"session_id":"live","started":"2026-03-01T08:00:00Z","last_heartbeat":"2026-03-01T08:00:00Z"}`
	require.NoError(t, os.WriteFile(crashed, []byte(body), 0o600))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, info := range list {
		ids = append(ids, info.SessionID)
	}
	assert.ElementsMatch(t, []string{"crashed", "live"}, ids)

	reclaimed, err := reg.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, reclaimed)

	_, err = os.Stat(crashed)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "session-live.json"))
	assert.NoError(t, err)

	live, err := reg.Get("live")
	require.NoError(t, err)
	assert.Equal(t, "cp-a", live.Branch)
}

func TestRegistry_Conflicts(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(t.TempDir(), time.Hour)

	require.NoError(t, reg.Register(ctx, Info{SessionID: "me", RepoID: "r1", Branch: "cp-x"}))
	require.NoError(t, reg.Register(ctx, Info{SessionID: "other", RepoID: "r1", Branch: "cp-x"}))
	require.NoError(t, reg.Register(ctx, Info{SessionID: "elsewhere", RepoID: "r1", Branch: "cp-y"}))
	require.NoError(t, reg.Register(ctx, Info{SessionID: "other-repo", RepoID: "r2", Branch: "cp-x"}))

	conflicts, err := reg.Conflicts(ctx, "r1", "cp-x", "me")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "other", conflicts[0].SessionID)
}
