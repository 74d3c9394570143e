package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/devgate/pkg/git/gittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "sess-1234"

// isolate points every per-user location at temp dirs so tests never read
// the developer's own config, secret or session directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DEVGATE_SESSION_DIR", t.TempDir())
	for _, name := range []string{"GATE_SECRET", "CLAUDE_SESSION_ID", "GH_TOKEN", "GITHUB_TOKEN", "PR_PRIORITY", "PR_TITLE", "PR_LABELS"} {
		t.Setenv(name, "")
	}
}

type result struct {
	code           int
	stdout, stderr string
}

func run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "devgate", root.Use)

	want := []string{"failures", "gate", "hook", "priority", "session", "token", "workflow"}
	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}

	for _, flag := range []string{"config", "repo", "session"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing --%s", flag)
	}
}

func TestSubcommands(t *testing.T) {
	root := newRootCmd()
	tests := []struct {
		path []string
	}{
		{[]string{"gate", "sign"}},
		{[]string{"gate", "verify"}},
		{[]string{"gate", "init-secret"}},
		{[]string{"hook", "stop"}},
		{[]string{"hook", "pre-tool-use"}},
		{[]string{"hook", "post-tool-use"}},
		{[]string{"workflow", "start"}},
		{[]string{"workflow", "step"}},
		{[]string{"workflow", "cleanup"}},
		{[]string{"workflow", "status"}},
		{[]string{"session", "register"}},
		{[]string{"session", "reclaim"}},
		{[]string{"token", "revoke"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.path, " "), func(t *testing.T) {
			cmd, _, err := root.Find(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.path[len(tt.path)-1], cmd.Name())
		})
	}
}

func TestHelp(t *testing.T) {
	res := run(t, "", "--help")
	assert.Equal(t, 0, res.code)
	assert.Contains(t, res.stdout, "autonomous coding agent")
	assert.Contains(t, res.stdout, "workflow")
}

func TestGateSignAndVerify(t *testing.T) {
	isolate(t)
	t.Setenv("GATE_SECRET", "cli-test-secret")
	r := gittest.New(t, "feature-login")

	res := run(t, "", "-C", r.Dir, "--session", testSession, "gate", "sign", "prd")
	require.Equal(t, 0, res.code, res.stderr)
	assert.FileExists(t, filepath.Join(r.Dir, ".gate-prd-passed"))

	res = run(t, "", "-C", r.Dir, "gate", "verify", "prd")
	assert.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "OK prd PASS")

	res = run(t, "", "-C", r.Dir, "gate", "verify", "prd", "--json")
	assert.Equal(t, 0, res.code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))

	r.Commit("main.go", "package main\n", "more work")
	res = run(t, "", "-C", r.Dir, "gate", "verify", "prd")
	assert.Equal(t, 8, res.code)
	assert.Contains(t, res.stdout, "HEAD_MISMATCH")
}

func TestGateVerify_NoSecret(t *testing.T) {
	isolate(t)
	r := gittest.New(t, "feature-login")
	res := run(t, "", "-C", r.Dir, "gate", "verify", "prd")
	assert.Equal(t, 3, res.code)
}

func TestGateVerify_MissingArtifact(t *testing.T) {
	isolate(t)
	t.Setenv("GATE_SECRET", "cli-test-secret")
	r := gittest.New(t, "feature-login")
	res := run(t, "", "-C", r.Dir, "gate", "verify", "qa")
	assert.Equal(t, 4, res.code)
}

func TestGateSign_ConsumeWithoutToken(t *testing.T) {
	isolate(t)
	t.Setenv("GATE_SECRET", "cli-test-secret")
	r := gittest.New(t, "feature-login")

	res := run(t, "", "-C", r.Dir, "--session", testSession, "gate", "sign", "audit", "--consume")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "audit")
	assert.NoFileExists(t, filepath.Join(r.Dir, ".gate-audit-passed"))
}

func TestGateSign_UnknownGate(t *testing.T) {
	isolate(t)
	t.Setenv("GATE_SECRET", "cli-test-secret")
	r := gittest.New(t, "feature-login")
	res := run(t, "", "-C", r.Dir, "gate", "sign", "../escape")
	assert.Equal(t, 1, res.code)
}

func TestPriority(t *testing.T) {
	isolate(t)
	r := gittest.New(t, "feature-login")

	res := run(t, "", "-C", r.Dir, "priority", "CRITICAL: data loss", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	assert.JSONEq(t, `{"priority":"P0","source":"direct"}`, res.stdout)

	t.Setenv("PR_TITLE", "fix: P2 layout glitch")
	res = run(t, "", "-C", r.Dir, "priority", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	assert.JSONEq(t, `{"priority":"P2","source":"title"}`, res.stdout)

	require.NoError(t, os.MkdirAll(filepath.Join(r.Dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, "docs", "QA-DECISION.md"), []byte("Priority: P1\n"), 0o644))
	res = run(t, "", "-C", r.Dir, "priority")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "P1 (qa-decision)\n", res.stdout)
}

func TestHookPreToolUse_CredentialDenied(t *testing.T) {
	isolate(t)
	r := gittest.New(t, "feature-login")

	event := map[string]interface{}{
		"session_id":      testSession,
		"hook_event_name": "PreToolUse",
		"cwd":             r.Dir,
		"tool_name":       "Bash",
		"tool_input": map[string]string{
			"command": "curl -H 'Authorization: token ghp_" + strings.Repeat("a", 36) + "' https://api.github.com",
		},
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	res := run(t, string(data), "hook", "pre-tool-use")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "credential")

	event["tool_input"] = map[string]string{"command": "go test ./..."}
	data, err = json.Marshal(event)
	require.NoError(t, err)
	res = run(t, string(data), "hook", "pre-tool-use")
	assert.Equal(t, 0, res.code, res.stderr)
}

func TestHook_MalformedInputAllows(t *testing.T) {
	isolate(t)
	res := run(t, "{not json", "hook", "stop")
	assert.Equal(t, 0, res.code)
}

func TestWorkflowLifecycle(t *testing.T) {
	isolate(t)
	r := gittest.New(t, "feature-login")
	base := []string{"-C", r.Dir, "--session", testSession}

	res := run(t, "", append(base, "workflow", "start", "--done", "prd,detect")...)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "2/11 steps done")
	assert.FileExists(t, filepath.Join(r.Dir, ".dev-mode"))

	res = run(t, "", append(base, "workflow", "step", "branch")...)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "3/11 steps done")

	res = run(t, "", append(base, "workflow", "status", "--json")...)
	require.Equal(t, 0, res.code, res.stderr)
	var status statusOutput
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &status))
	assert.Equal(t, "feature-login", status.Branch)
	assert.Equal(t, testSession, status.SessionID)
	assert.Equal(t, []string{"prd", "detect", "branch"}, status.Done)
	assert.Equal(t, "dod", status.Next)

	// No origin remote: the pull request cannot be looked up, so stopping
	// is refused.
	stop, err := json.Marshal(map[string]interface{}{
		"session_id":      testSession,
		"hook_event_name": "Stop",
		"cwd":             r.Dir,
	})
	require.NoError(t, err)
	res = run(t, string(stop), "--session", testSession, "hook", "stop")
	assert.Equal(t, 2, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"decision":"block"`)

	res = run(t, "", append(base, "workflow", "status", "--json")...)
	require.Equal(t, 0, res.code, res.stderr)
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &status))
	assert.Equal(t, 1, status.RetryCount)

	// Another session cannot tick the checklist.
	res = run(t, "", "-C", r.Dir, "--session", "someone-else", "workflow", "step", "dod")
	assert.Equal(t, 1, res.code)

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir, ".gate-prd-passed"), []byte("{}"), 0o644))
	res = run(t, "", append(base, "workflow", "cleanup")...)
	require.Equal(t, 0, res.code, res.stderr)
	assert.NoFileExists(t, filepath.Join(r.Dir, ".gate-prd-passed"))

	res = run(t, "", append(base, "workflow", "status", "--json")...)
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &status))
	assert.True(t, status.CleanupDone)
}

func TestFailures_Empty(t *testing.T) {
	isolate(t)
	r := gittest.New(t, "feature-login")
	res := run(t, "", "-C", r.Dir, "failures", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	assert.JSONEq(t, "[]", res.stdout)
}

func TestSessionRegistry(t *testing.T) {
	isolate(t)
	r := gittest.New(t, "feature-login")

	res := run(t, "", "-C", r.Dir, "--session", testSession, "session", "register")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, testSession+"\n", res.stdout)

	res = run(t, "", "-C", r.Dir, "--session", "sess-other", "session", "register")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stderr, testSession)

	res = run(t, "", "-C", r.Dir, "session", "list", "--json")
	require.Equal(t, 0, res.code, res.stderr)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &list))
	assert.Len(t, list, 2)

	res = run(t, "", "-C", r.Dir, "--session", testSession, "session", "unregister")
	require.Equal(t, 0, res.code, res.stderr)

	res = run(t, "", "-C", r.Dir, "session", "list", "--json")
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &list))
	assert.Len(t, list, 1)
}

func hookEvent(t *testing.T, fields map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func TestGateSign_TokenFromEvaluation(t *testing.T) {
	isolate(t)
	t.Setenv("GATE_SECRET", "cli-test-secret")
	r := gittest.New(t, "feature-login")

	res := run(t, hookEvent(t, map[string]interface{}{
		"session_id":      testSession,
		"hook_event_name": "PostToolUse",
		"cwd":             r.Dir,
		"tool_name":       "Task",
		"tool_input":      map[string]string{"description": "gate:qa"},
		"tool_response": map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "Findings...\nDecision: **PASS**"}},
		},
	}), "hook", "post-tool-use")
	require.Equal(t, 0, res.code, res.stderr)

	bash := func(cmd string) result {
		return run(t, hookEvent(t, map[string]interface{}{
			"session_id":      testSession,
			"hook_event_name": "PreToolUse",
			"cwd":             r.Dir,
			"tool_name":       "Bash",
			"tool_input":      map[string]string{"command": cmd},
		}), "hook", "pre-tool-use")
	}

	res = bash("devgate gate sign qa --consume")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "--session "+testSession)

	res = bash("devgate gate sign qa --consume --session someone-else")
	assert.Equal(t, 2, res.code)

	res = bash("devgate gate sign qa --consume && devgate gate sign audit")
	assert.Equal(t, 2, res.code)

	allowed := "devgate gate sign qa --consume --session " + testSession
	res = bash(allowed)
	require.Equal(t, 0, res.code, res.stderr)

	// The command the hook allowed spends the same token.
	res = run(t, "", "-C", r.Dir, "--session", testSession, "gate", "sign", "qa", "--consume")
	require.Equal(t, 0, res.code, res.stderr)
	assert.FileExists(t, filepath.Join(r.Dir, ".gate-qa-passed"))

	res = run(t, "", "-C", r.Dir, "gate", "verify", "qa")
	assert.Equal(t, 0, res.code, res.stderr)

	res = bash(allowed)
	assert.Equal(t, 2, res.code)
	res = run(t, "", "-C", r.Dir, "--session", testSession, "gate", "sign", "qa", "--consume")
	assert.Equal(t, 1, res.code)
}
