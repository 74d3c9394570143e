package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/ci"
	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// fakeOracle returns canned answers; statuses are served in order and the
// last one repeats.
type fakeOracle struct {
	pr          *ci.PullRequest
	prErr       error
	statuses    []ci.Status
	statusErr   error
	statusCalls int
}

func (f *fakeOracle) PullRequest(context.Context, string) (*ci.PullRequest, error) {
	return f.pr, f.prErr
}

func (f *fakeOracle) Status(context.Context, string) (ci.Status, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return ci.StatusUnknown, f.statusErr
	}
	if len(f.statuses) == 0 {
		return ci.StatusUnknown, nil
	}
	i := f.statusCalls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

type env struct {
	machine *Machine
	store   *FileStore
	ledger  *Ledger
	oracle  *fakeOracle
	dir     string
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		store:  NewFileStore(filepath.Join(dir, ".dev-mode")),
		ledger: NewLedger(filepath.Join(dir, "git", "devgate", "failures.jsonl")),
		oracle: &fakeOracle{},
		dir:    dir,
	}
	opts = append([]Option{
		WithCIRetry(3, 0),
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }),
	}, opts...)
	e.machine = NewMachine(e.store, e.ledger, e.oracle, opts...)
	return e
}

var sessA = Session{ID: "session-a", Branch: "cp-feature", TTY: session.NoTTY}

func (e *env) start(t *testing.T) *State {
	t.Helper()
	st, err := e.machine.Start(context.Background(), StartOptions{
		Branch:    sessA.Branch,
		SessionID: sessA.ID,
		TTY:       sessA.TTY,
		PRD:       ".prd-feature.md",
		Completed: []Step{StepPRD, StepDetect, StepBranch},
	})
	require.NoError(t, err)
	return st
}

func TestEvaluate_NoState(t *testing.T) {
	e := newEnv(t)
	d, err := e.machine.Evaluate(context.Background(), sessA)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
}

func TestEvaluate_DecisionTable(t *testing.T) {
	openPR := &ci.PullRequest{Number: 1, State: "open"}
	mergedPR := &ci.PullRequest{Number: 1, State: "closed", Merged: true}

	tests := []struct {
		name     string
		pr       *ci.PullRequest
		prErr    error
		statuses []ci.Status
		cleanup  bool
		want     Verdict
		reason   string
	}{
		{"no PR", nil, nil, nil, false, Block, ReasonNoPR},
		{"PR lookup failed", nil, errors.New("network down"), nil, false, Block, ReasonCIUnknown},
		{"CI failed", openPR, nil, []ci.Status{ci.StatusFailure}, false, Block, ReasonCIFailed},
		{"CI pending", openPR, nil, []ci.Status{ci.StatusPending}, false, Block, ReasonCIPending},
		{"CI unknown", openPR, nil, []ci.Status{ci.StatusUnknown}, false, Block, ReasonCIUnknown},
		{"CI unknown then success", openPR, nil, []ci.Status{ci.StatusUnknown, ci.StatusSuccess}, false, Block, ReasonNotMerged},
		{"merged, cleanup pending", mergedPR, nil, []ci.Status{ci.StatusSuccess}, false, Block, ReasonCleanupPending},
		{"not merged", openPR, nil, []ci.Status{ci.StatusSuccess}, false, Block, ReasonNotMerged},
		{"not merged despite cleanup", openPR, nil, []ci.Status{ci.StatusSuccess}, true, Block, ReasonNotMerged},
		{"CI failure beats merge state", mergedPR, nil, []ci.Status{ci.StatusFailure}, true, Block, ReasonCIFailed},
		{"merged and cleaned up", mergedPR, nil, []ci.Status{ci.StatusSuccess}, true, Allow, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			e.oracle.pr = tt.pr
			e.oracle.prErr = tt.prErr
			e.oracle.statuses = tt.statuses
			e.start(t)
			if tt.cleanup {
				require.NoError(t, e.machine.MarkCleanupDone(ctx, sessA.ID))
			}

			d, err := e.machine.Evaluate(ctx, sessA)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Verdict)

			if tt.want == Block {
				assert.Equal(t, tt.reason, d.Reason)
				assert.Equal(t, 1, d.RetryCount)
				st, err := e.store.Load()
				require.NoError(t, err)
				assert.Equal(t, 1, st.RetryCount)
				assert.Equal(t, tt.reason, st.LastBlockReason)
			} else {
				_, err := e.store.Load()
				assert.ErrorIs(t, err, ErrNoState, "finished workflow removes its state")
			}
		})
	}
}

func TestEvaluate_CIStatusRetriedBoundedly(t *testing.T) {
	e := newEnv(t, WithCIRetry(4, 0))
	e.oracle.pr = &ci.PullRequest{Number: 1}
	e.oracle.statusErr = errors.New("502")
	e.start(t)

	d, err := e.machine.Evaluate(context.Background(), sessA)
	require.NoError(t, err)
	assert.Equal(t, ReasonCIUnknown, d.Reason)
	assert.Equal(t, 4, e.oracle.statusCalls)
}

func TestEvaluate_StepFlagsNeverAuthorize(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.start(t)
	for _, step := range Steps() {
		_, err := e.machine.CompleteStep(ctx, sessA.ID, step)
		require.NoError(t, err)
	}

	d, err := e.machine.Evaluate(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, ReasonNoPR, d.Reason)
}

func TestEvaluate_BranchIsolation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.start(t)

	d, err := e.machine.Evaluate(ctx, Session{ID: sessA.ID, Branch: "cp-other", TTY: sessA.TTY})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	_, err = e.store.Load()
	assert.ErrorIs(t, err, ErrNoState, "leaked state is deleted")
}

func TestEvaluate_StateWithoutBranchIsOrphaned(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	st := e.start(t)
	st.Branch = ""
	require.NoError(t, e.store.Save(st))

	for _, branch := range []string{sessA.Branch, "cp-other"} {
		d, err := e.machine.Evaluate(ctx, Session{ID: sessA.ID, Branch: branch, TTY: sessA.TTY})
		require.NoError(t, err)
		assert.Equal(t, Allow, d.Verdict)
	}

	_, err := e.store.Load()
	assert.ErrorIs(t, err, ErrNoState)
	assert.Equal(t, 0, e.oracle.statusCalls)
}

func TestEvaluate_OtherSessionUntouched(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.start(t)
	before, err := os.ReadFile(e.store.Path())
	require.NoError(t, err)

	d, err := e.machine.Evaluate(ctx, Session{ID: "session-b", Branch: sessA.Branch})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	after, err := os.ReadFile(e.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEvaluate_TTYIsolation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.machine.Start(ctx, StartOptions{Branch: sessA.Branch, SessionID: sessA.ID, TTY: "/dev/pts/1"})
	require.NoError(t, err)

	d, err := e.machine.Evaluate(ctx, Session{ID: sessA.ID, Branch: sessA.Branch, TTY: "/dev/pts/2"})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
	_, err = e.store.Load()
	assert.NoError(t, err, "record of another terminal is left alone")

	d, err = e.machine.Evaluate(ctx, Session{ID: sessA.ID, Branch: sessA.Branch, TTY: session.NoTTY})
	require.NoError(t, err)
	assert.Equal(t, Block, d.Verdict, "unknown terminal is not a mismatch")
}

func TestEvaluate_RetryCeiling(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger()
	e := newEnv(t, WithLogger(logger.Logger))
	e.start(t)

	for i := 1; i <= DefaultMaxRetries; i++ {
		d, err := e.machine.Evaluate(ctx, sessA)
		require.NoError(t, err)
		require.Equal(t, Block, d.Verdict, "attempt %d", i)
		require.Equal(t, i, d.RetryCount)
	}

	recs, err := e.ledger.Records()
	require.NoError(t, err)
	assert.Empty(t, recs)

	d, err := e.machine.Evaluate(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
	assert.True(t, d.GaveUp)
	logger.AssertLogged(t, zapcore.ErrorLevel, "retry ceiling reached")
	count, ok := logger.Field("retry ceiling reached", "retry_count")
	require.True(t, ok)
	assert.EqualValues(t, DefaultMaxRetries, count)

	recs, err = e.ledger.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, KindRetryExhausted, recs[0].Kind)
	assert.Equal(t, "cp-feature", recs[0].Branch)
	assert.Equal(t, DefaultMaxRetries, recs[0].RetryCount)
	assert.Equal(t, ReasonNoPR, recs[0].LastBlockReason)

	_, err = e.store.Load()
	assert.ErrorIs(t, err, ErrNoState)

	d, err = e.machine.Evaluate(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
	assert.False(t, d.GaveUp)
	recs, err = e.ledger.Records()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestEvaluate_GiveUpNeedsLedger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WithMaxRetries(1))
	// A file where the ledger directory should be makes the append fail.
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "git"), []byte("x"), 0o644))
	e.start(t)

	_, err := e.machine.Evaluate(ctx, sessA)
	require.NoError(t, err)

	d, err := e.machine.Evaluate(ctx, sessA)
	require.Error(t, err)
	assert.Equal(t, Block, d.Verdict)
	_, loadErr := e.store.Load()
	assert.NoError(t, loadErr, "state survives when the failure record cannot be written")
}

func TestCompleteStep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.start(t)

	st, err := e.machine.CompleteStep(ctx, sessA.ID, StepCode)
	require.NoError(t, err)
	assert.True(t, st.IsDone(StepCode))
	assert.True(t, st.IsDone(StepPRD))
	assert.False(t, st.IsDone(StepTest))

	_, err = e.machine.CompleteStep(ctx, "session-b", StepTest)
	assert.ErrorIs(t, err, session.ErrNotOwner)

	_, err = e.machine.CompleteStep(ctx, sessA.ID, Step(12))
	assert.Error(t, err)

	reloaded, err := e.store.Load()
	require.NoError(t, err)
	assert.True(t, reloaded.IsDone(StepCode))
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.start(t)

	_, err := e.machine.Start(ctx, StartOptions{Branch: sessA.Branch, SessionID: "session-b"})
	assert.ErrorIs(t, err, session.ErrNotOwner)

	_, err = e.machine.Start(ctx, StartOptions{Branch: sessA.Branch, SessionID: "session-b", Force: true})
	assert.NoError(t, err)

	_, err = e.machine.Start(ctx, StartOptions{Branch: sessA.Branch, SessionID: "session-b", Completed: []Step{StepCode}})
	assert.Error(t, err)

	_, err = e.machine.Start(ctx, StartOptions{SessionID: "session-b"})
	assert.Error(t, err)
}

func TestCleanupSignalCountsAsCleanupDone(t *testing.T) {
	ctx := context.Background()
	signals := session.NewCleanupSignals(t.TempDir())
	e := newEnv(t, WithCleanupSignals(signals))
	e.oracle.pr = &ci.PullRequest{Number: 1, Merged: true}
	e.oracle.statuses = []ci.Status{ci.StatusSuccess}
	e.start(t)

	require.NoError(t, signals.Create(sessA.Branch))
	d, err := e.machine.Evaluate(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
	assert.False(t, signals.Check(sessA.Branch), "signal is consumed with the state")
}

func TestParseState_MigratesV1(t *testing.T) {
	v1 := `dev
branch: test-branch
session_id: test-session
tty: not a tty
prd: .prd-test.md
started: 2026-02-07T19:00:00+00:00
step_1_prd: done
step_2_detect: done
step_3_branch: done
step_4_dod: pending
tasks_created: true
pr_merged: true
retry_count: abc
`
	st, err := ParseState([]byte(v1))
	require.NoError(t, err)
	assert.True(t, st.Migrated)
	assert.Equal(t, "test-branch", st.Branch)
	assert.Equal(t, 0, st.RetryCount)
	assert.True(t, st.IsDone(StepBranch))
	assert.False(t, st.IsDone(StepDoD))
	assert.False(t, st.IsDone(StepCleanup), "missing steps default to pending")

	out := string(st.Bytes())
	assert.True(t, strings.HasPrefix(out, "dev\n"))
	assert.Contains(t, out, "format: 2")
	assert.Contains(t, out, "tasks_created: true", "unknown keys survive")
	assert.NotContains(t, out, "pr_merged")
	assert.Contains(t, out, "step_11_cleanup: pending")
	assert.Contains(t, out, "retry_count: 0")

	again, err := ParseState([]byte(out))
	require.NoError(t, err)
	assert.False(t, again.Migrated)
}

func TestParseState_Rejects(t *testing.T) {
	_, err := ParseState([]byte("branch: x\n"))
	assert.ErrorIs(t, err, ErrMalformedState)
	_, err = ParseState([]byte("dev\nformat: 9\n"))
	assert.ErrorIs(t, err, ErrMalformedState)
	_, err = ParseState([]byte("dev\nformat: two\n"))
	assert.ErrorIs(t, err, ErrMalformedState)
}

func TestParseStep(t *testing.T) {
	for in, want := range map[string]Step{"5": StepCode, "code": StepCode, "step_5_code": StepCode, "CI": StepCI, "11": StepCleanup} {
		got, err := ParseStep(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStep("0")
	assert.Error(t, err)
	_, err = ParseStep("deploy")
	assert.Error(t, err)
}

func TestProgress(t *testing.T) {
	st := newState()
	st.markDone(StepPRD)
	st.markDone(StepDetect)
	p := ProgressOf(st)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, StepBranch, p.Next)
	assert.Contains(t, p.String(), "2/11 steps done, next: step_3_branch")
	assert.Contains(t, p.String(), "[x] step_1_prd")
}
