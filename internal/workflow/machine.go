package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fyrsmithlabs/devgate/internal/ci"
	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"go.uber.org/zap"
)

// Block reasons, in decision-table order.
const (
	ReasonNoPR           = "PR not created"
	ReasonCIFailed       = "CI failed"
	ReasonCIPending      = "CI in progress"
	ReasonCIUnknown      = "CI status unknown"
	ReasonCleanupPending = "PR merged, cleanup pending"
	ReasonNotMerged      = "PR not merged"
)

const (
	// DefaultMaxRetries is the number of blocks after which a session is let go.
	DefaultMaxRetries = 15

	defaultCIAttempts = 3
	defaultCIDelay    = 5 * time.Second
)

// Verdict is the outcome of a stop attempt.
type Verdict int

const (
	Allow Verdict = iota
	Block
)

func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "allow"
}

// Decision is what the stop hook reports to the runtime.
type Decision struct {
	Verdict    Verdict
	Reason     string
	RetryCount int
	// GaveUp is set when Allow was forced by the retry ceiling.
	GaveUp bool
}

func allow(reason string) Decision { return Decision{Verdict: Allow, Reason: reason} }

// Session identifies the invoking agent session.
type Session struct {
	ID     string
	Branch string
	TTY    string
}

// Machine owns the workflow state of one worktree.
type Machine struct {
	store      *FileStore
	ledger     *Ledger
	oracle     ci.Oracle
	signals    *session.CleanupSignals
	maxRetries int
	ciAttempts int
	ciDelay    time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(m *Machine) { m.maxRetries = n }
}

// WithCIRetry sets how many times CI status is fetched and the pause between tries.
func WithCIRetry(attempts int, delay time.Duration) Option {
	return func(m *Machine) {
		m.ciAttempts = attempts
		m.ciDelay = delay
	}
}

// WithCleanupSignals lets a cleanup signal stand in for cleanup_done.
func WithCleanupSignals(s *session.CleanupSignals) Option {
	return func(m *Machine) { m.signals = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine wires a machine to its state store, failure ledger and CI oracle.
func NewMachine(store *FileStore, ledger *Ledger, oracle ci.Oracle, opts ...Option) *Machine {
	m := &Machine{
		store:      store,
		ledger:     ledger,
		oracle:     oracle,
		maxRetries: DefaultMaxRetries,
		ciAttempts: defaultCIAttempts,
		ciDelay:    defaultCIDelay,
		now:        time.Now,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ciAttempts < 1 {
		m.ciAttempts = 1
	}
	return m
}

// StartOptions describe a new workflow.
type StartOptions struct {
	Branch    string
	SessionID string
	TTY       string
	PRD       string
	// Completed pre-marks early steps (prd, detect, branch) as done.
	Completed []Step
	// Force replaces a record owned by another session.
	Force bool
}

// Start creates the state record for a branch and session.
func (m *Machine) Start(ctx context.Context, opts StartOptions) (*State, error) {
	if opts.Branch == "" {
		return nil, errors.New("workflow start requires a branch")
	}
	if !session.ValidSessionID(opts.SessionID) {
		return nil, fmt.Errorf("invalid session id %q", opts.SessionID)
	}

	existing, err := m.store.Load()
	switch {
	case err == nil:
		if !opts.Force && existing.Branch == opts.Branch && !session.CheckOwnership(existing.SessionID, opts.SessionID) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotOwner, existing.SessionID)
		}
	case errors.Is(err, ErrNoState), errors.Is(err, ErrMalformedState):
	default:
		return nil, err
	}

	st := newState()
	st.Branch = opts.Branch
	st.SessionID = opts.SessionID
	st.TTY = session.NormalizeTTY(opts.TTY)
	st.PRD = opts.PRD
	st.Started = m.now().UTC().Format(time.RFC3339)
	for _, step := range opts.Completed {
		if step < StepPRD || step > StepBranch {
			return nil, fmt.Errorf("step %s cannot be completed at start", step)
		}
		st.markDone(step)
	}

	if err := m.store.Save(st); err != nil {
		return nil, err
	}
	if m.signals != nil {
		_ = m.signals.Remove(opts.Branch)
	}
	m.logger.Info(ctx, "workflow started", zap.String("branch", st.Branch))
	return st, nil
}

// load reads the state and checks that sessionID owns it.
func (m *Machine) load(sessionID string) (*State, error) {
	st, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if !session.CheckOwnership(st.SessionID, sessionID) {
		return nil, session.ErrNotOwner
	}
	return st, nil
}

// CompleteStep marks step done. Completing a done step is a no-op.
func (m *Machine) CompleteStep(ctx context.Context, sessionID string, step Step) (*State, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("invalid step %d", int(step))
	}
	st, err := m.load(sessionID)
	if err != nil {
		return nil, err
	}
	if st.IsDone(step) {
		return st, nil
	}
	st.markDone(step)
	if err := m.store.Save(st); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "workflow step completed", zap.String("step", step.Key()))
	return st, nil
}

// MarkCleanupDone sets the terminal marker.
func (m *Machine) MarkCleanupDone(ctx context.Context, sessionID string) error {
	st, err := m.load(sessionID)
	if err != nil {
		return err
	}
	st.CleanupDone = true
	st.markDone(StepCleanup)
	if err := m.store.Save(st); err != nil {
		return err
	}
	if m.signals != nil {
		if err := m.signals.Create(st.Branch); err != nil {
			m.logger.Warn(ctx, "creating cleanup signal", zap.Error(err))
		}
	}
	m.logger.Info(ctx, "workflow cleanup recorded", zap.String("branch", st.Branch))
	return nil
}

// State returns the current record without ownership checks, for display.
func (m *Machine) State() (*State, error) {
	return m.store.Load()
}

// Evaluate decides whether sess may stop. The checklist is never consulted;
// only the pull request, CI and the cleanup marker count.
func (m *Machine) Evaluate(ctx context.Context, sess Session) (Decision, error) {
	st, err := m.store.Load()
	switch {
	case errors.Is(err, ErrNoState):
		return allow("no active workflow"), nil
	case errors.Is(err, ErrMalformedState):
		m.logger.Warn(ctx, "ignoring unreadable workflow state", zap.Error(err))
		return allow("workflow state unreadable"), nil
	case err != nil:
		return Decision{}, err
	}

	if st.Branch == "" {
		m.logger.Warn(ctx, "removing workflow state with no branch",
			zap.String("current_branch", sess.Branch))
		if err := m.store.Delete(); err != nil {
			return Decision{}, err
		}
		return allow("workflow state has no branch"), nil
	}
	if st.Branch != sess.Branch {
		m.logger.Warn(ctx, "removing workflow state left by another branch",
			zap.String("state_branch", st.Branch),
			zap.String("current_branch", sess.Branch))
		if err := m.store.Delete(); err != nil {
			return Decision{}, err
		}
		return allow("workflow state belonged to branch " + st.Branch), nil
	}
	if !session.CheckOwnership(st.SessionID, sess.ID) {
		return allow("workflow belongs to another session"), nil
	}
	if session.TTYMismatch(st.TTY, sess.TTY) {
		return allow("workflow belongs to another terminal"), nil
	}

	reason, done, err := m.decide(ctx, st)
	if err != nil {
		return Decision{}, err
	}
	if done {
		if err := m.store.Delete(); err != nil {
			return Decision{}, err
		}
		if m.signals != nil {
			_ = m.signals.Remove(st.Branch)
		}
		m.logger.Info(ctx, "workflow complete", zap.String("branch", st.Branch))
		return allow("workflow complete"), nil
	}
	return m.block(ctx, st, sess, reason)
}

// decide walks the decision table. done reports the final Allow row.
func (m *Machine) decide(ctx context.Context, st *State) (reason string, done bool, err error) {
	pr, err := m.oracle.PullRequest(ctx, st.Branch)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		m.logger.Warn(ctx, "pull request lookup failed", zap.Error(err))
		return ReasonCIUnknown, false, nil
	}
	if pr == nil {
		return ReasonNoPR, false, nil
	}

	switch status := m.ciStatus(ctx, st.Branch); status {
	case ci.StatusFailure:
		return ReasonCIFailed, false, nil
	case ci.StatusPending:
		return ReasonCIPending, false, nil
	case ci.StatusUnknown:
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return ReasonCIUnknown, false, nil
	}

	cleanupDone := st.CleanupDone || (m.signals != nil && m.signals.Check(st.Branch))
	switch {
	case pr.Merged && !cleanupDone:
		return ReasonCleanupPending, false, nil
	case !pr.Merged:
		return ReasonNotMerged, false, nil
	}
	return "", true, nil
}

// ciStatus polls the oracle with a fixed delay until it gives a definite
// answer or the attempts run out.
func (m *Machine) ciStatus(ctx context.Context, branch string) ci.Status {
	status := ci.StatusUnknown
	attempt := 0
	op := func() error {
		attempt++
		s, err := m.oracle.Status(ctx, branch)
		if err != nil {
			m.logger.Debug(ctx, "CI status query failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		status = s
		if s == ci.StatusUnknown {
			return errors.New("CI status unknown")
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.ciDelay), uint64(m.ciAttempts-1)),
		ctx)
	if err := backoff.Retry(op, b); err != nil {
		m.logger.Warn(ctx, "CI status unknown after retries",
			zap.Int("attempts", attempt), zap.Error(err))
		return ci.StatusUnknown
	}
	return status
}

// block records a Block, or gives up once the ceiling is reached. Giving up
// requires the failure record to be written first; if that fails the
// session stays blocked.
func (m *Machine) block(ctx context.Context, st *State, sess Session, reason string) (Decision, error) {
	if st.RetryCount >= m.maxRetries {
		rec := FailureRecord{
			Kind:            KindRetryExhausted,
			Branch:          st.Branch,
			SessionID:       st.SessionID,
			Timestamp:       m.now().UTC(),
			RetryCount:      st.RetryCount,
			LastBlockReason: reason,
		}
		if err := m.ledger.Append(ctx, rec); err != nil {
			return Decision{Verdict: Block, Reason: reason, RetryCount: st.RetryCount},
				fmt.Errorf("recording retry exhaustion: %w", err)
		}
		if err := m.store.Delete(); err != nil {
			return Decision{}, err
		}
		m.logger.Error(ctx, "workflow retry ceiling reached, allowing stop",
			zap.Int("retry_count", st.RetryCount),
			zap.String("last_block_reason", reason))
		return Decision{
			Verdict:    Allow,
			Reason:     fmt.Sprintf("gave up after %d blocked attempts: %s", st.RetryCount, reason),
			RetryCount: st.RetryCount,
			GaveUp:     true,
		}, nil
	}

	// No lock is held across the decision; re-check ownership before writing.
	current, err := m.store.Load()
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return Decision{Verdict: Block, Reason: reason, RetryCount: st.RetryCount}, nil
		}
		return Decision{}, err
	}
	if current.Branch != st.Branch || !session.CheckOwnership(current.SessionID, sess.ID) {
		return allow("workflow state changed hands"), nil
	}

	// retry_count never goes down, even if a concurrent writer raced us.
	count := st.RetryCount
	if current.RetryCount > count {
		count = current.RetryCount
	}
	current.RetryCount = count + 1
	current.LastBlockReason = reason
	if err := m.store.Save(current); err != nil {
		return Decision{}, err
	}
	m.logger.Info(ctx, "stop blocked",
		zap.String("reason", reason),
		zap.Int("retry_count", current.RetryCount))
	return Decision{Verdict: Block, Reason: reason, RetryCount: current.RetryCount}, nil
}
