package hooks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/capability"
	"github.com/fyrsmithlabs/devgate/internal/gate"
	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/fyrsmithlabs/devgate/internal/secrets"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/fyrsmithlabs/devgate/internal/workflow"
	"github.com/fyrsmithlabs/devgate/pkg/git"
	"go.uber.org/zap"
)

var prCreate = regexp.MustCompile(`(?:^|[\s;&|(])gh\s+pr\s+create\b`)

// fileTools write to tool_input.file_path or notebook_path.
var fileTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// evaluatorTools run delegated evaluations.
var evaluatorTools = map[string]bool{
	"Task":  true,
	"Agent": true,
}

// Handlers wires devgate's components to the hook types. Nil components
// disable the handlers that need them, except Codec and Broker: gate
// signing and PR creation are refused outright without them.
type Handlers struct {
	Config      *Config
	Machine     *workflow.Machine
	Broker      *capability.Broker
	StoreGuard  *capability.Guard
	Credentials *secrets.Guard
	Codec       *gate.Codec

	// SessionID overrides the session id sent by the runtime.
	SessionID string
	TTY       string

	// Branch reports the branch checked out at dir. Defaults to git.DetectBranch.
	Branch func(dir string) (string, error)

	Logger *logging.Logger
}

// Register adds the handlers to m in evaluation order.
func (h *Handlers) Register(m *HookManager) {
	if h.Config == nil {
		h.Config = m.Config()
	}
	if h.Branch == nil {
		h.Branch = git.DetectBranch
	}
	if h.Logger == nil {
		h.Logger = logging.NewNop()
	}

	m.RegisterHandler(HookStop, h.Stop)

	m.RegisterHandler(HookPreToolUse, h.GuardTokenStore)
	m.RegisterHandler(HookPreToolUse, h.GuardCredentials)
	m.RegisterHandler(HookPreToolUse, h.GuardGateSigning)
	m.RegisterHandler(HookPreToolUse, h.GuardPullRequest)
	m.RegisterHandler(HookPreToolUse, h.GuardProtectedBranch)

	m.RegisterHandler(HookPostToolUse, h.IssueToken)
}

func (h *Handlers) sessionID(in *Input) string {
	if h.SessionID != "" {
		return h.SessionID
	}
	if session.ValidSessionID(in.SessionID) {
		return in.SessionID
	}
	return ""
}

func (h *Handlers) dir(in *Input) string {
	if in.Cwd != "" {
		return in.Cwd
	}
	return "."
}

// Stop decides whether the session may end.
func (h *Handlers) Stop(ctx context.Context, in *Input) (*Response, error) {
	if h.Machine == nil {
		return Allow(), nil
	}
	branch, err := h.Branch(h.dir(in))
	if err != nil {
		h.Logger.Debug(ctx, "no branch, stop allowed", zap.Error(err))
		return Allow(), nil
	}
	ctx = logging.WithBranch(ctx, branch)

	sess := workflow.Session{ID: h.sessionID(in), Branch: branch, TTY: h.TTY}
	decision, err := h.Machine.Evaluate(ctx, sess)
	if err != nil {
		if decision.Verdict == workflow.Block {
			h.Logger.Error(ctx, "stop blocked after internal failure", zap.Error(err))
			return Block(decision.Reason), nil
		}
		return nil, err
	}

	if decision.Verdict == workflow.Block {
		resp := Block(decision.Reason)
		resp.Message = fmt.Sprintf("%s (blocked %d times)", decision.Reason, decision.RetryCount)
		return resp, nil
	}
	if decision.GaveUp {
		h.Logger.Warn(ctx, "stop allowed after retry ceiling", zap.String("reason", decision.Reason))
	}
	return Allow(), nil
}

// GuardTokenStore refuses shell commands and file writes that touch the
// capability token store.
func (h *Handlers) GuardTokenStore(ctx context.Context, in *Input) (*Response, error) {
	if h.StoreGuard == nil {
		return Allow(), nil
	}
	var err error
	switch {
	case in.ToolName == "Bash":
		err = h.StoreGuard.CheckCommand(in.ToolInput.Command)
	case fileTools[in.ToolName]:
		if p := in.ToolInput.Path(); p != "" {
			err = h.StoreGuard.CheckPath(h.abs(in, p))
		}
	}
	if errors.Is(err, capability.ErrStoreTampering) {
		return Deny(err.Error()), nil
	}
	return Allow(), err
}

// GuardCredentials refuses commands that leak credentials.
func (h *Handlers) GuardCredentials(ctx context.Context, in *Input) (*Response, error) {
	if in.ToolName != "Bash" || !h.Config.CredentialGuard || h.Credentials == nil {
		return Allow(), nil
	}
	err := h.Credentials.CheckCommand(in.ToolInput.Command)
	var v *secrets.Violation
	if errors.As(err, &v) {
		h.Logger.Warn(ctx, "credential guard refused command",
			zap.String("kind", string(v.Kind)),
			zap.Strings("rules", v.Rules))
		return Deny(v.Error() + ": keep credentials out of commands and files, load them from the environment"), nil
	}
	return Allow(), err
}

// GuardGateSigning permits a gate artifact request only when the session
// holds a capability token for that gate. A command may carry one request.
// The legacy script form is signed here after consuming the token;
// `devgate gate sign` must carry --consume and the runtime's session id so
// the command itself destroys this session's token before signing.
func (h *Handlers) GuardGateSigning(ctx context.Context, in *Input) (*Response, error) {
	if in.ToolName != "Bash" {
		return Allow(), nil
	}
	invs, err := capability.ParseSignInvocations(in.ToolInput.Command, h.Config.ExtraGates)
	switch {
	case len(invs) == 0:
		return Allow(), nil
	case err != nil:
		return Deny("gate signing refused: " + err.Error()), nil
	case len(invs) > 1:
		return Deny("gate signing refused: sign one gate per command, each with its own token"), nil
	}
	inv := invs[0]
	name := inv.Gate

	if h.Broker == nil {
		return Deny("gate signing refused: token store unavailable"), nil
	}
	sid := h.sessionID(in)
	if sid == "" {
		return Deny("gate signing refused: no session id"), nil
	}
	ctx = logging.WithSessionID(ctx, sid)

	if !inv.Legacy {
		usage := fmt.Sprintf("devgate gate sign %s --consume --session %s", name, sid)
		if !inv.Consume {
			return Deny("gate signing refused: use `" + usage + "`"), nil
		}
		// Without --session the command resolves the id from its environment,
		// which only matches when this hook was given the same explicit id.
		session := inv.Session
		if session == "" {
			session = h.SessionID
		}
		if session != sid {
			h.Logger.Warn(ctx, "gate signing for another session refused",
				zap.String("gate", name), zap.String("requested_session", inv.Session))
			return Deny("gate signing refused: the token must be spent by this session, use `" + usage + "`"), nil
		}
		if _, err := h.Broker.Lookup(name, sid); err != nil {
			return Deny(noTokenReason(name)), nil
		}
		return Allow(), nil
	}

	if h.Codec == nil {
		return Deny("gate signing refused: signing secret not configured"), nil
	}
	err = h.Broker.Consume(ctx, name, sid, func(ctx context.Context) error {
		_, err := h.Codec.Sign(ctx, name, gate.Pass, h.Config.GateTTL)
		return err
	})
	switch {
	case errors.Is(err, capability.ErrNoToken):
		return Deny(noTokenReason(name)), nil
	case err != nil:
		h.Logger.Error(ctx, "gate signing failed after token consumption", zap.String("gate", name), zap.Error(err))
		return Deny("gate signing failed: " + err.Error()), nil
	}
	return Allow(), nil
}

func noTokenReason(name string) string {
	return fmt.Sprintf("no capability token for gate %q in this session: run the gate:%s evaluation and get a PASS first", name, name)
}

// GuardPullRequest refuses `gh pr create` until every required gate has a
// valid PASS artifact.
func (h *Handlers) GuardPullRequest(ctx context.Context, in *Input) (*Response, error) {
	if in.ToolName != "Bash" || len(h.Config.RequireGatesForPR) == 0 || !prCreate.MatchString(in.ToolInput.Command) {
		return Allow(), nil
	}
	if h.Codec == nil {
		return Deny("pull request refused: gate verification unavailable"), nil
	}
	var missing []string
	for _, name := range h.Config.RequireGatesForPR {
		res := h.Codec.VerifyGate(ctx, name)
		if res.Passed() {
			continue
		}
		detail := res.Code.String()
		if res.Valid() {
			detail = "decision " + string(res.Artifact.Decision)
		}
		missing = append(missing, fmt.Sprintf("%s (%s)", name, detail))
	}
	if len(missing) > 0 {
		return Deny("pull request refused, gates not passed: " + strings.Join(missing, ", ")), nil
	}
	return Allow(), nil
}

// codeExtensions are the file types protected on protected branches.
var codeExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
	".py": true, ".go": true, ".sh": true, ".rs": true, ".java": true, ".rb": true,
}

// engineSkills are runtime skills that drive the workflow itself.
var engineSkills = []string{"dev", "qa", "audit", "semver"}

// GuardProtectedBranch refuses code edits on protected branches and any
// edit to the runtime's hook scripts and workflow skills.
func (h *Handlers) GuardProtectedBranch(ctx context.Context, in *Input) (*Response, error) {
	if !fileTools[in.ToolName] {
		return Allow(), nil
	}
	p := in.ToolInput.Path()
	if p == "" {
		return Allow(), nil
	}
	p = h.abs(in, p)

	if h.isEngineFile(p) {
		return Deny("editing the agent's hooks or workflow skills is not allowed: " + p), nil
	}
	if !isCodePath(p) {
		return Allow(), nil
	}
	branch, err := h.Branch(filepath.Dir(p))
	if err != nil {
		return Allow(), nil
	}
	if git.IsProtectedBranch(branch, h.Config.ProtectedBranches) {
		return Deny(fmt.Sprintf("code edits on protected branch %q are not allowed: create a feature branch first", branch)), nil
	}
	return Allow(), nil
}

func (h *Handlers) isEngineFile(p string) bool {
	if h.Config.Home == "" {
		return false
	}
	claude := filepath.Join(h.Config.Home, ".claude")
	if within(filepath.Join(claude, "hooks"), p) {
		return true
	}
	for _, s := range engineSkills {
		if within(filepath.Join(claude, "skills", s), p) {
			return true
		}
	}
	return false
}

func isCodePath(p string) bool {
	if codeExtensions[strings.ToLower(filepath.Ext(p))] {
		return true
	}
	slash := filepath.ToSlash(p)
	return strings.Contains(slash, "/hooks/") || strings.Contains(slash, "/.github/workflows/")
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (h *Handlers) abs(in *Input, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(h.dir(in), p)
	}
	return filepath.Clean(p)
}

// IssueToken hands a capability token to the session when a delegated
// gate evaluation reports PASS.
func (h *Handlers) IssueToken(ctx context.Context, in *Input) (*Response, error) {
	if !evaluatorTools[in.ToolName] || h.Broker == nil {
		return Allow(), nil
	}
	sid := h.sessionID(in)
	if sid == "" {
		h.Logger.Warn(ctx, "gate evaluation finished without a session id, no token issued")
		return Allow(), nil
	}
	ctx = logging.WithSessionID(ctx, sid)

	ev := capability.Evaluation{Description: in.ToolInput.Description, Result: in.ResultText()}
	_, err := h.Broker.Issue(ctx, ev, sid)
	switch {
	case errors.Is(err, capability.ErrNotEligible), errors.Is(err, capability.ErrNotPassed):
		return Allow(), nil
	case err != nil:
		return nil, err
	}
	return Allow(), nil
}
