package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/devgate/internal/capability"
	"github.com/fyrsmithlabs/devgate/internal/ci"
	"github.com/fyrsmithlabs/devgate/internal/config"
	"github.com/fyrsmithlabs/devgate/internal/gate"
	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/fyrsmithlabs/devgate/internal/workflow"
	"github.com/fyrsmithlabs/devgate/pkg/git"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// stateDirName holds devgate's per-repository files under the git common dir.
const stateDirName = "devgate"

// app is the per-invocation wiring of config, logger and repository.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	dir    string

	// repo is nil when devgate runs outside a repository.
	repo    *git.Repo
	repoErr error

	// explicitSession is the configured session id, possibly empty.
	explicitSession string
	sessionID       string
}

// load resolves the repository, reads configuration and builds the logger.
// A configuration error maps to the CONFIG_ERROR exit status.
func (o *globalOptions) load(cmd *cobra.Command) (*app, error) {
	dir := o.repoPath
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}

	a := &app{dir: dir}
	a.repo, a.repoErr = git.Open(dir)
	root := ""
	if a.repo != nil {
		root = a.repo.Root()
	}

	cfg, err := config.Load(o.configPath, root)
	if err != nil {
		return nil, &exitError{code: gate.ConfigError.ExitCode(), err: err}
	}
	a.cfg = cfg

	lcfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, &exitError{code: gate.ConfigError.ExitCode(), err: err}
	}
	logger, err := logging.NewLogger(lcfg)
	if err != nil {
		return nil, err
	}
	a.logger = logger

	a.explicitSession = o.sessionID
	if a.explicitSession == "" {
		a.explicitSession = cfg.Session.ID
	}
	if a.explicitSession != "" && !session.ValidSessionID(a.explicitSession) {
		return nil, fmt.Errorf("invalid session id %q", a.explicitSession)
	}
	a.sessionID = session.DeriveSessionID(a.explicitSession)

	ctx := logging.WithLogger(cmd.Context(), logger)
	ctx = logging.WithSessionID(ctx, a.sessionID)
	cmd.SetContext(ctx)

	logger.Debug(ctx, "configuration loaded",
		zap.String("repo", root),
		zap.Bool("credential_guard", cfg.Hooks.CredentialGuard),
		logging.Secret("gate_secret", cfg.Gate.Secret),
		logging.Secret("ci_token", cfg.CI.Token))
	return a, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func (a *app) requireRepo() (*git.Repo, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("not inside a git repository: %w", a.repoErr)
	}
	return a.repo, nil
}

func (a *app) stateDir() string {
	return filepath.Join(a.repo.CommonDir(), stateDirName)
}

// codec returns a codec for the repository. A missing secret is not an
// error here: signing and verification then report CONFIG_ERROR.
func (a *app) codec(ctx context.Context) (*gate.Codec, error) {
	repo, err := a.requireRepo()
	if err != nil {
		return nil, err
	}
	secret, err := gate.LoadSecret(a.cfg.Gate)
	if err != nil && !errors.Is(err, gate.ErrMissingSecret) {
		return nil, &exitError{code: gate.ConfigError.ExitCode(), err: err}
	}
	if len(secret) == 0 {
		a.logger.Warn(ctx, "gate secret not configured")
	}
	return gate.NewCodec(repo, repo.Root(), secret, gate.WithLogger(a.logger)), nil
}

func (a *app) broker() (*capability.Broker, error) {
	dir := a.cfg.Tokens.Dir
	if dir == "" {
		repo, err := a.requireRepo()
		if err != nil {
			return nil, err
		}
		dir = capability.StoreDir(repo.CommonDir())
	}
	return capability.NewBroker(dir,
		capability.WithExtraGates(a.cfg.Gate.ExtraGates),
		capability.WithLogger(a.logger)), nil
}

func (a *app) ledger() (*workflow.Ledger, error) {
	if a.cfg.Workflow.LedgerPath != "" {
		return workflow.NewLedger(a.cfg.Workflow.LedgerPath), nil
	}
	if _, err := a.requireRepo(); err != nil {
		return nil, err
	}
	return workflow.NewLedger(filepath.Join(a.stateDir(), "failures.jsonl")), nil
}

// ciOracle talks to GitHub when origin is a GitHub remote.
func (a *app) ciOracle(ctx context.Context) ci.Oracle {
	origin, err := a.repo.OriginURL()
	if err != nil || origin == "" {
		return ci.Unavailable{Reason: "repository has no origin remote"}
	}
	owner, name, ok := git.ParseGitHubRemote(origin)
	if !ok && a.cfg.CI.BaseURL == "" {
		return ci.Unavailable{Reason: "origin is not a GitHub remote"}
	}
	if !ok {
		// Enterprise hosts: take the last two path elements as owner/name.
		owner, name, ok = enterpriseRemote(origin)
		if !ok {
			return ci.Unavailable{Reason: "cannot parse origin " + origin}
		}
	}

	client, err := ci.NewGitHubClient(ctx, a.cfg.CI.Token, a.cfg.CI.BaseURL)
	if err != nil {
		a.logger.Warn(ctx, "github client unavailable", zap.Error(err))
		return ci.Unavailable{Reason: err.Error()}
	}
	noChecks, _ := ci.ParseStatus(a.cfg.CI.NoChecks)
	return ci.NewGitHubOracle(client, owner, name,
		ci.WithNoChecksStatus(noChecks),
		ci.WithLogger(a.logger))
}

func enterpriseRemote(origin string) (owner, name string, ok bool) {
	norm := git.NormalizeRemoteURL(origin)
	dir, name := filepath.Split(norm)
	owner = filepath.Base(filepath.Clean(dir))
	if owner == "" || owner == "." || owner == "/" || name == "" {
		return "", "", false
	}
	return owner, name, true
}

func (a *app) machine(ctx context.Context) (*workflow.Machine, error) {
	repo, err := a.requireRepo()
	if err != nil {
		return nil, err
	}
	ledger, err := a.ledger()
	if err != nil {
		return nil, err
	}
	store := workflow.NewFileStore(filepath.Join(repo.Root(), a.cfg.Workflow.StateFile))
	return workflow.NewMachine(store, ledger, a.ciOracle(ctx),
		workflow.WithMaxRetries(a.cfg.Workflow.MaxRetries),
		workflow.WithCIRetry(a.cfg.CI.MaxRetries, a.cfg.CI.RetryDelay.Duration()),
		workflow.WithCleanupSignals(session.NewCleanupSignals(a.stateDir())),
		workflow.WithLogger(a.logger)), nil
}

func (a *app) registry() *session.Registry {
	return session.NewRegistry(a.cfg.Session.Dir, a.cfg.Session.StaleAge.Duration(),
		session.WithRegistryLogger(a.logger))
}

// currentBranch reads the branch of the repository.
func (a *app) currentBranch(ctx context.Context) (string, error) {
	repo, err := a.requireRepo()
	if err != nil {
		return "", err
	}
	return repo.CurrentBranch(ctx)
}
