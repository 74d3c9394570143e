package main

import (
	"github.com/fyrsmithlabs/devgate/internal/capability"
	"github.com/fyrsmithlabs/devgate/internal/gate"
	"github.com/fyrsmithlabs/devgate/internal/hooks"
	"github.com/fyrsmithlabs/devgate/internal/secrets"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newHookCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Agent runtime hooks (read the event JSON on stdin)",
		Long: `Agent runtime hooks. Each reads one event document on stdin and answers
with its exit status: 0 lets the runtime proceed, 2 refuses. The reason is
written to stderr; the stop hook also prints {"decision":"block",...} on
stdout.

Example runtime settings:
  "Stop":        [{"hooks": [{"type": "command", "command": "devgate hook stop"}]}]
  "PreToolUse":  [{"hooks": [{"type": "command", "command": "devgate hook pre-tool-use"}]}]
  "PostToolUse": [{"hooks": [{"type": "command", "command": "devgate hook post-tool-use"}]}]`,
	}
	cmd.AddCommand(
		newHookRunCmd(opts, "stop", hooks.HookStop, "Decide whether the session may stop"),
		newHookRunCmd(opts, "pre-tool-use", hooks.HookPreToolUse, "Guard a tool call before it runs"),
		newHookRunCmd(opts, "post-tool-use", hooks.HookPostToolUse, "Issue capability tokens for passing gate evaluations"),
	)
	return cmd
}

func newHookRunCmd(opts *globalOptions, use string, hookType hooks.HookType, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, decodeErr := hooks.DecodeInput(cmd.InOrStdin())
			if decodeErr == nil && opts.repoPath == "" && in.Cwd != "" {
				opts.repoPath = in.Cwd
			}

			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if decodeErr != nil {
				// Nothing can be checked without the event; let the runtime go on.
				a.logger.Warn(ctx, "unreadable hook input", zap.Error(decodeErr))
				return nil
			}

			manager, err := a.hookManager(cmd)
			if err != nil {
				return err
			}
			resp, err := manager.Execute(ctx, hookType, in)
			if err != nil {
				a.logger.Error(ctx, "hook failed", zap.Error(err))
				return err
			}
			if err := resp.Write(cmd.OutOrStdout(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			if code := resp.ExitCode(); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// hookManager wires every component the handlers need. Components that
// cannot be built outside a repository are left nil.
func (a *app) hookManager(cmd *cobra.Command) (*hooks.HookManager, error) {
	ctx := cmd.Context()
	cfg := hooks.FromAppConfig(a.cfg)
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: gate.ConfigError.ExitCode(), err: err}
	}

	h := &hooks.Handlers{
		SessionID: a.explicitSession,
		TTY:       session.CurrentTTY(),
		Logger:    a.logger,
	}

	if a.cfg.Hooks.CredentialGuard {
		scfg := secrets.DefaultConfig()
		scfg.CredentialDirs = a.cfg.Hooks.CredentialDirs
		scfg.AllowList = append(scfg.AllowList, a.cfg.Hooks.CredentialAllowList...)
		guard, err := secrets.New(scfg)
		if err != nil {
			return nil, &exitError{code: gate.ConfigError.ExitCode(), err: err}
		}
		h.Credentials = guard
	}

	if a.repo != nil {
		broker, err := a.broker()
		if err != nil {
			return nil, err
		}
		h.Broker = broker
		h.StoreGuard = capability.NewGuard(broker.Dir())

		// Without a codec gate signing and PR creation are refused.
		if codec, err := a.codec(ctx); err != nil {
			a.logger.Warn(ctx, "gate codec unavailable", zap.Error(err))
		} else {
			h.Codec = codec
		}

		machine, err := a.machine(ctx)
		if err != nil {
			return nil, err
		}
		h.Machine = machine
	}

	manager := hooks.NewHookManager(cfg, a.logger)
	h.Register(manager)
	return manager, nil
}
