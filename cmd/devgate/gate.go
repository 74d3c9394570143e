package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/capability"
	"github.com/fyrsmithlabs/devgate/internal/gate"
	"github.com/spf13/cobra"
)

func newGateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Sign and verify gate artifacts",
	}
	cmd.AddCommand(newGateSignCmd(opts), newGateVerifyCmd(opts), newGateInitSecretCmd(opts))
	return cmd
}

func newGateSignCmd(opts *globalOptions) *cobra.Command {
	var (
		decision string
		ttl      time.Duration
		consume  bool
	)
	cmd := &cobra.Command{
		Use:   "sign <gate>",
		Short: "Write a signed gate artifact bound to the current git state",
		Long: `Write .gate-<gate>-passed in the repository root, signed with the gate
secret and bound to the current branch, HEAD commit, tree and repository.

With --consume the session's capability token for the gate is destroyed
first and signing only happens if that succeeded. Agents must always use
--consume; the pre-tool-use hook refuses anything else.

Examples:
  # Sign after a passing gate:audit evaluation (agent)
  devgate gate sign audit --consume

  # Record a failing QA decision by hand (operator)
  devgate gate sign qa --decision FAIL --ttl 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			name := args[0]
			if !gate.IsKnownGate(name, a.cfg.Gate.ExtraGates) {
				return fmt.Errorf("%w %q", capability.ErrUnknownGate, name)
			}
			d, err := gate.ParseDecision(decision)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = a.cfg.Gate.TTL.Duration()
			}
			codec, err := a.codec(ctx)
			if err != nil {
				return err
			}

			var artifact *gate.Artifact
			sign := func(ctx context.Context) error {
				var err error
				artifact, err = codec.Sign(ctx, name, d, ttl)
				return err
			}
			if consume {
				broker, err := a.broker()
				if err != nil {
					return err
				}
				err = broker.Consume(ctx, name, a.sessionID, sign)
			} else {
				err = sign(ctx)
			}
			switch {
			case errors.Is(err, gate.ErrMissingSecret):
				return &exitError{code: gate.ConfigError.ExitCode(), err: err}
			case errors.Is(err, capability.ErrNoToken):
				return fmt.Errorf("%w for gate %q in session %s", err, name, a.sessionID)
			case err != nil:
				return err
			}

			cmd.Printf("%s %s signed for %s@%s, expires %s\n",
				codec.Path(name), artifact.Decision, artifact.Branch, shortSHA(artifact.CommitSHA), artifact.ExpiresAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "PASS", "gate decision (PASS or FAIL)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "artifact lifetime (default: gate.ttl, 30m)")
	cmd.Flags().BoolVar(&consume, "consume", false, "require and destroy the session's capability token")
	return cmd
}

func newGateVerifyCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify <gate|file>",
		Short: "Verify a gate artifact; the exit status is the result code",
		Long: `Verify a gate artifact against the secret and the current git state.

The exit status is stable and matches the earlier shell verifier:
  0 OK, 3 CONFIG_ERROR, 4 FORMAT_ERROR, 5 SIGNATURE_FAIL, 6 BRANCH_MISMATCH,
  7 EXPIRED, 8 HEAD_MISMATCH, 9 REPO_MISMATCH

A FAIL decision that verifies is still OK; check the printed decision.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			codec, err := a.codec(ctx)
			if err != nil {
				return err
			}
			target := args[0]
			var res gate.Result
			if looksLikePath(target) {
				res = codec.VerifyFile(ctx, target)
			} else {
				res = codec.VerifyGate(ctx, target)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				line := res.Status
				if res.Artifact != nil {
					line += fmt.Sprintf(" %s %s", res.Artifact.Gate, res.Artifact.Decision)
				}
				if res.Reason != "" {
					line += ": " + res.Reason
				}
				cmd.Println(line)
				if res.Warning != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Warning)
				}
			}
			if res.Code != gate.OK {
				return &exitError{code: res.Code.ExitCode()}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func looksLikePath(s string) bool {
	if strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, ".") {
		return true
	}
	_, err := os.Stat(s)
	return err == nil
}

func newGateInitSecretCmd(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-secret",
		Short: "Create the gate signing secret file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			path := a.cfg.Gate.SecretFile
			if path == "" {
				return errors.New("gate.secret_file is not set and no home directory is available")
			}
			if err := gate.InitSecretFile(path, force); err != nil {
				return err
			}
			cmd.Printf("gate secret written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing secret")
	return cmd
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
