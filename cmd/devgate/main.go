// Package main implements devgate, the governance hooks and operator
// commands for agent-driven development workflows.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

// exitError carries a specific process exit status. err, when set, is
// printed to stderr.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	repoPath   string
	sessionID  string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the result to an exit status.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "devgate: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "devgate: %v\n", err)
	return 1
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "devgate",
		Short: "Governance hooks for autonomous coding agents",
		Long: `devgate keeps an autonomous coding agent honest.

It signs and verifies gate artifacts bound to the current git state, hands
out one-time capability tokens when a delegated evaluation passes, decides
whether a session may stop from pull request and CI state, and coordinates
sessions that share a repository.

The hook subcommands are meant to be installed as agent runtime hooks; the
rest are for operators and for the agent's own workflow steps.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: <repo>/.devgate.yaml or ~/.config/devgate/config.yaml)")
	root.PersistentFlags().StringVarP(&opts.repoPath, "repo", "C", "", "run as if started in this directory")
	root.PersistentFlags().StringVar(&opts.sessionID, "session", "", "agent session id (default: $CLAUDE_SESSION_ID)")

	root.AddCommand(
		newGateCmd(opts),
		newHookCmd(opts),
		newWorkflowCmd(opts),
		newSessionCmd(opts),
		newTokenCmd(opts),
		newPriorityCmd(opts),
		newFailuresCmd(opts),
	)
	return root
}
