package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/gate"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/fyrsmithlabs/devgate/internal/workflow"
	"github.com/spf13/cobra"
)

func newWorkflowCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage the per-branch development workflow record",
	}
	cmd.AddCommand(
		newWorkflowStartCmd(opts),
		newWorkflowStepCmd(opts),
		newWorkflowCleanupCmd(opts),
		newWorkflowStatusCmd(opts),
	)
	return cmd
}

func newWorkflowStartCmd(opts *globalOptions) *cobra.Command {
	var (
		prd   string
		done  []string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow on the current branch",
		Long: `Create the workflow record for the current branch and session. From now
on the stop hook refuses to end the session until a pull request exists,
CI has passed, it is merged and cleanup has run.

Examples:
  devgate workflow start --prd .prd-login.md --done prd,detect,branch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			branch, err := a.currentBranch(ctx)
			if err != nil {
				return err
			}
			var completed []workflow.Step
			for _, v := range done {
				step, err := workflow.ParseStep(strings.TrimSpace(v))
				if err != nil {
					return err
				}
				completed = append(completed, step)
			}
			m, err := a.machine(ctx)
			if err != nil {
				return err
			}

			repoID, _ := a.repo.RepoID(ctx)
			if others, err := a.registry().Conflicts(ctx, repoID, branch, a.sessionID); err == nil {
				for _, o := range others {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: session %s (pid %d) is also working on %s\n", o.SessionID, o.PID, branch)
				}
			}

			st, err := m.Start(ctx, workflow.StartOptions{
				Branch:    branch,
				SessionID: a.sessionID,
				TTY:       session.CurrentTTY(),
				PRD:       prd,
				Completed: completed,
				Force:     force,
			})
			if err != nil {
				return err
			}
			cmd.Printf("workflow started on %s (session %s)\n", st.Branch, st.SessionID)
			cmd.Print(workflow.ProgressOf(st).String())
			return nil
		},
	}
	cmd.Flags().StringVar(&prd, "prd", "", "requirements document for this workflow")
	cmd.Flags().StringSliceVar(&done, "done", nil, "steps already complete (prd, detect, branch)")
	cmd.Flags().BoolVar(&force, "force", false, "take over a record owned by another session")
	return cmd
}

func newWorkflowStepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "step <n|label>",
		Short: "Mark a checklist step done",
		Long: `Mark a checklist step done. Steps are progress display only; they never
allow the session to stop.

Steps: 1 prd, 2 detect, 3 branch, 4 dod, 5 code, 6 test, 7 quality, 8 pr,
9 ci, 10 learning, 11 cleanup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			step, err := workflow.ParseStep(args[0])
			if err != nil {
				return err
			}
			m, err := a.machine(ctx)
			if err != nil {
				return err
			}
			st, err := m.CompleteStep(ctx, a.sessionID, step)
			if err != nil {
				return err
			}
			cmd.Print(workflow.ProgressOf(st).String())
			return nil
		},
	}
}

func newWorkflowCleanupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove gate artifacts and record that cleanup is done",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			repo, err := a.requireRepo()
			if err != nil {
				return err
			}
			m, err := a.machine(ctx)
			if err != nil {
				return err
			}
			removed, err := gate.RemoveArtifacts(repo.Root())
			if err != nil {
				return err
			}
			for _, name := range removed {
				cmd.Printf("removed %s\n", name)
			}
			if err := m.MarkCleanupDone(ctx, a.sessionID); err != nil {
				return err
			}
			cmd.Println("cleanup recorded")
			return nil
		},
	}
}

type statusOutput struct {
	Branch          string   `json:"branch"`
	SessionID       string   `json:"session_id"`
	PRD             string   `json:"prd,omitempty"`
	Completed       int      `json:"completed"`
	Total           int      `json:"total"`
	Next            string   `json:"next,omitempty"`
	RetryCount      int      `json:"retry_count"`
	LastBlockReason string   `json:"last_block_reason,omitempty"`
	CleanupDone     bool     `json:"cleanup_done"`
	Done            []string `json:"done"`
}

func newWorkflowStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workflow record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			m, err := a.machine(ctx)
			if err != nil {
				return err
			}
			st, err := m.State()
			if err != nil {
				return err
			}
			p := workflow.ProgressOf(st)

			if asJSON {
				out := statusOutput{
					Branch:          st.Branch,
					SessionID:       st.SessionID,
					PRD:             st.PRD,
					Completed:       p.Completed,
					Total:           p.Total,
					RetryCount:      st.RetryCount,
					LastBlockReason: st.LastBlockReason,
					CleanupDone:     st.CleanupDone,
					Done:            []string{},
				}
				if p.Next != 0 {
					out.Next = p.Next.Key()
				}
				for _, sp := range p.Steps {
					if sp.Status == workflow.Done {
						out.Done = append(out.Done, sp.Step.Key())
					}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			cmd.Printf("branch: %s\nsession: %s\n", st.Branch, st.SessionID)
			if st.RetryCount > 0 {
				cmd.Printf("blocked stops: %d (last: %s)\n", st.RetryCount, st.LastBlockReason)
			}
			cmd.Print(p.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
