package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/priority"
	"github.com/spf13/cobra"
)

func newPriorityCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "priority [text]",
		Short: "Classify the current change as P0 to P3",
		Long: `Classify a change. With text, only the text is examined. Without it the
sources are consulted in order and the first hit wins:

  docs/QA-DECISION.md   a "Priority: Pn" line
  PR_PRIORITY           environment
  PR_TITLE              environment
  PR_LABELS             environment, comma separated
  branch.<name>.priority  git config`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			var res priority.Result
			if len(args) == 1 {
				res = priority.Classify(args[0])
			} else {
				src := priority.Sources{
					Env:    os.Getenv("PR_PRIORITY"),
					Title:  os.Getenv("PR_TITLE"),
					Labels: os.Getenv("PR_LABELS"),
				}
				if a.repo != nil {
					src.QADecisionPath = filepath.Join(a.repo.Root(), "docs", "QA-DECISION.md")
					if branch, err := a.repo.CurrentBranch(ctx); err == nil {
						src.GitConfig, _ = a.repo.ConfigValue("branch", branch, "priority")
					}
				}
				res, err = priority.Detect(src)
				if err != nil {
					return err
				}
			}

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			}
			cmd.Printf("%s (%s)\n", strings.ToUpper(string(res.Priority)), res.Source)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
