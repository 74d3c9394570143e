package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/workflow"
	"github.com/spf13/cobra"
)

func newFailuresCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List sessions that were released after exhausting stop retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ledger, err := a.ledger()
			if err != nil {
				return err
			}
			recs, err := ledger.Records()
			if err != nil {
				return err
			}

			if asJSON {
				if recs == nil {
					recs = []workflow.FailureRecord{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(recs) == 0 {
				cmd.Println("no failures recorded")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tBRANCH\tSESSION\tRETRIES\tLAST REASON")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					r.Timestamp.Local().Format(time.DateTime), r.Branch, r.SessionID, r.RetryCount, r.LastBlockReason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
