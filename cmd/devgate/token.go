package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or revoke gate-signing capability tokens",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "revoke <gate>",
			Short: "Remove this session's token for a gate",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := opts.load(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				b, err := a.broker()
				if err != nil {
					return err
				}
				if err := b.Revoke(cmd.Context(), args[0], a.sessionID); err != nil {
					return err
				}
				cmd.Printf("revoked %s token for session %s\n", args[0], a.sessionID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <gate>",
			Short: "Show whether this session holds a token for a gate",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := opts.load(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				b, err := a.broker()
				if err != nil {
					return err
				}
				tok, err := b.Lookup(args[0], a.sessionID)
				if err != nil {
					return err
				}
				cmd.Printf("gate: %s\nsession: %s\n", tok.Gate, tok.SessionID)
				if !tok.CreatedAt.IsZero() {
					cmd.Printf("created: %s\n", tok.CreatedAt.UTC().Format(time.RFC3339))
				}
				return nil
			},
		},
	)
	return cmd
}
