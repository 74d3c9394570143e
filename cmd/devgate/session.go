package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/session"
	"github.com/spf13/cobra"
)

func newSessionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Coordinate agent sessions sharing a machine",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "register",
			Short: "Record this session in the shared session directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := opts.load(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				ctx := cmd.Context()

				info := session.Info{
					SessionID: a.sessionID,
					PID:       os.Getppid(),
					TTY:       session.CurrentTTY(),
					CWD:       a.dir,
				}
				if a.repo != nil {
					info.RepoID, _ = a.repo.RepoID(ctx)
					info.Branch, _ = a.repo.CurrentBranch(ctx)
				}
				reg := a.registry()
				if err := reg.Register(ctx, info); err != nil {
					return err
				}
				if info.Branch != "" {
					others, err := reg.Conflicts(ctx, info.RepoID, info.Branch, info.SessionID)
					if err != nil {
						return err
					}
					for _, o := range others {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: session %s (pid %d) is also working on %s\n", o.SessionID, o.PID, info.Branch)
					}
				}
				cmd.Println(info.SessionID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "heartbeat",
			Short: "Refresh this session's liveness timestamp",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := opts.load(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				return a.registry().Heartbeat(cmd.Context(), a.sessionID)
			},
		},
		&cobra.Command{
			Use:   "unregister",
			Short: "Remove this session's record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := opts.load(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				return a.registry().Unregister(cmd.Context(), a.sessionID)
			},
		},
		newSessionListCmd(opts),
		newSessionReclaimCmd(opts),
	)
	return cmd
}

func newSessionListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			reg := a.registry()
			all, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if all == nil {
					all = []*session.Info{}
				}
				return enc.Encode(all)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPID\tBRANCH\tTTY\tLAST SEEN\tSTATE")
			for _, info := range all {
				state := "live"
				if reg.IsStale(info, 0) {
					state = "stale"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					info.SessionID, info.PID, info.Branch, info.TTY,
					info.LastSeen().Local().Format(time.DateTime), state)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newSessionReclaimCmd(opts *globalOptions) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Remove records of sessions that stopped sending heartbeats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ids, err := a.registry().ReclaimStale(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cmd.Printf("reclaimed %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "staleness window (default: session.stale_age, 1h)")
	return cmd
}
