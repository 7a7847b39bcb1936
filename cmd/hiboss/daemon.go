package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/daemon"
)

func newDaemonCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and control the hi-boss daemon",
	}
	cmd.AddCommand(newDaemonRunCmd(g), newDaemonStopCmd(g), newDaemonStatusCmd(g))
	return cmd
}

func newDaemonRunCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.dir)
			if err != nil {
				return classify(fmt.Errorf("load config: %w", err))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return classify(daemon.Run(ctx, daemon.Options{Config: cfg, Version: Version}))
		},
	}
}

func newDaemonStopCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Stopping bool `json:"stopping"`
			}
			done, err := g.rpc(cmd, "daemon.stop", nil, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopping")
			return nil
		},
	}
}

func newDaemonStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and per-agent state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st daemonStatusView
			done, err := g.rpc(cmd, "daemon.status", nil, &st)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			setup := "pending"
			if st.SetupCompleted {
				setup = "completed"
			}
			printKV(w, [][2]string{
				{"Version", st.Version},
				{"PID", strconv.Itoa(st.PID)},
				{"Started", st.StartedAt},
				{"Uptime", (time.Duration(st.UptimeSeconds) * time.Second).String()},
				{"Data dir", st.DataDir},
				{"Setup", setup},
				{"Policy", st.PolicyVersion},
				{"Pending envelopes", strconv.Itoa(st.PendingEnvelopes)},
				{"Next wake", st.NextWake},
			})
			if len(st.Agents) > 0 {
				fmt.Fprintln(w)
				rows := make([][]string, 0, len(st.Agents))
				for _, a := range st.Agents {
					sess := "-"
					if a.Session != nil {
						sess = fmt.Sprintf("%s turns=%d", a.Session.Provider, a.Session.Turns)
					}
					rows = append(rows, []string{a.Agent, a.State, orDash(a.RunID), sess})
				}
				table(w, []string{"AGENT", "STATE", "RUN", "SESSION"}, rows)
			}
			return nil
		},
	}
}
