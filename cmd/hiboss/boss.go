package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBossCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boss",
		Short: "Boss credential helpers",
	}
	cmd.AddCommand(newBossVerifyCmd(g))
	return cmd
}

func newBossVerifyCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the supplied token against the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Boss      bool   `json:"boss"`
				Principal string `json:"principal"`
				Level     string `json:"level"`
			}
			done, err := g.rpc(cmd, "boss.verify", nil, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out.Boss {
				fmt.Fprintln(w, "token ok: boss")
			} else {
				fmt.Fprintf(w, "token ok: %s (%s)\n", out.Principal, out.Level)
			}
			return nil
		},
	}
}
