package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReactionCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaction",
		Short: "React to channel messages",
	}
	cmd.AddCommand(newReactionSetCmd(g))
	return cmd
}

func newReactionSetCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "set ENVELOPE_ID EMOJI",
		Short: "Set an emoji reaction on the channel message behind an envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"envelopeId": args[0], "emoji": args[1]}
			var out struct {
				Reacted    bool   `json:"reacted"`
				EnvelopeID string `json:"envelopeId"`
			}
			done, err := g.rpc(cmd, "reaction.set", params, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reacted %s on %s\n", args[1], out.EnvelopeID)
			return nil
		},
	}
}
