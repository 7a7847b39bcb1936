package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCronCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage recurring schedules",
	}
	cmd.AddCommand(
		newCronCreateCmd(g),
		newCronListCmd(g),
		newCronGetCmd(g),
		newCronToggleCmd(g, "enable"),
		newCronToggleCmd(g, "disable"),
		newCronDeleteCmd(g),
	)
	return cmd
}

func newCronCreateCmd(g *globalOpts) *cobra.Command {
	var (
		agent      string
		expression string
		timezone   string
		to         string
		text       string
		metadata   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"expression": expression,
				"to":         to,
				"text":       text,
			}
			if agent != "" {
				params["agent"] = agent
			}
			if timezone != "" {
				params["timezone"] = timezone
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return usageErr("--metadata is not valid JSON")
				}
				params["metadata"] = metadata
			}
			var out cronView
			done, err := g.rpc(cmd, "cron.create", params, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "created %s for %s: %q\n", out.ShortID, out.Agent, out.Expression)
			if out.NextAt != "" {
				fmt.Fprintf(w, "next fire: %s\n", out.NextAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "owning agent (boss token only; agents own their schedules)")
	cmd.Flags().StringVar(&expression, "expression", "", `five-field cron expression, e.g. "0 9 * * 1-5" (required)`)
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone override for this schedule")
	cmd.Flags().StringVar(&to, "to", "", "recipient address for fired envelopes (required)")
	cmd.Flags().StringVar(&text, "text", "", "envelope body sent on each fire (required)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON object stored with the schedule")
	_ = cmd.MarkFlagRequired("expression")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newCronListCmd(g *globalOpts) *cobra.Command {
	var (
		agent string
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if agent != "" {
				params["agent"] = agent
			}
			if all {
				params["includeDisabled"] = true
			}
			var out struct {
				Schedules []cronView `json:"schedules"`
			}
			done, err := g.rpc(cmd, "cron.list", params, &out)
			if done || err != nil {
				return err
			}
			if len(out.Schedules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no schedules")
				return nil
			}
			rows := make([][]string, 0, len(out.Schedules))
			for _, s := range out.Schedules {
				state := "enabled"
				if !s.Enabled {
					state = "disabled"
				}
				rows = append(rows, []string{
					s.ShortID, s.Agent, s.Expression, orDash(s.Timezone),
					state, orDash(s.NextAt), s.To, truncate(s.Text, 30),
				})
			}
			table(cmd.OutOrStdout(),
				[]string{"ID", "AGENT", "EXPRESSION", "TZ", "STATE", "NEXT", "TO", "TEXT"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by owning agent")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled schedules")
	return cmd
}

func newCronGetCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one schedule; short ids are accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out cronView
			done, err := g.rpc(cmd, "cron.get", map[string]any{"id": args[0]}, &out)
			if done || err != nil {
				return err
			}
			printCron(cmd, out)
			return nil
		},
	}
}

func newCronToggleCmd(g *globalOpts, verb string) *cobra.Command {
	short := "Re-enable a schedule and rematerialize its next fire"
	if verb == "disable" {
		short = "Disable a schedule and cancel its pending envelope"
	}
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out cronView
			done, err := g.rpc(cmd, "cron."+verb, map[string]any{"id": args[0]}, &out)
			if done || err != nil {
				return err
			}
			printCron(cmd, out)
			return nil
		},
	}
}

func newCronDeleteCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule and cancel its pending envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Deleted bool   `json:"deleted"`
				CronID  string `json:"cronId"`
			}
			done, err := g.rpc(cmd, "cron.delete", map[string]any{"id": args[0]}, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", out.CronID)
			return nil
		},
	}
}

func printCron(cmd *cobra.Command, v cronView) {
	state := "enabled"
	if !v.Enabled {
		state = "disabled"
	}
	printKV(cmd.OutOrStdout(), [][2]string{
		{"Schedule", v.CronID},
		{"Agent", v.Agent},
		{"Expression", v.Expression},
		{"Timezone", v.Timezone},
		{"State", state},
		{"To", v.To},
		{"Text", v.Text},
		{"Next fire", v.NextAt},
		{"Pending envelope", v.PendingEnvelopeID},
		{"Created", v.CreatedAt},
	})
}
