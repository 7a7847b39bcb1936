package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnvelopeCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "envelope",
		Aliases: []string{"env"},
		Short:   "Send and inspect envelopes",
	}
	cmd.AddCommand(newEnvelopeSendCmd(g), newEnvelopeListCmd(g), newEnvelopeGetCmd(g))
	return cmd
}

func newEnvelopeSendCmd(g *globalOpts) *cobra.Command {
	var (
		to        string
		from      string
		text      string
		deliverAt string
		parseMode string
		replyTo   string
		attach    []string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an envelope, optionally scheduled for later",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"to": to}
			if text != "" {
				params["text"] = text
			}
			if from != "" {
				params["from"] = from
			}
			if deliverAt != "" {
				params["deliverAt"] = deliverAt
			}
			if parseMode != "" {
				params["parseMode"] = parseMode
			}
			if replyTo != "" {
				params["replyToEnvelopeId"] = replyTo
			}
			if len(attach) > 0 {
				atts := make([]map[string]string, 0, len(attach))
				for _, src := range attach {
					atts = append(atts, map[string]string{"source": src})
				}
				params["attachments"] = atts
			}
			var out envelopeView
			done, err := g.rpc(cmd, "envelope.send", params, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out.DeliverAt != "" {
				fmt.Fprintf(w, "%s queued for %s (deliver at %s)\n", out.ShortID, out.To, out.DeliverAt)
			} else {
				fmt.Fprintf(w, "%s %s for %s\n", out.ShortID, out.Status, out.To)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address, e.g. agent:helper or boss (required)")
	cmd.Flags().StringVar(&from, "from", "", "sender override; boss token only")
	cmd.Flags().StringVar(&text, "text", "", "message body")
	cmd.Flags().StringVar(&deliverAt, "deliver-at", "", `delivery time: RFC3339, "HH:MM" or "+30m"`)
	cmd.Flags().StringVar(&parseMode, "parse-mode", "", "channel formatting hint (markdown or html)")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "envelope id this message replies to")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "file path or URL to attach (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newEnvelopeListCmd(g *globalOpts) *cobra.Command {
	var (
		status string
		to     string
		from   string
		agent  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List envelopes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if status != "" {
				params["status"] = status
			}
			if to != "" {
				params["to"] = to
			}
			if from != "" {
				params["from"] = from
			}
			if agent != "" {
				params["agent"] = agent
			}
			if limit > 0 {
				params["limit"] = limit
			}
			var out struct {
				Envelopes []envelopeView `json:"envelopes"`
			}
			done, err := g.rpc(cmd, "envelope.list", params, &out)
			if done || err != nil {
				return err
			}
			if len(out.Envelopes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no envelopes")
				return nil
			}
			rows := make([][]string, 0, len(out.Envelopes))
			for _, e := range out.Envelopes {
				rows = append(rows, []string{
					e.ShortID, e.From, e.To, e.Status, e.CreatedAt, truncate(e.Text, 40),
				})
			}
			table(cmd.OutOrStdout(), []string{"ID", "FROM", "TO", "STATUS", "CREATED", "TEXT"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, delivered, done, failed)")
	cmd.Flags().StringVar(&to, "to", "", "filter by recipient address")
	cmd.Flags().StringVar(&from, "from", "", "filter by sender address")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent on either side")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (default server-side)")
	return cmd
}

func newEnvelopeGetCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one envelope; short ids are accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out envelopeView
			done, err := g.rpc(cmd, "envelope.get", map[string]any{"id": args[0]}, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printKV(w, [][2]string{
				{"Envelope", out.EnvelopeID},
				{"From", out.From},
				{"To", out.To},
				{"Status", out.Status},
				{"Created", out.CreatedAt},
				{"Deliver at", out.DeliverAt},
			})
			for _, a := range out.Attachments {
				name := a.Filename
				if name == "" {
					name = a.Source
				}
				fmt.Fprintf(w, "%-18s %s\n", "Attachment:", name)
			}
			if out.Text != "" {
				fmt.Fprintf(w, "\n%s\n", out.Text)
			}
			return nil
		},
	}
}
