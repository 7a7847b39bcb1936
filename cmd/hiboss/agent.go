package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss/hi-boss/internal/engine"
	"github.com/hiboss/hi-boss/internal/persistence"
)

func newAgentCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register and manage agents",
	}
	cmd.AddCommand(
		newAgentRegisterCmd(g),
		newAgentListCmd(g),
		newAgentStatusCmd(g),
		newAgentSetCmd(g),
		newAgentDeleteCmd(g),
		newAgentRefreshCmd(g),
		newAgentAbortCmd(g),
		newAgentBindCmd(g),
		newAgentUnbindCmd(g),
		newAgentSessionPolicyCmd(g),
	)
	return cmd
}

func newAgentRegisterCmd(g *globalOpts) *cobra.Command {
	var (
		description string
		provider    string
		model       string
		effort      string
		workspace   string
		level       string
		metadata    string
	)
	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Register a new agent and mint its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"name":      args[0],
				"workspace": workspace,
			}
			if description != "" {
				params["description"] = description
			}
			if provider != "" {
				params["provider"] = provider
			}
			if model != "" {
				params["model"] = model
			}
			if effort != "" {
				params["reasoningEffort"] = effort
			}
			if level != "" {
				params["permissionLevel"] = level
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return usageErr("--metadata is not valid JSON")
				}
				params["metadata"] = json.RawMessage(metadata)
			}
			var out struct {
				Agent      agentView `json:"agent"`
				Token      string    `json:"token"`
				MemoryPath string    `json:"memoryPath"`
			}
			done, err := g.rpc(cmd, "agent.register", params, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "registered %s (%s)\n", out.Agent.Name, out.Agent.Provider)
			fmt.Fprintf(w, "agent token: %s\n", out.Token)
			fmt.Fprintf(w, "memory file: %s\n", out.MemoryPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "absolute path the agent runs in (required)")
	cmd.Flags().StringVar(&description, "description", "", "one-line role description")
	cmd.Flags().StringVar(&provider, "provider", "", "provider CLI (claude or codex; default from setup)")
	cmd.Flags().StringVar(&model, "model", "", "model override passed to the provider")
	cmd.Flags().StringVar(&effort, "reasoning-effort", "", "none, low, medium, high or xhigh")
	cmd.Flags().StringVar(&level, "level", "", "permission level (standard or trusted)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "arbitrary JSON attached to the agent")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newAgentListCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Agents []agentView `json:"agents"`
			}
			done, err := g.rpc(cmd, "agent.list", nil, &out)
			if done || err != nil {
				return err
			}
			if len(out.Agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no agents registered")
				return nil
			}
			rows := make([][]string, 0, len(out.Agents))
			for _, a := range out.Agents {
				rows = append(rows, []string{
					a.Name, a.Provider, orDash(a.Model), a.PermissionLevel, a.Workspace,
				})
			}
			table(cmd.OutOrStdout(), []string{"NAME", "PROVIDER", "MODEL", "LEVEL", "WORKSPACE"}, rows)
			return nil
		},
	}
}

func newAgentStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show one agent's bindings, inbox and run state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Agent    agentView     `json:"agent"`
				Bindings []bindingView `json:"bindings"`
				InboxDue int           `json:"inboxDue"`
				Status   engine.Status `json:"status"`
				LastRun  *runView      `json:"lastRun"`
			}
			done, err := g.rpc(cmd, "agent.status", map[string]any{"name": args[0]}, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printAgent(w, out.Agent)
			printKV(w, [][2]string{
				{"State", out.Status.State},
				{"Inbox due", strconv.Itoa(out.InboxDue)},
			})
			for _, b := range out.Bindings {
				fmt.Fprintf(w, "%-18s %s (since %s)\n", "Binding:", b.AdapterType, b.CreatedAt)
			}
			if out.LastRun != nil {
				completed := out.LastRun.CompletedAt
				if completed == "" {
					completed = "running"
				}
				fmt.Fprintf(w, "%-18s %s %s (started %s, %s)\n",
					"Last run:", out.LastRun.ShortID, out.LastRun.Status, out.LastRun.StartedAt, completed)
				if out.LastRun.Error != "" {
					fmt.Fprintf(w, "%-18s %s\n", "Run error:", out.LastRun.Error)
				}
			}
			return nil
		},
	}
}

func printAgent(w io.Writer, a agentView) {
	printKV(w, [][2]string{
		{"Name", a.Name},
		{"Description", a.Description},
		{"Provider", a.Provider},
		{"Model", a.Model},
		{"Reasoning effort", a.ReasoningEffort},
		{"Level", a.PermissionLevel},
		{"Workspace", a.Workspace},
		{"Created", a.CreatedAt},
		{"Last seen", a.LastSeenAt},
		{"Session policy", formatSessionPolicy(a.SessionPolicy)},
	})
}

func formatSessionPolicy(p *persistence.SessionPolicy) string {
	if p == nil || p.Empty() {
		return ""
	}
	s := ""
	if p.DailyResetAt != "" {
		s += "daily reset " + p.DailyResetAt + " "
	}
	if p.IdleTimeoutSeconds > 0 {
		s += "idle timeout " + (time.Duration(p.IdleTimeoutSeconds) * time.Second).String() + " "
	}
	if p.MaxContextLength > 0 {
		s += fmt.Sprintf("max context %d", p.MaxContextLength)
	}
	return s
}

func newAgentSetCmd(g *globalOpts) *cobra.Command {
	var (
		description string
		workspace   string
		model       string
		effort      string
		level       string
		metadata    string
	)
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Update agent fields; only flags you pass change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"name": args[0]}
			flags := cmd.Flags()
			if flags.Changed("description") {
				params["description"] = description
			}
			if flags.Changed("workspace") {
				params["workspace"] = workspace
			}
			if flags.Changed("model") {
				params["model"] = model
			}
			if flags.Changed("reasoning-effort") {
				params["reasoningEffort"] = effort
			}
			if flags.Changed("level") {
				params["permissionLevel"] = level
			}
			if flags.Changed("metadata") {
				if metadata != "" && !json.Valid([]byte(metadata)) {
					return usageErr("--metadata is not valid JSON")
				}
				params["metadata"] = json.RawMessage(metadata)
			}
			if len(params) == 1 {
				return usageErr("nothing to change; pass at least one field flag")
			}
			var out agentView
			done, err := g.rpc(cmd, "agent.set", params, &out)
			if done || err != nil {
				return err
			}
			printAgent(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "one-line role description")
	cmd.Flags().StringVar(&workspace, "workspace", "", "absolute path the agent runs in")
	cmd.Flags().StringVar(&model, "model", "", "model override (empty clears)")
	cmd.Flags().StringVar(&effort, "reasoning-effort", "", "none, low, medium, high or xhigh")
	cmd.Flags().StringVar(&level, "level", "", "permission level (standard or trusted)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "arbitrary JSON attached to the agent")
	return cmd
}

func newAgentDeleteCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an agent and cancel its pending envelopes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Deleted            bool   `json:"deleted"`
				Agent              string `json:"agent"`
				EnvelopesCancelled int    `json:"envelopesCancelled"`
			}
			done, err := g.rpc(cmd, "agent.delete", map[string]any{"name": args[0]}, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%d pending envelopes cancelled)\n",
				out.Agent, out.EnvelopesCancelled)
			return nil
		},
	}
}

func newAgentRefreshCmd(g *globalOpts) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refresh NAME",
		Short: "Queue a fresh session for the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"name": args[0]}
			if reason != "" {
				params["reason"] = reason
			}
			var out struct {
				Queued bool   `json:"queued"`
				Agent  string `json:"agent"`
			}
			done, err := g.rpc(cmd, "agent.refresh", params, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refresh queued for %s\n", out.Agent)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note recorded in the agent's next prompt")
	return cmd
}

func newAgentAbortCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "abort NAME",
		Short: "Abort the agent's in-flight run, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Aborted bool   `json:"aborted"`
				Agent   string `json:"agent"`
			}
			done, err := g.rpc(cmd, "agent.abort", map[string]any{"name": args[0]}, &out)
			if done || err != nil {
				return err
			}
			if out.Aborted {
				fmt.Fprintf(cmd.OutOrStdout(), "aborted run for %s\n", out.Agent)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was idle; nothing to abort\n", out.Agent)
			}
			return nil
		},
	}
}

func newAgentBindCmd(g *globalOpts) *cobra.Command {
	var (
		adapter      string
		adapterToken string
	)
	cmd := &cobra.Command{
		Use:   "bind NAME",
		Short: "Bind an agent to a channel adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Bound       bool   `json:"bound"`
				Agent       string `json:"agent"`
				AdapterType string `json:"adapterType"`
			}
			params := map[string]any{
				"agent":        args[0],
				"adapterType":  adapter,
				"adapterToken": adapterToken,
			}
			done, err := g.rpc(cmd, "agent.bind", params, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bound %s to %s\n", out.Agent, out.AdapterType)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", "telegram", "adapter type")
	cmd.Flags().StringVar(&adapterToken, "adapter-token", "", "platform bot token (required)")
	_ = cmd.MarkFlagRequired("adapter-token")
	return cmd
}

func newAgentUnbindCmd(g *globalOpts) *cobra.Command {
	var adapter string
	cmd := &cobra.Command{
		Use:   "unbind NAME",
		Short: "Remove an agent's channel binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Removed     bool   `json:"removed"`
				Agent       string `json:"agent"`
				AdapterType string `json:"adapterType"`
			}
			params := map[string]any{"agent": args[0], "adapterType": adapter}
			done, err := g.rpc(cmd, "agent.unbind", params, &out)
			if done || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unbound %s from %s\n", out.Agent, out.AdapterType)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", "telegram", "adapter type")
	return cmd
}

func newAgentSessionPolicyCmd(g *globalOpts) *cobra.Command {
	var (
		dailyReset  string
		idleTimeout string
		maxContext  int
	)
	cmd := &cobra.Command{
		Use:   "session-policy NAME",
		Short: "Tune session reset rules; empty values clear a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"agent": args[0]}
			flags := cmd.Flags()
			if flags.Changed("daily-reset") {
				params["dailyResetAt"] = dailyReset
			}
			if flags.Changed("idle-timeout") {
				params["idleTimeout"] = idleTimeout
			}
			if flags.Changed("max-context") {
				params["maxContextLength"] = maxContext
			}
			if len(params) == 1 {
				return usageErr("nothing to change; pass at least one policy flag")
			}
			var out struct {
				Agent         string                     `json:"agent"`
				SessionPolicy *persistence.SessionPolicy `json:"sessionPolicy"`
			}
			done, err := g.rpc(cmd, "agent.session-policy.set", params, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if s := formatSessionPolicy(out.SessionPolicy); s != "" {
				fmt.Fprintf(w, "%s session policy: %s\n", out.Agent, s)
			} else {
				fmt.Fprintf(w, "%s session policy cleared (provider defaults)\n", out.Agent)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dailyReset, "daily-reset", "", `host-local "HH:MM" for a daily fresh session ("" clears)`)
	cmd.Flags().StringVar(&idleTimeout, "idle-timeout", "", `idle gap that forces a fresh session, e.g. "90m" ("" clears)`)
	cmd.Flags().IntVar(&maxContext, "max-context", 0, "context length that forces a fresh session (0 clears)")
	return cmd
}
