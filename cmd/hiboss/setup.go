package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSetupCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "First-run initialization",
	}
	cmd.AddCommand(newSetupCheckCmd(g), newSetupExecuteCmd(g))
	return cmd
}

func newSetupCheckCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether setup has completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Completed bool `json:"completed"`
			}
			done, err := g.rpc(cmd, "setup.check", nil, &out)
			if done || err != nil {
				return err
			}
			if out.Completed {
				fmt.Fprintln(cmd.OutOrStdout(), "setup completed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "setup pending; run: hiboss setup execute")
			}
			return nil
		},
	}
}

func newSetupExecuteCmd(g *globalOpts) *cobra.Command {
	var (
		bossName   string
		timezone   string
		provider   string
		bossToken  string
		bossIDs    map[string]string
		policyFile string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Complete first-run setup and mint the boss token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if bossName != "" {
				params["bossName"] = bossName
			}
			if timezone != "" {
				params["timezone"] = timezone
			}
			if provider != "" {
				params["defaultProvider"] = provider
			}
			if bossToken != "" {
				params["bossToken"] = bossToken
			}
			if len(bossIDs) > 0 {
				params["adapterBossIds"] = bossIDs
			}
			if policyFile != "" {
				data, err := os.ReadFile(policyFile)
				if err != nil {
					return classify(fmt.Errorf("read policy file: %w", err))
				}
				params["permissionPolicy"] = string(data)
			}
			var out struct {
				Completed bool   `json:"completed"`
				BossToken string `json:"bossToken"`
			}
			done, err := g.rpc(cmd, "setup.execute", params, &out)
			if done || err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "setup completed")
			fmt.Fprintf(w, "boss token: %s\n", out.BossToken)
			fmt.Fprintln(w, "store it safely; the daemon keeps only a hash")
			return nil
		},
	}
	cmd.Flags().StringVar(&bossName, "boss-name", "", "display name agents use for you")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for schedules (default host-local)")
	cmd.Flags().StringVar(&provider, "default-provider", "", "provider for new agents (claude or codex)")
	cmd.Flags().StringVar(&bossToken, "boss-token", "", "bring your own boss token instead of minting one")
	cmd.Flags().StringToStringVar(&bossIDs, "boss-id", nil, "adapter boss id, e.g. telegram=123456")
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "JSON permission policy document to install")
	return cmd
}
