package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss/hi-boss/internal/doctor"
)

func newDoctorCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run non-destructive health checks against the data dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			diag := doctor.Run(cmd.Context(), g.dataDir(), Version)
			if g.asJSON {
				if err := writeJSON(cmd.OutOrStdout(), diag); err != nil {
					return classify(err)
				}
			} else {
				printDiagnosis(cmd.OutOrStdout(), diag)
			}
			if !diag.Healthy() {
				return &exitError{code: 1, err: errors.New("one or more checks failed")}
			}
			return nil
		},
	}
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "hi-boss doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
