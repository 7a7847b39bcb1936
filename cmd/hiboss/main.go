package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/hiboss/hi-boss/internal/gateway"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Exit codes: 0 success, 1 failure, 2 invalid arguments, 3 unauthorized,
// 4 daemon unreachable.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "hiboss: %v\n", err)
		return exitCodeFor(err)
	}
	return 0
}

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Anything cobra rejects before a RunE executes is a usage problem.
	return 2
}

// exitError pins an exit code onto an error crossing the cobra boundary.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// classify maps client and RPC failures onto exit codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrDaemonUnreachable) {
		return &exitError{code: 4, err: err}
	}
	var rpcErr *gateway.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case gateway.CodeUnauthorized:
			return &exitError{code: 3, err: err}
		case gateway.CodeInvalidParams, gateway.CodeInvalidRequest:
			return &exitError{code: 2, err: err}
		}
	}
	return &exitError{code: 1, err: err}
}

func usageErr(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

// globalOpts carries the persistent flags into every subcommand.
type globalOpts struct {
	dir    string
	token  string
	asJSON bool
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "hiboss",
		Short:         "hi-boss: persistent agents you message like colleagues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.dir, "dir", "", "data directory (default $HIBOSS_DIR or ~/hiboss)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "boss or agent token (default $HIBOSS_TOKEN)")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print raw JSON responses")

	root.AddCommand(
		newDaemonCmd(g),
		newSetupCmd(g),
		newBossCmd(g),
		newAgentCmd(g),
		newEnvelopeCmd(g),
		newCronCmd(g),
		newReactionCmd(g),
		newDoctorCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hiboss %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
