package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"privd/internal/privd/actions"
	"privd/internal/privd/domain"
	"privd/internal/privd/supervisor"
)

var (
	runUser      string
	runTimeout   time.Duration
	runViaDaemon bool
	runSensitive bool
	runJSON      bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <action> [args...]",
		Short: "Run a privileged action",
		Long: `Run an executable from the actions directory with the given arguments.

Arguments are passed to the action as separate argv entries and are never
interpreted by a shell. The action's output is printed and privctl exits
with the action's exit status.

Examples:
  privctl run service is-enabled tor
  privctl run --user ejabberd ejabberd get-domains
  privctl run --via-daemon packages is-busy`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringVar(&runUser, "user", "", "Run the action as this user instead of root")
	cmd.Flags().DurationVar(&runTimeout, "action-timeout", 0, "Kill the action after this long (default from config)")
	cmd.Flags().BoolVar(&runViaDaemon, "via-daemon", false, "Send the action to privd instead of running it directly")
	cmd.Flags().BoolVar(&runSensitive, "sensitive", false, "Keep the arguments out of logs and the journal")
	cmd.Flags().BoolVar(&runJSON, "json", false, "Parse the action's output as JSON and print it indented")
	// everything after the action name belongs to the action
	cmd.Flags().SetInterspersed(false)

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	action, actionArgs := args[0], args[1:]

	var result *domain.ExecutionResult
	var err error
	if runViaDaemon {
		result, err = runThroughDaemon(action, actionArgs)
	} else {
		result, err = runDirect(action, actionArgs)
	}
	if err != nil {
		return err
	}

	if runJSON && result.Success() {
		if err := printJSON(cmd, result); err != nil {
			return err
		}
	} else {
		_, _ = cmd.OutOrStdout().Write(result.Stdout)
	}
	_, _ = cmd.ErrOrStderr().Write(result.Stderr)
	if result.ExitCode != 0 {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}

// newDirectInvoker builds an invoker for running actions from this process,
// elevating through sudo when privctl is not root.
func newDirectInvoker() (*actions.Invoker, error) {
	sup := supervisor.New(supervisor.Config{
		PollInterval: cfg.Supervisor.PollInterval,
		KillGrace:    cfg.Supervisor.KillGrace,
		WaitDelay:    cfg.Supervisor.WaitDelay,
	}, nil, nil)

	return actions.New(actions.DefaultDir, sup, actions.WithTimeout(cfg.Actions.DefaultTimeout))
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDirect(action string, actionArgs []string) (*domain.ExecutionResult, error) {
	inv, err := newDirectInvoker()
	if err != nil {
		return nil, err
	}

	ctx, stop := interruptContext()
	defer stop()

	return inv.Run(ctx, actions.Invocation{
		Action:    action,
		Args:      actionArgs,
		User:      runUser,
		Timeout:   runTimeout,
		Sensitive: runSensitive,
	})
}

// printJSON re-indents an action's structured output.
func printJSON(cmd *cobra.Command, result *domain.ExecutionResult) error {
	var v interface{}
	if err := result.DecodeJSON(&v); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runThroughDaemon(action string, actionArgs []string) (*domain.ExecutionResult, error) {
	list := make([]interface{}, len(actionArgs))
	for i, a := range actionArgs {
		list[i] = a
	}
	req := map[string]interface{}{"action": action, "args": list}
	if runUser != "" {
		req["user"] = runUser
	}
	if runTimeout > 0 {
		req["timeout"] = runTimeout.Seconds()
	}
	if runSensitive {
		req["sensitive"] = true
	}

	resp, err := daemonCall("action.run", req)
	if err != nil {
		return nil, err
	}

	fields := resp.GetFields()
	return &domain.ExecutionResult{
		Stdout:   []byte(fields["stdout"].GetStringValue()),
		Stderr:   []byte(fields["stderr"].GetStringValue()),
		ExitCode: int(fields["exitCode"].GetNumberValue()),
		Duration: time.Duration(fields["durationMs"].GetNumberValue()) * time.Millisecond,
	}, nil
}

func newQuoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <cmdline> [more...]",
		Short: "Quote a command line as a single literal shell word",
		Long: `Print cmdline quoted so that a shell passes it through as one argument.
With several arguments, print them as an argv a shell would reproduce exactly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), actions.QuoteCommand(args[0]))
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), actions.FormatArgv(args))
			return err
		},
	}
}
