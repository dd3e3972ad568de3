package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"privd/internal/privd/domain"
	"privd/internal/privd/registry"
	"privd/internal/privd/service"
	"privd/pkg/logger"
)

var serviceDirect bool

func newServiceCmd() *cobra.Command {
	ops := make([]string, 0, len(service.Operations))
	for _, op := range service.Operations {
		ops = append(ops, string(op))
	}

	cmd := &cobra.Command{
		Use:   "service <operation> <unit>",
		Short: "Control a managed systemd unit through privd",
		Long: fmt.Sprintf(`Run a unit operation through privd. Only units declared by a loaded app
are accepted.

Operations: %s

Use "privctl service set-default <target>" to select the boot target.
With --direct, privctl loads the app manifests itself and runs the
"service" action without the daemon.`, strings.Join(ops, ", ")),
		Args:      cobra.ExactArgs(2),
		ValidArgs: append(ops, "set-default"),
		RunE:      runService,
	}

	cmd.Flags().BoolVar(&serviceDirect, "direct", false, "Run the service action directly instead of going through privd")
	return cmd
}

func runService(cmd *cobra.Command, args []string) error {
	if serviceDirect {
		return runServiceDirect(cmd, args)
	}

	if args[0] == "set-default" {
		resp, err := daemonCall("service.set-default", map[string]interface{}{"target": args[1]})
		if err != nil {
			return err
		}
		return printResponse(cmd, resp)
	}

	op, err := service.ParseOperation(args[0])
	if err != nil {
		return err
	}

	resp, err := daemonCall("service."+string(op), map[string]interface{}{"unit": args[1]})
	if err != nil {
		return err
	}

	switch op {
	case service.OpIsEnabled, service.OpIsRunning:
		return printQuery(cmd.OutOrStdout(), resp.GetFields()["value"].GetBoolValue())
	case service.OpStatus:
		fmt.Fprint(cmd.OutOrStdout(), resp.GetFields()["stdout"].GetStringValue())
		if code := int(resp.GetFields()["exitCode"].GetNumberValue()); code != 0 {
			return &ExitError{Code: code}
		}
		return nil
	}
	return nil
}

// runServiceDirect applies the same managed-unit guard as the daemon and
// carries the operation out through the privileged "service" action.
func runServiceDirect(cmd *cobra.Command, args []string) error {
	inv, err := newDirectInvoker()
	if err != nil {
		return err
	}

	apps := registry.New()
	if err := apps.Reload(cfg.Registry.AppsDir); err != nil {
		logger.Warn("app manifests not fully loaded", "appsDir", cfg.Registry.AppsDir, "error", err)
	}
	ctrl := service.NewController(apps, service.NewActionExecutor(inv))

	ctx, stop := interruptContext()
	defer stop()

	if args[0] == "set-default" {
		return ctrl.SetDefaultTarget(ctx, args[1])
	}

	op, err := service.ParseOperation(args[0])
	if err != nil {
		return err
	}
	unit := args[1]

	switch op {
	case service.OpIsEnabled:
		v, err := ctrl.IsEnabled(ctx, unit)
		if err != nil {
			return err
		}
		return printQuery(cmd.OutOrStdout(), v)
	case service.OpIsRunning:
		v, err := ctrl.IsRunning(ctx, unit)
		if err != nil {
			return err
		}
		return printQuery(cmd.OutOrStdout(), v)
	case service.OpStatus:
		result, err := ctrl.Status(ctx, unit)
		if err != nil {
			return err
		}
		return printStatus(cmd, result)
	}

	result, err := ctrl.Do(ctx, op, unit)
	if err != nil {
		return err
	}
	return result.Check(fmt.Sprintf("service %s %s", op, unit))
}

func printQuery(out io.Writer, value bool) error {
	fmt.Fprintln(out, value)
	if !value {
		return &ExitError{Code: 1}
	}
	return nil
}

func printStatus(cmd *cobra.Command, result *domain.ExecutionResult) error {
	_, _ = cmd.OutOrStdout().Write(result.Stdout)
	_, _ = cmd.ErrOrStderr().Write(result.Stderr)
	if result.ExitCode != 0 {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}
