package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	pkgApp                string
	pkgSkipRecommends     bool
	pkgForceConfiguration string
	pkgReinstall          bool
	pkgForceMissingConfig bool
	pkgPurge              bool
)

func newPackagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Install and remove packages declared by apps",
	}

	install := &cobra.Command{
		Use:   "install <package>...",
		Short: "Install packages on behalf of an app",
		Example: `  privctl packages install --app tor tor obfs4proxy
  privctl packages install --app tor --force-configuration new tor`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPackagesInstall,
	}
	install.Flags().StringVar(&pkgApp, "app", "", "App the packages belong to")
	install.Flags().BoolVar(&pkgSkipRecommends, "skip-recommends", false, "Do not install recommended packages")
	install.Flags().StringVar(&pkgForceConfiguration, "force-configuration", "", `Resolve conffile prompts with "old" or "new"`)
	install.Flags().BoolVar(&pkgReinstall, "reinstall", false, "Reinstall packages that are already installed")
	install.Flags().BoolVar(&pkgForceMissingConfig, "force-missing-configuration", false, "Restore missing conffiles")
	_ = install.MarkFlagRequired("app")

	remove := &cobra.Command{
		Use:   "remove <package>...",
		Short: "Remove packages on behalf of an app",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPackagesRemove,
	}
	remove.Flags().StringVar(&pkgApp, "app", "", "App the packages belong to")
	remove.Flags().BoolVar(&pkgPurge, "purge", false, "Also remove configuration files")
	_ = remove.MarkFlagRequired("app")

	update := &cobra.Command{
		Use:   "update",
		Short: "Refresh package lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := daemonCall("packages.update", nil)
			return err
		},
	}

	busy := &cobra.Command{
		Use:   "busy",
		Short: "Report whether another package operation is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := daemonCall("packages.busy", nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GetFields()["busy"].GetBoolValue())
			return nil
		},
	}

	cmd.AddCommand(install, remove, update, busy)
	return cmd
}

func toList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func runPackagesInstall(cmd *cobra.Command, args []string) error {
	options := map[string]interface{}{}
	if pkgSkipRecommends {
		options["skipRecommends"] = true
	}
	if pkgForceConfiguration != "" {
		options["forceConfiguration"] = pkgForceConfiguration
	}
	if pkgReinstall {
		options["reinstall"] = true
	}
	if pkgForceMissingConfig {
		options["forceMissingConfiguration"] = true
	}

	_, err := daemonCall("packages.install", map[string]interface{}{
		"app":      pkgApp,
		"packages": toList(args),
		"options":  options,
	})
	return err
}

func runPackagesRemove(cmd *cobra.Command, args []string) error {
	_, err := daemonCall("packages.remove", map[string]interface{}{
		"app":      pkgApp,
		"packages": toList(args),
		"purge":    pkgPurge,
	})
	return err
}
