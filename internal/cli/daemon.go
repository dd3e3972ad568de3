package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"privd/internal/modes"
	"privd/pkg/config"
)

var (
	daemonConfigPath string
	randomKeyOut     string
)

var daemonCmd = &cobra.Command{
	Use:           "privd",
	Short:         "Privileged action daemon",
	Long:          "Root daemon that runs whitelisted actions, unit operations and package changes for the panel",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteDaemon runs privd.
func ExecuteDaemon() error {
	return daemonCmd.Execute()
}

func init() {
	daemonCmd.PersistentFlags().StringVarP(&daemonConfigPath, "config", "c", "",
		"Configuration file (default: search PRIVD_CONFIG_PATH, ./config.yaml, /etc/privd/config.yaml)")

	daemonCmd.AddCommand(newServeCmd())
	daemonCmd.AddCommand(newConfigCmd())
	daemonCmd.AddCommand(newRandomKeyCmd())
}

func daemonConfig() (*config.Config, string, error) {
	if daemonConfigPath != "" {
		c, err := config.LoadFromFile(daemonConfigPath)
		return c, daemonConfigPath, err
	}
	return config.LoadConfig()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve privileged requests on the unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, source, err := daemonConfig()
			if err != nil {
				return err
			}
			if err := configureLogging(c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "using configuration from %s\n", source)
			return modes.RunDaemon(context.Background(), c)
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, source, err := daemonConfig()
			if err != nil {
				return err
			}
			data, err := c.ToYAML()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", source, data)
			return nil
		},
	}
}

func newRandomKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "random-key",
		Short: "Generate a shared secret for the auth key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := randomKey()
			if err != nil {
				return err
			}
			if randomKeyOut == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
				return err
			}
			if err := os.WriteFile(randomKeyOut, []byte(key+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write key file: %w", err)
			}
			return os.Chmod(randomKeyOut, 0600)
		},
	}
	cmd.Flags().StringVarP(&randomKeyOut, "output", "o", "", "Write the key to this file with mode 0600")
	return cmd
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
