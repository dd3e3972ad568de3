package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"privd/pkg/client"
	"privd/pkg/config"
	"privd/pkg/logger"
)

var (
	cfg         *config.Config
	socketPath  string
	keyFile     string
	callTimeout time.Duration
)

// ExitError carries an action's exit status out of a command so main can
// exit with it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var rootCmd = &cobra.Command{
	Use:   "privctl",
	Short: "Privileged action client",
	Long:  "Command line interface to run privileged actions directly or through the privd daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging(cfg)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs privctl.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an Execute error to a process exit status.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func init() {
	cfg = loadConfig()

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", cfg.Server.SocketPath,
		"Path to the privd socket")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", cfg.Auth.KeyFile,
		"File holding the shared secret used to authenticate with privd")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Minute,
		"Maximum time to wait for the daemon")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(newPackagesCmd())
	rootCmd.AddCommand(newPostconfCmd())
	rootCmd.AddCommand(newJournalCmd())
	rootCmd.AddCommand(newQuoteCmd())
}

// loadConfig falls back to defaults when the config file is unusable so the
// client still works with flags alone.
func loadConfig() *config.Config {
	loaded, _, err := config.LoadConfig()
	if err != nil {
		defaults := config.DefaultConfig
		return &defaults
	}
	return loaded
}

func configureLogging(c *config.Config) error {
	out := os.Stderr
	if strings.ToLower(c.Logging.Output) == "stdout" {
		out = os.Stdout
	}
	return logger.Configure(c.Logging.Level, c.Logging.Format, out)
}

// daemonCall connects, authenticates when a key file is configured and
// runs one command.
func daemonCall(command string, args map[string]interface{}) (*structpb.Struct, error) {
	c, err := client.New(socketPath)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if keyFile != "" {
		secretCfg := *cfg
		secretCfg.Auth.KeyFile = keyFile
		key, err := secretCfg.ReadSecret()
		if err != nil {
			return nil, err
		}
		if err := c.Authenticate(ctx, key); err != nil {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	resp, err := c.Call(ctx, command, args)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", command, err)
	}
	return resp, nil
}

func printResponse(cmd *cobra.Command, resp *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
