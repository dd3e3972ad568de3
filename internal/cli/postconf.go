package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPostconfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postconf",
		Short: "Read and change Postfix parameters through privd",
	}

	get := &cobra.Command{
		Use:   "get <key>...",
		Short: "Print parameter values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := daemonCall("postconf.get", map[string]interface{}{"keys": toList(args)})
			if err != nil {
				return err
			}
			values := resp.GetFields()["values"].GetStructValue().GetFields()
			for _, key := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, values[key].GetStringValue())
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:     "set <key=value>...",
		Short:   "Set parameter values",
		Example: `  privctl postconf set smtpd_tls_security_level=may message_size_limit=0`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]interface{}, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				values[key] = value
			}
			_, err := daemonCall("postconf.set", map[string]interface{}{"values": values})
			return err
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}
