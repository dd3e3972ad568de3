package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"privd/internal/privd/actions"
)

var journalLimit int

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent privileged invocations",
		Args:  cobra.NoArgs,
		RunE:  runJournal,
	}
	cmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "Number of entries to show")
	return cmd
}

func runJournal(cmd *cobra.Command, args []string) error {
	resp, err := daemonCall("journal.recent", map[string]interface{}{"limit": journalLimit})
	if err != nil {
		return err
	}

	entries := resp.GetFields()["entries"].GetListValue().GetValues()
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No invocations recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tOUTCOME\tEXIT\tUSER\tCOMMAND")
	for _, v := range entries {
		f := v.GetStructValue().GetFields()

		argv := []string{f["action"].GetStringValue()}
		for _, a := range f["args"].GetListValue().GetValues() {
			argv = append(argv, a.GetStringValue())
		}
		user := f["user"].GetStringValue()
		if user == "" {
			user = "root"
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			f["startedAt"].GetStringValue(),
			f["outcome"].GetStringValue(),
			int(f["exitCode"].GetNumberValue()),
			user,
			strings.TrimSpace(actions.FormatArgv(argv)))
	}
	return w.Flush()
}
