package actions

import "github.com/alessio/shellescape"

// QuoteCommand returns cmdline quoted as one literal POSIX shell word, for
// callers that must forward a pre-joined command string as a single
// argument. Nothing inside the result is interpreted by a shell.
func QuoteCommand(cmdline string) string {
	return shellescape.Quote(cmdline)
}

// FormatArgv renders argv for display the way a shell would need it typed.
func FormatArgv(argv []string) string {
	return shellescape.QuoteCommand(argv)
}
