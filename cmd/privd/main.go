package main

import (
	"fmt"
	"os"

	"privd/internal/cli"
)

func main() {
	if err := cli.ExecuteDaemon(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
