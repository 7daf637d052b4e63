// Command decisioning inspects idempotency keys and the decision ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/decisioning/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "decisioning:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
