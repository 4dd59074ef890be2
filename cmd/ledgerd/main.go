// Command ledgerd runs the conversation ledger: the task workers, the idle
// sweep and the operational HTTP server. One-off subcommands operate on the
// same Redis store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
