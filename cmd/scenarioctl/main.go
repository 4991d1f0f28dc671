// Command scenarioctl is the operator CLI for the scenario ledger: schema
// migrations, history and branch inspection, compare, restore, merge and the
// git archive.
package main

import (
	"fmt"
	"os"

	"scenariolab/api/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not read .env file:", err)
	}
	if err := newRootCmd(defaultBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
