// Command demandflow runs, validates, tests and inspects demand-driven
// pipelines declared in CUE.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/demandflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
