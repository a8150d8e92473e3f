// Command paysettle calculates and settles due payments.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/paysettle/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
