// Command ndrt runs declarative-networking protocols on a simulated or
// live network.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ndrt/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ndrt:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
