// Command scenebridge runs and operates the agent to editor bridge.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/scenebridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scenebridge:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
