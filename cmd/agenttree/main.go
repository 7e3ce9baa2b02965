// Command agenttree is the thin CLI entry point over the core workflow
// engine: this file and internal/cli wire cobra commands straight onto
// the internal packages with no additional logic of their own.
package main

import (
	"fmt"
	"os"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(apierr.ExitCode(err))
	}
}
