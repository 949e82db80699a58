package main

import (
	"fmt"
	"os"

	"github.com/andrei-cloud/procmacro/internal/commands/cli"
)

// main builds the command tree and runs it.
func main() {
	rootCmd, err := cli.NewRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
