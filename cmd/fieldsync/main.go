// Package main is the fieldsync command.
package main

import (
	"fmt"
	"os"

	"github.com/fieldcrm/fieldsync/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	root := cli.NewRootCommand()
	root.Version = Version
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
