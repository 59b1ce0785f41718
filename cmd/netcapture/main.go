package main

import (
	"fmt"
	"os"

	"netcapture/internal/cli"
	obs "netcapture/internal/infrastructure/observability"
)

func main() {
	cmd := cli.NewRootCommand(obs.Version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
