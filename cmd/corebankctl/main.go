package main

import (
	"os"

	"github.com/odyssey-erp/corebank/cmd/corebankctl/cli"
)

func main() {
	ctl := &cli.App{}
	if err := cli.NewRootCommand(ctl).Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(ctl.ExitCode())
}
