// cmd/corvus is the command-line interface to the CORVUS-32 emulator.
package main

import (
	"context"
	"os"

	"github.com/corvus-vm/corvus/internal/cli"
	"github.com/corvus-vm/corvus/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Runner(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
