package main

import (
	"fmt"
	"os"

	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/run"
	"github.com/mitchellh/cli"
)

func main() {
	app := cli.NewCLI("gamesched", common.VERSION)
	app.Args = os.Args[1:]
	app.Commands = run.Commands()

	status, err := app.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: ", err)
	}

	os.Exit(status)
}
