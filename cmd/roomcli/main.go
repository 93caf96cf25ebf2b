package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dtelecom/roomkit/cmd/roomcli/commands"
	clientlogger "github.com/dtelecom/roomkit/pkg/logger"
)

// command line util for working with roomkit credentials and config
func main() {
	app := &cli.App{
		Name:  "roomcli",
		Usage: "roomkit credential and configuration utility",
	}

	app.Commands = append(app.Commands, commands.KeyCommands...)
	app.Commands = append(app.Commands, commands.TokenCommands...)
	app.Commands = append(app.Commands, commands.ConfigCommands...)

	clientlogger.InitDevelopment("")
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}
