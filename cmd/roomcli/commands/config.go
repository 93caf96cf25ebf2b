package commands

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/dtelecom/roomkit/pkg/config"
)

var (
	ConfigCommands = []*cli.Command{
		{
			Name:   "print-config",
			Usage:  "print the effective configuration after defaults are applied",
			Action: printConfig,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "config",
					Usage: "path to roomkit config file",
				},
				&cli.BoolFlag{
					Name:   "disable-strict-config",
					Usage:  "disables strict config parsing",
					Hidden: true,
				},
			},
		},
	}
)

func printConfig(c *cli.Context) error {
	confString := ""
	if path := c.String("config"); path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		confString = string(body)
	}

	conf, err := config.NewConfig(confString, !c.Bool("disable-strict-config"), nil)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
