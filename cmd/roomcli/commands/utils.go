package commands

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

var (
	apiKeyFlag = &cli.StringFlag{
		Name:    "api-key",
		EnvVars: []string{"ROOMKIT_API_KEY"},
	}
	secretFlag = &cli.StringFlag{
		Name:    "api-secret",
		EnvVars: []string{"ROOMKIT_API_SECRET"},
	}
)

func PrintJSON(obj interface{}) {
	txt, _ := json.Marshal(obj)
	fmt.Println(string(txt))
}
