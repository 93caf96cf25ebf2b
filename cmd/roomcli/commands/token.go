package commands

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dtelecom/roomkit/pkg/auth"
	"github.com/dtelecom/roomkit/pkg/utils"
)

var (
	KeyCommands = []*cli.Command{
		{
			Name:   "generate-keys",
			Usage:  "generates an API key and secret pair",
			Action: generateKeys,
		},
	}

	TokenCommands = []*cli.Command{
		{
			Name:   "create-token",
			Usage:  "create a join token for a room",
			Action: createToken,
			Flags: []cli.Flag{
				apiKeyFlag,
				secretFlag,
				&cli.StringFlag{
					Name:    "participant",
					Aliases: []string{"p"},
					Usage:   "unique identity of the participant, generated if omitted",
				},
				&cli.StringFlag{
					Name:    "room",
					Aliases: []string{"r"},
					Usage:   "name of the room to join",
				},
				&cli.BoolFlag{
					Name:  "create",
					Usage: "allow the token to create the room",
				},
				&cli.DurationFlag{
					Name:  "valid-for",
					Usage: "how long the token stays valid",
					Value: 6 * time.Hour,
				},
			},
		},
		{
			Name:   "verify-token",
			Usage:  "decode and verify a join token",
			Action: verifyToken,
			Flags: []cli.Flag{
				secretFlag,
				&cli.StringFlag{
					Name:     "token",
					Usage:    "the token to verify",
					Required: true,
				},
			},
		},
	}
)

func generateKeys(_ *cli.Context) error {
	apiKey := utils.NewGuid(utils.APIKeyPrefix)
	secret := utils.RandomSecret()
	fmt.Println("API Key: ", apiKey)
	fmt.Println("API Secret: ", secret)
	return nil
}

func createToken(c *cli.Context) error {
	if !c.IsSet("api-key") || !c.IsSet("api-secret") {
		return fmt.Errorf("api-key and api-secret are required")
	}
	p := c.String("participant")
	if p == "" {
		p = utils.NewGuid(utils.ParticipantPrefix)
	}
	room := c.String("room")
	if room == "" {
		return fmt.Errorf("room name is required")
	}

	grant := &auth.VideoGrant{
		RoomJoin:   true,
		RoomCreate: c.Bool("create"),
		Room:       room,
	}

	token, err := auth.NewAccessToken(c.String("api-key"), c.String("api-secret")).
		SetIdentity(p).
		SetValidFor(c.Duration("valid-for")).
		AddGrant(grant).
		ToJWT()
	if err != nil {
		return err
	}

	fmt.Println("access token: ", token)
	return nil
}

func verifyToken(c *cli.Context) error {
	verifier, err := auth.ParseAPIToken(c.String("token"))
	if err != nil {
		return err
	}
	fmt.Println("API key: ", verifier.APIKey())
	fmt.Println("identity: ", verifier.Identity())

	if !c.IsSet("api-secret") {
		return nil
	}
	verifier.SetSecretKey(c.String("api-secret"))
	claims, err := verifier.Verify()
	if err != nil {
		return err
	}
	PrintJSON(claims)
	return nil
}
