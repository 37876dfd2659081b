package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/fedinbox/cmd/flags"
	"github.com/ruteri/fedinbox/common"
	"github.com/ruteri/fedinbox/directory"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/ruteri/fedinbox/ledger"
	"github.com/urfave/cli/v2"
)

var flagUsername *cli.StringFlag = &cli.StringFlag{
	Name:     "username",
	Required: true,
	Usage:    "local actor username",
}
var flagName *cli.StringFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "display name",
}
var flagSummary *cli.StringFlag = &cli.StringFlag{
	Name:  "summary",
	Usage: "profile summary",
}

func main() {
	app := &cli.App{
		Name:  "fedinbox-admin",
		Usage: "Manage local actors",
		Flags: append([]cli.Flag{
			flags.LogJsonFlag,
			flags.LogDebugFlag,
			flags.LogServiceFlagFn(common.PackageName + "-admin"),
		}, flags.StoreFlags...),
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "create-actor",
				Usage: "create a local actor with a fresh wrapped signing key",
				Flags: []cli.Flag{
					flagUsername,
					flagName,
					flagSummary,
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)

					store, err := flags.OpenStore(cCtx, logger)
					if err != nil {
						return err
					}
					defer store.Close()

					vault, err := flags.OpenKeyVault(cCtx, logger)
					if err != nil {
						return err
					}

					dir := directory.New(store, nil, vault, logger)
					actor, err := dir.ProvisionLocal(cCtx.Context,
						cCtx.String(flags.BaseURLFlag.Name),
						cCtx.String(flagUsername.Name),
						interfaces.ActorProperties{
							Name:    cCtx.String(flagName.Name),
							Summary: cCtx.String(flagSummary.Name),
						})
					if err != nil {
						return fmt.Errorf("failed to create actor: %w", err)
					}

					out, err := json.MarshalIndent(actor, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
			&cli.Command{
				Name:  "list-followers",
				Usage: "print the accepted followers of a local actor",
				Flags: []cli.Flag{
					flagUsername,
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)

					store, err := flags.OpenStore(cCtx, logger)
					if err != nil {
						return err
					}
					defer store.Close()

					dir := directory.New(store, nil, nil, logger)
					actor, err := dir.LocalByUsername(cCtx.Context,
						cCtx.String(flags.BaseURLFlag.Name),
						cCtx.String(flagUsername.Name))
					if err != nil {
						return fmt.Errorf("failed to look up actor: %w", err)
					}

					followers, err := ledger.New(store, logger).ListFollowers(cCtx.Context, actor.ID)
					if err != nil {
						return err
					}
					for _, follower := range followers {
						fmt.Println(follower)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
