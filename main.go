package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/cmd"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "se-provision",
		Usage: "Secure element trust chain provisioning",
		Commands: []*cli.Command{
			cmd.ResolveCommand(),
			cmd.ProveCommand(),
			cmd.TokenCommand(),
			cmd.ManifestCommand(),
			cmd.BackupCommand(),
			cmd.ThingIDCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
