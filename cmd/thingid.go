package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// ThingIDCommand creates the thing-id command
func ThingIDCommand() *cli.Command {
	return &cli.Command{
		Name:  "thing-id",
		Usage: "Print the thing id (subject key identifier) of a device certificate",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:  "cert",
				Usage: "Device certificate file; when absent the element chain is resolved",
			},
		),
		Action: runThingIDCommand,
	}
}

func runThingIDCommand(ctx context.Context, cmd *cli.Command) error {
	var cert *certs.Certificate
	if path := cmd.String("cert"); path != "" {
		loaded, err := certs.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		cert = loaded
	} else {
		e, err := openEnv(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		res, err := e.resolve(ctx, cmd)
		if err != nil {
			return err
		}
		cert = res.DeviceCert()
	}

	id, err := cert.ThingID()
	if err != nil {
		return err
	}
	fmt.Fprintln(writer(cmd), id)
	return nil
}
