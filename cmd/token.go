package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/token"
)

// TokenCommand creates the token command
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a short-lived device-signed token",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:  "audience",
				Usage: "Token audience, e.g. the cloud project id",
			},
			&cli.StringFlag{
				Name:  "ttl",
				Usage: "Token lifetime (default 20m)",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Verify the minted token against the device certificate",
			},
		),
		Action: runTokenCommand,
	}
}

func runTokenCommand(ctx context.Context, cmd *cli.Command) error {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.cfg.Token.Audience == "" {
		return fmt.Errorf("--audience or token.audience must be provided")
	}
	ttl, err := e.cfg.TokenTTL()
	if err != nil {
		return fmt.Errorf("invalid token ttl: %w", err)
	}

	res, err := e.resolve(ctx, cmd)
	if err != nil {
		return err
	}

	now := time.Now()
	tok, err := token.NewSigner(ttl).Mint(res, e.cfg.Token.Audience, e.cfg.Device.KeySlot, e.session.Device, now)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}

	if cmd.Bool("verify") {
		pub, err := res.DeviceCert().PublicKey()
		if err != nil {
			return err
		}
		if _, err := token.VerifyAt(tok, pub, now); err != nil {
			return fmt.Errorf("minted token does not verify: %w", err)
		}
		e.log.Info("token verified", "audience", e.cfg.Token.Audience)
	}

	fmt.Fprintln(writer(cmd), tok)
	return nil
}
