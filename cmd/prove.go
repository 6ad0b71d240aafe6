package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/logging"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/proof"
)

// ProveCommand creates the prove command
func ProveCommand() *cli.Command {
	return &cli.Command{
		Name:  "prove",
		Usage: "Resolve the chain and prove the element holds the device private key",
		Flags: append(deviceFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		),
		Action: runProveCommand,
	}
}

func runProveCommand(ctx context.Context, cmd *cli.Command) error {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.resolve(ctx, cmd)
	if err != nil {
		return err
	}

	responder := proof.NewResponder(proof.Options{Log: logging.WithComponent(e.log, "proof")})
	result, err := responder.ProvePossession(res, e.cfg.Device.KeySlot, e.session.Device)
	if err != nil {
		return fmt.Errorf("proof of possession failed: %w", err)
	}

	w := writer(cmd)
	if cmd.Bool("json") {
		jsonBytes, err := json.MarshalIndent(map[string]any{
			"valid":     result.Valid,
			"source":    res.Source(),
			"device":    res.DeviceCert().Subject(),
			"challenge": hex.EncodeToString(result.Challenge),
			"signature": hex.EncodeToString(result.Signature.Bytes()),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(jsonBytes))
		return nil
	}

	fmt.Fprintf(w, "=== Proof of Possession ===\n")
	fmt.Fprintf(w, "Device:    %s\n", res.DeviceCert().Subject())
	fmt.Fprintf(w, "Source:    %s\n", res.Source())
	fmt.Fprintf(w, "Challenge: %s\n", hex.EncodeToString(result.Challenge))
	fmt.Fprintf(w, "Signature: %s\n", hex.EncodeToString(result.Signature.Bytes()))
	fmt.Fprintf(w, "Valid:     %t\n", result.Valid)
	return nil
}
