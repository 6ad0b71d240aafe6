package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/resolver"
)

// ResolveCommand creates the resolve command
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve and verify the secure element certificate chain",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:  "out-dir",
				Usage: "Directory to write root.pem, signer.pem and device.pem",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		),
		Action: runResolveCommand,
	}
}

// resolveOutput is the JSON form of a resolution.
type resolveOutput struct {
	Session string   `json:"session"`
	Serial  string   `json:"serial"`
	Source  string   `json:"source"`
	Trace   []string `json:"trace"`
	Device  string   `json:"device"`
	Signer  string   `json:"signer"`
	Root    string   `json:"root,omitempty"`
	ThingID string   `json:"thingId,omitempty"`
}

func newResolveOutput(res *resolver.Resolution) resolveOutput {
	bundle := res.Bundle()
	out := resolveOutput{
		Session: res.SessionID().String(),
		Serial:  serialHex(res.Serial()),
		Source:  string(res.Source()),
		Device:  bundle.Device.Subject(),
		Signer:  bundle.Signer.Subject(),
	}
	for _, s := range res.Trace() {
		out.Trace = append(out.Trace, string(s))
	}
	if bundle.Root != nil {
		out.Root = bundle.Root.Subject()
	}
	if id, err := bundle.Device.ThingID(); err == nil {
		out.ThingID = id
	}
	return out
}

func runResolveCommand(ctx context.Context, cmd *cli.Command) error {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.resolve(ctx, cmd)
	if err != nil {
		return err
	}

	if dir := cmd.String("out-dir"); dir != "" {
		if err := writeBundlePEM(dir, res); err != nil {
			return err
		}
	}

	out := newResolveOutput(res)
	w := writer(cmd)
	if cmd.Bool("json") {
		jsonBytes, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(jsonBytes))
		return nil
	}

	fmt.Fprintf(w, "=== Trust Chain Resolved ===\n")
	fmt.Fprintf(w, "Serial: %s\n", out.Serial)
	fmt.Fprintf(w, "Source: %s\n", out.Source)
	fmt.Fprintf(w, "Trace:  %v\n", out.Trace)
	fmt.Fprintf(w, "Device: %s\n", out.Device)
	fmt.Fprintf(w, "Signer: %s\n", out.Signer)
	if out.Root != "" {
		fmt.Fprintf(w, "Root:   %s\n", out.Root)
	}
	if out.ThingID != "" {
		fmt.Fprintf(w, "Thing ID: %s\n", out.ThingID)
	}
	return nil
}

func writeBundlePEM(dir string, res *resolver.Resolution) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	bundle := res.Bundle()
	files := map[string][]byte{
		"signer.pem": bundle.Signer.PEM(),
		"device.pem": bundle.Device.PEM(),
	}
	if bundle.Root != nil {
		files["root.pem"] = bundle.Root.PEM()
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
